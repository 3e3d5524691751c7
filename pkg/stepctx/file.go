package stepctx

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shizhuolin/slurm/pkg/auth"
)

// NodeSpec is one node entry of a step file.
type NodeSpec struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
	CPUs    uint32 `yaml:"cpus"`
}

// File is the YAML description of a step allocation:
//
//	job_id: 42
//	step_id: 0
//	tasks: 4
//	nodes:
//	  - name: node1
//	    address: 10.0.0.1:6818
type File struct {
	JobID         uint32        `yaml:"job_id"`
	StepID        uint32        `yaml:"step_id"`
	UID           *uint32       `yaml:"uid"`
	GID           *uint32       `yaml:"gid"`
	Tasks         int           `yaml:"tasks"`
	Nodes         []NodeSpec    `yaml:"nodes"`
	CredentialTTL time.Duration `yaml:"credential_ttl"`
}

// LoadFile reads a step file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read step file: %w", err)
	}
	return ParseFile(data)
}

// ParseFile parses step file contents and applies defaults.
func ParseFile(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse step file: %w", err)
	}
	if f.Tasks == 0 {
		f.Tasks = len(f.Nodes)
	}
	for i := range f.Nodes {
		if f.Nodes[i].CPUs == 0 {
			f.Nodes[i].CPUs = 1
		}
	}
	return &f, nil
}

// Build produces a signed step context from the file. uid and gid default
// to the signer's process identity when the file leaves them unset.
func (f *File) Build(signer *auth.HMAC) (*Context, error) {
	uid, gid := uint32(os.Getuid()), uint32(os.Getgid())
	if f.UID != nil {
		uid = *f.UID
	}
	if f.GID != nil {
		gid = *f.GID
	}

	c := &Context{
		JobID:     f.JobID,
		StepID:    f.StepID,
		UserID:    uid,
		GroupID:   gid,
		NodeAddrs: make(map[string]string, len(f.Nodes)),
		Layout:    BlockLayout(len(f.Nodes), f.Tasks, 1),
	}
	for i, n := range f.Nodes {
		c.NodeList = append(c.NodeList, n.Name)
		c.NodeAddrs[n.Name] = n.Address
		c.Layout.CPUs[i] = n.CPUs
	}

	cred := &auth.StepCredential{
		JobID:  f.JobID,
		StepID: f.StepID,
		UID:    uid,
		GID:    gid,
		Nodes:  append([]string(nil), c.NodeList...),
	}
	if f.CredentialTTL > 0 {
		cred.Expires = time.Now().Add(f.CredentialTTL).Unix()
	}
	signer.SignStep(cred)
	c.Credential = cred

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid step file: %w", err)
	}
	return c, nil
}
