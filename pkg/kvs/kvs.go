// Package kvs implements the PMI key-value exchange that launched tasks use
// to publish and discover each other's endpoints.
//
// Tasks put key-value pairs into named spaces, then either look up single
// keys or join the exchange barrier. When every task of the step has joined
// the barrier, each requester is sent the complete contents of all spaces.
package kvs

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shizhuolin/slurm/pkg/protocol"
)

// Status codes returned by Put and Get.
const (
	StatusSuccess        int32 = protocol.RCSuccess
	StatusError          int32 = protocol.RCError
	StatusNotFound       int32 = 7101
	StatusInvalidRequest int32 = 7102
)

// Backend stores the key-value data.
type Backend interface {
	Set(key string, value []byte, ttlSeconds int64) error
	Get(key string) ([]byte, bool, error)
	Delete(key string) error
	Exists(key string) (bool, error)
}

// Pusher delivers key-value data to a requesting task.
type Pusher interface {
	SendOnly(ctx context.Context, addr string, m *protocol.Message) error
}

// Service answers PMI put and get requests.
type Service struct {
	backend Backend
	pusher  Pusher
	logger  *slog.Logger
	ttl     int64

	mu      sync.Mutex
	index   map[string][]string // space -> keys in insertion order
	waiting []*protocol.KVSGetMsg
	pushes  sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithPusher sets how barrier results are delivered to tasks.
func WithPusher(p Pusher) Option {
	return func(s *Service) { s.pusher = p }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithTTL expires stored pairs after ttl, rounded up to whole seconds.
// Zero keeps them until the backend is dropped.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = int64((ttl + time.Second - 1) / time.Second)
		}
	}
}

// New creates a Service over backend.
func New(backend Backend, opts ...Option) *Service {
	s := &Service{
		backend: backend,
		logger:  slog.Default(),
		index:   make(map[string][]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "kvs")
	return s
}

func storageKey(space, key string) string {
	return space + "/" + key
}

// Put stores every pair of set.
func (s *Service) Put(_ context.Context, set *protocol.KVSCommSet) int32 {
	if set == nil {
		return StatusInvalidRequest
	}
	for _, comm := range set.Comms {
		if comm.Name == "" || len(comm.Keys) != len(comm.Values) {
			return StatusInvalidRequest
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, comm := range set.Comms {
		for i, k := range comm.Keys {
			sk := storageKey(comm.Name, k)
			existed, err := s.backend.Exists(sk)
			if err != nil {
				s.logger.Error("kvs lookup failed", "key", sk, "error", err)
				return StatusError
			}
			if err := s.backend.Set(sk, []byte(comm.Values[i]), s.ttl); err != nil {
				s.logger.Error("kvs store failed", "key", sk, "error", err)
				return StatusError
			}
			if !existed {
				s.index[comm.Name] = append(s.index[comm.Name], k)
			}
		}
	}
	s.logger.Debug("kvs put", "task", set.TaskID, "spaces", len(set.Comms))
	return StatusSuccess
}

// Get answers a single-key lookup, or registers req in the exchange barrier.
func (s *Service) Get(ctx context.Context, req *protocol.KVSGetMsg) int32 {
	if req == nil {
		return StatusInvalidRequest
	}
	if req.Key != "" {
		return s.lookup(ctx, req)
	}
	if req.Size == 0 {
		return StatusInvalidRequest
	}

	s.mu.Lock()
	s.waiting = append(s.waiting, req)
	if len(s.waiting) < int(req.Size) {
		s.mu.Unlock()
		return StatusSuccess
	}
	waiting := s.waiting
	s.waiting = nil
	set, err := s.snapshotLocked()
	s.mu.Unlock()
	if err != nil {
		s.logger.Error("kvs snapshot failed", "error", err)
		return StatusError
	}

	s.push(waiting, set)
	return StatusSuccess
}

func (s *Service) lookup(ctx context.Context, req *protocol.KVSGetMsg) int32 {
	value, ok, err := s.backend.Get(storageKey(req.KVSName, req.Key))
	if err != nil {
		s.logger.Error("kvs lookup failed", "space", req.KVSName, "key", req.Key, "error", err)
		return StatusError
	}
	if !ok {
		return StatusNotFound
	}
	if req.Hostname != "" && req.Port != 0 {
		set := &protocol.KVSCommSet{Comms: []protocol.KVSComm{{
			Name: req.KVSName, Keys: []string{req.Key}, Values: []string{string(value)},
		}}}
		s.push([]*protocol.KVSGetMsg{req}, set)
	}
	return StatusSuccess
}

func (s *Service) snapshotLocked() (*protocol.KVSCommSet, error) {
	set := &protocol.KVSCommSet{}
	for space, keys := range s.index {
		comm := protocol.KVSComm{Name: space}
		for _, k := range keys {
			v, ok, err := s.backend.Get(storageKey(space, k))
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			comm.Keys = append(comm.Keys, k)
			comm.Values = append(comm.Values, string(v))
		}
		set.Comms = append(set.Comms, comm)
	}
	return set, nil
}

// push delivers set to every requester in the background.
func (s *Service) push(reqs []*protocol.KVSGetMsg, set *protocol.KVSCommSet) {
	if s.pusher == nil {
		return
	}
	s.pushes.Add(1)
	go func() {
		defer s.pushes.Done()
		g, ctx := errgroup.WithContext(context.Background())
		g.SetLimit(16)
		for _, r := range reqs {
			addr := net.JoinHostPort(r.Hostname, strconv.Itoa(int(r.Port)))
			g.Go(func() error {
				msg := &protocol.Message{Type: protocol.PMIKVSGetResp, Data: &protocol.KVSGetResponse{Set: *set}}
				if err := s.pusher.SendOnly(ctx, addr, msg); err != nil {
					s.logger.Warn("kvs push failed", "task", r.TaskID, "addr", addr, "error", err)
				}
				return nil
			})
		}
		_ = g.Wait()
	}()
}

// Close waits for in-flight pushes.
func (s *Service) Close() {
	s.pushes.Wait()
}
