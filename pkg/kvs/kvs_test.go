package kvs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shizhuolin/slurm/pkg/drivers/memstore"
	"github.com/shizhuolin/slurm/pkg/protocol"
)

type recordingPusher struct {
	mu    sync.Mutex
	addrs []string
	sets  []protocol.KVSCommSet
}

func (p *recordingPusher) SendOnly(_ context.Context, addr string, m *protocol.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addrs = append(p.addrs, addr)
	p.sets = append(p.sets, m.Data.(*protocol.KVSGetResponse).Set)
	return nil
}

func newService(t *testing.T) (*Service, *recordingPusher) {
	t.Helper()
	p := &recordingPusher{}
	return New(memstore.New(memstore.Config{}), WithPusher(p)), p
}

func put(task uint32, space string, kv ...string) *protocol.KVSCommSet {
	c := protocol.KVSComm{Name: space}
	for i := 0; i+1 < len(kv); i += 2 {
		c.Keys = append(c.Keys, kv[i])
		c.Values = append(c.Values, kv[i+1])
	}
	return &protocol.KVSCommSet{TaskID: task, Comms: []protocol.KVSComm{c}}
}

func TestService_LookupUnsetKey(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()

	rc := s.Get(ctx, &protocol.KVSGetMsg{KVSName: "kvs0", Key: "missing"})
	assert.Equal(t, StatusNotFound, rc)

	require.Equal(t, StatusSuccess, s.Put(ctx, put(0, "kvs0", "missing", "now-set")))
	assert.Equal(t, StatusSuccess, s.Get(ctx, &protocol.KVSGetMsg{KVSName: "kvs0", Key: "missing"}))
}

func TestService_LookupPushesValue(t *testing.T) {
	s, p := newService(t)
	ctx := context.Background()

	require.Equal(t, StatusSuccess, s.Put(ctx, put(1, "kvs0", "port-1", "7001")))
	rc := s.Get(ctx, &protocol.KVSGetMsg{TaskID: 2, KVSName: "kvs0", Key: "port-1", Hostname: "n2", Port: 9000})
	assert.Equal(t, StatusSuccess, rc)
	s.Close()

	require.Len(t, p.sets, 1)
	assert.Equal(t, "n2:9000", p.addrs[0])
	assert.Equal(t, []string{"7001"}, p.sets[0].Comms[0].Values)
}

func TestService_Barrier(t *testing.T) {
	s, p := newService(t)
	ctx := context.Background()

	require.Equal(t, StatusSuccess, s.Put(ctx, put(0, "kvs0", "a", "1")))
	require.Equal(t, StatusSuccess, s.Put(ctx, put(1, "kvs0", "b", "2", "a", "3")))

	assert.Equal(t, StatusSuccess, s.Get(ctx, &protocol.KVSGetMsg{TaskID: 0, Size: 2, Hostname: "n0", Port: 1}))
	s.Close()
	assert.Empty(t, p.sets, "barrier must hold until every task joined")

	assert.Equal(t, StatusSuccess, s.Get(ctx, &protocol.KVSGetMsg{TaskID: 1, Size: 2, Hostname: "n1", Port: 2}))
	s.Close()

	require.Len(t, p.sets, 2)
	assert.ElementsMatch(t, []string{"n0:1", "n1:2"}, p.addrs)
	for _, set := range p.sets {
		require.Len(t, set.Comms, 1)
		assert.Equal(t, []string{"a", "b"}, set.Comms[0].Keys)
		assert.Equal(t, []string{"3", "2"}, set.Comms[0].Values)
	}
}

func TestService_InvalidRequests(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()

	assert.Equal(t, StatusInvalidRequest, s.Put(ctx, nil))
	assert.Equal(t, StatusInvalidRequest, s.Put(ctx, &protocol.KVSCommSet{Comms: []protocol.KVSComm{{Name: "", Keys: []string{"k"}, Values: []string{"v"}}}}))
	assert.Equal(t, StatusInvalidRequest, s.Get(ctx, nil))
	assert.Equal(t, StatusInvalidRequest, s.Get(ctx, &protocol.KVSGetMsg{}))
}

func TestService_InvalidSetStoresNothing(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()

	set := &protocol.KVSCommSet{TaskID: 0, Comms: []protocol.KVSComm{
		{Name: "kvs0", Keys: []string{"port-0"}, Values: []string{"7000"}},
		{Name: "kvs1", Keys: []string{"a", "b"}, Values: []string{"1"}},
	}}
	assert.Equal(t, StatusInvalidRequest, s.Put(ctx, set))
	assert.Equal(t, StatusNotFound, s.Get(ctx, &protocol.KVSGetMsg{KVSName: "kvs0", Key: "port-0"}))
	assert.Empty(t, s.index)
}

type ttlBackend struct {
	*memstore.MemStore
	ttls []int64
}

func (b *ttlBackend) Set(key string, value []byte, ttlSeconds int64) error {
	b.ttls = append(b.ttls, ttlSeconds)
	return b.MemStore.Set(key, value, ttlSeconds)
}

func TestService_TTL(t *testing.T) {
	tests := []struct {
		name string
		ttl  time.Duration
		want int64
	}{
		{"unset", 0, 0},
		{"whole seconds", 10 * time.Minute, 600},
		{"rounded up", 1500 * time.Millisecond, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &ttlBackend{MemStore: memstore.New(memstore.Config{})}
			s := New(b, WithTTL(tt.ttl))
			require.Equal(t, StatusSuccess, s.Put(context.Background(), put(0, "kvs0", "k", "v")))
			assert.Equal(t, []int64{tt.want}, b.ttls)
		})
	}
}
