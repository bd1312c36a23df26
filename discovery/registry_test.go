package discovery

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	tdd "github.com/stretchr/testify/assert"

	"github.com/flowmesh/delivery/delivery"
)

func TestFileSource_Workers(t *testing.T) {
	assert := tdd.New(t)
	path := filepath.Join(t.TempDir(), "registry.json")
	body := `{"orders": {"worker-1": "orders.worker-1", "worker-2": "orders.worker-2"}}`
	assert.NoError(os.WriteFile(path, []byte(body), 0o600))

	src := NewFileSource(path)
	workers, err := src.Workers("orders")
	assert.NoError(err)
	assert.Equal(map[delivery.WorkerID]string{
		"worker-1": "orders.worker-1",
		"worker-2": "orders.worker-2",
	}, workers)

	// A service key absent from the table resolves to an empty set, not
	// an error - a router for a not-yet-deployed service should just see
	// no workers, not fail to start.
	empty, err := src.Workers("unknown-service")
	assert.NoError(err)
	assert.Empty(empty)
}

func TestFileSource_Workers_MissingFile(t *testing.T) {
	src := NewFileSource(filepath.Join(t.TempDir(), "missing.json"))
	_, err := src.Workers("orders")
	tdd.New(t).Error(err)
}

// fakeSource lets a test swap out the worker table Registry polls on
// each call, to drive successive polls deterministically.
type fakeSource struct {
	tables []map[delivery.WorkerID]string
	calls  int
	err    error
}

func (s *fakeSource) Workers(string) (map[delivery.WorkerID]string, error) {
	if s.err != nil {
		return nil, s.err
	}
	idx := s.calls
	if idx >= len(s.tables) {
		idx = len(s.tables) - 1
	}
	s.calls++
	return s.tables[idx], nil
}

func echoFactory(id delivery.WorkerID, addr string) delivery.ConsumerEndpoint[string] {
	return delivery.ConsumerEndpointFunc[string](func(delivery.SequencedMessage[string]) error { return nil })
}

func TestRegistry_Watch_PublishesInitialSnapshot(t *testing.T) {
	assert := tdd.New(t)
	src := &fakeSource{tables: []map[delivery.WorkerID]string{
		{"w1": "addr-1"},
	}}
	reg := NewRegistry[string](src, echoFactory, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := reg.Watch(ctx, "orders")
	assert.NoError(err)

	snap := <-ch
	assert.Len(snap.Workers, 1)
	_, ok := snap.Workers["w1"]
	assert.True(ok)
}

func TestRegistry_Watch_PollsOnInterval(t *testing.T) {
	assert := tdd.New(t)
	src := &fakeSource{tables: []map[delivery.WorkerID]string{
		{"w1": "addr-1"},
		{"w1": "addr-1", "w2": "addr-2"},
	}}
	reg := NewRegistry[string](src, echoFactory, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := reg.Watch(ctx, "orders")
	assert.NoError(err)

	first := <-ch
	assert.Len(first.Workers, 1)

	select {
	case second := <-ch:
		assert.Len(second.Workers, 2)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for second poll")
	}
}

func TestRegistry_Watch_InitialSourceErrorFailsConstruction(t *testing.T) {
	src := &fakeSource{err: os.ErrNotExist}
	reg := NewRegistry[string](src, echoFactory, time.Hour)

	_, err := reg.Watch(context.Background(), "orders")
	tdd.New(t).Error(err)
}

// A negative or zero interval falls back to the package default instead
// of producing a busy-polling ticker.
func TestNewRegistry_DefaultsNonPositiveInterval(t *testing.T) {
	reg := NewRegistry[string](&fakeSource{tables: []map[delivery.WorkerID]string{{}}}, echoFactory, 0)
	tdd.New(t).Equal(delivery.DefaultPruningInterval, reg.interval)
}
