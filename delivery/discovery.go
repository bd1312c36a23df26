package delivery

import "context"

// WorkerID is the opaque, discovery-provided identity of a worker
// endpoint. Equality of WorkerID values is how the router recognizes
// the same worker across snapshots.
type WorkerID string

// WorkerSnapshot is a point-in-time view of the consumer endpoints
// currently registered under a service key. Additions and removals are
// observed with eventual consistency; duplicate notifications and
// missed terminations are expected and tolerated by the router (the
// PC-level resend logic is what actually recovers from them, not the
// registry).
type WorkerSnapshot[T any] struct {
	Workers map[WorkerID]ConsumerEndpoint[T]
}

// ServiceDiscovery is the collaborator a WorkPullingRouter subscribes
// to for its worker set. Watch must keep delivering snapshots for the
// lifetime of ctx; the channel is closed when ctx is done or the
// subscription otherwise ends.
type ServiceDiscovery[T any] interface {
	Watch(ctx context.Context, serviceKey string) (<-chan WorkerSnapshot[T], error)
}

// StaticDiscovery is a ServiceDiscovery backed by a fixed worker set,
// useful for tests and single-process demos where membership never
// changes after construction.
type StaticDiscovery[T any] struct {
	workers map[WorkerID]ConsumerEndpoint[T]
}

// NewStaticDiscovery returns a StaticDiscovery publishing workers once.
func NewStaticDiscovery[T any](workers map[WorkerID]ConsumerEndpoint[T]) *StaticDiscovery[T] {
	return &StaticDiscovery[T]{workers: workers}
}

// Watch implements ServiceDiscovery. It emits a single snapshot
// immediately, returns at once, and closes the channel once ctx is done.
func (d *StaticDiscovery[T]) Watch(ctx context.Context, _ string) (<-chan WorkerSnapshot[T], error) {
	ch := make(chan WorkerSnapshot[T], 1)
	ch <- WorkerSnapshot[T]{Workers: d.workers}
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}
