// Package discovery implements delivery.ServiceDiscovery as a polling
// registry: a Source is re-read on a fixed interval and diffed only
// implicitly - every poll publishes a full WorkerSnapshot and the router
// reconciles membership itself, tolerating duplicate and missed
// notifications from any registry implementation.
package discovery

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/flowmesh/delivery/delivery"
	"github.com/flowmesh/delivery/errors"
	xlog "github.com/flowmesh/delivery/log"
)

// Source resolves the worker set currently registered under a service
// key to a map of opaque worker ID to transport-specific address (for
// example, an AMQP queue name). It is the one piece a real deployment
// swaps in - a file for tests and small deployments, a proper registry
// client (etcd, consul, k8s) for anything larger.
type Source interface {
	Workers(serviceKey string) (map[delivery.WorkerID]string, error)
}

// EndpointFactory builds the concrete delivery.ConsumerEndpoint a
// worker's address resolves to; it is how Registry stays transport
// agnostic while still producing usable WorkerSnapshot values.
type EndpointFactory[T any] func(id delivery.WorkerID, address string) delivery.ConsumerEndpoint[T]

// Registry is a delivery.ServiceDiscovery that polls a Source on a
// fixed interval.
type Registry[T any] struct {
	source   Source
	factory  EndpointFactory[T]
	interval time.Duration
	log      xlog.Logger
}

// NewRegistry returns a Registry polling source every interval and
// turning resolved addresses into endpoints via factory.
func NewRegistry[T any](source Source, factory EndpointFactory[T], interval time.Duration) *Registry[T] {
	if interval <= 0 {
		interval = delivery.DefaultPruningInterval
	}
	return &Registry[T]{source: source, factory: factory, interval: interval, log: xlog.Discard()}
}

// WithLogger attaches a logger for poll failures.
func (r *Registry[T]) WithLogger(ll xlog.Logger) *Registry[T] {
	r.log = ll
	return r
}

// Watch implements delivery.ServiceDiscovery. It publishes an initial
// snapshot synchronously (a Source error here fails construction, since
// a router with no worker set at all cannot make progress) and then
// keeps polling in the background until ctx is done.
func (r *Registry[T]) Watch(ctx context.Context, serviceKey string) (<-chan delivery.WorkerSnapshot[T], error) {
	snap, err := r.poll(serviceKey)
	if err != nil {
		return nil, err
	}
	ch := make(chan delivery.WorkerSnapshot[T], 1)
	ch <- snap
	go r.loop(ctx, serviceKey, ch)
	return ch, nil
}

func (r *Registry[T]) poll(serviceKey string) (delivery.WorkerSnapshot[T], error) {
	addrs, err := r.source.Workers(serviceKey)
	if err != nil {
		return delivery.WorkerSnapshot[T]{}, errors.Wrap(err, "resolve worker set")
	}
	workers := make(map[delivery.WorkerID]delivery.ConsumerEndpoint[T], len(addrs))
	for id, addr := range addrs {
		workers[id] = r.factory(id, addr)
	}
	return delivery.WorkerSnapshot[T]{Workers: workers}, nil
}

func (r *Registry[T]) loop(ctx context.Context, serviceKey string, ch chan delivery.WorkerSnapshot[T]) {
	defer close(ch)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := r.poll(serviceKey)
			if err != nil {
				r.log.WithField("error", err.Error()).Warning("failed to poll worker registry")
				continue
			}
			select {
			case ch <- snap:
			case <-ctx.Done():
				return
			}
		}
	}
}

// FileSource is a Source backed by a JSON file mapping service keys to
// a worker-id/address table:
//
//	{"orders": {"worker-1": "orders.worker-1", "worker-2": "orders.worker-2"}}
//
// Suitable for tests and small, single-operator deployments where
// membership changes are deployed, not discovered.
type FileSource struct {
	path string
}

// NewFileSource returns a FileSource reading from path on every poll.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Workers implements Source.
func (s *FileSource) Workers(serviceKey string) (map[delivery.WorkerID]string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, errors.Wrap(err, "read registry file")
	}
	var table map[string]map[string]string
	if err := json.Unmarshal(data, &table); err != nil {
		return nil, errors.Wrap(err, "decode registry file")
	}
	out := make(map[delivery.WorkerID]string, len(table[serviceKey]))
	for id, addr := range table[serviceKey] {
		out[delivery.WorkerID(id)] = addr
	}
	return out, nil
}
