package amqp

import (
	"context"
	"encoding/json"

	wamqp "github.com/flowmesh/delivery/amqp"
	"github.com/flowmesh/delivery/delivery"
	"github.com/flowmesh/delivery/errors"
	xlog "github.com/flowmesh/delivery/log"
)

// DataHandler receives SequencedMessage records decoded off a queue; it
// is the consumer side's hook into whatever delivers them onward (a
// ConsumerController's Consume, a user callback, a test probe).
type DataHandler[T any] func(delivery.SequencedMessage[T]) error

// DataListener subscribes to a queue carrying SequencedMessage frames
// and invokes a DataHandler for each, binding ReplyTo to a fixed control
// address pointing back at the originating producer or worker slot.
type DataListener[T any] struct {
	consumer *wamqp.Consumer
	control  delivery.ControlEndpoint
	handler  DataHandler[T]
	log      xlog.Logger
}

// NewDataListener returns a DataListener. control is the address the
// decoded SequencedMessage.ReplyTo will point to for every delivery.
func NewDataListener[T any](consumer *wamqp.Consumer, control delivery.ControlEndpoint, handler DataHandler[T]) *DataListener[T] {
	return &DataListener[T]{consumer: consumer, control: control, handler: handler, log: xlog.Discard()}
}

// WithLogger attaches a logger for decode and handler failures.
func (l *DataListener[T]) WithLogger(ll xlog.Logger) *DataListener[T] {
	l.log = ll
	return l
}

// Run subscribes to queue and processes deliveries until ctx is done or
// the subscription channel closes.
func (l *DataListener[T]) Run(ctx context.Context, queue string) error {
	deliveries, id, err := l.consumer.Subscribe(wamqp.SubscribeOptions{Queue: queue})
	if err != nil {
		return errors.Wrap(err, "subscribe")
	}
	defer func() { _ = l.consumer.CloseSubscription(id) }()
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			l.handle(d)
		}
	}
}

func (l *DataListener[T]) handle(d wamqp.Delivery) {
	defer func() { _ = d.Ack(false) }()

	var f frame
	if err := json.Unmarshal(d.Body, &f); err != nil {
		l.log.WithField("error", err.Error()).Warning("failed to decode frame")
		return
	}
	if f.Kind != kindSequenced {
		l.log.WithField("kind", string(f.Kind)).Warning("unexpected frame on data queue")
		return
	}
	msg, err := decodeSequenced[T](f, l.control)
	if err != nil {
		l.log.WithField("error", err.Error()).Warning("failed to decode sequenced message")
		return
	}
	if l.handler == nil {
		return
	}
	if err := l.handler(msg); err != nil {
		l.log.WithField("error", err.Error()).Warning("data handler error")
	}
}

// ControlTarget is satisfied directly by *delivery.ProducerController[T],
// and by the per-worker adapter in this package for
// *delivery.WorkPullingRouter[T].
type ControlTarget interface {
	HandleRequest(delivery.Request) error
	HandleAck(delivery.Ack) error
	HandleResend(delivery.Resend) error
}

// workerControlTarget adapts a WorkPullingRouter plus a fixed WorkerID
// into a ControlTarget, so one ControlListener per worker queue can
// dispatch into the router's single event loop.
type workerControlTarget[T any] struct {
	router *delivery.WorkPullingRouter[T]
	worker delivery.WorkerID
}

// NewWorkerControlTarget returns a ControlTarget scoped to a single
// worker slot of router.
func NewWorkerControlTarget[T any](router *delivery.WorkPullingRouter[T], worker delivery.WorkerID) ControlTarget {
	return workerControlTarget[T]{router: router, worker: worker}
}

func (t workerControlTarget[T]) HandleRequest(r delivery.Request) error {
	return t.router.HandleRequest(t.worker, r)
}
func (t workerControlTarget[T]) HandleAck(a delivery.Ack) error {
	return t.router.HandleAck(t.worker, a)
}
func (t workerControlTarget[T]) HandleResend(r delivery.Resend) error {
	return t.router.HandleResend(t.worker, r)
}

// controlCounters is the subset of metrics.ControlCounters this package
// needs; kept as a local interface so transport/amqp does not import
// package metrics just to accept an optional counter.
type controlCounters interface {
	Request()
	Ack()
	Resend()
}

// ControlListener subscribes to a producer's (or a worker slot's)
// control queue and dispatches decoded Request, Ack and Resend frames
// into a ControlTarget.
type ControlListener struct {
	consumer *wamqp.Consumer
	target   ControlTarget
	log      xlog.Logger
	counters controlCounters
}

// NewControlListener returns a ControlListener dispatching into target.
func NewControlListener(consumer *wamqp.Consumer, target ControlTarget) *ControlListener {
	return &ControlListener{consumer: consumer, target: target, log: xlog.Discard()}
}

// WithLogger attaches a logger for decode and dispatch failures.
func (l *ControlListener) WithLogger(ll xlog.Logger) *ControlListener {
	l.log = ll
	return l
}

// WithCounters attaches a metrics.ControlCounters instance, incremented
// once per handled frame.
func (l *ControlListener) WithCounters(c controlCounters) *ControlListener {
	l.counters = c
	return l
}

// Run subscribes to queue and processes deliveries until ctx is done or
// the subscription channel closes.
func (l *ControlListener) Run(ctx context.Context, queue string) error {
	deliveries, id, err := l.consumer.Subscribe(wamqp.SubscribeOptions{Queue: queue})
	if err != nil {
		return errors.Wrap(err, "subscribe")
	}
	defer func() { _ = l.consumer.CloseSubscription(id) }()
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			l.handle(d)
		}
	}
}

func (l *ControlListener) handle(d wamqp.Delivery) {
	defer func() { _ = d.Ack(false) }()

	var f frame
	if err := json.Unmarshal(d.Body, &f); err != nil {
		l.log.WithField("error", err.Error()).Warning("failed to decode frame")
		return
	}

	var err error
	switch f.Kind {
	case kindRequest:
		err = l.target.HandleRequest(delivery.Request{
			ConfirmedSeqNr: delivery.SeqNr(f.ConfirmedSeqNr),
			UpToSeqNr:      delivery.SeqNr(f.UpToSeqNr),
			SupportResend:  f.SupportResend,
			ViaTimeout:     f.ViaTimeout,
		})
		if l.counters != nil {
			l.counters.Request()
		}
	case kindAck:
		err = l.target.HandleAck(delivery.Ack{ConfirmedSeqNr: delivery.SeqNr(f.ConfirmedSeqNr)})
		if l.counters != nil {
			l.counters.Ack()
		}
	case kindResend:
		err = l.target.HandleResend(delivery.Resend{FromSeqNr: delivery.SeqNr(f.FromSeqNr)})
		if l.counters != nil {
			l.counters.Resend()
		}
	default:
		l.log.WithField("kind", string(f.Kind)).Warning("unexpected frame on control queue")
		return
	}
	if err != nil {
		l.log.WithField("error", err.Error()).Warning("control handler error")
	}
}
