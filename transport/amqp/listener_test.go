package amqp

import (
	"context"
	"encoding/json"
	"testing"

	driver "github.com/rabbitmq/amqp091-go"
	tdd "github.com/stretchr/testify/assert"

	"github.com/flowmesh/delivery/delivery"
)

// noopAcknowledger satisfies driver.Acknowledger so a Delivery can be
// constructed in tests without a live broker channel behind it.
type noopAcknowledger struct{}

func (noopAcknowledger) Ack(uint64, bool) error        { return nil }
func (noopAcknowledger) Nack(uint64, bool, bool) error { return nil }
func (noopAcknowledger) Reject(uint64, bool) error     { return nil }

// recordingConsumerEndpoint implements delivery.ConsumerEndpoint for tests
// that only need a router to exist, not to actually deliver anything.
type recordingConsumerEndpoint[T any] struct{}

func (recordingConsumerEndpoint[T]) Deliver(delivery.SequencedMessage[T]) error { return nil }

func deliveryWithFrame(t *testing.T, f frame) driver.Delivery {
	t.Helper()
	body, err := json.Marshal(f)
	tdd.New(t).NoError(err)
	return driver.Delivery{Body: body, Acknowledger: noopAcknowledger{}}
}

// recordingTarget captures every ControlTarget call it receives.
type recordingTarget struct {
	requests []delivery.Request
	acks     []delivery.Ack
	resends  []delivery.Resend
}

func (r *recordingTarget) HandleRequest(req delivery.Request) error {
	r.requests = append(r.requests, req)
	return nil
}

func (r *recordingTarget) HandleAck(a delivery.Ack) error {
	r.acks = append(r.acks, a)
	return nil
}

func (r *recordingTarget) HandleResend(rs delivery.Resend) error {
	r.resends = append(r.resends, rs)
	return nil
}

type recordingCounters struct {
	requests, acks, resends int
}

func (c *recordingCounters) Request() { c.requests++ }
func (c *recordingCounters) Ack()     { c.acks++ }
func (c *recordingCounters) Resend()  { c.resends++ }

func TestControlListener_DispatchesByKind(t *testing.T) {
	assert := tdd.New(t)
	target := &recordingTarget{}
	counters := &recordingCounters{}
	l := NewControlListener(nil, target).WithCounters(counters)

	l.handle(deliveryWithFrame(t, frame{Kind: kindRequest, ConfirmedSeqNr: 1, UpToSeqNr: 10, SupportResend: true}))
	l.handle(deliveryWithFrame(t, frame{Kind: kindAck, ConfirmedSeqNr: 4}))
	l.handle(deliveryWithFrame(t, frame{Kind: kindResend, FromSeqNr: 2}))

	assert.Len(target.requests, 1)
	assert.Equal(delivery.SeqNr(1), target.requests[0].ConfirmedSeqNr)
	assert.True(target.requests[0].SupportResend)
	assert.Len(target.acks, 1)
	assert.Equal(delivery.SeqNr(4), target.acks[0].ConfirmedSeqNr)
	assert.Len(target.resends, 1)
	assert.Equal(delivery.SeqNr(2), target.resends[0].FromSeqNr)

	assert.Equal(1, counters.requests)
	assert.Equal(1, counters.acks)
	assert.Equal(1, counters.resends)
}

// An unexpected frame kind on the control queue (e.g. a sequenced data
// frame routed there by mistake) is logged and skipped, not dispatched.
func TestControlListener_IgnoresUnexpectedKind(t *testing.T) {
	target := &recordingTarget{}
	l := NewControlListener(nil, target)

	l.handle(deliveryWithFrame(t, frame{Kind: kindSequenced, SeqNr: 1}))

	assert := tdd.New(t)
	assert.Empty(target.requests)
	assert.Empty(target.acks)
	assert.Empty(target.resends)
}

func TestDataListener_DecodesAndInvokesHandler(t *testing.T) {
	assert := tdd.New(t)
	var got delivery.SequencedMessage[string]
	handler := func(msg delivery.SequencedMessage[string]) error {
		got = msg
		return nil
	}
	l := NewDataListener[string](nil, nil, handler)

	payload, err := json.Marshal("hello")
	assert.NoError(err)
	l.handle(deliveryWithFrame(t, frame{
		Kind: kindSequenced, ProducerID: "p-1", SeqNr: 3, First: true, Payload: payload,
	}))

	assert.Equal("p-1", got.ProducerID)
	assert.Equal(delivery.SeqNr(3), got.SeqNr)
	assert.Equal("hello", got.Payload)
	assert.True(got.First)
}

// A frame that isn't sequenced (e.g. stray control traffic on a data
// queue) is logged and dropped without invoking the handler.
func TestDataListener_IgnoresNonSequencedKind(t *testing.T) {
	called := false
	handler := func(delivery.SequencedMessage[string]) error {
		called = true
		return nil
	}
	l := NewDataListener[string](nil, nil, handler)

	l.handle(deliveryWithFrame(t, frame{Kind: kindAck, ConfirmedSeqNr: 1}))

	tdd.New(t).False(called)
}

func TestWorkerControlTarget_ScopesCallsToWorker(t *testing.T) {
	assert := tdd.New(t)
	discovery := delivery.NewStaticDiscovery[string](map[delivery.WorkerID]delivery.ConsumerEndpoint[string]{
		"w1": recordingConsumerEndpoint[string]{},
	})
	router, err := delivery.NewWorkPullingRouter[string](context.Background(), "svc", discovery, delivery.RouterOptions[string]{})
	assert.NoError(err)
	requests := make(chan delivery.RequestNext[string], 1)
	assert.NoError(router.Start(delivery.ChannelProducerRef[string](requests)))
	t.Cleanup(func() { _ = router.Stop(context.Background()) })

	target := NewWorkerControlTarget[string](router, delivery.WorkerID("w1"))
	assert.NoError(target.HandleRequest(delivery.Request{ConfirmedSeqNr: 0, UpToSeqNr: 1}))

	stats := router.GetWorkerStats()
	assert.Equal(1, stats.WorkersWithDemand)
}
