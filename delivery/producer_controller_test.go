package delivery

import (
	"context"
	"sync"
	"testing"
	"time"

	tdd "github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recordingEndpoint captures every SequencedMessage delivered to it, in
// order, for assertion by the scenarios below.
type recordingEndpoint[T any] struct {
	mu   sync.Mutex
	msgs []SequencedMessage[T]
}

func (e *recordingEndpoint[T]) Deliver(msg SequencedMessage[T]) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.msgs = append(e.msgs, msg)
	return nil
}

func (e *recordingEndpoint[T]) since(n int) []SequencedMessage[T] {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n >= len(e.msgs) {
		return nil
	}
	out := make([]SequencedMessage[T], len(e.msgs)-n)
	copy(out, e.msgs[n:])
	return out
}

func (e *recordingEndpoint[T]) len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.msgs)
}

// awaitLen blocks until the endpoint has received at least n messages or
// the deadline elapses, so scenarios don't race the controller's own
// goroutine.
func (e *recordingEndpoint[T]) awaitLen(t *testing.T, n int) []SequencedMessage[T] {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.len() >= n {
			return e.since(0)
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d deliveries, got %d", n, e.len())
	return nil
}

func newTestPC(t *testing.T, clock Clock) (*ProducerController[string], chan RequestNext[string]) {
	t.Helper()
	pc, err := NewProducerController[string]("p-1", Options[string]{
		SupportResendDefault: true,
		ResendFirstInterval:  time.Second,
		Clock:                clock,
	})
	tdd.New(t).NoError(err)
	t.Cleanup(func() { _ = pc.Stop(context.Background()) })
	requests := make(chan RequestNext[string], 8)
	tdd.New(t).NoError(pc.Start(ChannelProducerRef[string](requests)))
	return pc, requests
}

// Lost first SequencedMessage: the ResendFirst timer must re-emit it.
func TestProducerController_LostFirstMessage(t *testing.T) {
	assert := tdd.New(t)
	clock := NewManualClock()
	pc, requests := newTestPC(t, clock)
	endpoint := &recordingEndpoint[string]{}

	assert.NoError(pc.RegisterConsumer(endpoint))
	<-requests
	assert.NoError(pc.Msg("msg-1"))

	got := endpoint.awaitLen(t, 1)
	assert.Equal(SeqNr(1), got[0].SeqNr)
	assert.True(got[0].First)
	assert.Equal("msg-1", got[0].Payload)

	// Simulated loss: the ResendFirst timer fires before any Request
	// arrives, re-emitting seq 1 with first=true.
	clock.Fire()
	got = endpoint.awaitLen(t, 2)
	assert.Equal(SeqNr(1), got[1].SeqNr)
	assert.True(got[1].First)

	assert.NoError(pc.HandleRequest(Request{ConfirmedSeqNr: 1, UpToSeqNr: 10, SupportResend: true}))

	// No further re-emission once confirmed - the timer was stopped
	// because the buffer is now empty.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(2, endpoint.len())
}

// Mid-stream gap, recovered via an explicit Resend.
func TestProducerController_MidStreamGap(t *testing.T) {
	assert := tdd.New(t)
	clock := NewManualClock()
	pc, requests := newTestPC(t, clock)
	endpoint := &recordingEndpoint[string]{}

	assert.NoError(pc.RegisterConsumer(endpoint))
	<-requests
	assert.NoError(pc.Msg("msg-1"))
	endpoint.awaitLen(t, 1)
	assert.NoError(pc.HandleRequest(Request{ConfirmedSeqNr: 1, UpToSeqNr: 10, SupportResend: true}))

	for _, payload := range []string{"msg-2", "msg-3", "msg-4"} {
		assert.NoError(pc.Msg(payload))
	}
	got := endpoint.awaitLen(t, 4)
	assert.Equal([]SeqNr{1, 2, 3, 4}, seqNrs(got))

	assert.NoError(pc.HandleResend(Resend{FromSeqNr: 3}))
	got = endpoint.awaitLen(t, 6)
	assert.Equal(SeqNr(3), got[4].SeqNr)
	assert.Equal(SeqNr(4), got[5].SeqNr)

	assert.NoError(pc.Msg("msg-5"))
	got = endpoint.awaitLen(t, 7)
	assert.Equal(SeqNr(5), got[6].SeqNr)
}

// Tail loss detected via a Request carrying ViaTimeout=true.
func TestProducerController_TailLossViaRequestTimeout(t *testing.T) {
	assert := tdd.New(t)
	clock := NewManualClock()
	pc, requests := newTestPC(t, clock)
	endpoint := &recordingEndpoint[string]{}

	assert.NoError(pc.RegisterConsumer(endpoint))
	<-requests
	assert.NoError(pc.Msg("msg-1"))
	endpoint.awaitLen(t, 1)
	assert.NoError(pc.HandleRequest(Request{ConfirmedSeqNr: 1, UpToSeqNr: 10, SupportResend: true}))

	for _, payload := range []string{"msg-2", "msg-3", "msg-4"} {
		assert.NoError(pc.Msg(payload))
	}
	endpoint.awaitLen(t, 4)

	assert.NoError(pc.HandleRequest(Request{
		ConfirmedSeqNr: 2, UpToSeqNr: 10, SupportResend: true, ViaTimeout: true,
	}))
	got := endpoint.awaitLen(t, 6)
	assert.Equal(SeqNr(3), got[4].SeqNr)
	assert.Equal(SeqNr(4), got[5].SeqNr)
}

// Consumer replacement mid-stream: the new consumer must replay from
// the unconfirmed buffer head.
func TestProducerController_ConsumerReplacement(t *testing.T) {
	assert := tdd.New(t)
	clock := NewManualClock()
	pc, requests := newTestPC(t, clock)
	first := &recordingEndpoint[string]{}

	assert.NoError(pc.RegisterConsumer(first))
	<-requests
	assert.NoError(pc.Msg("msg-1"))
	first.awaitLen(t, 1)
	assert.NoError(pc.HandleRequest(Request{ConfirmedSeqNr: 0, UpToSeqNr: 10, SupportResend: true}))
	assert.NoError(pc.Msg("msg-2"))
	first.awaitLen(t, 2)

	// Confirm 1-2, send 3-4 unconfirmed.
	assert.NoError(pc.HandleAck(Ack{ConfirmedSeqNr: 2}))
	assert.NoError(pc.Msg("msg-3"))
	assert.NoError(pc.Msg("msg-4"))
	first.awaitLen(t, 4)

	second := &recordingEndpoint[string]{}
	assert.NoError(pc.RegisterConsumer(second))

	got := second.awaitLen(t, 1)
	assert.Equal(SeqNr(3), got[0].SeqNr)
	assert.True(got[0].First)

	// No Request yet: the ResendFirst timer re-emits seq 3 again.
	clock.Fire()
	got = second.awaitLen(t, 2)
	assert.Equal(SeqNr(3), got[1].SeqNr)
	assert.True(got[1].First)

	assert.NoError(pc.HandleRequest(Request{ConfirmedSeqNr: 2, UpToSeqNr: 10, SupportResend: true}))
	got = second.awaitLen(t, 3)
	assert.Equal(SeqNr(4), got[2].SeqNr)

	assert.NoError(pc.Msg("msg-5"))
	got = second.awaitLen(t, 4)
	assert.Equal(SeqNr(5), got[3].SeqNr)
}

// Coalesced confirmations: one Ack resolves several pending replies.
func TestProducerController_CoalescedConfirmations(t *testing.T) {
	assert := tdd.New(t)
	clock := NewManualClock()
	pc, requests := newTestPC(t, clock)
	endpoint := &recordingEndpoint[string]{}

	assert.NoError(pc.RegisterConsumer(endpoint))
	<-requests
	assert.NoError(pc.HandleRequest(Request{ConfirmedSeqNr: 0, UpToSeqNr: 10, SupportResend: true}))

	replies := make(chan Confirmation, 4)
	for i := 1; i <= 4; i++ {
		assert.NoError(pc.MessageWithConfirmation("msg", replies))
	}
	endpoint.awaitLen(t, 4)

	assert.NoError(pc.HandleAck(Ack{ConfirmedSeqNr: 4}))

	var got []SeqNr
	for i := 0; i < 4; i++ {
		select {
		case c := <-replies:
			got = append(got, c.SeqNr)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for confirmation")
		}
	}
	assert.Equal([]SeqNr{1, 2, 3, 4}, got)
}

// support_resend=false path: resends are rejected outright.
func TestProducerController_SupportResendFalse(t *testing.T) {
	assert := tdd.New(t)
	clock := NewManualClock()
	pc, requests := newTestPC(t, clock)
	endpoint := &recordingEndpoint[string]{}

	assert.NoError(pc.RegisterConsumer(endpoint))
	<-requests
	assert.NoError(pc.Msg("msg-1"))
	endpoint.awaitLen(t, 1)

	assert.NoError(pc.HandleRequest(Request{ConfirmedSeqNr: 1, UpToSeqNr: 10, SupportResend: false}))
	assert.Equal(ErrResendNotSupported, pc.HandleResend(Resend{FromSeqNr: 1}))

	for _, payload := range []string{"msg-2", "msg-3", "msg-4"} {
		assert.NoError(pc.Msg(payload))
	}
	got := endpoint.awaitLen(t, 4)
	assert.Equal([]SeqNr{1, 2, 3, 4}, seqNrs(got))

	assert.NoError(pc.HandleRequest(Request{
		ConfirmedSeqNr: 2, UpToSeqNr: 10, SupportResend: false, ViaTimeout: true,
	}))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(4, endpoint.len(), "no retransmission expected with resend support disabled")

	assert.NoError(pc.Msg("msg-5"))
	got = endpoint.awaitLen(t, 5)
	assert.Equal(SeqNr(5), got[4].SeqNr)
}

// Msg submitted without outstanding demand fails fatally.
func TestProducerController_MsgWithoutDemand(t *testing.T) {
	assert := tdd.New(t)
	pc, err := NewProducerController[string]("p-2", Options[string]{})
	assert.NoError(err)
	t.Cleanup(func() { _ = pc.Stop(context.Background()) })
	assert.Equal(ErrNoDemand, pc.Msg("too early"))
}

func seqNrs(msgs []SequencedMessage[string]) []SeqNr {
	out := make([]SeqNr, len(msgs))
	for i, m := range msgs {
		out[i] = m.SeqNr
	}
	return out
}
