package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/flowmesh/delivery/errors"
	xlog "github.com/flowmesh/delivery/log"
)

// Common protocol-violation errors. These are fatal: the controller
// does not attempt to recover from them, the caller must restart the
// producer (which re-bootstraps via Start).
var (
	// ErrNoDemand is returned when a message is submitted while no
	// demand is currently outstanding.
	ErrNoDemand = errors.New("producer controller: message submitted without outstanding demand")

	// ErrResendNotSupported is returned when a Resend is received while
	// the consumer previously declared support_resend=false.
	ErrResendNotSupported = errors.New("producer controller: resend requested but support_resend is disabled")

	// ErrStopped is returned by any operation attempted after Stop.
	ErrStopped = errors.New("producer controller: stopped")
)

// startReq binds/rebinds the user-producer notification endpoint.
type startReq[T any] struct {
	ref   ProducerRef[T]
	reply chan error
}

// msgReq submits a single application message, optionally requesting a
// confirmation reply once the message has been confirmed.
type msgReq[T any] struct {
	payload T
	confirm bool
	replyTo chan<- Confirmation
	reply   chan error
}

// registerReq binds/rebinds the outbound consumer endpoint.
type registerReq[T any] struct {
	consumer ConsumerEndpoint[T]
	reply    chan error
}

type requestReq struct {
	req   Request
	reply chan error
}

type ackReq struct {
	ack   Ack
	reply chan error
}

type resendReq struct {
	resend Resend
	reply  chan error
}

// PCStats is a point-in-time snapshot of a ProducerController's state,
// used by the WorkPullingRouter to pick workers with demand and exposed
// for metrics/introspection.
type PCStats struct {
	ProducerID     string
	CurrentSeqNr   SeqNr
	ConfirmedSeqNr SeqNr
	RequestedSeqNr SeqNr
	HasDemand      bool
	UnconfirmedLen int
	SupportResend  bool
}

type statsReq struct {
	reply chan PCStats
}

// ProducerController is the per-producer sequenced-delivery state
// machine. Create one with NewProducerController, bound to a stable
// producer_id; it maintains the sliding-window state for exactly one
// logical consumer endpoint at a time.
type ProducerController[T any] struct {
	producerID string
	opts       Options[T]
	log        xlog.Logger

	startCh    chan startReq[T]
	msgCh      chan msgReq[T]
	registerCh chan registerReq[T]
	requestCh  chan requestReq
	ackCh      chan ackReq
	resendCh   chan resendReq
	statsCh    chan statsReq
	stopCh     chan chan struct{}
	doneSignal chan struct{}

	once sync.Once
}

// NewProducerController creates a ProducerController bound to
// producerID and immediately starts its event-processing goroutine.
func NewProducerController[T any](producerID string, opts Options[T]) (*ProducerController[T], error) {
	if producerID == "" {
		return nil, errors.New("producer controller: producer_id must not be empty")
	}
	pc := &ProducerController[T]{
		producerID: producerID,
		opts:       opts.setDefaults(),
		log:        xlog.Discard(),
		startCh:    make(chan startReq[T]),
		msgCh:      make(chan msgReq[T]),
		registerCh: make(chan registerReq[T]),
		requestCh:  make(chan requestReq),
		ackCh:      make(chan ackReq),
		resendCh:   make(chan resendReq),
		statsCh:    make(chan statsReq),
		stopCh:     make(chan chan struct{}),
		doneSignal: make(chan struct{}),
	}
	go pc.run()
	return pc, nil
}

// WithLogger adjusts the internal logger used by the controller.
func (pc *ProducerController[T]) WithLogger(ll xlog.Logger) *ProducerController[T] {
	pc.log = ll.WithField("producer_id", pc.producerID)
	return pc
}

// Start binds/rebinds the user-producer notification endpoint. May
// arrive at any time - initial bind or producer restart. Rebinding does
// not reset any protocol state; the next RequestNext goes to ref.
func (pc *ProducerController[T]) Start(ref ProducerRef[T]) error {
	reply := make(chan error, 1)
	select {
	case pc.startCh <- startReq[T]{ref: ref, reply: reply}:
	case <-pc.stopped():
		return ErrStopped
	}
	return <-reply
}

// RegisterConsumer binds/rebinds the outbound consumer endpoint.
func (pc *ProducerController[T]) RegisterConsumer(consumer ConsumerEndpoint[T]) error {
	reply := make(chan error, 1)
	select {
	case pc.registerCh <- registerReq[T]{consumer: consumer, reply: reply}:
	case <-pc.stopped():
		return ErrStopped
	}
	return <-reply
}

// Msg submits a message without requesting confirmation. Fails fatally
// (ErrNoDemand) if no demand is currently outstanding.
func (pc *ProducerController[T]) Msg(payload T) error {
	reply := make(chan error, 1)
	select {
	case pc.msgCh <- msgReq[T]{payload: payload, reply: reply}:
	case <-pc.stopped():
		return ErrStopped
	}
	return <-reply
}

// MessageWithConfirmation submits a message whose replyTo channel
// receives a Confirmation once the assigned seq_nr has been confirmed
// (non-durable mode) or persisted (durable mode).
func (pc *ProducerController[T]) MessageWithConfirmation(payload T, replyTo chan<- Confirmation) error {
	reply := make(chan error, 1)
	select {
	case pc.msgCh <- msgReq[T]{payload: payload, confirm: true, replyTo: replyTo, reply: reply}:
	case <-pc.stopped():
		return ErrStopped
	}
	return <-reply
}

// HandleRequest applies a Request received from the consumer side.
func (pc *ProducerController[T]) HandleRequest(r Request) error {
	reply := make(chan error, 1)
	select {
	case pc.requestCh <- requestReq{req: r, reply: reply}:
	case <-pc.stopped():
		return ErrStopped
	}
	return <-reply
}

// HandleAck applies an Ack received from the consumer side.
func (pc *ProducerController[T]) HandleAck(a Ack) error {
	reply := make(chan error, 1)
	select {
	case pc.ackCh <- ackReq{ack: a, reply: reply}:
	case <-pc.stopped():
		return ErrStopped
	}
	return <-reply
}

// HandleResend applies a Resend received from the consumer side. Fails
// fatally (ErrResendNotSupported) if the resend buffer is disabled.
func (pc *ProducerController[T]) HandleResend(r Resend) error {
	reply := make(chan error, 1)
	select {
	case pc.resendCh <- resendReq{resend: r, reply: reply}:
	case <-pc.stopped():
		return ErrStopped
	}
	return <-reply
}

// Stats returns a snapshot of the controller's current state.
func (pc *ProducerController[T]) Stats() PCStats {
	reply := make(chan PCStats, 1)
	select {
	case pc.statsCh <- statsReq{reply: reply}:
		return <-reply
	case <-pc.stopped():
		return PCStats{ProducerID: pc.producerID}
	}
}

// Stop cancels the event loop and waits for it to exit, or for ctx to
// be done, whichever happens first. Any buffered, unconfirmed messages
// are discarded - the durable queue is the only way to survive this.
func (pc *ProducerController[T]) Stop(ctx context.Context) error {
	pc.once.Do(func() {
		go func() {
			done := make(chan struct{})
			pc.stopCh <- done
			<-done
		}()
	})
	select {
	case <-pc.doneSignal:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stopped returns a channel that is readable once Stop has completed;
// used by the public methods above to avoid blocking forever against a
// dead event loop. The channel is created with the controller and is
// simply never ready before Stop is called.
func (pc *ProducerController[T]) stopped() <-chan struct{} {
	return pc.doneSignal
}

// run is the single goroutine owning all mutable state. It processes
// exactly one event to completion before handling the next - the
// cooperative state machine contract.
func (pc *ProducerController[T]) run() {
	defer close(pc.doneSignal)

	s := &pcState[T]{
		currentSeqNr: 1,
		firstSeqNr:   1,
	}
	if pc.opts.SupportResendDefault {
		s.unconfirmed = newResendBuffer[T]()
	}
	if pc.opts.Durable != nil {
		loaded, err := pc.opts.Durable.LoadState(context.Background())
		switch {
		case err != nil:
			pc.log.WithField("error", err.Error()).Warning("failed to load durable producer state")
		case loaded.CurrentSeqNr > 0:
			s.currentSeqNr = loaded.CurrentSeqNr
			s.firstSeqNr = loaded.CurrentSeqNr
			if s.unconfirmed != nil && len(loaded.Unconfirmed) > 0 {
				s.unconfirmed.messages = append(s.unconfirmed.messages, loaded.Unconfirmed...)
				s.firstSeqNr = loaded.Unconfirmed[0].SeqNr
			}
		}
	}

	var resendTimerC <-chan time.Time
	var resendTimerStop func() bool

	stopTimer := func() {
		if resendTimerStop != nil {
			resendTimerStop()
			resendTimerC = nil
			resendTimerStop = nil
		}
	}
	startTimer := func() {
		stopTimer()
		resendTimerC, resendTimerStop = pc.opts.Clock.NewTimer(pc.opts.ResendFirstInterval)
	}
	defer stopTimer()

	for {
		select {
		case done := <-pc.stopCh:
			close(done)
			return

		case r := <-pc.startCh:
			s.producerRef = r.ref
			pc.maybeBecomeActive(s)
			r.reply <- nil

		case r := <-pc.registerCh:
			s.consumer = r.consumer
			s.firstSeqNr = firstUnconfirmedSeqNr(s)
			if !s.unconfirmed.empty() {
				// Consumer failover: resend the earliest unconfirmed
				// message immediately so the new consumer bootstraps its
				// own Request state, then keep the periodic timer armed.
				pc.deliverFirst(s)
				startTimer()
			}
			pc.maybeBecomeActive(s)
			r.reply <- nil

		case r := <-pc.msgCh:
			r.reply <- pc.onSubmit(s, r, startTimer)

		case r := <-pc.requestCh:
			r.reply <- pc.onRequest(s, r.req, startTimer, stopTimer)

		case r := <-pc.ackCh:
			r.reply <- pc.onAck(s, r.ack, startTimer, stopTimer)

		case r := <-pc.resendCh:
			r.reply <- pc.onResend(s, r.resend)

		case r := <-pc.statsCh:
			r.reply <- pc.snapshot(s)

		case <-resendTimerC:
			pc.onResendFirstTick(s, startTimer, stopTimer)
		}
	}
}

// pcState holds every piece of mutable protocol state. It is only
// ever touched from inside run().
type pcState[T any] struct {
	currentSeqNr   SeqNr
	confirmedSeqNr SeqNr
	requestedSeqNr SeqNr
	requested      bool
	firstSeqNr     SeqNr

	unconfirmed *resendBuffer[T]
	pending     pendingReplies[T]

	consumer    ConsumerEndpoint[T]
	producerRef ProducerRef[T]

	started    bool
	registered bool
	active     bool
}

func (pc *ProducerController[T]) maybeBecomeActive(s *pcState[T]) {
	s.started = s.started || s.producerRef != nil
	s.registered = s.registered || s.consumer != nil
	if s.started && s.registered && !s.active {
		// Entering active state for the very first time: grant implicit
		// bootstrap demand for exactly one message and issue the first
		// RequestNext, so the producer may submit without waiting for a
		// consumer Request. Gated on s.active rather than on
		// currentSeqNr/confirmedSeqNr being fresh, since a durable-queue
		// recovery can land here with non-zero sequence numbers already
		// restored.
		s.active = true
		s.requested = true
		s.requestedSeqNr = s.currentSeqNr
		pc.notify(s)
	}
}

func firstUnconfirmedSeqNr[T any](s *pcState[T]) SeqNr {
	if head, ok := s.unconfirmed.head(); ok {
		return head
	}
	return s.currentSeqNr
}

// notify sends a RequestNext to the bound producer reference, best
// effort. At most one is ever logically outstanding: callers only
// invoke notify when demand has just become available, per the
// invariant tracked via s.requested.
func (pc *ProducerController[T]) notify(s *pcState[T]) {
	if s.producerRef == nil {
		return
	}
	next := RequestNext[T]{
		ProducerID:     pc.producerID,
		CurrentSeqNr:   s.currentSeqNr,
		ConfirmedSeqNr: s.confirmedSeqNr,
	}
	if err := s.producerRef.Notify(next); err != nil {
		pc.log.WithField("error", err.Error()).Warning("failed to notify producer")
	}
}

// onSubmit handles a message submitted by the bound producer.
func (pc *ProducerController[T]) onSubmit(s *pcState[T], r msgReq[T], startTimer func()) error {
	if !(s.requested && s.currentSeqNr <= s.requestedSeqNr) {
		return ErrNoDemand
	}

	seq := s.currentSeqNr
	msg := SequencedMessage[T]{
		ProducerID: pc.producerID,
		SeqNr:      seq,
		Payload:    r.payload,
		First:      seq == s.firstSeqNr,
		Ack:        r.confirm,
		ReplyTo:    controlEndpointAdapter[T]{pc},
	}

	if s.unconfirmed != nil {
		s.unconfirmed.append(msg)
	}
	if pc.opts.Durable != nil {
		if err := pc.opts.Durable.StoreMessageSent(context.Background(), msg); err != nil {
			pc.log.WithField("error", err.Error()).Warning("failed to persist sent message")
		} else if r.confirm && r.replyTo != nil {
			// Durable mode: confirmation fires on persistence, not on
			// consumer ack.
			deliverConfirmation(r.replyTo, seq)
			r.replyTo = nil
		}
	}
	if seq == s.firstSeqNr {
		startTimer()
	}

	if s.consumer != nil {
		if err := s.consumer.Deliver(msg); err != nil {
			pc.log.WithField("error", err.Error()).Warning("failed to deliver message")
		}
	}

	if seq < s.requestedSeqNr {
		s.requested = true
		pc.notify(s)
	} else {
		s.requested = false
	}
	s.currentSeqNr++

	if r.confirm && r.replyTo != nil && pc.opts.Durable == nil {
		s.pending.add(seq, r.replyTo)
	}
	return nil
}

// onRequest handles an incoming Request. A Request whose
// ConfirmedSeqNr makes no progress over the last one seen (or that is
// explicitly flagged ViaTimeout) signals the consumer is retrying
// without having received new messages, so the full unconfirmed
// buffer is retransmitted.
func (pc *ProducerController[T]) onRequest(
	s *pcState[T], req Request, startTimer, stopTimer func(),
) error {
	noProgress := req.ConfirmedSeqNr <= s.confirmedSeqNr
	pc.applyConfirmation(s, req.ConfirmedSeqNr, startTimer, stopTimer)
	pc.reconcileResendSupport(s, req.SupportResend)

	if (req.ViaTimeout || noProgress) && !s.unconfirmed.empty() {
		pc.resendAll(s)
	}

	if req.UpToSeqNr > s.requestedSeqNr {
		s.requestedSeqNr = req.UpToSeqNr
		if !s.requested && req.UpToSeqNr >= s.currentSeqNr {
			s.requested = true
			pc.notify(s)
		}
	}
	return nil
}

// onAck handles an incoming Ack: a cumulative background
// acknowledgement that advances confirmed_seq_nr and trims the resend
// buffer, without granting new demand or forcing a retransmission.
func (pc *ProducerController[T]) onAck(s *pcState[T], ack Ack, startTimer, stopTimer func()) error {
	pc.applyConfirmation(s, ack.ConfirmedSeqNr, startTimer, stopTimer)
	return nil
}

// onResend handles an incoming Resend.
func (pc *ProducerController[T]) onResend(s *pcState[T], r Resend) error {
	if s.unconfirmed == nil {
		return ErrResendNotSupported
	}
	from := r.FromSeqNr
	if head, ok := s.unconfirmed.head(); ok && from < head {
		from = head // clamp below buffer head
	}
	s.unconfirmed.trimConfirmed(from - 1)
	pc.deliverAll(s, s.unconfirmed.from(from))
	return nil
}

// onResendFirstTick fires when the ResendFirst timer elapses: the
// head of the unconfirmed buffer has gone unacknowledged for a
// full interval, so it is re-delivered with First set, and the timer
// restarts for the next interval.
func (pc *ProducerController[T]) onResendFirstTick(s *pcState[T], startTimer, stopTimer func()) {
	if s.unconfirmed.empty() {
		stopTimer()
		return
	}
	pc.deliverFirst(s)
	startTimer()
}

// deliverFirst re-emits the earliest unconfirmed message with First
// set, forcing the consumer to (re)issue its initial Request. No-op if
// the buffer is empty or disabled.
func (pc *ProducerController[T]) deliverFirst(s *pcState[T]) {
	msgs := s.unconfirmed.all()
	if len(msgs) == 0 || s.consumer == nil {
		return
	}
	first := msgs[0]
	first.First = true
	if err := s.consumer.Deliver(first); err != nil {
		pc.log.WithField("error", err.Error()).Warning("failed to re-deliver first message")
	}
}

// applyConfirmation dispatches pending replies, trims the resend
// buffer and advances confirmed_seq_nr - the shared first step of
// Request/Ack handling. It also keeps firstSeqNr in
// sync with the new buffer head, restarting or stopping the
// ResendFirst timer as the head changes.
func (pc *ProducerController[T]) applyConfirmation(s *pcState[T], confirmed SeqNr, startTimer, stopTimer func()) {
	s.pending.dispatchUpTo(confirmed)
	s.unconfirmed.trimConfirmed(confirmed)
	if confirmed > s.confirmedSeqNr {
		s.confirmedSeqNr = confirmed
	}
	if pc.opts.Durable != nil {
		if err := pc.opts.Durable.StoreMessageConfirmed(context.Background(), confirmed); err != nil {
			pc.log.WithField("error", err.Error()).Warning("failed to persist confirmation")
		}
	}
	if head, ok := s.unconfirmed.head(); ok {
		if head != s.firstSeqNr {
			s.firstSeqNr = head
			startTimer()
		}
	} else {
		s.firstSeqNr = s.currentSeqNr
		stopTimer()
	}
}

// reconcileResendSupport handles a Request's support_resend flag
// changing: switching it off drops the buffer entirely;
// switching it on starts from empty (already-sent messages before this
// point are unrecoverable).
func (pc *ProducerController[T]) reconcileResendSupport(s *pcState[T], supportResend bool) {
	hadBuffer := s.unconfirmed != nil
	if supportResend && !hadBuffer {
		s.unconfirmed = newResendBuffer[T]()
		pc.log.Warning("resend support enabled mid-stream; prior unconfirmed messages are not recoverable")
		return
	}
	if !supportResend && hadBuffer {
		s.unconfirmed = nil
	}
}

func (pc *ProducerController[T]) resendAll(s *pcState[T]) {
	pc.deliverAll(s, s.unconfirmed.all())
}

func (pc *ProducerController[T]) deliverAll(s *pcState[T], msgs []SequencedMessage[T]) {
	if s.consumer == nil {
		return
	}
	for _, m := range msgs {
		if err := s.consumer.Deliver(m); err != nil {
			pc.log.WithField("error", err.Error()).Warning("failed to deliver resent message")
		}
	}
}

func (pc *ProducerController[T]) snapshot(s *pcState[T]) PCStats {
	return PCStats{
		ProducerID:     pc.producerID,
		CurrentSeqNr:   s.currentSeqNr,
		ConfirmedSeqNr: s.confirmedSeqNr,
		RequestedSeqNr: s.requestedSeqNr,
		HasDemand:      s.requested && s.currentSeqNr <= s.requestedSeqNr,
		UnconfirmedLen: len(s.unconfirmed.all()),
		SupportResend:  s.unconfirmed != nil,
	}
}

func deliverConfirmation(replyTo chan<- Confirmation, seq SeqNr) {
	select {
	case replyTo <- Confirmation{SeqNr: seq}:
	default:
		go func() { replyTo <- Confirmation{SeqNr: seq} }()
	}
}

// controlEndpointAdapter exposes a ProducerController as the
// ControlEndpoint embedded in every SequencedMessage it emits, so a
// consumer-side implementation can address Request/Ack/Resend back to
// the producer that sent the message.
type controlEndpointAdapter[T any] struct {
	pc *ProducerController[T]
}

func (c controlEndpointAdapter[T]) Request(r Request) error { return c.pc.HandleRequest(r) }
func (c controlEndpointAdapter[T]) Ack(a Ack) error          { return c.pc.HandleAck(a) }
func (c controlEndpointAdapter[T]) Resend(r Resend) error    { return c.pc.HandleResend(r) }
