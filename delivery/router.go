package delivery

import (
	"context"
	"math/rand"
	"sync"

	"github.com/flowmesh/delivery/errors"
	xlog "github.com/flowmesh/delivery/log"
)

// ErrBufferFull is returned when a message is submitted while
// buffered_messages is already at capacity and no worker has demand.
var ErrBufferFull = errors.New("work pulling router: buffered message queue is full")

// bufferedMessage is a submission parked because, at submission time,
// no worker currently had outstanding demand.
type bufferedMessage[T any] struct {
	payload T
	confirm bool
	replyTo chan<- Confirmation
}

// workerState is the per-worker embedded PC-equivalent record: every
// worker gets its own independent sequence space, resend buffer and
// pending-replies set, managed directly by the router's single event
// loop rather than as a separate goroutine or nested
// ProducerController.
type workerState[T any] struct {
	id       WorkerID
	consumer ConsumerEndpoint[T]

	currentSeqNr   SeqNr
	confirmedSeqNr SeqNr
	requestedSeqNr SeqNr
	hasDemand      bool
	firstSeqNr     SeqNr

	unconfirmed *resendBuffer[T]
	pending     pendingReplies[T]
}

type wprStartReq[T any] struct {
	ref   ProducerRef[T]
	reply chan error
}

type wprMsgReq[T any] struct {
	payload T
	confirm bool
	replyTo chan<- Confirmation
	reply   chan error
}

type wprRequestReq struct {
	worker WorkerID
	req    Request
	reply  chan error
}

type wprAckReq struct {
	worker WorkerID
	ack    Ack
	reply  chan error
}

type wprResendReq struct {
	worker WorkerID
	resend Resend
	reply  chan error
}

// WorkerStats reports the current worker set's size and demand state.
type WorkerStats struct {
	WorkerCount       int
	WorkersWithDemand int
	BufferedMessages  int
}

type wprStatsReq struct {
	reply chan WorkerStats
}

type wprSnapshotReq[T any] struct {
	snapshot WorkerSnapshot[T]
}

// WorkPullingRouter fans a single logical producer stream out across a
// dynamic set of worker consumer endpoints discovered via
// ServiceDiscovery, routing each message to exactly one worker chosen
// uniformly at random among those currently signaling demand. Create
// one with NewWorkPullingRouter.
type WorkPullingRouter[T any] struct {
	serviceKey string
	discovery  ServiceDiscovery[T]
	opts       RouterOptions[T]
	log        xlog.Logger

	startCh    chan wprStartReq[T]
	msgCh      chan wprMsgReq[T]
	requestCh  chan wprRequestReq
	ackCh      chan wprAckReq
	resendCh   chan wprResendReq
	statsCh    chan wprStatsReq
	snapshotCh chan wprSnapshotReq[T]
	stopCh     chan chan struct{}
	doneSignal chan struct{}

	once sync.Once
}

// NewWorkPullingRouter creates a WorkPullingRouter bound to serviceKey
// and starts its event-processing and discovery-watching goroutines.
func NewWorkPullingRouter[T any](
	ctx context.Context, serviceKey string, discovery ServiceDiscovery[T], opts RouterOptions[T],
) (*WorkPullingRouter[T], error) {
	if serviceKey == "" {
		return nil, errors.New("work pulling router: service_key must not be empty")
	}
	r := &WorkPullingRouter[T]{
		serviceKey: serviceKey,
		discovery:  discovery,
		opts:       opts.setDefaults(),
		log:        xlog.Discard(),
		startCh:    make(chan wprStartReq[T]),
		msgCh:      make(chan wprMsgReq[T]),
		requestCh:  make(chan wprRequestReq),
		ackCh:      make(chan wprAckReq),
		resendCh:   make(chan wprResendReq),
		statsCh:    make(chan wprStatsReq),
		snapshotCh: make(chan wprSnapshotReq[T]),
		stopCh:     make(chan chan struct{}),
		doneSignal: make(chan struct{}),
	}
	snapshots, err := discovery.Watch(ctx, serviceKey)
	if err != nil {
		return nil, errors.Wrap(err, "watch service discovery")
	}
	go r.watchDiscovery(ctx, snapshots)
	go r.run()
	return r, nil
}

// WithLogger adjusts the internal logger used by the router.
func (r *WorkPullingRouter[T]) WithLogger(ll xlog.Logger) *WorkPullingRouter[T] {
	r.log = ll.WithField("service_key", r.serviceKey)
	return r
}

func (r *WorkPullingRouter[T]) watchDiscovery(ctx context.Context, snapshots <-chan WorkerSnapshot[T]) {
	for {
		select {
		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			select {
			case r.snapshotCh <- wprSnapshotReq[T]{snapshot: snap}:
			case <-r.doneSignal:
				return
			}
		case <-ctx.Done():
			return
		case <-r.doneSignal:
			return
		}
	}
}

// Start binds/rebinds the user-producer notification endpoint.
func (r *WorkPullingRouter[T]) Start(ref ProducerRef[T]) error {
	reply := make(chan error, 1)
	select {
	case r.startCh <- wprStartReq[T]{ref: ref, reply: reply}:
	case <-r.doneSignal:
		return ErrStopped
	}
	return <-reply
}

// Msg submits a message without requesting confirmation.
func (r *WorkPullingRouter[T]) Msg(payload T) error {
	reply := make(chan error, 1)
	select {
	case r.msgCh <- wprMsgReq[T]{payload: payload, reply: reply}:
	case <-r.doneSignal:
		return ErrStopped
	}
	return <-reply
}

// MessageWithConfirmation submits a message whose replyTo channel
// receives a Confirmation once confirmed by whichever worker it is
// routed to.
func (r *WorkPullingRouter[T]) MessageWithConfirmation(payload T, replyTo chan<- Confirmation) error {
	reply := make(chan error, 1)
	select {
	case r.msgCh <- wprMsgReq[T]{payload: payload, confirm: true, replyTo: replyTo, reply: reply}:
	case <-r.doneSignal:
		return ErrStopped
	}
	return <-reply
}

// GetWorkerStats reports the current worker count and demand state.
func (r *WorkPullingRouter[T]) GetWorkerStats() WorkerStats {
	reply := make(chan WorkerStats, 1)
	select {
	case r.statsCh <- wprStatsReq{reply: reply}:
		return <-reply
	case <-r.doneSignal:
		return WorkerStats{}
	}
}

// HandleRequest applies a Request from the given worker's consumer side.
func (r *WorkPullingRouter[T]) HandleRequest(worker WorkerID, req Request) error {
	reply := make(chan error, 1)
	select {
	case r.requestCh <- wprRequestReq{worker: worker, req: req, reply: reply}:
	case <-r.doneSignal:
		return ErrStopped
	}
	return <-reply
}

// HandleAck applies an Ack from the given worker's consumer side.
func (r *WorkPullingRouter[T]) HandleAck(worker WorkerID, ack Ack) error {
	reply := make(chan error, 1)
	select {
	case r.ackCh <- wprAckReq{worker: worker, ack: ack, reply: reply}:
	case <-r.doneSignal:
		return ErrStopped
	}
	return <-reply
}

// HandleResend applies a Resend from the given worker's consumer side.
func (r *WorkPullingRouter[T]) HandleResend(worker WorkerID, resend Resend) error {
	reply := make(chan error, 1)
	select {
	case r.resendCh <- wprResendReq{worker: worker, resend: resend, reply: reply}:
	case <-r.doneSignal:
		return ErrStopped
	}
	return <-reply
}

// Stop cancels the router's event loop, or returns ctx.Err() if ctx is
// done first.
func (r *WorkPullingRouter[T]) Stop(ctx context.Context) error {
	r.once.Do(func() {
		go func() {
			done := make(chan struct{})
			r.stopCh <- done
			<-done
		}()
	})
	select {
	case <-r.doneSignal:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// routerState holds every piece of mutable state owned by run().
type routerState[T any] struct {
	workers     map[WorkerID]*workerState[T]
	buffered    []bufferedMessage[T]
	producerRef ProducerRef[T]
	requested   bool
}

// run is the router's single goroutine; like the ProducerController,
// it processes exactly one event to completion before the next.
// Instead of one ResendFirst timer per worker, a single periodic sweep
// re-delivers the head of every worker whose buffer is still non-empty
// - same liveness guarantee as the PC's per-connection timer, without
// a dynamically-sized set of timer channels in the select.
func (r *WorkPullingRouter[T]) run() {
	defer close(r.doneSignal)

	s := &routerState[T]{workers: make(map[WorkerID]*workerState[T])}
	clock := r.opts.PerWorker.Clock
	sweepC, stopSweep := clock.NewTimer(r.opts.PerWorker.ResendFirstInterval)
	defer func() { stopSweep() }()

	for {
		select {
		case done := <-r.stopCh:
			close(done)
			return

		case req := <-r.startCh:
			s.producerRef = req.ref
			r.notify(s)
			req.reply <- nil

		case req := <-r.msgCh:
			req.reply <- r.onSubmit(s, req)

		case req := <-r.requestCh:
			req.reply <- r.onRequest(s, req.worker, req.req)

		case req := <-r.ackCh:
			req.reply <- r.onAck(s, req.worker, req.ack)

		case req := <-r.resendCh:
			req.reply <- r.onResend(s, req.worker, req.resend)

		case req := <-r.statsCh:
			req.reply <- r.snapshot(s)

		case req := <-r.snapshotCh:
			r.onSnapshot(s, req.snapshot)

		case <-sweepC:
			r.onSweep(s)
			sweepC, stopSweep = clock.NewTimer(r.opts.PerWorker.ResendFirstInterval)
		}
	}
}

// notify issues a RequestNext to the bound producer reference if one
// is not already outstanding.
func (r *WorkPullingRouter[T]) notify(s *routerState[T]) {
	if s.requested || s.producerRef == nil {
		return
	}
	if !r.anyDemand(s) {
		return
	}
	s.requested = true
	// Unlike the PC, the router has no single current_seq_nr to report -
	// sequencing is per worker. The notification carries no numbers, only
	// the "you may submit exactly one message" signal.
	if err := s.producerRef.Notify(RequestNext[T]{}); err != nil {
		r.log.WithField("error", err.Error()).Warning("failed to notify producer")
	}
}

func (r *WorkPullingRouter[T]) anyDemand(s *routerState[T]) bool {
	for _, w := range s.workers {
		if w.hasDemand {
			return true
		}
	}
	return false
}

// onSnapshot applies a discovery update: registers new workers
// (seeding them with any buffered head) and rehomes the unconfirmed
// buffer of any worker that disappeared.
func (r *WorkPullingRouter[T]) onSnapshot(s *routerState[T], snap WorkerSnapshot[T]) {
	for id, endpoint := range snap.Workers {
		if _, exists := s.workers[id]; exists {
			continue
		}
		w := &workerState[T]{id: id, consumer: endpoint, currentSeqNr: 1, firstSeqNr: 1}
		if r.opts.PerWorker.SupportResendDefault {
			w.unconfirmed = newResendBuffer[T]()
		}
		s.workers[id] = w
		r.seedFromBuffer(s, w)
	}
	for id, w := range s.workers {
		if _, present := snap.Workers[id]; present {
			continue
		}
		r.rehome(s, w)
		delete(s.workers, id)
	}
	r.drainBuffer(s)
}

// seedFromBuffer hands a newly-registered worker the current head of
// buffered_messages as its bootstrap first message, if any is waiting.
func (r *WorkPullingRouter[T]) seedFromBuffer(s *routerState[T], w *workerState[T]) {
	if len(s.buffered) == 0 {
		return
	}
	head := s.buffered[0]
	s.buffered = s.buffered[1:]
	r.dispatchTo(s, w, head)
}

// rehome moves a disappearing worker's unconfirmed messages to the
// front of buffered_messages, preserving relative order, so they are
// redispatched to surviving workers. This may produce at-least-once
// duplicates if the worker actually processed a message before
// vanishing.
func (r *WorkPullingRouter[T]) rehome(s *routerState[T], w *workerState[T]) {
	msgs := w.unconfirmed.all()
	if len(msgs) == 0 {
		return
	}
	rehomed := make([]bufferedMessage[T], 0, len(msgs))
	for _, m := range msgs {
		replyTo, _ := w.pending.take(m.SeqNr)
		rehomed = append(rehomed, bufferedMessage[T]{payload: m.Payload, confirm: m.Ack, replyTo: replyTo})
	}
	s.buffered = append(rehomed, s.buffered...)
	r.log.WithField("worker", string(w.id)).WithField("count", len(msgs)).
		Warning("worker lost, rehoming unconfirmed messages")
}

// onSubmit implements the routing policy: dispatch to a uniformly
// random worker with outstanding demand, or buffer if none currently
// has demand.
func (r *WorkPullingRouter[T]) onSubmit(s *routerState[T], req wprMsgReq[T]) error {
	if !s.requested {
		return ErrNoDemand
	}
	msg := bufferedMessage[T]{payload: req.payload, confirm: req.confirm, replyTo: req.replyTo}

	candidates := r.demandingWorkers(s)
	if len(candidates) == 0 {
		if len(s.buffered) >= r.opts.BufferSize {
			return ErrBufferFull
		}
		s.buffered = append(s.buffered, msg)
	} else {
		w := candidates[rand.Intn(len(candidates))] //nolint:gosec // routing fairness, not security-sensitive
		r.dispatchTo(s, w, msg)
	}

	s.requested = false
	r.notify(s)
	return nil
}

func (r *WorkPullingRouter[T]) demandingWorkers(s *routerState[T]) []*workerState[T] {
	out := make([]*workerState[T], 0, len(s.workers))
	for _, w := range s.workers {
		if w.hasDemand {
			out = append(out, w)
		}
	}
	return out
}

// dispatchTo sends msg through w's embedded PC-equivalent state,
// mirroring ProducerController.onSubmit for a single worker.
func (r *WorkPullingRouter[T]) dispatchTo(s *routerState[T], w *workerState[T], msg bufferedMessage[T]) {
	seq := w.currentSeqNr
	sm := SequencedMessage[T]{
		ProducerID: string(w.id),
		SeqNr:      seq,
		Payload:    msg.payload,
		First:      seq == w.firstSeqNr,
		Ack:        msg.confirm,
		ReplyTo:    workerControlEndpoint[T]{router: r, worker: w.id},
	}
	if w.unconfirmed != nil {
		w.unconfirmed.append(sm)
	}
	if w.consumer != nil {
		if err := w.consumer.Deliver(sm); err != nil {
			r.log.WithField("error", err.Error()).Warning("failed to deliver message to worker")
		}
	}
	w.hasDemand = seq < w.requestedSeqNr
	w.currentSeqNr++
	if msg.confirm && msg.replyTo != nil {
		w.pending.add(seq, msg.replyTo)
	}
}

// drainBuffer dispatches as many buffered messages as there is demand
// for, used after membership changes hand a worker new demand.
func (r *WorkPullingRouter[T]) drainBuffer(s *routerState[T]) {
	for len(s.buffered) > 0 {
		candidates := r.demandingWorkers(s)
		if len(candidates) == 0 {
			return
		}
		w := candidates[rand.Intn(len(candidates))] //nolint:gosec
		head := s.buffered[0]
		s.buffered = s.buffered[1:]
		r.dispatchTo(s, w, head)
	}
}

func (r *WorkPullingRouter[T]) onRequest(s *routerState[T], id WorkerID, req Request) error {
	w, ok := s.workers[id]
	if !ok {
		return nil // stale control message from a since-deregistered worker
	}
	noProgress := req.ConfirmedSeqNr <= w.confirmedSeqNr
	r.applyConfirmation(w, req.ConfirmedSeqNr)
	r.reconcileResendSupport(w, req.SupportResend)
	if (req.ViaTimeout || noProgress) && !w.unconfirmed.empty() {
		r.resendAll(w)
	}
	if req.UpToSeqNr > w.requestedSeqNr {
		w.requestedSeqNr = req.UpToSeqNr
	}
	w.hasDemand = w.currentSeqNr <= w.requestedSeqNr
	r.drainBuffer(s)
	if w.hasDemand {
		r.notify(s)
	}
	return nil
}

func (r *WorkPullingRouter[T]) onAck(s *routerState[T], id WorkerID, ack Ack) error {
	w, ok := s.workers[id]
	if !ok {
		return nil
	}
	r.applyConfirmation(w, ack.ConfirmedSeqNr)
	if ack.ConfirmedSeqNr == w.firstSeqNr && !w.unconfirmed.empty() {
		r.resendAll(w)
	}
	return nil
}

func (r *WorkPullingRouter[T]) onResend(s *routerState[T], id WorkerID, resend Resend) error {
	w, ok := s.workers[id]
	if !ok {
		return nil
	}
	if w.unconfirmed == nil {
		return ErrResendNotSupported
	}
	from := resend.FromSeqNr
	if head, ok := w.unconfirmed.head(); ok && from < head {
		from = head
	}
	w.unconfirmed.trimConfirmed(from - 1)
	r.deliverAll(w, w.unconfirmed.from(from))
	return nil
}

func (r *WorkPullingRouter[T]) onSweep(s *routerState[T]) {
	for _, w := range s.workers {
		if w.unconfirmed.empty() {
			continue
		}
		msgs := w.unconfirmed.all()
		first := msgs[0]
		first.First = true
		if w.consumer != nil {
			if err := w.consumer.Deliver(first); err != nil {
				r.log.WithField("error", err.Error()).Warning("failed to re-deliver first message")
			}
		}
	}
}

func (r *WorkPullingRouter[T]) applyConfirmation(w *workerState[T], confirmed SeqNr) {
	w.pending.dispatchUpTo(confirmed)
	w.unconfirmed.trimConfirmed(confirmed)
	if confirmed > w.confirmedSeqNr {
		w.confirmedSeqNr = confirmed
	}
	if head, ok := w.unconfirmed.head(); ok {
		w.firstSeqNr = head
	} else {
		w.firstSeqNr = w.currentSeqNr
	}
}

func (r *WorkPullingRouter[T]) reconcileResendSupport(w *workerState[T], supportResend bool) {
	hadBuffer := w.unconfirmed != nil
	if supportResend && !hadBuffer {
		w.unconfirmed = newResendBuffer[T]()
		return
	}
	if !supportResend && hadBuffer {
		w.unconfirmed = nil
	}
}

func (r *WorkPullingRouter[T]) resendAll(w *workerState[T]) {
	r.deliverAll(w, w.unconfirmed.all())
}

func (r *WorkPullingRouter[T]) deliverAll(w *workerState[T], msgs []SequencedMessage[T]) {
	if w.consumer == nil {
		return
	}
	for _, m := range msgs {
		if err := w.consumer.Deliver(m); err != nil {
			r.log.WithField("error", err.Error()).Warning("failed to deliver resent message")
		}
	}
}

func (r *WorkPullingRouter[T]) snapshot(s *routerState[T]) WorkerStats {
	stats := WorkerStats{WorkerCount: len(s.workers), BufferedMessages: len(s.buffered)}
	for _, w := range s.workers {
		if w.hasDemand {
			stats.WorkersWithDemand++
		}
	}
	return stats
}

// workerControlEndpoint exposes a WorkPullingRouter, scoped to one
// worker, as the ControlEndpoint embedded in every SequencedMessage
// dispatched to that worker.
type workerControlEndpoint[T any] struct {
	router *WorkPullingRouter[T]
	worker WorkerID
}

func (c workerControlEndpoint[T]) Request(r Request) error {
	return c.router.HandleRequest(c.worker, r)
}
func (c workerControlEndpoint[T]) Ack(a Ack) error { return c.router.HandleAck(c.worker, a) }
func (c workerControlEndpoint[T]) Resend(r Resend) error {
	return c.router.HandleResend(c.worker, r)
}
