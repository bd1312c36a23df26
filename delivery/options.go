package delivery

import "time"

// Options configure a ProducerController instance.
type Options[T any] struct {
	// SupportResendDefault is the initial resend-support hint assumed
	// until the first Request arrives from a consumer.
	SupportResendDefault bool

	// ResendFirstInterval overrides the fixed delay used for the
	// periodic ResendFirst timer. Defaults to DefaultResendFirstInterval.
	ResendFirstInterval time.Duration

	// Durable, if set, enables durable-queue backed confirmation: the
	// controller persists every sent/confirmed message and resumes
	// current_seq_nr/unconfirmed_messages from it on creation.
	Durable DurableProducerQueue[T]

	// Clock overrides the timer source; intended for tests. Defaults
	// to the real wall clock.
	Clock Clock
}

// setDefaults returns a copy of o with zero-valued fields replaced by
// their documented defaults.
func (o Options[T]) setDefaults() Options[T] {
	if o.ResendFirstInterval <= 0 {
		o.ResendFirstInterval = DefaultResendFirstInterval
	}
	if o.Clock == nil {
		o.Clock = realClock{}
	}
	return o
}

// RouterOptions configure a WorkPullingRouter instance.
type RouterOptions[T any] struct {
	// BufferSize bounds buffered_messages: the number of submitted
	// messages queued while no worker has demand. Defaults to
	// DefaultBufferSize.
	BufferSize int

	// PerWorker are the Options applied to every worker's embedded
	// per-worker controller state.
	PerWorker Options[T]
}

func (o RouterOptions[T]) setDefaults() RouterOptions[T] {
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
	o.PerWorker = o.PerWorker.setDefaults()
	return o
}
