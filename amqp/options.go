package amqp

import (
	"crypto/tls"

	xlog "github.com/flowmesh/delivery/log"
)

// Option instances adjust the settings of a new session before it
// connects to the broker.
type Option func(*session) error

// WithLogger sets the logger instance used to report internal session,
// publisher and consumer events.
func WithLogger(ll xlog.Logger) Option {
	return func(s *session) error {
		s.log = ll
		return nil
	}
}

// WithPrefetch adjusts how many messages (and how many bytes) the
// broker is allowed to keep in flight towards this session before
// requiring an acknowledgement.
func WithPrefetch(count, size int) Option {
	return func(s *session) error {
		s.prefetchCount = count
		s.prefetchSize = size
		return nil
	}
}

// WithName sets a stable identifier for the session, used as the base
// for generated consumer/publisher tags. If not set, a random name is
// generated.
func WithName(name string) Option {
	return func(s *session) error {
		s.name = name
		return nil
	}
}

// WithTopology declares the exchanges, queues and bindings the session
// expects to exist; they are asserted when the session (re)connects.
func WithTopology(tp Topology) Option {
	return func(s *session) error {
		s.topology = tp
		return nil
	}
}

// WithTLS enables AMQPS using the provided TLS configuration. A nil
// value disables TLS.
func WithTLS(conf *tls.Config) Option {
	return func(s *session) error {
		s.tlsConf = conf
		return nil
	}
}

// WithRPC enables the request/response helper methods on top of the
// base publish/subscribe primitives.
func WithRPC() Option {
	return func(s *session) error {
		s.rpcEnabled = true
		return nil
	}
}
