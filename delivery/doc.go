/*
Package delivery implements a reliable, flow-controlled message delivery
subsystem between a logical producer and one or more logical consumers,
on top of an unreliable, unordered, best-effort asynchronous transport.

The package provides the producer-side half of the protocol only:

  - ProducerController sequences messages submitted by a single producer
    and delivers them, in order, to exactly one consumer endpoint at a
    time. It implements sliding-window flow control, gap-triggered
    retransmission and at-least-once delivery semantics.

  - WorkPullingRouter multiplexes a single producer over a dynamically
    changing pool of consumer ("worker") endpoints, routing each
    outbound message to exactly one worker that currently has demand,
    and rehoming unconfirmed messages when a worker disappears.

The consumer-side controller, the wire serialization, the network
transport, the durable queue backing store and the service-discovery
registry are all treated as external collaborators; this package only
defines the interfaces it needs from them (see ConsumerEndpoint,
ControlEndpoint, DurableProducerQueue and ServiceDiscovery).

Both ProducerController and WorkPullingRouter are single-threaded
cooperative state machines: each runs its own goroutine that processes
exactly one input event to completion before handling the next. Their
exported methods are safe to call concurrently; internally, every state
mutation happens on that one goroutine.

	pc, _ := delivery.NewProducerController[string]("producer-1", delivery.Options[string]{})
	defer pc.Stop(context.Background())

	notify := make(chan delivery.RequestNext[string], 1)
	_ = pc.Start(delivery.ChannelProducerRef[string](notify))
	_ = pc.RegisterConsumer(myConsumerEndpoint)

	for next := range notify {
		_ = pc.Msg("hello")
		_ = next // acknowledge receipt of the notification
	}
*/
package delivery
