package amqp

import (
	"github.com/google/uuid"

	wamqp "github.com/flowmesh/delivery/amqp"
	"github.com/flowmesh/delivery/delivery"
	"github.com/flowmesh/delivery/errors"
)

// Address identifies where a frame should be published: an exchange plus
// routing key pair, the unit AddBinding/AddQueue wire together on the
// broker side.
type Address struct {
	Exchange   string
	RoutingKey string
}

// ConsumerEndpoint publishes SequencedMessage records to a single
// consumer's inbound queue, implementing delivery.ConsumerEndpoint. A
// ProducerController binds one of these per RegisterConsumer call; a
// WorkPullingRouter binds one per discovered worker.
type ConsumerEndpoint[T any] struct {
	publisher *wamqp.Publisher
	addr      Address
}

// NewConsumerEndpoint returns a ConsumerEndpoint publishing to addr
// through publisher.
func NewConsumerEndpoint[T any](publisher *wamqp.Publisher, addr Address) *ConsumerEndpoint[T] {
	return &ConsumerEndpoint[T]{publisher: publisher, addr: addr}
}

// Deliver implements delivery.ConsumerEndpoint.
func (e *ConsumerEndpoint[T]) Deliver(msg delivery.SequencedMessage[T]) error {
	body, err := encodeSequenced(msg)
	if err != nil {
		return err
	}
	return publish(e.publisher, e.addr, body)
}

// ControlEndpoint publishes Request, Ack and Resend frames back to the
// producer controller that sourced a given SequencedMessage, implementing
// delivery.ControlEndpoint.
type ControlEndpoint struct {
	publisher *wamqp.Publisher
	addr      Address
}

// NewControlEndpoint returns a ControlEndpoint publishing to addr through
// publisher.
func NewControlEndpoint(publisher *wamqp.Publisher, addr Address) *ControlEndpoint {
	return &ControlEndpoint{publisher: publisher, addr: addr}
}

// Request implements delivery.ControlEndpoint.
func (e *ControlEndpoint) Request(r delivery.Request) error {
	body, err := encodeRequest(r)
	if err != nil {
		return err
	}
	return publish(e.publisher, e.addr, body)
}

// Ack implements delivery.ControlEndpoint.
func (e *ControlEndpoint) Ack(a delivery.Ack) error {
	body, err := encodeAck(a)
	if err != nil {
		return err
	}
	return publish(e.publisher, e.addr, body)
}

// Resend implements delivery.ControlEndpoint.
func (e *ControlEndpoint) Resend(r delivery.Resend) error {
	body, err := encodeResend(r)
	if err != nil {
		return err
	}
	return publish(e.publisher, e.addr, body)
}

// publish pushes body as a single AMQP message and waits for broker
// confirmation; a resend gone astray is cheap; the alternative - silently
// dropping a control or data frame - is exactly the failure this whole
// package exists to make recoverable instead.
func publish(p *wamqp.Publisher, addr Address, body []byte) error {
	ok, err := p.Push(wamqp.Message{
		MessageId:   uuid.New().String(),
		ContentType: "application/json",
		Body:        body,
	}, wamqp.MessageOptions{
		Exchange:   addr.Exchange,
		RoutingKey: addr.RoutingKey,
		Persistent: true,
	})
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("message not confirmed by broker")
	}
	return nil
}
