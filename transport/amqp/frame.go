// Package amqp realizes delivery.ConsumerEndpoint and delivery.ControlEndpoint
// on top of a broker connection, making the
// "unreliable, unordered, best-effort asynchronous message-passing
// substrate" the core state machines are built to tolerate a literal one:
// AMQP gives no ordering or delivery guarantee across requeues and redeliveries
// can duplicate, which is exactly the environment the sequence numbering and
// resend buffer in package delivery exist to survive.
package amqp

import (
	"encoding/json"

	"github.com/flowmesh/delivery/delivery"
	"github.com/flowmesh/delivery/errors"
)

// frameKind discriminates the four message shapes multiplexed onto a
// single queue: one data direction (sequenced payloads, producer to
// consumer) and three control messages (consumer back to producer).
type frameKind string

const (
	kindSequenced frameKind = "sequenced"
	kindRequest   frameKind = "request"
	kindAck       frameKind = "ack"
	kindResend    frameKind = "resend"
)

// frame is the JSON envelope placed in every AMQP message body exchanged
// by this package. Only the fields relevant to Kind are populated.
type frame struct {
	Kind frameKind `json:"kind"`

	// kindSequenced
	ProducerID string          `json:"producer_id,omitempty"`
	SeqNr      uint64          `json:"seq_nr,omitempty"`
	First      bool            `json:"first,omitempty"`
	Ack        bool            `json:"ack,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`

	// kindRequest
	ConfirmedSeqNr uint64 `json:"confirmed_seq_nr,omitempty"`
	UpToSeqNr      uint64 `json:"up_to_seq_nr,omitempty"`
	SupportResend  bool   `json:"support_resend,omitempty"`
	ViaTimeout     bool   `json:"via_timeout,omitempty"`

	// kindResend
	FromSeqNr uint64 `json:"from_seq_nr,omitempty"`
}

func encodeSequenced[T any](msg delivery.SequencedMessage[T]) ([]byte, error) {
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return nil, errors.Wrap(err, "encode payload")
	}
	return json.Marshal(frame{
		Kind:       kindSequenced,
		ProducerID: msg.ProducerID,
		SeqNr:      uint64(msg.SeqNr),
		First:      msg.First,
		Ack:        msg.Ack,
		Payload:    payload,
	})
}

func decodeSequenced[T any](f frame, replyTo delivery.ControlEndpoint) (delivery.SequencedMessage[T], error) {
	var payload T
	if len(f.Payload) > 0 {
		if err := json.Unmarshal(f.Payload, &payload); err != nil {
			return delivery.SequencedMessage[T]{}, errors.Wrap(err, "decode payload")
		}
	}
	return delivery.SequencedMessage[T]{
		ProducerID: f.ProducerID,
		SeqNr:      delivery.SeqNr(f.SeqNr),
		Payload:    payload,
		First:      f.First,
		Ack:        f.Ack,
		ReplyTo:    replyTo,
	}, nil
}

func encodeRequest(r delivery.Request) ([]byte, error) {
	return json.Marshal(frame{
		Kind:           kindRequest,
		ConfirmedSeqNr: uint64(r.ConfirmedSeqNr),
		UpToSeqNr:      uint64(r.UpToSeqNr),
		SupportResend:  r.SupportResend,
		ViaTimeout:     r.ViaTimeout,
	})
}

func encodeAck(a delivery.Ack) ([]byte, error) {
	return json.Marshal(frame{Kind: kindAck, ConfirmedSeqNr: uint64(a.ConfirmedSeqNr)})
}

func encodeResend(r delivery.Resend) ([]byte, error) {
	return json.Marshal(frame{Kind: kindResend, FromSeqNr: uint64(r.FromSeqNr)})
}
