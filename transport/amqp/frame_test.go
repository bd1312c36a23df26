package amqp

import (
	"encoding/json"
	"testing"

	tdd "github.com/stretchr/testify/assert"

	"github.com/flowmesh/delivery/delivery"
)

func TestEncodeDecodeSequenced(t *testing.T) {
	assert := tdd.New(t)
	msg := delivery.SequencedMessage[string]{
		ProducerID: "p-1",
		SeqNr:      7,
		Payload:    "hello",
		First:      true,
		Ack:        true,
	}
	body, err := encodeSequenced(msg)
	assert.NoError(err)

	var f frame
	assert.NoError(json.Unmarshal(body, &f))
	assert.Equal(kindSequenced, f.Kind)

	got, err := decodeSequenced[string](f, nil)
	assert.NoError(err)
	assert.Equal(msg.ProducerID, got.ProducerID)
	assert.Equal(msg.SeqNr, got.SeqNr)
	assert.Equal(msg.Payload, got.Payload)
	assert.True(got.First)
	assert.True(got.Ack)
}

func TestEncodeRequestAckResend(t *testing.T) {
	assert := tdd.New(t)

	body, err := encodeRequest(delivery.Request{ConfirmedSeqNr: 3, UpToSeqNr: 13, SupportResend: true, ViaTimeout: true})
	assert.NoError(err)
	var req frame
	assert.NoError(json.Unmarshal(body, &req))
	assert.Equal(kindRequest, req.Kind)
	assert.Equal(uint64(3), req.ConfirmedSeqNr)
	assert.Equal(uint64(13), req.UpToSeqNr)
	assert.True(req.SupportResend)
	assert.True(req.ViaTimeout)

	body, err = encodeAck(delivery.Ack{ConfirmedSeqNr: 9})
	assert.NoError(err)
	var ack frame
	assert.NoError(json.Unmarshal(body, &ack))
	assert.Equal(kindAck, ack.Kind)
	assert.Equal(uint64(9), ack.ConfirmedSeqNr)

	body, err = encodeResend(delivery.Resend{FromSeqNr: 5})
	assert.NoError(err)
	var resend frame
	assert.NoError(json.Unmarshal(body, &resend))
	assert.Equal(kindResend, resend.Kind)
	assert.Equal(uint64(5), resend.FromSeqNr)
}
