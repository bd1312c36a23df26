// Package mongo implements delivery.DurableProducerQueue on top of the
// ORM wrapper in storage/orm, giving a ProducerController a durable
// record of its assigned sequence numbers and unconfirmed messages that
// survives a process restart.
package mongo

import (
	"context"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/flowmesh/delivery/delivery"
	"github.com/flowmesh/delivery/errors"
	"github.com/flowmesh/delivery/storage/orm"
)

// record is the single document kept per producer. The unconfirmed list
// is rewritten wholesale on every store, mirroring the in-memory
// resendBuffer's own "ordered slice, monotonic append / prefix trim"
// access pattern rather than modeling per-message documents.
type record[T any] struct {
	ProducerID   string       `bson:"producer_id" json:"producer_id"`
	CurrentSeqNr uint64       `bson:"current_seq_nr" json:"current_seq_nr"`
	Unconfirmed  []message[T] `bson:"unconfirmed" json:"unconfirmed"`
}

type message[T any] struct {
	SeqNr   uint64 `bson:"seq_nr" json:"seq_nr"`
	Payload T      `bson:"payload" json:"payload"`
	First   bool   `bson:"first" json:"first"`
	Ack     bool   `bson:"ack" json:"ack"`
}

// Queue is a delivery.DurableProducerQueue backed by a MongoDB
// collection, scoped to a single producer ID.
type Queue[T any] struct {
	model      *orm.Model
	producerID string
}

// New returns a Queue storing state for producerID in the given
// collection, reachable through op.
func New[T any](op *orm.Operator, collection, producerID string) *Queue[T] {
	return &Queue[T]{model: op.Model(collection), producerID: producerID}
}

func (q *Queue[T]) filter() map[string]interface{} {
	return map[string]interface{}{"producer_id": q.producerID}
}

func (q *Queue[T]) load() (record[T], error) {
	var rec record[T]
	err := q.model.First(q.filter(), &rec)
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return record[T]{ProducerID: q.producerID}, nil
	case err != nil:
		return record[T]{}, errors.Wrap(err, "load durable queue state")
	}
	return rec, nil
}

func (q *Queue[T]) save(rec record[T]) error {
	return q.model.Update(q.filter(), rec, true)
}

// StoreMessageSent implements delivery.DurableProducerQueue.
func (q *Queue[T]) StoreMessageSent(_ context.Context, msg delivery.SequencedMessage[T]) error {
	rec, err := q.load()
	if err != nil {
		return err
	}
	rec.Unconfirmed = append(rec.Unconfirmed, message[T]{
		SeqNr:   uint64(msg.SeqNr),
		Payload: msg.Payload,
		First:   msg.First,
		Ack:     msg.Ack,
	})
	rec.CurrentSeqNr = uint64(msg.SeqNr) + 1
	return q.save(rec)
}

// StoreMessageConfirmed implements delivery.DurableProducerQueue.
func (q *Queue[T]) StoreMessageConfirmed(_ context.Context, confirmedSeqNr delivery.SeqNr) error {
	rec, err := q.load()
	if err != nil {
		return err
	}
	kept := rec.Unconfirmed[:0]
	for _, m := range rec.Unconfirmed {
		if delivery.SeqNr(m.SeqNr) > confirmedSeqNr {
			kept = append(kept, m)
		}
	}
	rec.Unconfirmed = kept
	return q.save(rec)
}

// LoadState implements delivery.DurableProducerQueue.
func (q *Queue[T]) LoadState(_ context.Context) (delivery.DurableState[T], error) {
	rec, err := q.load()
	if err != nil {
		return delivery.DurableState[T]{}, err
	}
	if rec.CurrentSeqNr == 0 {
		return delivery.DurableState[T]{CurrentSeqNr: 1}, nil
	}
	state := delivery.DurableState[T]{CurrentSeqNr: delivery.SeqNr(rec.CurrentSeqNr)}
	for _, m := range rec.Unconfirmed {
		state.Unconfirmed = append(state.Unconfirmed, delivery.SequencedMessage[T]{
			ProducerID: rec.ProducerID,
			SeqNr:      delivery.SeqNr(m.SeqNr),
			Payload:    m.Payload,
			First:      m.First,
			Ack:        m.Ack,
		})
	}
	return state, nil
}
