package mongo

import (
	"context"
	"testing"

	"github.com/google/uuid"
	tdd "github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/flowmesh/delivery/delivery"
	"github.com/flowmesh/delivery/storage/orm"
)

func TestQueue(t *testing.T) {
	assert := tdd.New(t)

	conf := options.Client()
	conf.ApplyURI("mongodb://localhost:27017/?tls=false")
	conf.SetDirect(true)
	conf.SetReadPreference(readpref.Primary())

	op, err := orm.NewOperator("testing", conf)
	assert.Nil(err, "new operator")
	if err := op.Ping(); err != nil {
		t.Skip("unavailable MongoDB server:", err.Error())
	}
	defer func() { _ = op.Close(context.Background()) }()

	producerID := uuid.New().String()
	q := New[string](op, "durable_queue_test", producerID)

	t.Run("InitialState", func(t *testing.T) {
		state, err := q.LoadState(context.Background())
		assert.Nil(err, "load state")
		assert.Equal(delivery.SeqNr(1), state.CurrentSeqNr)
		assert.Empty(state.Unconfirmed)
	})

	t.Run("StoreMessageSent", func(t *testing.T) {
		for _, msg := range []delivery.SequencedMessage[string]{
			{ProducerID: producerID, SeqNr: 1, Payload: "one", First: true},
			{ProducerID: producerID, SeqNr: 2, Payload: "two"},
			{ProducerID: producerID, SeqNr: 3, Payload: "three"},
		} {
			assert.Nil(q.StoreMessageSent(context.Background(), msg), "store sent")
		}

		state, err := q.LoadState(context.Background())
		assert.Nil(err, "load state")
		assert.Equal(delivery.SeqNr(4), state.CurrentSeqNr)
		assert.Len(state.Unconfirmed, 3)
		assert.Equal("one", state.Unconfirmed[0].Payload)
		assert.True(state.Unconfirmed[0].First)
	})

	t.Run("StoreMessageConfirmed", func(t *testing.T) {
		assert.Nil(q.StoreMessageConfirmed(context.Background(), 2), "store confirmed")

		state, err := q.LoadState(context.Background())
		assert.Nil(err, "load state")
		assert.Len(state.Unconfirmed, 1)
		assert.Equal(delivery.SeqNr(3), state.Unconfirmed[0].SeqNr)
	})

	// Cleanup.
	assert.Nil(op.Model("durable_queue_test").Delete(map[string]interface{}{"producer_id": producerID}), "cleanup")
}
