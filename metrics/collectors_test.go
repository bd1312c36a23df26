package metrics

import (
	"strings"
	"testing"

	lib "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	tdd "github.com/stretchr/testify/assert"

	"github.com/flowmesh/delivery/delivery"
)

type fakePCStatsSource struct {
	stats delivery.PCStats
}

func (f fakePCStatsSource) Stats() delivery.PCStats { return f.stats }

func TestProducerCollector_Collect(t *testing.T) {
	assert := tdd.New(t)
	source := fakePCStatsSource{stats: delivery.PCStats{
		ProducerID:     "p-1",
		CurrentSeqNr:   5,
		ConfirmedSeqNr: 3,
		RequestedSeqNr: 10,
		HasDemand:      true,
		UnconfirmedLen: 2,
	}}
	c := NewProducerCollector(source)
	assert.Equal(5, testutil.CollectAndCount(c))

	reg := lib.NewRegistry()
	assert.NoError(reg.Register(c))
	expected := `
# HELP delivery_producer_current_seq_nr Next sequence number the producer controller will assign.
# TYPE delivery_producer_current_seq_nr gauge
delivery_producer_current_seq_nr{producer_id="p-1"} 5
`
	assert.NoError(testutil.GatherAndCompare(reg, strings.NewReader(expected), "delivery_producer_current_seq_nr"))
}

type fakeWPRStatsSource struct {
	stats delivery.WorkerStats
}

func (f fakeWPRStatsSource) GetWorkerStats() delivery.WorkerStats { return f.stats }

func TestRouterCollector_Collect(t *testing.T) {
	assert := tdd.New(t)
	source := fakeWPRStatsSource{stats: delivery.WorkerStats{
		WorkerCount:       3,
		WorkersWithDemand: 2,
		BufferedMessages:  1,
	}}
	c := NewRouterCollector(source, "orders")
	assert.Equal(3, testutil.CollectAndCount(c))

	reg := lib.NewRegistry()
	assert.NoError(reg.Register(c))
	expected := `
# HELP delivery_router_buffered_messages Number of messages held back because no worker had demand.
# TYPE delivery_router_buffered_messages gauge
delivery_router_buffered_messages{service_key="orders"} 1
`
	assert.NoError(testutil.GatherAndCompare(reg, strings.NewReader(expected), "delivery_router_buffered_messages"))
}

func TestBoolToFloat(t *testing.T) {
	assert := tdd.New(t)
	assert.Equal(float64(1), boolToFloat(true))
	assert.Equal(float64(0), boolToFloat(false))
}
