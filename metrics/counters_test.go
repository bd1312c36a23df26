package metrics

import (
	"strings"
	"testing"

	lib "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	tdd "github.com/stretchr/testify/assert"
)

func TestControlCounters_IncrementsByKind(t *testing.T) {
	assert := tdd.New(t)
	c := NewControlCounters()
	reg := lib.NewRegistry()
	assert.NoError(reg.Register(c))

	c.Request()
	c.Request()
	c.Ack()
	c.Resend()
	c.Resend()
	c.Resend()

	expected := `
# HELP delivery_control_frames_total Number of Request, Ack and Resend frames handled, by kind.
# TYPE delivery_control_frames_total counter
delivery_control_frames_total{kind="ack"} 1
delivery_control_frames_total{kind="request"} 2
delivery_control_frames_total{kind="resend"} 3
`
	assert.NoError(testutil.GatherAndCompare(reg, strings.NewReader(expected), "delivery_control_frames_total"))
}
