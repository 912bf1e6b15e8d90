package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.VoteCast("accepted")
	c.VoteCast("accepted")
	c.IllegalAttempt("duplicate", "medium")
	c.TallyConflict()
	c.TallyApplied("applied", 0.01)
	c.AlertSent("storm", errors.New("boom"))

	assert.Equal(t, 2.0, testutil.ToFloat64(c.votesCast.WithLabelValues("accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.illegalAttempts.WithLabelValues("duplicate", "medium")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tallyConflicts))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.alertsSent.WithLabelValues("storm", "error")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.VoteCast("accepted")
		c.TallyExhausted()
		c.OutboxDispatched(3)
		c.DeadLetter("vote.accepted")
		c.AlertSent("x", nil)
	})
}
