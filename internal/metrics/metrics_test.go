package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestGetReturnsSingleton(t *testing.T) {
	assert.Same(t, Get(), Get())
}

func TestRecordValidation(t *testing.T) {
	m := Get()
	before := testutil.ToFloat64(m.validationsTotal.WithLabelValues("token_expired"))
	m.RecordValidation("token_expired")
	m.RecordValidation("token_expired")
	assert.Equal(t, before+2, testutil.ToFloat64(m.validationsTotal.WithLabelValues("token_expired")))

	beforeUnknown := testutil.ToFloat64(m.validationsTotal.WithLabelValues("unknown"))
	m.RecordValidation("")
	assert.Equal(t, beforeUnknown+1, testutil.ToFloat64(m.validationsTotal.WithLabelValues("unknown")))
}

func TestRecordCheckAndAdmission(t *testing.T) {
	m := Get()

	before := testutil.ToFloat64(m.checksTotal.WithLabelValues("feature", "denied"))
	m.RecordCheck("feature", false)
	assert.Equal(t, before+1, testutil.ToFloat64(m.checksTotal.WithLabelValues("feature", "denied")))

	beforeAdmit := testutil.ToFloat64(m.admissionsTotal.WithLabelValues("admitted", "none"))
	m.RecordAdmission("admitted", "")
	assert.Equal(t, beforeAdmit+1, testutil.ToFloat64(m.admissionsTotal.WithLabelValues("admitted", "none")))
}

func TestQueueDepthGauge(t *testing.T) {
	m := Get()
	before := testutil.ToFloat64(m.queueDepth)
	m.QueueEntered()
	m.QueueEntered()
	m.QueueLeft()
	assert.Equal(t, before+1, testutil.ToFloat64(m.queueDepth))
	m.QueueLeft()
}
