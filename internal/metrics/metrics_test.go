package metrics

import (
	"testing"

	"chatsync/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRouterObserver(t *testing.T) {
	var o RouterObserver
	before := testutil.ToFloat64(resyncsCounter())

	o.Delivered(models.EventMessageSent)
	o.Dropped(models.EventTypingStarted)
	o.ResyncForced()

	assert.Equal(t, before+1, testutil.ToFloat64(resyncsCounter()))
	assert.GreaterOrEqual(t, testutil.ToFloat64(eventsDropped.WithLabelValues(string(models.EventTypingStarted))), 1.0)
	assert.GreaterOrEqual(t, testutil.ToFloat64(eventsDelivered.WithLabelValues(string(models.EventMessageSent))), 1.0)
}

func resyncsCounter() prometheus.Counter {
	Register()
	return resyncsForced
}
