package prometheus

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEngineMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewEngineMetrics(reg)

	require.NotNil(t, m)

	// Engine operations
	timer := m.AppendDuration("account")
	assert.NotNil(t, timer)
	timer.ObserveDuration()

	m.EventsAppended("account", 5)

	timer = m.ReadDuration()
	assert.NotNil(t, timer)
	timer.ObserveDuration()

	m.ConcurrencyConflict("account")

	// Snapshotter outcomes
	timer = m.SnapshotDuration("account")
	assert.NotNil(t, timer)
	timer.ObserveDuration()

	m.SnapshotStored("account")
	m.SnapshotSkipped("account")
	m.SnapshotFailed("account")

	// Verify metrics were registered
	mfs, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, mfs)

	names := make(map[string]bool)
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}

	assert.True(t, names["axon_es_append_duration_seconds"])
	assert.True(t, names["axon_es_events_appended_total"])
	assert.True(t, names["axon_es_concurrency_conflicts_total"])
	assert.True(t, names["axon_es_snapshot_outcomes_total"])
}
