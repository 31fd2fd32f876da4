package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersWithoutStore(t *testing.T) {
	Incr("no_store_counter", 2)
	Incr("no_store_counter", 3)
	assert.Equal(t, int64(5), Get("no_store_counter"))
	points, err := Query("no_store_counter", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, points)
}

func TestInMemoryStore(t *testing.T) {
	require.NoError(t, InitMetrics(""))
	defer Close()

	Incr("attend_punch_stored", 4)
	SetGauge("system_memuse", 128)

	assert.Equal(t, int64(4), Get("attend_punch_stored"))
	assert.Equal(t, int64(128), Get("system_memuse"))

	points, err := Query("attend_punch_stored", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.NotEmpty(t, points)
	assert.Equal(t, float64(4), points[len(points)-1].Value)
}
