package metrics

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeclareIdempotent(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Declare("my_gauge", "a gauge", []string{"a", "b"}))
	require.NoError(t, r.Declare("my_gauge", "a gauge", []string{"a", "b"}))
	// repeat declaration keeps the first key set
	require.NoError(t, r.Declare("my_gauge", "different help", []string{"c"}))
	require.NoError(t, r.Set("my_gauge", map[string]string{"a": "1", "b": "2"}, 1))
}

func TestSetUndeclaredGauge(t *testing.T) {
	r := NewRegistry()
	err := r.Set("missing", nil, 1)
	assert.Error(t, err)
}

func TestSetFillsMissingKeys(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Declare("g", "", []string{"present", "absent"}))
	require.NoError(t, r.Set("g", map[string]string{"present": "x"}, 2.5))

	snap, err := r.Snapshot()
	require.NoError(t, err)
	assert.Contains(t, snap, `absent="-"`)
	assert.Contains(t, snap, `present="x"`)
}

func TestSetDropsUndeclaredKeys(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Declare("g", "", []string{"known"}))
	require.NoError(t, r.Set("g", map[string]string{"known": "x", "unknown": "y"}, 1))

	snap, err := r.Snapshot()
	require.NoError(t, err)
	assert.NotContains(t, snap, "unknown")
}

func TestConcurrentSetsAllVisible(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Declare("series_gauge", "", []string{"writer"}))

	const writers = 100
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			labels := map[string]string{"writer": fmt.Sprintf("w%03d", i)}
			assert.NoError(t, r.Set("series_gauge", labels, float64(i)))
		}(i)
	}
	wg.Wait()

	snap, err := r.Snapshot()
	require.NoError(t, err)
	count := 0
	for _, line := range strings.Split(snap, "\n") {
		if strings.HasPrefix(line, "series_gauge{") {
			count++
		}
	}
	assert.Equal(t, writers, count)
}

func TestLastWriteWins(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Declare("g", "", []string{"k"}))
	labels := map[string]string{"k": "v"}
	for i := 0; i < 50; i++ {
		require.NoError(t, r.Set("g", labels, float64(i)))
	}
	require.NoError(t, r.Set("g", labels, 123.5))

	snap, err := r.Snapshot()
	require.NoError(t, err)
	assert.Contains(t, snap, `g{k="v"} 123.5`)
	assert.NotContains(t, snap, `g{k="v"} 49`)
}

func TestSnapshotExpositionFormat(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Declare("db2_database_size_bytes", "Total database size in bytes", []string{"dbname"}))
	require.NoError(t, r.Set("db2_database_size_bytes", map[string]string{"dbname": "BLUDB"}, 1024))

	snap, err := r.Snapshot()
	require.NoError(t, err)
	assert.Contains(t, snap, "# HELP db2_database_size_bytes Total database size in bytes")
	assert.Contains(t, snap, "# TYPE db2_database_size_bytes gauge")
	assert.Contains(t, snap, `db2_database_size_bytes{dbname="BLUDB"} 1024`)
}

func TestSetConnectionStatus(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Declare(ConnectionStatusMetric, "", []string{"dbhost", "dbport", "dbname"}))
	labels := map[string]string{"dbhost": "h", "dbport": "50000", "dbname": "BLUDB"}

	r.SetConnectionStatus(labels, false)
	snap, err := r.Snapshot()
	require.NoError(t, err)
	assert.Contains(t, snap, `db2_connection_status{dbhost="h",dbname="BLUDB",dbport="50000"} 0`)

	r.SetConnectionStatus(labels, true)
	snap, err = r.Snapshot()
	require.NoError(t, err)
	assert.Contains(t, snap, `db2_connection_status{dbhost="h",dbname="BLUDB",dbport="50000"} 1`)
}
