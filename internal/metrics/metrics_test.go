package metrics

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRowCacheRoundTrip(t *testing.T) {
	c := NewRowCache(1024 * 1024)
	c.Set("ko1", []byte(`{"owner":"v1"}`))

	got, ok := c.Get("ko1")
	require.True(t, ok)
	require.Equal(t, []byte(`{"owner":"v1"}`), got)

	_, ok = c.Get("missing")
	require.False(t, ok)
}

func TestCrankCounterRecordsCommitsAndAborts(t *testing.T) {
	var c CrankCounter
	c.RecordCommit()
	c.RecordCommit()
	c.RecordAbort()

	committed, aborted := c.snapshot()
	require.Equal(t, uint64(2), committed)
	require.Equal(t, uint64(1), aborted)
}

func TestDiagnosticsScanLogsWithinBudget(t *testing.T) {
	d := NewDiagnostics(1 << 30)
	// Scan only logs; assert it does not panic on a small root.
	d.Scan(&struct{ X int }{X: 1})
}
