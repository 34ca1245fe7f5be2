package progress

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commitminer/commitminer/internal/search"
)

func testLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func logLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestLogReporter_LogsFieldsAndThrottles(t *testing.T) {
	var buf bytes.Buffer
	now := time.Unix(1000, 0)

	r := NewLogReporter(testLogger(&buf), time.Minute)
	r.Now = func() time.Time { return now }
	r.Sample = func() (float64, float64) { return 12.34, 56.78 }

	p := search.Progress{Batches: 1, Offset: 100, Limit: 1000, BatchSize: 2_000_000, BatchElapsed: time.Second}
	r.Report(p)

	p.Batches = 2
	now = now.Add(30 * time.Second)
	r.Report(p)

	p.Batches = 3
	now = now.Add(31 * time.Second)
	r.Report(p)

	lines := logLines(t, &buf)
	require.Len(t, lines, 2)

	first := lines[0]
	assert.Equal(t, "search progress", first["msg"])
	assert.Equal(t, float64(1), first["batches"])
	assert.Equal(t, float64(100), first["offset"])
	assert.Equal(t, 2.0, first["mhash_per_s"])
	assert.Equal(t, 12.3, first["cpu_percent"])
	assert.Equal(t, 56.8, first["mem_percent"])
	assert.Equal(t, float64(3), lines[1]["batches"])
}

func TestLogReporter_FirstBatchAlwaysLogged(t *testing.T) {
	var buf bytes.Buffer
	r := NewLogReporter(testLogger(&buf), time.Hour)
	r.Sample = nil

	r.Report(search.Progress{Batches: 1})
	r.Report(search.Progress{Batches: 1})

	lines := logLines(t, &buf)
	require.Len(t, lines, 2)
	assert.NotContains(t, lines[0], "cpu_percent")
}

func TestNewLogReporter_DefaultInterval(t *testing.T) {
	r := NewLogReporter(slog.Default(), 0)
	assert.Equal(t, DefaultInterval, r.Interval)
}

func TestSystemSample_InRange(t *testing.T) {
	cpuPct, memPct := SystemSample()
	assert.GreaterOrEqual(t, cpuPct, 0.0)
	assert.GreaterOrEqual(t, memPct, 0.0)
	assert.LessOrEqual(t, memPct, 100.0)
}

func TestBarReporter_ReportAndClose(t *testing.T) {
	var buf bytes.Buffer
	r := NewBarReporter(&buf)

	r.Report(search.Progress{Batches: 1, Offset: 10, Limit: 100, BatchSize: 10, BatchElapsed: time.Millisecond})
	r.Report(search.Progress{Batches: 2, Offset: 20, Limit: 100, BatchSize: 10, BatchElapsed: time.Millisecond})

	// A new search replaces the bar.
	r.Report(search.Progress{Batches: 1, Offset: 100, Limit: 100, BatchSize: 100, BatchElapsed: time.Millisecond})

	done := make(chan struct{})
	go func() {
		r.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}
}

func TestMulti_FansOut(t *testing.T) {
	var a, b []uint64
	m := Multi{
		search.ReporterFunc(func(p search.Progress) { a = append(a, p.Offset) }),
		nil,
		search.ReporterFunc(func(p search.Progress) { b = append(b, p.Offset) }),
	}

	m.Report(search.Progress{Offset: 7})

	assert.Equal(t, []uint64{7}, a)
	assert.Equal(t, []uint64{7}, b)
}
