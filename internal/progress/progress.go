// Package progress turns search progress into log lines and terminal bars.
package progress

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/commitminer/commitminer/internal/search"
)

// DefaultInterval is the minimum gap between progress log lines.
const DefaultInterval = 10 * time.Second

// Sample returns host CPU and memory utilisation in percent.
type Sample func() (cpuPercent, memPercent float64)

// SystemSample reads utilisation through gopsutil. Unavailable readings are
// reported as zero.
func SystemSample() (float64, float64) {
	var cpuPct, memPct float64
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		cpuPct = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		memPct = vm.UsedPercent
	}
	return cpuPct, memPct
}

// LogReporter writes throttled progress lines to a logger.
type LogReporter struct {
	Logger   *slog.Logger
	Interval time.Duration
	Sample   Sample
	Now      func() time.Time

	mu   sync.Mutex
	last time.Time
}

// NewLogReporter creates a reporter logging at most once per interval.
func NewLogReporter(logger *slog.Logger, interval time.Duration) *LogReporter {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &LogReporter{
		Logger:   logger,
		Interval: interval,
		Sample:   SystemSample,
		Now:      time.Now,
	}
}

// Report implements search.Reporter. The first batch of a search is always
// logged.
func (r *LogReporter) Report(p search.Progress) {
	now := r.Now()

	r.mu.Lock()
	if p.Batches > 1 && now.Sub(r.last) < r.Interval {
		r.mu.Unlock()
		return
	}
	r.last = now
	r.mu.Unlock()

	args := []any{
		"batches", p.Batches,
		"offset", p.Offset,
		"limit", p.Limit,
		"mhash_per_s", math.Round(p.Rate()/1e4) / 100,
		"elapsed", p.Elapsed.Round(time.Millisecond).String(),
	}
	if r.Sample != nil {
		cpuPct, memPct := r.Sample()
		args = append(args, "cpu_percent", math.Round(cpuPct*10)/10, "mem_percent", math.Round(memPct*10)/10)
	}
	r.Logger.Info("search progress", args...)
}

// BarReporter draws one progress bar per search over the nonce space.
type BarReporter struct {
	p *mpb.Progress

	mu   sync.Mutex
	bar  *mpb.Bar
	rate atomic.Uint64
}

// NewBarReporter renders bars to w.
func NewBarReporter(w io.Writer) *BarReporter {
	return &BarReporter{
		p: mpb.New(mpb.WithWidth(80), mpb.WithOutput(w)),
	}
}

// Report implements search.Reporter. The first batch of a search starts a
// new bar; the previous one is left on screen.
func (r *BarReporter) Report(p search.Progress) {
	r.rate.Store(math.Float64bits(p.Rate()))

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.bar == nil || p.Batches == 1 {
		if r.bar != nil {
			r.bar.Abort(false)
		}
		r.bar = r.p.AddBar(int64(p.Limit),
			mpb.PrependDecorators(
				decor.Name("nonces: "),
				decor.Percentage(decor.WCSyncSpace),
			),
			mpb.AppendDecorators(
				decor.Any(r.rateString, decor.WCSyncSpace),
				decor.OnComplete(decor.AverageETA(decor.ET_STYLE_GO), "done!"),
			),
		)
	}
	r.bar.SetCurrent(int64(p.Offset))
}

func (r *BarReporter) rateString(decor.Statistics) string {
	return fmt.Sprintf("%.2f Mhash/s ", math.Float64frombits(r.rate.Load())/1e6)
}

// Close stops the current bar and waits for the final render.
func (r *BarReporter) Close() {
	r.mu.Lock()
	if r.bar != nil {
		r.bar.Abort(false)
		r.bar = nil
	}
	r.mu.Unlock()
	r.p.Wait()
}

// Multi fans progress out to several reporters.
type Multi []search.Reporter

// Report implements search.Reporter.
func (m Multi) Report(p search.Progress) {
	for _, r := range m {
		if r != nil {
			r.Report(p)
		}
	}
}
