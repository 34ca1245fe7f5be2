// Package search drives a compute session across the nonce space.
//
// The controller walks the space in fixed-size batches from a start offset.
// Before each batch it checks for cancellation and for the end of the space;
// it never interrupts a batch that is already running. Exhaustion and
// cancellation are outcomes, not errors. Backend failures are returned as
// errors and end the search.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/commitminer/commitminer/internal/compute"
	"github.com/commitminer/commitminer/pkg/digest"
	"github.com/commitminer/commitminer/pkg/nonce"
)

// Configuration errors.
var (
	ErrLimitTooLarge = errors.New("search: limit exceeds the nonce space")
	ErrStartPastEnd  = errors.New("search: start is past the limit")

	// ErrLimitBelowBatch means no whole batch fits between start and limit,
	// so every search would end exhausted without hashing.
	ErrLimitBelowBatch = errors.New("search: batch does not fit below the limit")
)

// Outcome is how a search ended.
type Outcome int

const (
	OutcomeFound Outcome = iota
	OutcomeExhausted
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFound:
		return "found"
	case OutcomeExhausted:
		return "exhausted"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Config bounds a search.
type Config struct {
	// BatchSize is the number of nonces per dispatch. Zero uses the
	// session's MaxBatch; larger values are clamped to it.
	BatchSize uint64

	// Limit is the exclusive upper bound of the space. Zero means
	// nonce.Space.
	Limit uint64

	// Start is the first nonce tried.
	Start uint64
}

// Result is the outcome of one search.
type Result struct {
	Outcome Outcome
	Nonce   uint64
	Digest  [digest.Size]byte

	// Attempts counts nonces dispatched, including the whole final batch.
	Attempts uint64
	Batches  uint64

	// NextOffset is where a resumed search would start.
	NextOffset uint64
	Elapsed    time.Duration

	// Cause is context.Cause of the cancelled context.
	Cause error
}

// Progress is reported after every batch.
type Progress struct {
	Batches      uint64
	Attempts     uint64
	Offset       uint64
	Limit        uint64
	BatchSize    uint64
	Elapsed      time.Duration
	BatchElapsed time.Duration
}

// Rate returns the attempts per second of the last batch.
func (p Progress) Rate() float64 {
	if p.BatchElapsed <= 0 {
		return 0
	}
	return float64(p.BatchSize) / p.BatchElapsed.Seconds()
}

// Reporter receives progress from the controlling goroutine.
type Reporter interface {
	Report(p Progress)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(p Progress)

func (f ReporterFunc) Report(p Progress) { f(p) }

// Stats is a snapshot for status queries.
type Stats struct {
	Running   bool
	Device    string
	Predicate string
	Offset    uint64
	Limit     uint64
	Batches   uint64
	Attempts  uint64
	Rate      float64
	Started   time.Time

	// Totals across every search run by this controller.
	Searches   uint64
	Found      uint64
	Exhausted  uint64
	Cancelled  uint64
	Failed     uint64
	TotalTries uint64
}

// Option configures a Controller.
type Option func(*Controller)

// WithReporter sets the progress reporter.
func WithReporter(r Reporter) Option {
	return func(c *Controller) { c.reporter = r }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// Controller runs searches on one session. Search must not be called
// concurrently; Stats may be called from any goroutine.
type Controller struct {
	session  compute.Session
	batch    uint64
	limit    uint64
	start    uint64
	reporter Reporter
	logger   *slog.Logger

	mu    sync.RWMutex
	stats Stats
}

// New validates cfg against the session and creates a controller.
func New(session compute.Session, cfg Config, opts ...Option) (*Controller, error) {
	maxBatch := session.MaxBatch()
	batch := cfg.BatchSize
	if batch == 0 || batch > maxBatch {
		batch = maxBatch
	}
	limit := cfg.Limit
	if limit == 0 {
		limit = nonce.Space
	}
	if limit > nonce.Space {
		return nil, fmt.Errorf("%w: %d > %d", ErrLimitTooLarge, limit, nonce.Space)
	}
	if cfg.Start > limit {
		return nil, fmt.Errorf("%w: %d > %d", ErrStartPastEnd, cfg.Start, limit)
	}
	if remaining := limit - cfg.Start; batch > remaining {
		// An unset batch size shrinks to the space; an explicit one is an error.
		if cfg.BatchSize != 0 || remaining == 0 {
			return nil, fmt.Errorf("%w: batch %d, space [%d, %d)", ErrLimitBelowBatch, batch, cfg.Start, limit)
		}
		batch = remaining
	}

	c := &Controller{
		session: session,
		batch:   batch,
		limit:   limit,
		start:   cfg.Start,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.stats.Device = session.Device().String()
	c.stats.Limit = limit
	return c, nil
}

// BatchSize returns the effective batch size.
func (c *Controller) BatchSize() uint64 { return c.batch }

// Limit returns the effective exclusive end of the space.
func (c *Controller) Limit() uint64 { return c.limit }

// Search runs batches until one accepts, the space is exhausted, or ctx is
// done. The midstate is copied into every job.
func (c *Controller) Search(ctx context.Context, mid digest.Midstate, pred compute.Predicate) (_ *Result, err error) {
	start := time.Now()
	offset := c.start
	res := &Result{}

	c.begin(start, pred)
	defer func() { c.end(res, err) }()

	for {
		if ctx.Err() != nil {
			res.Outcome = OutcomeCancelled
			res.Cause = context.Cause(ctx)
			break
		}
		if offset+c.batch > c.limit {
			res.Outcome = OutcomeExhausted
			break
		}

		batchStart := time.Now()
		r, err := c.session.Dispatch(ctx, compute.Job{
			Midstate:  mid,
			Offset:    offset,
			Size:      c.batch,
			Predicate: pred,
		})
		if err != nil {
			return nil, fmt.Errorf("search: dispatch batch at %d: %w", offset, err)
		}

		res.Batches++
		res.Attempts += c.batch
		offset += c.batch

		p := Progress{
			Batches:      res.Batches,
			Attempts:     res.Attempts,
			Offset:       offset,
			Limit:        c.limit,
			BatchSize:    c.batch,
			Elapsed:      time.Since(start),
			BatchElapsed: time.Since(batchStart),
		}
		c.progress(p)

		if r.Found {
			res.Outcome = OutcomeFound
			res.Nonce = r.Nonce
			res.Digest = r.Digest
			break
		}
	}

	res.NextOffset = offset
	res.Elapsed = time.Since(start)
	c.logger.Debug("search finished",
		"outcome", res.Outcome.String(),
		"batches", res.Batches,
		"attempts", res.Attempts,
		"elapsed", res.Elapsed,
	)
	return res, nil
}

func (c *Controller) begin(t time.Time, pred compute.Predicate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.Running = true
	c.stats.Predicate = pred.String()
	c.stats.Offset = c.start
	c.stats.Batches = 0
	c.stats.Attempts = 0
	c.stats.Rate = 0
	c.stats.Started = t
	c.stats.Searches++
}

func (c *Controller) progress(p Progress) {
	c.mu.Lock()
	c.stats.Offset = p.Offset
	c.stats.Batches = p.Batches
	c.stats.Attempts = p.Attempts
	c.stats.Rate = p.Rate()
	c.stats.TotalTries += p.BatchSize
	c.mu.Unlock()

	if c.reporter != nil {
		c.reporter.Report(p)
	}
}

func (c *Controller) end(res *Result, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.Running = false
	if err != nil {
		c.stats.Failed++
		return
	}
	switch res.Outcome {
	case OutcomeFound:
		c.stats.Found++
	case OutcomeExhausted:
		c.stats.Exhausted++
	case OutcomeCancelled:
		c.stats.Cancelled++
	}
}

// Stats returns a snapshot of the controller's counters.
func (c *Controller) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}
