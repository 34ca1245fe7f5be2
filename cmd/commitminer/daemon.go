package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/commitminer/commitminer/internal/compute"
	"github.com/commitminer/commitminer/internal/compute/cpu"
	"github.com/commitminer/commitminer/internal/compute/opencl"
	"github.com/commitminer/commitminer/internal/compute/reference"
	"github.com/commitminer/commitminer/internal/config"
	"github.com/commitminer/commitminer/internal/gitrepo"
	"github.com/commitminer/commitminer/internal/ipc"
	"github.com/commitminer/commitminer/internal/journal"
	"github.com/commitminer/commitminer/internal/progress"
	"github.com/commitminer/commitminer/internal/search"
	"github.com/commitminer/commitminer/internal/verify"
	"github.com/commitminer/commitminer/pkg/commit"
	"github.com/commitminer/commitminer/pkg/digest"
)

// Daemon states.
const (
	StateIdle    = "idle"
	StateMining  = "mining"
	StatePushing = "pushing"
	StateStopped = "stopped"
)

// ErrStale cancels a round whose parent is no longer the remote head.
var ErrStale = errors.New("remote branch moved")

// ErrNoJournal is returned by MinerHistory when journal.path is empty.
var ErrNoJournal = errors.New("round journal disabled")

// Journal outcomes beyond search.Outcome.
const (
	outcomeFailed   = "failed"
	outcomeRejected = "rejected"
)

// DefaultRegistry returns every compiled-in backend.
func DefaultRegistry() *compute.Registry {
	return compute.NewRegistry(opencl.New(), cpu.New(), reference.New())
}

// Daemon mines commits round after round.
type Daemon struct {
	cfg      config.MinerConfig
	registry *compute.Registry
	logger   *slog.Logger

	// Progress output; nil selects from cfg.Progress.
	progressOut io.Writer
	// Period of the background fetch; zero disables it.
	fetchEvery time.Duration

	repo       *gitrepo.CLI
	ledger     *gitrepo.Ledger
	sink       gitrepo.Sink
	pred       compute.Masked
	backend    compute.Backend
	session    compute.Session
	controller *search.Controller
	server     *ipc.Server
	journal    *journal.Journal

	mu          sync.RWMutex
	state       string
	round       uint64
	base        string
	cancelRound context.CancelCauseFunc
	mined       uint64
	exhausted   uint64
	cancelled   uint64
	failed      uint64
	lastHash    string
}

// NewDaemon validates cfg and creates a daemon. A nil registry uses
// DefaultRegistry.
func NewDaemon(cfg config.MinerConfig, registry *compute.Registry, logger *slog.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	pred, err := compute.FromConfig(cfg.Search.ZeroBits, cfg.Search.Prefix)
	if err != nil {
		return nil, err
	}
	if registry == nil {
		registry = DefaultRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}

	repo := gitrepo.NewCLI(cfg.Repository.WorkDir)
	repo.Remote = cfg.Repository.Remote
	repo.Branch = cfg.Repository.Branch

	ledger := gitrepo.NewLedger(cfg.Repository.WorkDir)
	if cfg.Repository.Ledger != "" {
		ledger.Path = filepath.Join(cfg.Repository.WorkDir, cfg.Repository.Ledger)
	}

	return &Daemon{
		cfg:      cfg,
		registry: registry,
		logger:   logger,
		repo:     repo,
		ledger:   ledger,
		pred:     pred,
		state:    StateIdle,

		fetchEvery: cfg.Sync.FetchEvery(),
	}, nil
}

// Run opens the repository and the compute session, then mines until ctx is
// cancelled, the configured number of commits is reached, or a backend fails.
func (d *Daemon) Run(ctx context.Context) (err error) {
	if err := d.prepareRepo(ctx); err != nil {
		return err
	}
	if err := d.openSession(); err != nil {
		return err
	}
	defer d.closeSession()

	if d.cfg.Journal.Path != "" {
		if err := os.MkdirAll(filepath.Dir(d.cfg.Journal.Path), 0700); err != nil {
			return err
		}
		j, err := journal.Open(d.cfg.Journal.Path)
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		if n, err := j.Count(); err == nil {
			d.logger.Info("opened round journal", "path", d.cfg.Journal.Path, "recorded", n)
		}
		d.mu.Lock()
		d.journal = j
		d.mu.Unlock()
		defer func() {
			d.mu.Lock()
			d.journal = nil
			d.mu.Unlock()
			if err := j.Close(); err != nil {
				d.logger.Warn("failed to close journal", "error", err)
			}
		}()
	}

	reporter, closeReporter := d.newReporter()
	defer closeReporter()

	d.controller, err = search.New(d.session, search.Config{
		BatchSize: d.cfg.Search.BatchSize,
		Limit:     d.cfg.Search.Limit,
	}, search.WithReporter(reporter), search.WithLogger(d.logger))
	if err != nil {
		return err
	}

	if d.cfg.IPC.Socket != "" {
		if err := os.MkdirAll(filepath.Dir(d.cfg.IPC.Socket), 0700); err != nil {
			return err
		}
		server, err := ipc.NewServer(d.cfg.IPC.Socket, d)
		if err != nil {
			return fmt.Errorf("failed to start IPC server: %w", err)
		}
		d.server = server
		go func() {
			d.logger.Info("starting IPC server", "socket", d.cfg.IPC.Socket)
			if err := server.Start(); err != nil {
				d.logger.Warn("IPC server stopped", "error", err)
			}
		}()
		defer server.Stop()
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	d.startStaleWatch(watchCtx)

	defer d.setState(StateStopped)
	for rounds := 0; d.cfg.Sync.Rounds == 0 || rounds < d.cfg.Sync.Rounds; {
		found, err := d.runRound(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if found {
			rounds++
		}
	}
	d.logger.Info("mined requested commits", "rounds", d.cfg.Sync.Rounds)
	return nil
}

// prepareRepo clones the repository when needed and syncs with the remote.
func (d *Daemon) prepareRepo(ctx context.Context) error {
	if !d.repo.IsRepository(ctx) {
		if d.cfg.Repository.CloneURL == "" {
			return fmt.Errorf("%w: %s (set repository.clone_url to clone it)", gitrepo.ErrNotRepository, d.repo.Dir)
		}
		if err := os.MkdirAll(filepath.Dir(d.repo.Dir), 0700); err != nil {
			return err
		}
		d.logger.Info("cloning repository", "url", d.cfg.Repository.CloneURL, "workdir", d.repo.Dir)
		if err := d.repo.Clone(ctx, d.cfg.Repository.CloneURL); err != nil {
			return err
		}
	} else if err := d.repo.Fetch(ctx); err != nil {
		return err
	}

	sink, err := gitrepo.NewPersister(ctx, d.repo)
	if err != nil {
		return err
	}
	d.sink = sink
	return nil
}

// openSession selects a backend and opens the configured device.
func (d *Daemon) openSession() error {
	backend, devices, err := d.registry.Select(d.cfg.Search.Backends)
	if err != nil {
		return err
	}
	idx := d.cfg.Search.Device
	if idx < 0 || idx >= len(devices) {
		return fmt.Errorf("device %d out of range: backend %s has %d devices", idx, backend.Name(), len(devices))
	}

	session, err := backend.Open(devices[idx], compute.Options{
		Workers:   d.cfg.Search.Workers,
		LocalSize: d.cfg.Search.LocalSize,
	})
	if err != nil {
		return err
	}
	d.backend = backend
	d.session = session
	d.logger.Info("opened compute session",
		"backend", backend.Name(),
		"device", session.Device().String(),
		"max_batch", session.MaxBatch(),
		"predicate", d.pred.String(),
	)
	return nil
}

func (d *Daemon) closeSession() {
	if d.session == nil {
		return
	}
	if err := d.session.Close(); err != nil {
		d.logger.Warn("failed to release compute session", "error", err)
	}
}

func (d *Daemon) newReporter() (search.Reporter, func()) {
	if d.cfg.Progress.Bar {
		out := d.progressOut
		if out == nil {
			out = os.Stderr
		}
		// Bars go to the terminal; log lines keep the record.
		bar := progress.NewBarReporter(out)
		return progress.Multi{bar, progress.NewLogReporter(d.logger, d.cfg.Progress.Interval())}, bar.Close
	}
	return progress.NewLogReporter(d.logger, d.cfg.Progress.Interval()), func() {}
}

// runRound mines one commit on top of the remote head. It reports whether a
// commit was stored; exhaustion and stale rounds return false with no error.
func (d *Daemon) runRound(ctx context.Context) (bool, error) {
	if err := d.repo.ResetToRemote(ctx); err != nil {
		return false, err
	}
	if err := d.ledger.Credit(d.cfg.Identity.User); err != nil {
		return false, err
	}
	ledgerName, err := filepath.Rel(d.repo.Dir, d.ledger.Path)
	if err != nil {
		return false, err
	}
	if err := d.repo.Add(ctx, ledgerName); err != nil {
		return false, err
	}

	pre, err := d.preimage(ctx)
	if err != nil {
		return false, err
	}
	mid, err := pre.Freeze()
	if err != nil {
		return false, err
	}

	roundCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	d.beginRound(cancel)
	defer d.endRound()

	d.mu.RLock()
	entry := journal.Entry{
		Round:  d.round,
		Parent: d.base,
		Device: d.session.Device().String(),
	}
	d.mu.RUnlock()

	res, err := d.controller.Search(roundCtx, mid, d.pred)
	if err != nil {
		d.mu.Lock()
		d.failed++
		d.mu.Unlock()
		var ce *compute.Error
		if errors.As(err, &ce) {
			d.logger.Error("compute backend failed", "op", ce.Op, "code", ce.Code, "desc", ce.Desc)
		}
		entry.Outcome = outcomeFailed
		entry.Error = err.Error()
		d.record(entry)
		return false, err
	}
	entry.Outcome = res.Outcome.String()
	entry.Attempts = res.Attempts
	entry.Elapsed = res.Elapsed

	switch res.Outcome {
	case search.OutcomeFound:
		found, err := d.publish(ctx, pre, mid, res, &entry)
		d.record(entry)
		return found, err

	case search.OutcomeExhausted:
		d.mu.Lock()
		d.exhausted++
		d.mu.Unlock()
		d.record(entry)
		d.logger.Info("nonce space exhausted, starting a new round",
			"attempts", res.Attempts,
			"elapsed", res.Elapsed.String(),
		)
		return false, d.repo.Fetch(ctx)

	default:
		d.mu.Lock()
		d.cancelled++
		d.mu.Unlock()
		if res.Cause != nil {
			entry.Error = res.Cause.Error()
		}
		d.record(entry)
		if errors.Is(res.Cause, ErrStale) {
			d.logger.Info("remote moved, restarting round", "attempts", res.Attempts)
			return false, nil
		}
		return false, res.Cause
	}
}

// preimage builds the next commit from the staged tree and current head.
func (d *Daemon) preimage(ctx context.Context) (*commit.Preimage, error) {
	tree, err := d.repo.Tree(ctx)
	if err != nil {
		return nil, err
	}
	head, err := d.repo.Head(ctx)
	if err != nil {
		return nil, err
	}
	now := d.repo.Now()

	d.mu.Lock()
	d.base = head
	d.mu.Unlock()

	return commit.Build(commit.Fields{
		Tree:       tree,
		Parent:     head,
		Author:     d.cfg.AuthorLine(),
		AuthorTime: now,
		Zone:       d.cfg.Identity.Zone,
		Message:    commit.Message(d.cfg.Message.Template, d.cfg.Identity.User, now),
	})
}

// publish verifies a found nonce, stores the commit and pushes it. A digest
// mismatch discards the round. The journal entry is filled in as it goes.
func (d *Daemon) publish(ctx context.Context, pre *commit.Preimage, mid digest.Midstate, res *search.Result, entry *journal.Entry) (bool, error) {
	entry.Nonce = res.Nonce
	c, err := verify.Verify(pre, mid, d.pred, res.Nonce, &res.Digest)
	if err != nil {
		d.mu.Lock()
		d.failed++
		d.mu.Unlock()
		d.logger.Error("discarding unverified result", "nonce", res.Nonce, "error", err)
		entry.Outcome = outcomeRejected
		entry.Error = err.Error()
		return false, nil
	}
	entry.Hash = c.Hex

	d.setState(StatePushing)
	if err := d.sink.Store(ctx, c.Object, c.Hex); err != nil {
		entry.Outcome = outcomeFailed
		entry.Error = err.Error()
		return false, err
	}

	d.mu.Lock()
	d.mined++
	d.lastHash = c.Hex
	d.mu.Unlock()
	balance, err := d.ledger.Balance(d.cfg.Identity.User)
	if err != nil {
		d.logger.Warn("failed to read ledger balance", "error", err)
	}
	d.logger.Info("mined commit",
		"hash", c.Hex,
		"nonce", res.Nonce,
		"attempts", res.Attempts,
		"elapsed", res.Elapsed.String(),
		"balance", balance,
	)

	if !d.cfg.Sync.Push {
		return true, nil
	}
	if err := d.repo.Push(ctx); err != nil {
		// Lost the race to another miner; the next round starts from the new head.
		d.logger.Warn("push rejected", "hash", c.Hex, "error", err)
		entry.Error = err.Error()
		return true, d.repo.Fetch(ctx)
	}
	entry.Pushed = true
	d.logger.Info("pushed commit", "hash", c.Hex)
	return true, nil
}

// record appends e to the journal, if one is open.
func (d *Daemon) record(e journal.Entry) {
	d.mu.RLock()
	j := d.journal
	d.mu.RUnlock()
	if j == nil {
		return
	}
	e.Time = time.Now().UTC()
	if _, err := j.Append(e); err != nil {
		d.logger.Warn("failed to journal round", "round", e.Round, "error", err)
	}
}

// MinerHistory implements ipc.HistoryProvider.
func (d *Daemon) MinerHistory(limit int) ([]journal.Entry, error) {
	d.mu.RLock()
	j := d.journal
	d.mu.RUnlock()
	if j == nil {
		return nil, ErrNoJournal
	}
	return j.Recent(limit)
}

func (d *Daemon) beginRound(cancel context.CancelCauseFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.round++
	d.state = StateMining
	d.cancelRound = cancel
}

func (d *Daemon) endRound() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelRound = nil
	if d.state == StateMining {
		d.state = StateIdle
	}
}

func (d *Daemon) setState(s string) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// startStaleWatch fetches on a ticker and watches the remote-tracking ref;
// when the remote head differs from the round's parent the round is cancelled.
func (d *Daemon) startStaleWatch(ctx context.Context) {
	changes := make(chan gitrepo.RefChange, 8)

	if d.cfg.Sync.WatchRefs {
		gitDir, err := d.repo.GitDir(ctx)
		if err == nil {
			var w *gitrepo.RefWatcher
			w, err = gitrepo.NewRefWatcher(gitDir, d.repo.RemoteRef(), changes)
			if err == nil {
				w.SetErrorCallback(func(err error) {
					d.logger.Warn("ref watcher error", "error", err)
				})
				go w.Start(ctx)
				go func() {
					<-ctx.Done()
					w.Close()
				}()
			}
		}
		if err != nil {
			d.logger.Warn("failed to watch remote ref", "error", err)
		}
	}

	var tick <-chan time.Time
	if every := d.fetchEvery; every > 0 {
		ticker := time.NewTicker(every)
		tick = ticker.C
		go func() {
			<-ctx.Done()
			ticker.Stop()
		}()
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick:
				if err := d.repo.Fetch(ctx); err != nil {
					if ctx.Err() == nil {
						d.logger.Warn("periodic fetch failed", "error", err)
					}
					continue
				}
				d.checkStale(ctx)
			case <-changes:
				d.checkStale(ctx)
			}
		}
	}()
}

// checkStale cancels the running round if the remote head moved past its
// parent.
func (d *Daemon) checkStale(ctx context.Context) {
	remote, err := d.repo.RemoteHead(ctx)
	if err != nil {
		return
	}
	d.mu.RLock()
	base, cancel := d.base, d.cancelRound
	d.mu.RUnlock()

	if cancel != nil && base != "" && remote != base {
		d.logger.Info("remote head changed", "remote", remote, "base", base)
		cancel(ErrStale)
	}
}

// MinerStatus implements ipc.StatusProvider.
func (d *Daemon) MinerStatus() ipc.Status {
	d.mu.RLock()
	st := ipc.Status{
		State:     d.state,
		User:      d.cfg.Identity.User,
		Predicate: d.pred.String(),
		Head:      d.base,
		Round:     d.round,
		Mined:     d.mined,
		Exhausted: d.exhausted,
		Cancelled: d.cancelled,
		Failed:    d.failed,
		LastHash:  d.lastHash,
	}
	d.mu.RUnlock()

	if d.backend != nil {
		st.Backend = d.backend.Name()
	}
	if d.controller != nil {
		stats := d.controller.Stats()
		st.Device = stats.Device
		st.Offset = stats.Offset
		st.Limit = stats.Limit
		st.Attempts = stats.TotalTries
		st.Rate = stats.Rate
		st.Started = stats.Started
	}
	return st
}
