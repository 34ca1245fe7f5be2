package gitrepo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// RefChange is emitted when a watched ref may have moved.
type RefChange struct {
	// Path is the file that changed: the loose ref or packed-refs.
	Path string
}

// ErrorCallback is called when the watcher reports an error.
type ErrorCallback func(err error)

// RefWatcher watches a remote-tracking ref for updates made by fetch.
//
// Git replaces refs by renaming a lock file, and may keep the ref only in
// packed-refs, so the watcher observes the ref's directory and the git
// directory and filters by name.
type RefWatcher struct {
	ref    string
	packed string
	events chan<- RefChange
	fsw    *fsnotify.Watcher

	onError      ErrorCallback
	droppedCount atomic.Int64

	done chan struct{}
}

// NewRefWatcher watches ref (e.g. refs/remotes/origin/master) inside gitDir.
// Changes are sent on events without blocking; when the channel is full the
// change is dropped and counted.
func NewRefWatcher(gitDir, ref string, events chan<- RefChange) (*RefWatcher, error) {
	gitDir = filepath.Clean(gitDir)
	info, err := os.Stat(gitDir)
	if err != nil {
		return nil, fmt.Errorf("cannot access git directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("git directory is not a directory: %s", gitDir)
	}

	refPath := filepath.Join(gitDir, filepath.FromSlash(ref))
	if err := os.MkdirAll(filepath.Dir(refPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create ref directory: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, dir := range []string{gitDir, filepath.Dir(refPath)} {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	return &RefWatcher{
		ref:    refPath,
		packed: filepath.Join(gitDir, "packed-refs"),
		events: events,
		fsw:    fsw,
		done:   make(chan struct{}),
	}, nil
}

// SetErrorCallback sets a callback for watcher errors.
func (w *RefWatcher) SetErrorCallback(cb ErrorCallback) {
	w.onError = cb
}

// DroppedEventCount returns the number of changes dropped on a full channel.
func (w *RefWatcher) DroppedEventCount() int64 {
	return w.droppedCount.Load()
}

// Start delivers changes until ctx is done or Close is called.
func (w *RefWatcher) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Name != w.ref && event.Name != w.packed {
				continue
			}
			if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Rename) {
				continue
			}

			select {
			case w.events <- RefChange{Path: event.Name}:
			default:
				w.droppedCount.Add(1)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if w.onError != nil {
				w.onError(err)
			}
		}
	}
}

// Close stops the watcher and makes Start return.
func (w *RefWatcher) Close() error {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
	return w.fsw.Close()
}
