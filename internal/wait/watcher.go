package wait

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
)

// LeaseWaiter signals changes to a set of lease files. Each existing file
// is watched for writes and each parent directory for files created or
// moved into it, which is how dnsmasq and the leaseshelper replace their
// files.
type LeaseWaiter struct {
	fsWatcher *fsnotify.Watcher
	files     map[string]bool
	onChange  chan struct{}
	done      chan struct{}
	log       logr.Logger
}

// NewLeaseWaiter creates a waiter for files. Nothing is watched until
// Start.
func NewLeaseWaiter(files []string, log logr.Logger) (*LeaseWaiter, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	set := make(map[string]bool, len(files))
	for _, f := range files {
		set[filepath.Clean(f)] = true
	}

	return &LeaseWaiter{
		fsWatcher: fsw,
		files:     set,
		onChange:  make(chan struct{}, 1),
		done:      make(chan struct{}),
		log:       log,
	}, nil
}

// Start installs the watches. The returned channel receives a value,
// coalesced, after any relevant change.
func (w *LeaseWaiter) Start() (<-chan struct{}, error) {
	dirs := make(map[string]bool)
	watched := 0
	for f := range w.files {
		if err := w.fsWatcher.Add(f); err == nil {
			watched++
		}

		dir := filepath.Dir(f)
		if dirs[dir] {
			continue
		}
		dirs[dir] = true
		if err := w.fsWatcher.Add(dir); err != nil {
			w.log.V(1).Info("cannot watch lease directory", "dir", dir, "error", err.Error())
			continue
		}
		watched++
	}
	if watched == 0 {
		return nil, fmt.Errorf("no lease file or directory could be watched")
	}

	go w.loop()

	return w.onChange, nil
}

// Close stops watching and releases resources.
func (w *LeaseWaiter) Close() error {
	close(w.done)
	return w.fsWatcher.Close()
}

func (w *LeaseWaiter) loop() {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if !w.isRelevantEvent(event) {
				continue
			}
			select {
			case w.onChange <- struct{}{}:
			default:
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.log.V(1).Info("lease watch error", "error", err.Error())

		case <-w.done:
			return
		}
	}
}

// isRelevantEvent reports a write to, or replacement of, a watched file.
func (w *LeaseWaiter) isRelevantEvent(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return false
	}
	return w.files[filepath.Clean(event.Name)]
}
