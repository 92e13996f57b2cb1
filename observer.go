package maildrop

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"
)

// DefaultPollInterval is the polling backstop frequency. Polling always
// runs, even in native mode: fsnotify subscriptions can silently stop
// delivering after the watched directory is replaced or remounted, and the
// backstop is what keeps correctness independent of the platform.
const DefaultPollInterval = 10 * time.Second

// Observer watches a maildir's new/ subdirectory and produces coalesced
// "directory changed" signals. The consumer always re-lists the directory,
// so dropping duplicate signals is safe.
//
// Two operating modes selected at start: native (fsnotify) with polling as
// a backstop, or polling only where native notification is unavailable.
// An Observer is not restartable once stopped; create a fresh one to resume.
type Observer struct {
	dir  string
	poll time.Duration

	signals    chan struct{}
	stop       chan struct{}
	invalidate chan struct{} // test hook: simulate a dead native handle
	stopOnce   sync.Once
	wg         sync.WaitGroup

	degraded atomic.Bool

	mu     sync.Mutex
	native *fsnotify.Watcher
}

// NewObserver creates an Observer for the new/ subdirectory under dir.
// pollInterval <= 0 selects DefaultPollInterval.
func NewObserver(dir string, pollInterval time.Duration) *Observer {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Observer{
		dir:        dir,
		poll:       pollInterval,
		signals:    make(chan struct{}, 1),
		stop:       make(chan struct{}),
		invalidate: make(chan struct{}, 1),
	}
}

// Start establishes the watch and launches the event loop. It never fails
// permanently: if the directory does not exist yet or the native
// subscription cannot be established, polling keeps retrying and the
// native watch is re-attempted with backoff.
func (o *Observer) Start(ctx context.Context) {
	native, err := o.establishNative()
	if err == nil {
		o.setNative(native)
	}

	o.wg.Add(1)
	go o.run(ctx, err != nil)
}

// Signals returns the coalesced change-signal channel. Closed when the
// Observer stops.
func (o *Observer) Signals() <-chan struct{} { return o.signals }

// Degraded reports whether the Observer is currently operating at reduced
// confidence: native delivery is suspected dead or the directory is
// inaccessible. Change detection continues via polling while degraded.
func (o *Observer) Degraded() bool { return o.degraded.Load() }

// Stop tears the Observer down and waits for the event loop to exit.
func (o *Observer) Stop() {
	o.stopOnce.Do(func() { close(o.stop) })
	o.wg.Wait()
}

func (o *Observer) establishNative() (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(o.dir); err != nil {
		watcher.Close()
		return nil, err
	}
	return watcher, nil
}

func (o *Observer) setNative(w *fsnotify.Watcher) {
	o.mu.Lock()
	o.native = w
	o.mu.Unlock()
}

// signal delivers one coalesced change signal without blocking.
func (o *Observer) signal() {
	select {
	case o.signals <- struct{}{}:
	default:
	}
}

func (o *Observer) run(ctx context.Context, nativeFailedAtStart bool) {
	defer o.wg.Done()
	defer close(o.signals)

	ticker := time.NewTicker(o.poll)
	defer ticker.Stop()

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 500 * time.Millisecond
	retry.MaxInterval = 30 * time.Second
	retry.MaxElapsedTime = 0 // never give up, only back off

	// known is the previous polling listing of new/; nil means unknown
	// (first pass or after a directory-access error).
	var known map[string]struct{}
	var nextNativeAttempt time.Time
	lastNativeEvent := time.Now()

	if nativeFailedAtStart {
		// Directory may not exist yet, or the platform lacks native
		// support. Polling carries detection; keep re-attempting native.
		nextNativeAttempt = time.Now().Add(retry.NextBackOff())
	}

	// Initial signal so the consumer performs its first sweep without
	// waiting a full poll interval.
	o.signal()

	// lost means a previously-working native subscription went away.
	// A platform that never had native support is not degraded: only
	// latency differs, never correctness.
	lost := false

	dropNative := func() {
		o.mu.Lock()
		if o.native != nil {
			o.native.Close()
			o.native = nil
		}
		o.mu.Unlock()
		lost = true
		o.degraded.Store(true)
		nextNativeAttempt = time.Now().Add(retry.NextBackOff())
	}

	for {
		o.mu.Lock()
		var events chan fsnotify.Event
		var errs chan error
		if o.native != nil {
			events = o.native.Events
			errs = o.native.Errors
		}
		o.mu.Unlock()

		select {
		case <-ctx.Done():
			o.teardown()
			return

		case <-o.stop:
			o.teardown()
			return

		case <-o.invalidate:
			dropNative()

		case event, ok := <-events:
			if !ok {
				dropNative()
				continue
			}
			lastNativeEvent = time.Now()
			if event.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			o.signal()

		case err, ok := <-errs:
			if !ok || err != nil {
				dropNative()
			}

		case now := <-ticker.C:
			listing, err := o.scan()
			if err != nil {
				// Source unavailable: recoverable, never fatal. The
				// next successful scan clears the condition.
				o.degraded.Store(true)
				known = nil
				continue
			}

			fresh := false
			if known == nil {
				fresh = len(listing) > 0
			} else {
				for name := range listing {
					if _, seen := known[name]; !seen {
						fresh = true
						break
					}
				}
			}
			known = listing
			if fresh {
				o.signal()
			}

			// Delivery-silence detection: polling found files the native
			// subscription never announced. Assume the handle is dead
			// and re-establish rather than trust it.
			if o.hasNative() && fresh && now.Sub(lastNativeEvent) > 2*o.poll {
				dropNative()
			}

			if !o.hasNative() && now.After(nextNativeAttempt) {
				if native, err := o.establishNative(); err == nil {
					o.setNative(native)
					lastNativeEvent = time.Now()
					lost = false
					retry.Reset()
				} else {
					nextNativeAttempt = now.Add(retry.NextBackOff())
				}
			}

			// The scan succeeded, so the directory is accessible again;
			// only an unrecovered native loss keeps the Observer degraded.
			o.degraded.Store(lost)
		}
	}
}

func (o *Observer) hasNative() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.native != nil
}

func (o *Observer) teardown() {
	o.mu.Lock()
	if o.native != nil {
		o.native.Close()
		o.native = nil
	}
	o.mu.Unlock()
}

// scan lists the watched directory for the polling diff.
func (o *Observer) scan() (map[string]struct{}, error) {
	entries, err := os.ReadDir(o.dir)
	if err != nil {
		return nil, err
	}
	listing := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		listing[entry.Name()] = struct{}{}
	}
	return listing, nil
}

// invalidateNative simulates a dead native subscription. Test hook.
func (o *Observer) invalidateNative() {
	select {
	case o.invalidate <- struct{}{}:
	default:
	}
}

// watchDir is a convenience for callers that only have the maildir root.
func watchDir(root string) string {
	return filepath.Join(root, "new")
}
