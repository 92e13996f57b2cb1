package maildrop

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

// SourceState is the orchestrator's lifecycle state.
type SourceState int32

const (
	StateStopped SourceState = iota
	StateStarting
	StateWatching
	StateDegraded
	StateStopping
)

func (s SourceState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateWatching:
		return "watching"
	case StateDegraded:
		return "degraded"
	case StateStopping:
		return "stopping"
	}
	return "unknown"
}

// MaildirSource watches one maildir and surfaces each delivered commit
// notification to the scheduler exactly once. It owns its Observer, Tracker
// and the new/ → cur/ relocation; the consume loop is the single writer of
// tracker state and the single mover of files, so no locking is needed
// beyond that discipline.
type MaildirSource struct {
	root      string
	poll      time.Duration
	statePath string
	sched     Scheduler

	tracker *Tracker
	obs     *Observer

	state       atomic.Int32
	persistDown atomic.Bool
}

// NewMaildirSource resolves the configured maildir path against the basedir
// and constructs the source. A path that cannot be resolved is the one
// startup-fatal condition; everything later degrades instead of failing.
func NewMaildirSource(cfg *Config, sched Scheduler) (*MaildirSource, error) {
	root, err := cfg.ResolveMaildir()
	if err != nil {
		return nil, err
	}
	return &MaildirSource{
		root:      root,
		poll:      cfg.PollInterval(),
		statePath: cfg.ResolveStateDB(root),
		sched:     sched,
	}, nil
}

// Root returns the resolved maildir root.
func (s *MaildirSource) Root() string { return s.root }

// State returns the current lifecycle state.
func (s *MaildirSource) State() SourceState {
	return SourceState(s.state.Load())
}

func (s *MaildirSource) setState(st SourceState) {
	prev := SourceState(s.state.Swap(int32(st)))
	if st == StateDegraded && prev != StateDegraded {
		degradedEntered.Add(context.Background(), 1)
	}
}

// Run starts the source and blocks until ctx is cancelled. On return the
// observer is stopped and tracker writes are flushed.
func (s *MaildirSource) Run(ctx context.Context) error {
	s.setState(StateStarting)
	defer s.setState(StateStopped)

	if err := s.waitForMaildir(ctx); err != nil {
		return err
	}

	tracker, err := s.openTrackerRetry(ctx)
	if err != nil {
		return err
	}
	s.tracker = tracker
	defer func() {
		s.setState(StateStopping)
		s.tracker.Close()
	}()

	// Entries whose backing file is gone no longer need membership.
	if present, err := presentEntries(s.root); err == nil {
		if err := s.tracker.Prune(present); err != nil {
			LogWarn("tracker prune: %v", err)
		}
	}

	s.obs = NewObserver(watchDir(s.root), s.poll)
	s.obs.Start(ctx)
	defer s.obs.Stop()

	s.setState(StateWatching)
	LogInfo("watching %s", s.root)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.consumeLoop(ctx)
	})
	g.Go(func() error {
		return s.stateLoop(ctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// waitForMaildir verifies or waits for the maildir's existence. The layout
// is created when the root's parent allows it; otherwise the loop waits for
// an external actor to create it.
func (s *MaildirSource) waitForMaildir(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0

	for {
		err := EnsureMaildir(s.root)
		if err == nil {
			return nil
		}
		LogWarn("maildir %s unavailable: %v", s.root, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.NextBackOff()):
		}
	}
}

func (s *MaildirSource) openTrackerRetry(ctx context.Context) (*Tracker, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0

	for {
		tracker, err := OpenTracker(s.statePath)
		if err == nil {
			return tracker, nil
		}
		LogWarn("tracker open: %v", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.NextBackOff()):
		}
	}
}

// consumeLoop is the single consumer of observer signals. One signal may
// cover many deliveries; the loop always re-lists the directory, which is
// what makes signal coalescing safe.
func (s *MaildirSource) consumeLoop(ctx context.Context) error {
	// An entry left in new/ after a failed submit produces no further
	// observer signal; the sweep ticker is what retries it.
	sweep := time.NewTicker(s.poll)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-s.obs.Signals():
			if !ok {
				return nil
			}
			s.processBatch(ctx)
		case <-sweep.C:
			s.processBatch(ctx)
		}
	}
}

// stateLoop mirrors the observer and persistence health into the public
// lifecycle state while running.
func (s *MaildirSource) stateLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.poll / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			switch s.State() {
			case StateWatching, StateDegraded:
				if s.obs.Degraded() || s.persistDown.Load() {
					s.setState(StateDegraded)
				} else {
					s.setState(StateWatching)
				}
			}
		}
	}
}

// processBatch lists new/, filters already-processed entries, parses and
// emits the survivors in delivery order, marking each processed before its
// file is relocated to cur/.
func (s *MaildirSource) processBatch(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "maildrop.batch")
	defer span.End()

	names, err := ListNew(s.root)
	if err != nil {
		// Transient: the observer notices the missing directory on its
		// next poll and the source degrades rather than aborting.
		span.SetStatus(codes.Error, err.Error())
		LogWarn("list %s: %v", watchDir(s.root), err)
		return
	}
	span.SetAttributes(attribute.Int("batch.candidates", len(names)))

	for _, name := range names {
		// Cancellation is observed promptly: no new entry is started
		// after a stop request.
		if ctx.Err() != nil {
			return
		}
		s.processEntry(ctx, name)
	}
}

func (s *MaildirSource) processEntry(ctx context.Context, name string) {
	done, err := s.tracker.HasProcessed(name)
	if err != nil {
		// Without a trustworthy answer, emitting risks a duplicate
		// build. Degrade and skip; the sweep ticker retries the entry.
		s.persistDown.Store(true)
		s.setState(StateDegraded)
		LogWarn("%v", err)
		return
	}
	s.persistDown.Store(false)
	if done {
		// Crash leftover: marked processed but still in new/. Finish
		// the relocation, never re-emit.
		if err := MoveToCur(s.root, name); err != nil {
			LogWarn("%v", err)
		}
		return
	}

	data, err := os.ReadFile(filepath.Join(s.root, "new", name))
	if err != nil {
		if os.IsNotExist(err) {
			// Raced with an external removal or a concurrent rename.
			return
		}
		LogWarn("read %s: %v", name, err)
		return
	}

	rec, err := ParseChange(name, data)
	if err != nil {
		// One bad message must never stop change detection. Mark it
		// processed so it is not retried forever, and sweep it aside.
		parseFailures.Add(ctx, 1)
		LogWarn("%v", err)
		if err := s.markProcessedRetry(ctx, name); err != nil {
			return
		}
		if err := MoveToCur(s.root, name); err != nil {
			LogWarn("%v", err)
		}
		return
	}

	if err := s.sched.SubmitChange(ctx, rec); err != nil {
		// Leave unmarked: the record is re-emitted on a later signal and
		// the scheduler's own idempotence covers the duplicate.
		LogWarn("submit %s: %v", name, err)
		return
	}

	// Durable mark before relocation: a crash between the two steps
	// leaves the file in new/ but already marked, so it is swept to cur/
	// without re-emission on restart.
	if err := s.markProcessedRetry(ctx, name); err != nil {
		return
	}
	if err := MoveToCur(s.root, name); err != nil {
		LogWarn("%v", err)
	}

	changesEmitted.Add(ctx, 1)
	LogOK("change %s by %s (%d files)", rec.ID, rec.Author, len(rec.Files))
}

// markProcessedRetry makes the durable mark, retrying with capped backoff
// while the tracker write fails. Losing dedup state silently is worse than
// stalling the cycle, so emission never proceeds past a failed mark.
func (s *MaildirSource) markProcessedRetry(ctx context.Context, name string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0

	err := backoff.Retry(func() error {
		if err := s.tracker.MarkProcessed(name); err != nil {
			s.persistDown.Store(true)
			s.setState(StateDegraded)
			LogWarn("%v", err)
			return err
		}
		return nil
	}, backoff.WithContext(b, ctx))

	if err == nil {
		s.persistDown.Store(false)
	}
	return err
}
