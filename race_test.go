package maildrop

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// === Concurrency Tests ===

func TestSource_ConcurrentDeliveriesEmitOnce(t *testing.T) {
	// given — a running source and many writers delivering at once, so
	// native events and polling ticks overlap for the same filenames
	root := t.TempDir()
	const total = 40
	emitted := make(chan ChangeRecord, total*2)
	startSource(t, &Config{Maildir: root}, chanScheduler(emitted))

	// when
	var wg sync.WaitGroup
	errs := make(chan error, total)
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			body := fmt.Sprintf("Author: writer%d\nDate: 2023-11-14T12:00:00Z\n\nf%d.txt\n\nchange %d", n, n, n)
			if _, err := Deliver(root, []byte(body)); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Deliver error: %v", err)
	}

	// then — every delivery is emitted exactly once
	seen := make(map[string]int)
	deadline := time.After(10 * time.Second)
	for len(seen) < total {
		select {
		case rec := <-emitted:
			seen[rec.ID]++
		case <-deadline:
			t.Fatalf("emitted %d of %d changes", len(seen), total)
		}
	}
	settle := time.After(8 * testPoll)
collect:
	for {
		select {
		case rec := <-emitted:
			seen[rec.ID]++
		case <-settle:
			break collect
		}
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("%s emitted %d times", id, n)
		}
	}
}

func TestTracker_ConcurrentMarks(t *testing.T) {
	// given
	tracker, err := OpenTracker(t.TempDir() + "/state.db")
	if err != nil {
		t.Fatalf("OpenTracker error: %v", err)
	}
	defer tracker.Close()

	// when — parallel marks, including duplicates
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				id := fmt.Sprintf("1700000%03d.M1P1.host", j)
				if err := tracker.MarkProcessed(id); err != nil {
					t.Errorf("MarkProcessed %s: %v", id, err)
				}
			}
		}(i)
	}
	wg.Wait()

	// then — one row per distinct id
	n, err := tracker.Count()
	if err != nil {
		t.Fatalf("Count error: %v", err)
	}
	if n != 25 {
		t.Errorf("Count = %d, want 25", n)
	}
}

func TestObserver_ConcurrentStopIsSafe(t *testing.T) {
	// given
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	obs := NewObserver(dir, testPoll)
	obs.Start(ctx)

	// when — Stop from several goroutines plus context cancellation
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			obs.Stop()
		}()
	}
	cancel()
	wg.Wait()

	// then — the signal channel is closed exactly once
	waitFor(t, 2*time.Second, "signals channel close", func() bool {
		select {
		case _, ok := <-obs.Signals():
			return !ok
		default:
			return false
		}
	})
}
