package maildrop

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/emersion/go-maildir"
)

// EnsureMaildir creates the tmp/new/cur layout under root if it is not
// already present. Safe to call on an existing maildir.
func EnsureMaildir(root string) error {
	if _, err := os.Stat(filepath.Join(root, "cur")); err == nil {
		return nil
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return err
	}
	return maildir.Dir(root).Init()
}

var deliverySeq atomic.Uint64

// deliveryName generates a unique maildir filename: leading unix timestamp,
// then nanoseconds, pid and an in-process sequence, then hostname. Unique
// across processes on one host, which is all the maildir convention asks.
func deliveryName() string {
	now := time.Now()
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	host = strings.NewReplacer("/", "_", ":", "_").Replace(host)
	return fmt.Sprintf("%d.M%dP%dQ%d.%s",
		now.Unix(), now.Nanosecond(), os.Getpid(), deliverySeq.Add(1), host)
}

// Deliver writes one message into the maildir using the delivery protocol:
// the file is written under tmp/ and atomically renamed into new/, so a
// reader never observes a partial message. Returns the filename the message
// is visible under in new/.
func Deliver(root string, data []byte) (string, error) {
	name := deliveryName()
	tmp := filepath.Join(root, "tmp", name)

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("maildrop: deliver: %w", err)
	}
	if _, err := io.Copy(f, bytes.NewReader(data)); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("maildrop: deliver: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("maildrop: deliver: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("maildrop: deliver: %w", err)
	}

	if err := os.Rename(tmp, filepath.Join(root, "new", name)); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("maildrop: deliver: %w", err)
	}
	return name, nil
}

// ListNew returns the filenames currently visible under new/, sorted by
// delivery order: the leading numeric timestamp component first, filename
// lexical order as the tie-break. go-maildir's Unseen would relocate the
// files as a side effect, so the listing is done directly.
func ListNew(root string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(root, "new"))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Slice(names, func(i, j int) bool {
		ti, tj := deliveryKey(names[i]), deliveryKey(names[j])
		if ti != tj {
			return ti < tj
		}
		return names[i] < names[j]
	})
	return names, nil
}

// deliveryKey extracts the leading timestamp component a maildir filename
// embeds (everything before the first dot). Names without one sort first.
func deliveryKey(name string) int64 {
	head, _, _ := strings.Cut(name, ".")
	ts, err := strconv.ParseInt(head, 10, 64)
	if err != nil {
		return 0
	}
	return ts
}

// MoveToCur relocates a consumed message from new/ into cur/, marking it
// handled by maildir convention. Missing source is not an error: a crash
// between mark and move leaves an already-relocated or already-marked file
// behind, and the sweep must tolerate both.
func MoveToCur(root, name string) error {
	src := filepath.Join(root, "new", name)
	dst := filepath.Join(root, "cur", name)
	if err := os.Rename(src, dst); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("maildrop: move %s to cur: %w", name, err)
	}
	return nil
}

// presentEntries collects the filenames still physically present under
// new/ and cur/, for pruning tracker state.
func presentEntries(root string) (map[string]struct{}, error) {
	present := make(map[string]struct{})
	for _, sub := range []string{"new", "cur"} {
		entries, err := os.ReadDir(filepath.Join(root, sub))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			present[entry.Name()] = struct{}{}
		}
	}
	return present, nil
}
