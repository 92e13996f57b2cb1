package maildrop

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestEnsureMaildir_CreatesLayout(t *testing.T) {
	// given
	root := filepath.Join(t.TempDir(), "md")

	// when
	if err := EnsureMaildir(root); err != nil {
		t.Fatalf("EnsureMaildir error: %v", err)
	}

	// then — tmp/new/cur all present
	for _, sub := range []string{"tmp", "new", "cur"} {
		if fi, err := os.Stat(filepath.Join(root, sub)); err != nil || !fi.IsDir() {
			t.Errorf("%s/ not created: %v", sub, err)
		}
	}
}

func TestEnsureMaildir_Idempotent(t *testing.T) {
	// given — an already-initialized maildir with content
	root := t.TempDir()
	if err := EnsureMaildir(root); err != nil {
		t.Fatalf("setup: %v", err)
	}
	marker := filepath.Join(root, "new", "existing")
	os.WriteFile(marker, []byte("x"), 0o644)

	// when
	if err := EnsureMaildir(root); err != nil {
		t.Fatalf("second EnsureMaildir error: %v", err)
	}

	// then — existing content untouched
	if _, err := os.Stat(marker); err != nil {
		t.Errorf("existing file lost: %v", err)
	}
}

func TestDeliver_VisibleUnderNew(t *testing.T) {
	// given
	root := t.TempDir()
	if err := EnsureMaildir(root); err != nil {
		t.Fatalf("setup: %v", err)
	}

	// when
	name, err := Deliver(root, []byte("Author: alice\nDate: 2023-11-14T12:00:00Z\n\na.txt\n\nmsg"))

	// then — the full message is visible under new/, nothing left in tmp/
	if err != nil {
		t.Fatalf("Deliver error: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(root, "new", name))
	if err != nil {
		t.Fatalf("delivered file unreadable: %v", err)
	}
	if _, perr := ParseChange(name, data); perr != nil {
		t.Errorf("delivered content does not parse: %v", perr)
	}
	tmpEntries, _ := os.ReadDir(filepath.Join(root, "tmp"))
	if len(tmpEntries) != 0 {
		t.Errorf("tmp/ should be empty after delivery, has %d entries", len(tmpEntries))
	}
}

func TestListNew_SortedByDeliveryTimestamp(t *testing.T) {
	// given — maildir filenames embed a leading unix timestamp
	root := t.TempDir()
	if err := EnsureMaildir(root); err != nil {
		t.Fatalf("setup: %v", err)
	}
	for _, name := range []string{
		"1700000300.M1P1.host",
		"1700000100.M9P9.host",
		"1700000100.M2P2.host",
		"1700000200.M5P5.host",
	} {
		os.WriteFile(filepath.Join(root, "new", name), []byte("x"), 0o644)
	}

	// when
	names, err := ListNew(root)

	// then — timestamp order, filename lexical tie-break
	if err != nil {
		t.Fatalf("ListNew error: %v", err)
	}
	want := []string{
		"1700000100.M2P2.host",
		"1700000100.M9P9.host",
		"1700000200.M5P5.host",
		"1700000300.M1P1.host",
	}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("ListNew = %v, want %v", names, want)
	}
}

func TestListNew_SkipsDirectories(t *testing.T) {
	// given
	root := t.TempDir()
	if err := EnsureMaildir(root); err != nil {
		t.Fatalf("setup: %v", err)
	}
	os.Mkdir(filepath.Join(root, "new", "subdir"), 0o755)
	os.WriteFile(filepath.Join(root, "new", "1700000000.M1P1.host"), []byte("x"), 0o644)

	// when
	names, err := ListNew(root)

	// then
	if err != nil {
		t.Fatalf("ListNew error: %v", err)
	}
	if len(names) != 1 || names[0] != "1700000000.M1P1.host" {
		t.Errorf("ListNew = %v, want one file", names)
	}
}

func TestMoveToCur_Relocates(t *testing.T) {
	// given
	root := t.TempDir()
	if err := EnsureMaildir(root); err != nil {
		t.Fatalf("setup: %v", err)
	}
	name := "1700000000.M1P1.host"
	src := filepath.Join(root, "new", name)
	os.WriteFile(src, []byte("payload"), 0o644)

	// when
	if err := MoveToCur(root, name); err != nil {
		t.Fatalf("MoveToCur error: %v", err)
	}

	// then
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Errorf("file still present under new/")
	}
	data, err := os.ReadFile(filepath.Join(root, "cur", name))
	if err != nil {
		t.Fatalf("file missing under cur/: %v", err)
	}
	if string(data) != "payload" {
		t.Errorf("content changed during move: %q", data)
	}
}

func TestMoveToCur_MissingSourceIsNotAnError(t *testing.T) {
	// given — a crash between mark and move can leave no source behind
	root := t.TempDir()
	if err := EnsureMaildir(root); err != nil {
		t.Fatalf("setup: %v", err)
	}

	// when
	err := MoveToCur(root, "1700000000.M1P1.host")

	// then
	if err != nil {
		t.Errorf("MoveToCur on missing source: %v", err)
	}
}

func TestPresentEntries_UnionOfNewAndCur(t *testing.T) {
	// given
	root := t.TempDir()
	if err := EnsureMaildir(root); err != nil {
		t.Fatalf("setup: %v", err)
	}
	os.WriteFile(filepath.Join(root, "new", "n1"), []byte("x"), 0o644)
	os.WriteFile(filepath.Join(root, "cur", "c1"), []byte("x"), 0o644)

	// when
	present, err := presentEntries(root)

	// then
	if err != nil {
		t.Fatalf("presentEntries error: %v", err)
	}
	for _, name := range []string{"n1", "c1"} {
		if _, ok := present[name]; !ok {
			t.Errorf("%s missing from present set", name)
		}
	}
	if len(present) != 2 {
		t.Errorf("present set = %v, want 2 entries", present)
	}
}
