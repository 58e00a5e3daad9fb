package store

import (
	"errors"
	"testing"
)

func TestFileStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()

	fs, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if _, err := fs.GetString(KeyCachedIP); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := fs.PutString(KeyCachedIP, "203.0.113.9"); err != nil {
		t.Fatalf("put string: %v", err)
	}
	if err := fs.PutInt64(KeyLastIPCheck, 1700000000000); err != nil {
		t.Fatalf("put int: %v", err)
	}

	// Values survive a reopen.
	fs2, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if v, err := fs2.GetString(KeyCachedIP); err != nil || v != "203.0.113.9" {
		t.Fatalf("get string: %q %v", v, err)
	}
	if n, err := fs2.GetInt64(KeyLastIPCheck); err != nil || n != 1700000000000 {
		t.Fatalf("get int: %d %v", n, err)
	}
}

func TestFileStoreNonIntegerValue(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	fs.PutString("k", "not-a-number")
	if _, err := fs.GetInt64("k"); err == nil {
		t.Fatal("expected error reading string as int64")
	}
}

func TestDeviceIDStable(t *testing.T) {
	dir := t.TempDir()

	fs, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	id1, err := DeviceID(fs)
	if err != nil || id1 == "" {
		t.Fatalf("first DeviceID: %q %v", id1, err)
	}

	id2, err := DeviceID(fs)
	if err != nil || id2 != id1 {
		t.Fatalf("second DeviceID: %q %v, want %q", id2, err, id1)
	}

	// And across a restart.
	fs2, _ := NewFileStore(dir)
	id3, err := DeviceID(fs2)
	if err != nil || id3 != id1 {
		t.Fatalf("DeviceID after reopen: %q %v, want %q", id3, err, id1)
	}
}
