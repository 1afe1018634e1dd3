package lock

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func tempConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("jobs: []\n"), 0o600); err != nil {
		t.Fatalf("writing config fixture: %v", err)
	}
	return path
}

func TestAcquireAndRelease(t *testing.T) {
	path := tempConfig(t)

	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	// Releasing twice must be a no-op.
	if err := l.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}
}

func TestContendedAcquireFailsFast(t *testing.T) {
	path := tempConfig(t)

	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer l.Release()

	// A second acquisition opens its own file description, so flock
	// reports contention even within one process.
	if _, err := Acquire(path); err == nil {
		t.Fatal("expected contended Acquire to fail")
	} else if !strings.Contains(err.Error(), "already locked by another process") {
		t.Errorf("unexpected contention message: %v", err)
	}
}

func TestReacquireAfterRelease(t *testing.T) {
	path := tempConfig(t)

	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	l2, err := Acquire(path)
	if err != nil {
		t.Fatalf("re-Acquire after release: %v", err)
	}
	l2.Release()
}

func TestAcquireMissingFile(t *testing.T) {
	_, err := Acquire(filepath.Join(t.TempDir(), "no-such-config.yaml"))
	if err == nil {
		t.Fatal("expected an error for a missing config file")
	}
	if !strings.Contains(err.Error(), "unable to open") {
		t.Errorf("unexpected error message: %v", err)
	}
}
