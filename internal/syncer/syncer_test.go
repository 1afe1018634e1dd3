package syncer

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/konishchev/vsbsync/internal/config"
	"github.com/konishchev/vsbsync/internal/logging"
)

func requireGPG(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("gpg"); err != nil {
		t.Skip("gpg not available on PATH")
	}
}

func TestRunSyncsLocalJobEndToEnd(t *testing.T) {
	requireGPG(t)

	src := t.TempDir()
	dst := t.TempDir()

	group, backup := "2018.03.01", "2018.03.01-01:00:00"
	if err := os.MkdirAll(filepath.Join(src, group), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, group, backup), []byte("archive payload"), 0o600); err != nil {
		t.Fatal(err)
	}

	jobs := []config.Job{{
		Name:                 "test-job",
		Src:                  src,
		Dst:                  dst,
		Provider:             config.Provider{Type: config.ProviderLocal, Root: dst},
		EncryptionPassphrase: "pass",
		MaxBackupGroups:      5,
	}}

	s := New(nil, false, false)
	log := logging.NewLogger()

	if failed := s.Run(context.Background(), log, jobs); failed != 0 {
		t.Fatalf("Run reported %d failed jobs", failed)
	}

	uploaded := filepath.Join(dst, group, backup, "backup.tar.gpg")
	if _, err := os.Stat(uploaded); err != nil {
		t.Fatalf("uploaded archive missing: %v", err)
	}

	// A second run must be a no-op: the backup is already present.
	before, err := os.Stat(uploaded)
	if err != nil {
		t.Fatal(err)
	}
	if failed := s.Run(context.Background(), log, jobs); failed != 0 {
		t.Fatalf("second Run reported %d failed jobs", failed)
	}
	after, err := os.Stat(uploaded)
	if err != nil {
		t.Fatal(err)
	}
	if !after.ModTime().Equal(before.ModTime()) {
		t.Error("second run re-uploaded an already-present backup")
	}
}

func TestRunContainsPerJobFailures(t *testing.T) {
	// A job whose source root cannot be listed must fail without
	// aborting the jobs after it.
	badSrc := filepath.Join(t.TempDir(), "file-not-dir")
	if err := os.WriteFile(badSrc, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	goodSrc := t.TempDir()
	goodDst := t.TempDir()

	jobs := []config.Job{
		{
			Name:                 "bad",
			Src:                  badSrc,
			Dst:                  t.TempDir(),
			Provider:             config.Provider{Type: config.ProviderLocal, Root: "/tmp"},
			EncryptionPassphrase: "pass",
			MaxBackupGroups:      1,
		},
		{
			Name:                 "good",
			Src:                  goodSrc,
			Dst:                  goodDst,
			Provider:             config.Provider{Type: config.ProviderLocal, Root: goodDst},
			EncryptionPassphrase: "pass",
			MaxBackupGroups:      1,
		},
	}

	s := New(nil, false, false)
	failed := s.Run(context.Background(), logging.NewLogger(), jobs)
	if failed != 1 {
		t.Errorf("failed = %d, want 1 (bad job contained, good job run)", failed)
	}
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	jobs := []config.Job{{
		Name:                 "never-runs",
		Src:                  t.TempDir(),
		Dst:                  t.TempDir(),
		Provider:             config.Provider{Type: config.ProviderLocal, Root: "/tmp"},
		EncryptionPassphrase: "pass",
		MaxBackupGroups:      1,
	}}

	s := New(nil, false, false)
	if failed := s.Run(ctx, logging.NewLogger(), jobs); failed != 1 {
		t.Errorf("failed = %d, want 1 for a cancelled run", failed)
	}
}
