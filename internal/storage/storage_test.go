package storage

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/konishchev/vsbsync/internal/provider"
	"github.com/konishchev/vsbsync/internal/provider/local"
)

// fakeReadProvider serves canned directory listings keyed by path.
type fakeReadProvider struct {
	dirs    map[string][]provider.Entry
	failing map[string]bool
}

func (f *fakeReadProvider) Name() string        { return "fake" }
func (f *fakeReadProvider) Type() provider.Type { return provider.TypeCloud }

func (f *fakeReadProvider) ListDirectory(_ context.Context, path string) ([]provider.Entry, bool, error) {
	if f.failing[path] {
		return nil, false, errors.New("listing failed")
	}
	entries, ok := f.dirs[path]
	if !ok {
		return nil, false, nil
	}
	return entries, true, nil
}

func TestGetBackupGroupsListsGroupsAndBackups(t *testing.T) {
	prov := &fakeReadProvider{dirs: map[string][]provider.Entry{
		"backups": {
			{Name: "2018.03.01", Kind: provider.EntryDirectory},
			{Name: "2018.02.01", Kind: provider.EntryDirectory},
			{Name: "notes.txt", Kind: provider.EntryFile},
		},
		"backups/2018.02.01": {
			{Name: "2018.02.02-01:00:00", Kind: provider.EntryDirectory},
			{Name: "2018.02.01-01:00:00", Kind: provider.EntryDirectory},
			{Name: ".stray", Kind: provider.EntryFile},
		},
		"backups/2018.03.01": {},
	}}

	s := New(prov, "backups")
	groups, ok, err := s.GetBackupGroups(context.Background())
	if err != nil {
		t.Fatalf("GetBackupGroups: %v", err)
	}
	if !ok {
		t.Error("expected a consistent listing")
	}

	want := BackupGroups{
		"2018.02.01": {"2018.02.01-01:00:00", "2018.02.02-01:00:00"},
		"2018.03.01": nil,
	}
	if !reflect.DeepEqual(groups, want) {
		t.Errorf("groups = %v, want %v", groups, want)
	}
}

func TestGetBackupGroupsMissingRoot(t *testing.T) {
	s := New(&fakeReadProvider{dirs: map[string][]provider.Entry{}}, "backups")

	groups, ok, err := s.GetBackupGroups(context.Background())
	if err != nil {
		t.Fatalf("GetBackupGroups: %v", err)
	}
	if !ok {
		t.Error("a missing root is a consistent empty listing, not a failure")
	}
	if len(groups) != 0 {
		t.Errorf("groups = %v, want empty", groups)
	}
}

func TestGetBackupGroupsPartialFailure(t *testing.T) {
	prov := &fakeReadProvider{
		dirs: map[string][]provider.Entry{
			"backups": {
				{Name: "g1", Kind: provider.EntryDirectory},
				{Name: "g2", Kind: provider.EntryDirectory},
			},
			"backups/g2": {
				{Name: "b1", Kind: provider.EntryDirectory},
			},
		},
		failing: map[string]bool{"backups/g1": true},
	}

	s := New(prov, "backups")
	groups, ok, err := s.GetBackupGroups(context.Background())
	if err != nil {
		t.Fatalf("GetBackupGroups: %v", err)
	}
	if ok {
		t.Error("a failed sub-listing must yield ok=false")
	}

	want := BackupGroups{"g2": {"b1"}}
	if !reflect.DeepEqual(groups, want) {
		t.Errorf("best-effort groups = %v, want %v", groups, want)
	}
}

func TestSortedNames(t *testing.T) {
	g := BackupGroups{"b": nil, "a": nil, "c": nil}
	if got := g.SortedNames(); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Errorf("SortedNames = %v", got)
	}
}

func requireGPG(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("gpg"); err != nil {
		t.Skip("gpg not available on PATH")
	}
}

func decryptWithGPG(t *testing.T, passphrase string, ciphertext []byte) []byte {
	t.Helper()

	passRead, passWrite, err := os.Pipe()
	if err != nil {
		t.Fatalf("creating passphrase pipe: %v", err)
	}
	defer passRead.Close()

	cmd := exec.Command("gpg", "--batch", "--decrypt", "--passphrase-fd", "3")
	cmd.ExtraFiles = []*os.File{passRead}
	cmd.Stdin = bytes.NewReader(ciphertext)

	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut

	if err := cmd.Start(); err != nil {
		t.Fatalf("starting gpg: %v", err)
	}
	passWrite.Write([]byte(passphrase))
	passWrite.Close()

	if err := cmd.Wait(); err != nil {
		t.Fatalf("gpg --decrypt: %v (stderr: %s)", err, errOut.String())
	}
	return out.Bytes()
}

func TestUploadBackupEndToEnd(t *testing.T) {
	requireGPG(t)

	const passphrase = "correct horse battery staple"
	cleartext := bytes.Repeat([]byte("archived data block "), 4096)

	srcDir := t.TempDir()
	archivePath := filepath.Join(srcDir, "archive.tar")
	if err := os.WriteFile(archivePath, cleartext, 0o600); err != nil {
		t.Fatalf("writing archive fixture: %v", err)
	}

	dstRoot := t.TempDir()
	w := NewWriter(local.New("local destination"), dstRoot)

	if err := w.UploadBackup(context.Background(), archivePath, "2018.03.01", "2018.03.01-01:00:00", passphrase); err != nil {
		t.Fatalf("UploadBackup: %v", err)
	}

	uploaded, err := os.ReadFile(filepath.Join(dstRoot, "2018.03.01", "2018.03.01-01:00:00", "backup.tar.gpg"))
	if err != nil {
		t.Fatalf("reading uploaded archive: %v", err)
	}

	decrypted := decryptWithGPG(t, passphrase, uploaded)
	if !bytes.Equal(decrypted, cleartext) {
		t.Error("decrypted upload does not match the original cleartext")
	}

	// The uploaded backup must now be visible through the catalog.
	groups, ok, err := w.GetBackupGroups(context.Background())
	if err != nil || !ok {
		t.Fatalf("GetBackupGroups after upload: groups=%v ok=%v err=%v", groups, ok, err)
	}
	if !reflect.DeepEqual(groups["2018.03.01"], []string{"2018.03.01-01:00:00"}) {
		t.Errorf("uploaded backup not listed: %v", groups)
	}
}

func TestUploadBackupMissingArchive(t *testing.T) {
	requireGPG(t)

	dstRoot := t.TempDir()
	w := NewWriter(local.New("local destination"), dstRoot)

	err := w.UploadBackup(context.Background(), filepath.Join(dstRoot, "no-such-archive"), "g", "b", "pass")
	if err == nil {
		t.Fatal("expected an error for a missing archive")
	}
	if !strings.Contains(err.Error(), "opening") {
		t.Errorf("unexpected error: %v", err)
	}

	// A failed upload must not leave the backup looking present.
	groups, _, err := w.GetBackupGroups(context.Background())
	if err != nil {
		t.Fatalf("GetBackupGroups: %v", err)
	}
	if len(groups["g"]) != 0 {
		t.Errorf("failed upload left a visible backup: %v", groups)
	}
}
