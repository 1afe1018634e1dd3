package local

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/konishchev/vsbsync/internal/provider"
	"github.com/konishchev/vsbsync/internal/splitter"
)

func TestListDirectoryClassifiesEntries(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, "group"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "archive"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	p := New("test")
	entries, ok, err := p.ListDirectory(context.Background(), root)
	if err != nil {
		t.Fatalf("ListDirectory: %v", err)
	}
	if !ok {
		t.Fatal("expected ok for an existing directory")
	}

	kinds := map[string]provider.EntryKind{}
	for _, e := range entries {
		kinds[e.Name] = e.Kind
	}
	if kinds["group"] != provider.EntryDirectory {
		t.Errorf("group classified as %v", kinds["group"])
	}
	if kinds["archive"] != provider.EntryFile {
		t.Errorf("archive classified as %v", kinds["archive"])
	}
}

func TestListDirectoryMissingPath(t *testing.T) {
	p := New("test")
	_, ok, err := p.ListDirectory(context.Background(), filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatalf("ListDirectory: %v", err)
	}
	if ok {
		t.Error("a missing directory must report ok=false")
	}
}

// feed builds a splitter output channel carrying one sub-stream with the
// given chunks, followed by the terminal record.
func feed(t *testing.T, chunks [][]byte, token string, streamErr error) <-chan splitter.Output {
	t.Helper()

	out := make(chan splitter.Output)
	go func() {
		defer close(out)

		items := make(chan splitter.ChunkItem)
		out <- splitter.Output{Stream: &splitter.SubStream{StartOffset: 0, Chunks: items}}

		var total int64
		for _, c := range chunks {
			items <- splitter.ChunkItem{Chunk: c}
			total += int64(len(c))
		}
		if streamErr != nil {
			items <- splitter.ChunkItem{Err: streamErr}
			close(items)
			return
		}
		close(items)

		out <- splitter.Output{EofWithCheck: true, FinalOffset: total, ChecksumToken: token}
	}()
	return out
}

func TestUploadFileWritesAndRenames(t *testing.T) {
	root := t.TempDir()
	tempPath := filepath.Join(root, "g", "b", ".backup.tar.gpg.tmp")
	finalPath := filepath.Join(root, "g", "b", "backup.tar.gpg")

	p := New("test")
	checksum, err := p.UploadFile(context.Background(),
		tempPath, finalPath, feed(t, [][]byte{[]byte("hello "), []byte("world")}, "tok", nil))
	if err != nil {
		t.Fatalf("UploadFile: %v", err)
	}
	if checksum != "tok" {
		t.Errorf("checksum = %q, want tok", checksum)
	}

	data, err := os.ReadFile(finalPath)
	if err != nil {
		t.Fatalf("reading uploaded file: %v", err)
	}
	if string(data) != "hello world" {
		t.Errorf("content = %q", data)
	}
	if _, err := os.Stat(tempPath); !os.IsNotExist(err) {
		t.Error("temp file must be renamed away")
	}
}

func TestUploadFileCleansUpOnStreamError(t *testing.T) {
	root := t.TempDir()
	tempPath := filepath.Join(root, "g", "b", ".backup.tar.gpg.tmp")
	finalPath := filepath.Join(root, "g", "b", "backup.tar.gpg")

	p := New("test")
	_, err := p.UploadFile(context.Background(),
		tempPath, finalPath, feed(t, [][]byte{[]byte("partial")}, "", errors.New("pipeline broke")))
	if err == nil || err.Error() != "pipeline broke" {
		t.Fatalf("expected the in-band error, got %v", err)
	}

	if _, statErr := os.Stat(tempPath); !os.IsNotExist(statErr) {
		t.Error("temp file must be removed on failure")
	}
	if _, statErr := os.Stat(filepath.Dir(tempPath)); !os.IsNotExist(statErr) {
		t.Error("an empty backup directory must not survive a failed upload")
	}
}

func TestDeleteRemovesTree(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "g")
	if err := os.MkdirAll(filepath.Join(target, "b"), 0o755); err != nil {
		t.Fatal(err)
	}

	p := New("test")
	if err := p.Delete(context.Background(), target); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Error("expected the tree to be gone")
	}

	// Deleting an absent path is a no-op.
	if err := p.Delete(context.Background(), target); err != nil {
		t.Errorf("Delete of an absent path: %v", err)
	}
}
