// Package local implements the Provider capability over the plain local
// filesystem. It backs the read-only source side of every sync (the
// on-disk archive tree) and, per config.ProviderLocal, a writable variant
// used for test fixtures and dry runs without any cloud account.
package local

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/konishchev/vsbsync/internal/hash"
	"github.com/konishchev/vsbsync/internal/provider"
	"github.com/konishchev/vsbsync/internal/splitter"
)

// maxRequestSize bounds the size of one sub-stream written in a single
// pass; it has no real meaning for a local filesystem but the Splitter
// requires a positive cap, and a large one keeps local dry runs from
// being needlessly re-framed into many tiny sub-streams.
const maxRequestSize = 1 << 30 // 1 GiB

// Provider implements provider.ReadProvider and provider.WriteProvider
// over a directory tree rooted outside the provider itself (paths passed
// in are already rooted absolute paths built by the Storage catalog).
type Provider struct {
	name string
}

// New returns a local filesystem Provider identified by name (typically
// the configured src or dst path, used only for log messages).
func New(name string) *Provider {
	return &Provider{name: name}
}

func (p *Provider) Name() string      { return p.name }
func (p *Provider) Type() provider.Type { return provider.TypeLocal }

// ListDirectory lists path's direct entries. A non-existent path is
// reported as ok=false, not an error, so callers can distinguish
// absent from empty.
func (p *Provider) ListDirectory(_ context.Context, path string) ([]provider.Entry, bool, error) {
	dirEntries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("reading directory %s: %w", path, err)
	}

	entries := make([]provider.Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		kind := provider.EntryFile
		switch {
		case de.IsDir():
			kind = provider.EntryDirectory
		case de.Type().IsRegular():
			kind = provider.EntryFile
		default:
			kind = provider.EntryOther
		}
		entries = append(entries, provider.Entry{Name: de.Name(), Kind: kind})
	}
	return entries, true, nil
}

func (p *Provider) Hasher() *hash.Hasher { return hash.New() }

func (p *Provider) MaxRequestSize() int64 { return maxRequestSize }

func (p *Provider) CreateDirectory(_ context.Context, path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", path, err)
	}
	return nil
}

// UploadFile drains every sub-stream into tempPath, then renames it to
// path. Rename is atomic on a single local filesystem, so the final
// path either gets the complete object or nothing.
func (p *Provider) UploadFile(_ context.Context, tempPath, path string, subStreams <-chan splitter.Output) (string, error) {
	if err := os.MkdirAll(filepath.Dir(tempPath), 0o755); err != nil {
		return "", fmt.Errorf("creating parent directory for %s: %w", tempPath, err)
	}

	f, err := os.Create(tempPath)
	if err != nil {
		return "", fmt.Errorf("creating %s: %w", tempPath, err)
	}
	w := bufio.NewWriter(f)

	var checksum string
	var streamErr error

	for out := range subStreams {
		if out.EofWithCheck {
			checksum = out.ChecksumToken
			continue
		}
		for item := range out.Stream.Chunks {
			if item.Err != nil {
				streamErr = item.Err
				continue
			}
			if streamErr == nil {
				if _, err := w.Write(item.Chunk); err != nil {
					streamErr = fmt.Errorf("writing %s: %w", tempPath, err)
				}
			}
		}
	}

	flushErr := w.Flush()
	closeErr := f.Close()

	if streamErr != nil {
		removeTemp(tempPath)
		return "", streamErr
	}
	if flushErr != nil {
		removeTemp(tempPath)
		return "", fmt.Errorf("flushing %s: %w", tempPath, flushErr)
	}
	if closeErr != nil {
		removeTemp(tempPath)
		return "", fmt.Errorf("closing %s: %w", tempPath, closeErr)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating parent directory for %s: %w", path, err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return "", fmt.Errorf("renaming %s to %s: %w", tempPath, path, err)
	}

	return checksum, nil
}

// removeTemp drops a failed upload's temp object and, if that leaves
// the backup directory empty, the directory itself, so a failed upload
// does not make the backup look present to later listings.
func removeTemp(tempPath string) {
	os.Remove(tempPath)
	os.Remove(filepath.Dir(tempPath))
}

func (p *Provider) Delete(_ context.Context, path string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("deleting %s: %w", path, err)
	}
	return nil
}
