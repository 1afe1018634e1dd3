// Package storage sits above a Provider and imposes the
// <root>/<group>/<backup> directory convention the sync planner
// reconciles against. It wires the hasher, encryptor, and splitter
// together into the one pipeline a single backup upload drives.
package storage

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/konishchev/vsbsync/internal/encryptor"
	"github.com/konishchev/vsbsync/internal/hash"
	"github.com/konishchev/vsbsync/internal/progress"
	"github.com/konishchev/vsbsync/internal/provider"
	"github.com/konishchev/vsbsync/internal/splitter"
)

// readBufferSize bounds a single read from the local archive file
// before it is fed to the hasher and the encryptor.
const readBufferSize = 256 * 1024

// archiveName is the canonical archive object every backup directory
// contains: <root>/<group>/<backup>/<archiveName>.
const archiveName = "backup.tar.gpg"

// tempSuffix marks an in-progress upload's object name; providers
// rename it away on success. The temp object lives in the backup's own
// directory so the rename never crosses a directory boundary.
const tempSuffix = ".tmp"

// BackupGroups maps a group name to its ordered (ascending) backup
// names.
type BackupGroups map[string][]string

// SortedNames returns the group names in ascending (oldest-first)
// order.
func (g BackupGroups) SortedNames() []string {
	names := make([]string, 0, len(g))
	for name := range g {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Storage wraps a Provider for the lifetime of one destination's sync.
type Storage struct {
	name string
	root string
	prov provider.ReadProvider
}

// New wraps a read-only provider rooted at root for listing purposes
// only; uploads require a WriteProvider via NewWriter.
func New(prov provider.ReadProvider, root string) *Storage {
	return &Storage{name: prov.Name(), root: root, prov: prov}
}

// Writer wraps a WriteProvider, additionally exposing UploadBackup,
// CreateBackupGroup, and DeleteBackupGroup.
type Writer struct {
	Storage
	wprov provider.WriteProvider
	prog  progress.Reporter
}

// NewWriter wraps a writable provider rooted at root.
func NewWriter(wprov provider.WriteProvider, root string) *Writer {
	return &Writer{
		Storage: Storage{name: wprov.Name(), root: root, prov: wprov},
		wprov:   wprov,
		prog:    progress.NewNoOpProgress(),
	}
}

// SetProgress replaces the upload progress reporter (a no-op by
// default). The CLI installs a terminal progress bar here; tests and
// background use leave the default.
func (w *Writer) SetProgress(p progress.Reporter) {
	if p != nil {
		w.prog = p
	}
}

// Name returns the provider's stable identifying name, used for
// per-backup log context.
func (s *Storage) Name() string { return s.name }

func (s *Storage) groupPath(group string) string {
	return joinPath(s.root, group)
}

func (s *Storage) backupPath(group, backup string) string {
	return joinPath(s.root, group, backup)
}

// GetBackupPath returns group/backup's path on this storage, for
// logging and for locating the local archive to upload.
func (s *Storage) GetBackupPath(group, backup string) string {
	return s.backupPath(group, backup)
}

func joinPath(parts ...string) string {
	out := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		if out == "" {
			out = p
		} else {
			out = out + "/" + p
		}
	}
	return out
}

// GetBackupGroups lists every group under root, then every group's
// backups. ok is false if any sub-listing failed; in that case groups
// still reflects whatever was collected before the failure, as a best
// effort.
func (s *Storage) GetBackupGroups(ctx context.Context) (BackupGroups, bool, error) {
	groupEntries, ok, err := s.prov.ListDirectory(ctx, s.root)
	if err != nil {
		return nil, false, fmt.Errorf("listing %s: %w", s.name, err)
	}
	if !ok {
		return BackupGroups{}, true, nil
	}

	groups := BackupGroups{}
	allOK := true

	for _, ge := range groupEntries {
		if ge.Kind != provider.EntryDirectory {
			continue
		}

		backupEntries, ok, err := s.prov.ListDirectory(ctx, s.groupPath(ge.Name))
		if err != nil {
			allOK = false
			continue
		}
		if !ok {
			allOK = false
			continue
		}

		// A backup shows up as an archive file on the local source side
		// and as a directory holding the uploaded object on the cloud
		// side; both count. Dot-prefixed entries (in-progress temp
		// objects, markers) do not.
		var backups []string
		for _, be := range backupEntries {
			if be.Kind == provider.EntryOther || strings.HasPrefix(be.Name, ".") {
				continue
			}
			backups = append(backups, be.Name)
		}
		sort.Strings(backups)
		groups[ge.Name] = backups
	}

	return groups, allOK, nil
}

// CreateBackupGroup creates group's directory if it is absent.
func (w *Writer) CreateBackupGroup(ctx context.Context, group string) error {
	return w.wprov.CreateDirectory(ctx, w.groupPath(group))
}

// DeleteBackupGroup removes group and everything under it.
func (w *Writer) DeleteBackupGroup(ctx context.Context, group string) error {
	return w.wprov.Delete(ctx, w.groupPath(group))
}

// UploadBackup drives the full hash/encrypt/split/upload pipeline for
// one local archive:
//  1. create the remote group directory if absent;
//  2. spawn an Encryptor and a reader goroutine that feeds both the
//     hasher and the encryptor's write end, sending the terminal
//     Eof(checksum) frame into the splitter's input once the archive is
//     fully read;
//  3. run the Splitter over the encryptor's ChunkReceiver;
//  4. hand the splitter's outer channel to the provider's UploadFile.
//
// Any error in any stage aborts every stage; the first observed error
// is returned.
func (w *Writer) UploadBackup(ctx context.Context, localPath, group, backup, passphrase string) error {
	if err := w.CreateBackupGroup(ctx, group); err != nil {
		return fmt.Errorf("creating group %s: %w", group, err)
	}

	enc, chunks, err := encryptor.New(passphrase)
	if err != nil {
		return fmt.Errorf("starting encryptor: %w", err)
	}

	h := w.wprov.Hasher()

	// readerDone reports the outcome of reading the cleartext archive
	// and tearing the encryptor down: nil once every byte has been
	// hashed, written, flushed, and the subprocess has exited cleanly.
	readerDone := make(chan error, 1)
	go func() {
		readerDone <- w.writeArchive(localPath, enc, h)
	}()

	// frames is the splitter's synchronous input channel. Exactly
	// one goroutine — this one — ever sends to or closes it: it relays
	// ciphertext chunks from the encryptor as they arrive (so the
	// splitter can apply backpressure all the way back to the archive
	// reader), then, once both the chunk stream has ended and the
	// reader has reported its outcome, appends exactly one terminal
	// frame (Eof on success, an error frame otherwise) before closing.
	// pipelineErr carries whichever error (if any) that goroutine
	// ultimately decided on, for UploadBackup to fold into its result.
	frames := make(chan splitter.DataFrame)
	pipelineErr := make(chan error, 1)
	outer := make(chan splitter.Output)
	go splitter.Run(frames, w.wprov.MaxRequestSize(), outer)

	go func() {
		defer close(frames)

		var sawErr error
		for result := range chunks {
			if sawErr != nil {
				continue
			}
			if result.Err != nil {
				frames <- splitter.ErrFrame(result.Err)
				sawErr = result.Err
				continue
			}
			frames <- splitter.Payload(result.Chunk)
		}

		readErr := <-readerDone
		switch {
		case sawErr != nil:
			pipelineErr <- sawErr
		case readErr != nil:
			frames <- splitter.ErrFrame(readErr)
			pipelineErr <- readErr
		default:
			frames <- splitter.EofFrame(h.Finalize())
			pipelineErr <- nil
		}
	}()

	backupDir := w.backupPath(group, backup)
	finalPath := joinPath(backupDir, archiveName)
	tempPath := joinPath(backupDir, "."+archiveName+tempSuffix)

	checksum, uploadErr := w.wprov.UploadFile(ctx, tempPath, finalPath, outer)
	stageErr := <-pipelineErr

	if uploadErr != nil {
		return uploadErr
	}
	if stageErr != nil {
		return stageErr
	}
	if checksum == "" {
		return fmt.Errorf("upload of %s completed without a checksum", localPath)
	}
	return nil
}

// writeArchive reads localPath, feeding every chunk into both h and the
// encryptor's write handle, then flushes and tears the encryptor down.
// It does not itself emit anything to the splitter; the frame-feeding
// goroutine in UploadBackup computes the terminal frame once this and
// the ciphertext relay have both finished, so the cleartext EOF travels
// alongside, not through, the encryptor.
// enc.Finish is called unconditionally via the deferred closure, even
// on an early return (e.g. the local file cannot be opened), because
// that is what tears the subprocess down and closes the ciphertext
// channel; without it the frame-feeding goroutine in UploadBackup would
// range over an encryptor channel that never closes.
func (w *Writer) writeArchive(localPath string, enc *encryptor.Encryptor, h *hash.Hasher) (err error) {
	defer func() {
		if finishErr := enc.Finish(); finishErr != nil && err == nil {
			err = finishErr
		}
	}()

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", localPath, err)
	}
	defer f.Close()

	buf := make([]byte, readBufferSize)
	var r io.Reader = bufio.NewReader(f)

	// Progress is reported against the cleartext read position; the
	// rendezvous backpressure through the pipeline keeps it tracking the
	// upload itself.
	if info, statErr := f.Stat(); statErr == nil {
		w.prog.Start(info.Size(), localPath)
		defer w.prog.Finish()
		r = progress.NewProgressReader(r, info.Size(), w.prog)
	}

	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			h.Update(buf[:n])
			if _, werr := enc.Write(buf[:n]); werr != nil {
				return fmt.Errorf("writing to encryptor: %w", werr)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("reading %s: %w", localPath, rerr)
		}
	}

	if ferr := enc.Flush(); ferr != nil {
		return fmt.Errorf("flushing encryptor: %w", ferr)
	}
	return nil
}
