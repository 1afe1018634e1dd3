// Package provider defines the abstract capability surface a storage
// backend must offer the Storage catalog: a read-only directory listing
// capability every backend has, and a write capability (group/backup
// creation, upload, delete) cloud backends add on top.
package provider

import (
	"context"

	"github.com/konishchev/vsbsync/internal/hash"
	"github.com/konishchev/vsbsync/internal/splitter"
)

// Type discriminates a provider's storage kind, surfaced for logging and
// for the Sync Planner's "local vs. cloud" distinction.
type Type int

const (
	TypeLocal Type = iota
	TypeCloud
)

func (t Type) String() string {
	if t == TypeLocal {
		return "local"
	}
	return "cloud"
}

// EntryKind classifies one entry returned by ListDirectory.
type EntryKind int

const (
	EntryFile EntryKind = iota
	EntryDirectory
	EntryOther
)

func (k EntryKind) String() string {
	switch k {
	case EntryDirectory:
		return "directory"
	default:
		return "file"
	}
}

// Entry is one direct child of a listed directory.
type Entry struct {
	Name string
	Kind EntryKind
}

// Provider is the capability every backend advertises regardless of
// whether it can be written to.
type Provider interface {
	Name() string
	Type() Type
}

// ReadProvider lists a directory's direct entries. ListDirectory returns
// ok=false when the directory does not exist at all (as opposed to
// existing and being empty, which is ok=true with a nil/empty slice).
type ReadProvider interface {
	Provider
	ListDirectory(ctx context.Context, path string) (entries []Entry, ok bool, err error)
}

// WriteProvider adds the mutating operations the Storage catalog and
// sync planner drive: group creation, the streaming upload pipeline,
// and deletion.
type WriteProvider interface {
	ReadProvider

	// Hasher returns a Hasher compatible with this provider's integrity
	// expectations; every backend in this repository uses the same
	// SHA-256 accumulator, but the seam lets a backend supply its own.
	Hasher() *hash.Hasher

	// MaxRequestSize caps a single upload request's payload; the
	// splitter is parameterized with it for this backend's uploads.
	MaxRequestSize() int64

	CreateDirectory(ctx context.Context, path string) error

	// UploadFile consumes a Splitter's outer channel: one HTTP request per
	// emitted sub-stream, ending with the terminal EofWithCheck record. On
	// success it renames tempPath to path and returns the checksum token
	// carried by that terminal record.
	UploadFile(ctx context.Context, tempPath, path string, subStreams <-chan splitter.Output) (checksum string, err error)

	Delete(ctx context.Context, path string) error
}
