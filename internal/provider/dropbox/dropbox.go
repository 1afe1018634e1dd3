// Package dropbox implements the storage provider surface on top of
// Dropbox's HTTP API, written directly against the documented
// endpoints through the internal/httpx transport rather than an SDK:
// the API is exactly the kind of bounded-payload JSON and octet-stream
// surface the transport exists to front.
package dropbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/konishchev/vsbsync/internal/hash"
	"github.com/konishchev/vsbsync/internal/httpx"
	"github.com/konishchev/vsbsync/internal/provider"
	"github.com/konishchev/vsbsync/internal/splitter"
	"github.com/konishchev/vsbsync/internal/util/buffers"
)

const (
	apiBaseURL     = "https://api.dropboxapi.com/2"
	contentBaseURL = "https://content.dropboxapi.com/2"

	// maxRequestSize is the per-sub-stream upload_session/append_v2 size.
	// Dropbox permits up to 150 MB per call; the pool's ChunkSize (16 MB)
	// keeps memory bounded and lets each request reuse one pooled buffer.
	maxRequestSize = buffers.ChunkSize

	requestTimeout = 30 * time.Second
	uploadTimeout  = 5 * time.Minute
)

// apiError is the structured error body Dropbox returns for 4xx/5xx
// responses on API (non-content) endpoints.
type apiError struct {
	ErrorSummary string `json:"error_summary"`
}

// Provider fronts a Dropbox account rooted at no particular prefix; all
// paths passed in are already absolute Dropbox paths built by the
// Storage catalog (always starting with "/").
type Provider struct {
	transport *httpx.Transport
}

// New builds a Dropbox provider authenticated with accessToken. The
// token travels as a default Authorization header on every request the
// provider makes through its transport.
func New(transport *httpx.Transport, accessToken string) *Provider {
	transport = transport.WithDefaultHeaders(map[string]string{
		"Authorization": "Bearer " + accessToken,
	})
	return &Provider{transport: transport}
}

func (p *Provider) Name() string        { return "Dropbox" }
func (p *Provider) Type() provider.Type { return provider.TypeCloud }

type listFolderRequest struct {
	Path string `json:"path"`
}

type listFolderEntry struct {
	Tag  string `json:".tag"`
	Name string `json:"name"`
}

type listFolderResponse struct {
	Entries []listFolderEntry `json:"entries"`
	HasMore bool              `json:"has_more"`
	Cursor  string            `json:"cursor"`
}

// ListDirectory lists a Dropbox folder's direct entries, paging through
// list_folder/continue until has_more is false. A "path/not_found" API
// error is reported as ok=false rather than an error.
func (p *Provider) ListDirectory(ctx context.Context, path string) ([]provider.Entry, bool, error) {
	var out listFolderResponse
	var errShape apiError

	dropboxPath := toDropboxPath(path)
	err := p.transport.JSONRequest(ctx, http.MethodPost, apiBaseURL+"/files/list_folder",
		listFolderRequest{Path: dropboxPath}, requestTimeout, &out, &errShape)
	if err != nil {
		if isNotFound(err, &errShape) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("listing %s: %w", path, err)
	}

	entries := convertEntries(out.Entries)
	cursor := out.Cursor
	for out.HasMore {
		var page listFolderResponse
		if err := p.transport.JSONRequest(ctx, http.MethodPost, apiBaseURL+"/files/list_folder/continue",
			struct {
				Cursor string `json:"cursor"`
			}{cursor}, requestTimeout, &page, &errShape); err != nil {
			return nil, false, fmt.Errorf("continuing listing of %s: %w", path, err)
		}
		entries = append(entries, convertEntries(page.Entries)...)
		out.HasMore = page.HasMore
		cursor = page.Cursor
	}

	return entries, true, nil
}

func convertEntries(in []listFolderEntry) []provider.Entry {
	out := make([]provider.Entry, 0, len(in))
	for _, e := range in {
		kind := provider.EntryFile
		switch e.Tag {
		case "folder":
			kind = provider.EntryDirectory
		case "file":
			kind = provider.EntryFile
		default:
			kind = provider.EntryOther
		}
		out = append(out, provider.Entry{Name: e.Name, Kind: kind})
	}
	return out
}

func isNotFound(err error, errShape *apiError) bool {
	var apiErr *httpx.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return strings.Contains(errShape.ErrorSummary, "not_found")
}

func (p *Provider) Hasher() *hash.Hasher { return hash.New() }

func (p *Provider) MaxRequestSize() int64 { return maxRequestSize }

func (p *Provider) CreateDirectory(ctx context.Context, path string) error {
	var errShape apiError
	err := p.transport.JSONRequest(ctx, http.MethodPost, apiBaseURL+"/files/create_folder_v2",
		listFolderRequest{Path: toDropboxPath(path)}, requestTimeout, nil, &errShape)
	if err != nil {
		if strings.Contains(errShape.ErrorSummary, "path/conflict") {
			return nil
		}
		return fmt.Errorf("creating folder %s: %w", path, err)
	}
	return nil
}

// uploadSessionCursor identifies an in-progress upload_session.
type uploadSessionCursor struct {
	SessionID string `json:"session_id"`
	Offset    int64  `json:"offset"`
}

type uploadSessionStartResponse struct {
	SessionID string `json:"session_id"`
}

// UploadFile drives Dropbox's upload_session API: one append_v2 call per
// sub-stream the Splitter emits, then a finish call that commits the
// session directly to path. Dropbox's commit is itself atomic (the path
// either gets the fully-assembled file or nothing), so no separate
// temp-path object is created; tempPath is accepted for interface
// symmetry with the other providers and is not otherwise used.
func (p *Provider) UploadFile(ctx context.Context, tempPath, path string, subStreams <-chan splitter.Output) (string, error) {
	var sessionID string
	var offset int64
	var checksum string
	var uploadErr error
	started := false

	for out := range subStreams {
		if out.EofWithCheck {
			checksum = out.ChecksumToken
			continue
		}
		if uploadErr != nil {
			drainStream(out.Stream)
			continue
		}

		data, bufp, err := readAll(out.Stream)
		if err != nil {
			uploadErr = err
			continue
		}

		if !started {
			sid, err := p.startSession(ctx, data)
			buffers.PutChunkBuffer(bufp)
			if err != nil {
				uploadErr = err
				continue
			}
			sessionID = sid
			offset = int64(len(data))
			started = true
			continue
		}

		appendErr := p.appendSession(ctx, sessionID, offset, data)
		size := int64(len(data))
		buffers.PutChunkBuffer(bufp)
		if appendErr != nil {
			uploadErr = appendErr
			continue
		}
		offset += size
	}

	if uploadErr != nil {
		return "", uploadErr
	}
	if !started {
		// Empty archive: still need an open session to finish against.
		sid, err := p.startSession(ctx, nil)
		if err != nil {
			return "", err
		}
		sessionID = sid
	}

	if err := p.finishSession(ctx, sessionID, offset, toDropboxPath(path)); err != nil {
		return "", err
	}

	return checksum, nil
}

func (p *Provider) startSession(ctx context.Context, data []byte) (string, error) {
	arg, _ := json.Marshal(struct {
		Close bool `json:"close"`
	}{Close: false})

	var resp uploadSessionStartResponse
	var errShape apiError
	err := p.transport.UploadRequest(ctx, contentBaseURL+"/files/upload_session/start",
		map[string]string{"Dropbox-API-Arg": string(arg)}, bytesReader(data), uploadTimeout, &resp, &errShape)
	if err != nil {
		return "", fmt.Errorf("starting upload session: %w", err)
	}
	return resp.SessionID, nil
}

func (p *Provider) appendSession(ctx context.Context, sessionID string, offset int64, data []byte) error {
	arg, _ := json.Marshal(struct {
		Cursor uploadSessionCursor `json:"cursor"`
		Close  bool                `json:"close"`
	}{Cursor: uploadSessionCursor{SessionID: sessionID, Offset: offset}, Close: false})

	var errShape apiError
	err := p.transport.UploadRequest(ctx, contentBaseURL+"/files/upload_session/append_v2",
		map[string]string{"Dropbox-API-Arg": string(arg)}, bytesReader(data), uploadTimeout, nil, &errShape)
	if err != nil {
		return fmt.Errorf("appending to upload session: %w", err)
	}
	return nil
}

func (p *Provider) finishSession(ctx context.Context, sessionID string, offset int64, dropboxPath string) error {
	arg, _ := json.Marshal(struct {
		Cursor uploadSessionCursor `json:"cursor"`
		Commit struct {
			Path string `json:"path"`
			Mode string `json:"mode"`
		} `json:"commit"`
	}{
		Cursor: uploadSessionCursor{SessionID: sessionID, Offset: offset},
		Commit: struct {
			Path string `json:"path"`
			Mode string `json:"mode"`
		}{Path: dropboxPath, Mode: "overwrite"},
	})

	var errShape apiError
	err := p.transport.UploadRequest(ctx, contentBaseURL+"/files/upload_session/finish",
		map[string]string{"Dropbox-API-Arg": string(arg)}, bytesReader(nil), uploadTimeout, nil, &errShape)
	if err != nil {
		return fmt.Errorf("finishing upload session: %w", err)
	}
	return nil
}

func (p *Provider) Delete(ctx context.Context, path string) error {
	var errShape apiError
	err := p.transport.JSONRequest(ctx, http.MethodPost, apiBaseURL+"/files/delete_v2",
		listFolderRequest{Path: toDropboxPath(path)}, requestTimeout, nil, &errShape)
	if err != nil {
		if strings.Contains(errShape.ErrorSummary, "path_lookup/not_found") {
			return nil
		}
		return fmt.Errorf("deleting %s: %w", path, err)
	}
	return nil
}

// toDropboxPath normalizes a root-relative path into Dropbox's path
// convention: "" for the root, otherwise a leading slash and no
// trailing slash.
func toDropboxPath(path string) string {
	path = strings.Trim(path, "/")
	if path == "" {
		return ""
	}
	return "/" + path
}

// readAll gathers one sub-stream into a pooled request buffer; the
// sub-stream's size is capped at maxRequestSize, which is exactly the
// pool's ChunkSize. The caller releases bufp with PutChunkBuffer once
// the request has consumed data.
func readAll(s *splitter.SubStream) (data []byte, bufp *[]byte, err error) {
	bufp = buffers.GetChunkBuffer()
	n := 0
	for item := range s.Chunks {
		if item.Err != nil {
			buffers.PutChunkBuffer(bufp)
			return nil, nil, item.Err
		}
		n += copy((*bufp)[n:], item.Chunk)
	}
	return (*bufp)[:n], bufp, nil
}

func drainStream(s *splitter.SubStream) {
	for range s.Chunks {
	}
}

func bytesReader(data []byte) *bytes.Reader {
	return bytes.NewReader(data)
}
