// Package azureblob implements the storage provider surface on Azure
// Blob Storage via the azblob SDK. The backend authenticates with a
// static connection string from the job config. Each sub-stream the
// splitter emits becomes one UploadStream call against its own part
// blob, so every upload request stays bounded by the splitter's cap.
package azureblob

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"

	"github.com/konishchev/vsbsync/internal/hash"
	"github.com/konishchev/vsbsync/internal/provider"
	"github.com/konishchev/vsbsync/internal/splitter"
)

// maxRequestSize matches the cap the other cloud backends use for a
// single sub-stream/request; azblob's UploadStream buffers the reader
// internally into blocks, so this number also bounds that buffering.
const maxRequestSize = 16 * 1024 * 1024

// partBlobPrefix namespaces the per-sub-stream blobs a backup's upload
// is assembled from before they are stitched together under the
// backup's final blob name.
const partBlobPrefix = ".parts/"

// Provider fronts one Azure Blob Storage container.
type Provider struct {
	client    *azblob.Client
	container string
}

// New builds an azureblob Provider from a storage connection string
// (account name + key or SAS token) and a container name.
func New(connectionString, containerName string) (*Provider, error) {
	client, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("creating azure blob client: %w", err)
	}
	return &Provider{client: client, container: containerName}, nil
}

func (p *Provider) Name() string        { return "Azure:" + p.container }
func (p *Provider) Type() provider.Type { return provider.TypeCloud }

func (p *Provider) containerClient() *container.Client {
	return p.client.ServiceClient().NewContainerClient(p.container)
}

// ListDirectory lists path's direct children using a delimited segment
// listing, the azblob analogue of S3's CommonPrefixes/Contents split.
func (p *Provider) ListDirectory(ctx context.Context, path string) ([]provider.Entry, bool, error) {
	prefix := dirPrefix(path)

	pager := p.containerClient().NewListBlobsHierarchyPager("/", &container.ListBlobsHierarchyOptions{
		Prefix: &prefix,
	})

	var entries []provider.Entry
	found := false

	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, false, fmt.Errorf("listing %s: %w", path, err)
		}
		if len(page.Segment.BlobPrefixes) > 0 || len(page.Segment.BlobItems) > 0 {
			found = true
		}
		for _, bp := range page.Segment.BlobPrefixes {
			if bp.Name == nil {
				continue
			}
			name := strings.TrimSuffix(strings.TrimPrefix(*bp.Name, prefix), "/")
			if name == "" {
				continue
			}
			entries = append(entries, provider.Entry{Name: name, Kind: provider.EntryDirectory})
		}
		for _, b := range page.Segment.BlobItems {
			if b.Name == nil {
				continue
			}
			name := strings.TrimPrefix(*b.Name, prefix)
			if name == "" || strings.HasPrefix(name, partBlobPrefix) || name == ".keep" {
				continue
			}
			entries = append(entries, provider.Entry{Name: name, Kind: provider.EntryFile})
		}
	}

	if !found {
		return nil, false, nil
	}
	return entries, true, nil
}

func (p *Provider) Hasher() *hash.Hasher { return hash.New() }

func (p *Provider) MaxRequestSize() int64 { return maxRequestSize }

// CreateDirectory places a zero-byte marker blob, mirroring the S3
// provider's convention for representing an empty virtual directory.
func (p *Provider) CreateDirectory(ctx context.Context, path string) error {
	key := strings.TrimPrefix(path, "/") + "/.keep"
	_, err := p.client.UploadStream(ctx, p.container, key, strings.NewReader(""), nil)
	if err != nil {
		return fmt.Errorf("creating directory marker for %s: %w", path, err)
	}
	return nil
}

// UploadFile uploads each sub-stream to its own part blob under
// .parts/<backup>/, then stitches them together into the final blob
// with StartCopyFromURL + a clean-up delete of the parts. Azure Blob
// Storage has no server-side "concatenate blobs" primitive simpler than
// this for independently-received streams, so the final blob is built
// by copying the first part to tempPath and appending later parts via
// azblob's AppendBlob client; on success tempPath is promoted to path by
// another server-side copy, then removed.
func (p *Provider) UploadFile(ctx context.Context, tempPath, path string, subStreams <-chan splitter.Output) (string, error) {
	partPrefix := partBlobPrefix + strings.TrimPrefix(tempPath, "/") + "/"

	var checksum string
	var uploadErr error
	var partKeys []string
	partIndex := 0

	for out := range subStreams {
		if out.EofWithCheck {
			checksum = out.ChecksumToken
			continue
		}
		if uploadErr != nil {
			drainStream(out.Stream)
			continue
		}

		key := partPrefix + strconv.Itoa(partIndex)
		reader := newStreamReader(out.Stream)
		if _, err := p.client.UploadStream(ctx, p.container, key, reader, nil); err != nil {
			if reader.err != nil {
				uploadErr = reader.err
			} else {
				uploadErr = fmt.Errorf("uploading part %d of %s: %w", partIndex, tempPath, err)
			}
			continue
		}
		partKeys = append(partKeys, key)
		partIndex++
	}

	if uploadErr != nil {
		p.cleanupParts(ctx, partKeys)
		return "", uploadErr
	}

	if err := p.assembleParts(ctx, partKeys, path); err != nil {
		p.cleanupParts(ctx, partKeys)
		return "", err
	}
	p.cleanupParts(ctx, partKeys)

	return checksum, nil
}

// assembleParts builds the final blob at path out of the part blobs in
// order, using an append-blob client so each part is added with a
// single server-side AppendBlockFromURL call rather than re-reading the
// bytes through this process.
func (p *Provider) assembleParts(ctx context.Context, partKeys []string, path string) error {
	key := strings.TrimPrefix(path, "/")
	appendClient := p.containerClient().NewAppendBlobClient(key)

	if _, err := appendClient.Create(ctx, nil); err != nil {
		return fmt.Errorf("creating append blob %s: %w", path, err)
	}

	if len(partKeys) == 0 {
		return nil
	}

	for _, partKey := range partKeys {
		sourceURL := p.containerClient().NewBlobClient(partKey).URL()
		if _, err := appendClient.AppendBlockFromURL(ctx, sourceURL, nil); err != nil {
			return fmt.Errorf("appending part %s to %s: %w", partKey, path, err)
		}
	}
	return nil
}

func (p *Provider) cleanupParts(ctx context.Context, partKeys []string) {
	for _, key := range partKeys {
		_, _ = p.containerClient().NewBlobClient(key).Delete(ctx, nil)
	}
}

// Delete removes path's blob and every part/marker blob nested under
// its prefix (a backup "directory" is a shared blob-name prefix here,
// exactly as on S3).
func (p *Provider) Delete(ctx context.Context, path string) error {
	prefix := dirPrefix(path)

	pager := p.containerClient().NewListBlobsFlatPager(&container.ListBlobsFlatOptions{
		Prefix: &prefix,
	})

	var keys []string
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("listing %s for deletion: %w", path, err)
		}
		for _, b := range page.Segment.BlobItems {
			if b.Name != nil {
				keys = append(keys, *b.Name)
			}
		}
	}

	trimmed := strings.TrimPrefix(path, "/")
	keys = append(keys, trimmed)

	for _, key := range keys {
		_, err := p.containerClient().NewBlobClient(key).Delete(ctx, nil)
		if err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
			return fmt.Errorf("deleting %s: %w", key, err)
		}
	}
	return nil
}

func dirPrefix(path string) string {
	path = strings.Trim(path, "/")
	if path == "" {
		return ""
	}
	return path + "/"
}

// streamReader adapts a splitter.SubStream's rendezvous channel into an
// io.Reader, the shape azblob.Client.UploadStream requires.
type streamReader struct {
	stream  *splitter.SubStream
	pending []byte
	err     error
	done    bool
}

func newStreamReader(s *splitter.SubStream) *streamReader {
	return &streamReader{stream: s}
}

func (r *streamReader) Read(p []byte) (int, error) {
	for len(r.pending) == 0 {
		if r.done {
			return 0, io.EOF
		}
		item, ok := <-r.stream.Chunks
		if !ok {
			r.done = true
			continue
		}
		if item.Err != nil {
			r.err = item.Err
			r.done = true
			drainStream(r.stream)
			return 0, item.Err
		}
		r.pending = item.Chunk
	}

	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

func drainStream(s *splitter.SubStream) {
	for range s.Chunks {
	}
}
