// Package s3provider implements the storage provider surface against
// Amazon S3 with aws-sdk-go-v2 multipart uploads: each sub-stream the
// splitter emits becomes one UploadPart request. Credentials are
// static long-lived keys from the job config.
package s3provider

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/konishchev/vsbsync/internal/hash"
	"github.com/konishchev/vsbsync/internal/provider"
	"github.com/konishchev/vsbsync/internal/splitter"
	"github.com/konishchev/vsbsync/internal/util/buffers"
)

// maxRequestSize governs both the sub-stream cap and the multipart part
// size; it equals the buffer pool's ChunkSize so each part fits exactly
// one pooled request buffer.
const maxRequestSize = buffers.ChunkSize

// markerSuffix is the zero-byte object Dropbox-style "directories" are
// represented by on S3, which has no native directory concept. A group
// or backup directory "exists" once this marker or any object under its
// prefix exists.
const markerSuffix = "/.keep"

// Provider fronts one S3 bucket.
type Provider struct {
	client *s3.Client
	bucket string
}

// Config is the subset of config.Provider the S3 backend needs.
type Config struct {
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
}

// New builds an S3 Provider from static credentials.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	var optFns []func(*awsconfig.LoadOptions) error
	optFns = append(optFns, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			awscreds.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &Provider{client: client, bucket: cfg.Bucket}, nil
}

func (p *Provider) Name() string        { return "S3:" + p.bucket }
func (p *Provider) Type() provider.Type { return provider.TypeCloud }

// ListDirectory lists the direct children of path using a delimited
// ListObjectsV2 call: CommonPrefixes become directory entries, Contents
// (excluding the directory's own marker object) become file entries. An
// empty result with no marker present is reported as ok=false.
func (p *Provider) ListDirectory(ctx context.Context, path string) ([]provider.Entry, bool, error) {
	prefix := dirPrefix(path)

	resp, err := p.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:    aws.String(p.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	if err != nil {
		return nil, false, fmt.Errorf("listing %s: %w", path, err)
	}

	if len(resp.Contents) == 0 && len(resp.CommonPrefixes) == 0 {
		return nil, false, nil
	}

	seen := map[string]bool{}
	var entries []provider.Entry

	for _, cp := range resp.CommonPrefixes {
		name := strings.TrimSuffix(strings.TrimPrefix(*cp.Prefix, prefix), "/")
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		entries = append(entries, provider.Entry{Name: name, Kind: provider.EntryDirectory})
	}

	for _, obj := range resp.Contents {
		key := *obj.Key
		name := strings.TrimPrefix(key, prefix)
		if name == "" || name == ".keep" || seen[name] {
			continue
		}
		seen[name] = true
		entries = append(entries, provider.Entry{Name: name, Kind: provider.EntryFile})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, true, nil
}

func (p *Provider) Hasher() *hash.Hasher { return hash.New() }

func (p *Provider) MaxRequestSize() int64 { return maxRequestSize }

// CreateDirectory places a zero-byte marker object so an otherwise-empty
// group directory is still visible to ListDirectory.
func (p *Provider) CreateDirectory(ctx context.Context, path string) error {
	_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(strings.TrimPrefix(path, "/") + markerSuffix),
		Body:   bytes.NewReader(nil),
	})
	if err != nil {
		return fmt.Errorf("creating directory marker for %s: %w", path, err)
	}
	return nil
}

// UploadFile multipart-uploads to a temp key, completes it, then
// "renames" by copying the object to its final key and deleting the
// temp key — S3 has no rename primitive, so this is the closest
// S3 gets to an atomic rename; a crash between the
// copy and the delete leaves the temp object behind rather than losing
// data, which is the safer failure direction.
func (p *Provider) UploadFile(ctx context.Context, tempPath, path string, subStreams <-chan splitter.Output) (string, error) {
	key := strings.TrimPrefix(tempPath, "/")

	create, err := p.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("creating multipart upload for %s: %w", tempPath, err)
	}
	uploadID := create.UploadId

	var parts []types.CompletedPart
	var checksum string
	var uploadErr error
	partNumber := int32(1)

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
		if len(data) == 0 {
			buffers.PutChunkBuffer(bufp)
			continue
		}

		resp, err := p.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(p.bucket),
			Key:           aws.String(key),
			UploadId:      uploadID,
			PartNumber:    aws.Int32(partNumber),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
		})
		buffers.PutChunkBuffer(bufp)
		if err != nil {
			uploadErr = fmt.Errorf("uploading part %d of %s: %w", partNumber, tempPath, err)
			continue
		}

		parts = append(parts, types.CompletedPart{ETag: resp.ETag, PartNumber: aws.Int32(partNumber)})
		partNumber++
	}

	if uploadErr != nil {
		p.abortMultipart(ctx, key, uploadID)
		return "", uploadErr
	}

	if len(parts) == 0 {
		// S3 multipart uploads require at least one part even for an
		// empty archive's ciphertext envelope; upload a zero-length part.
		resp, err := p.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:     aws.String(p.bucket),
			Key:        aws.String(key),
			UploadId:   uploadID,
			PartNumber: aws.Int32(1),
			Body:       bytes.NewReader(nil),
		})
		if err != nil {
			p.abortMultipart(ctx, key, uploadID)
			return "", fmt.Errorf("uploading empty part for %s: %w", tempPath, err)
		}
		parts = append(parts, types.CompletedPart{ETag: resp.ETag, PartNumber: aws.Int32(1)})
	}

	if _, err := p.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(p.bucket),
		Key:             aws.String(key),
		UploadId:        uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	}); err != nil {
		p.abortMultipart(ctx, key, uploadID)
		return "", fmt.Errorf("completing multipart upload for %s: %w", tempPath, err)
	}

	finalKey := strings.TrimPrefix(path, "/")
	if _, err := p.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(p.bucket),
		CopySource: aws.String(p.bucket + "/" + key),
		Key:        aws.String(finalKey),
	}); err != nil {
		return "", fmt.Errorf("copying %s to %s: %w", tempPath, path, err)
	}
	if _, err := p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return "", fmt.Errorf("removing temp object %s: %w", tempPath, err)
	}

	return checksum, nil
}

func (p *Provider) abortMultipart(ctx context.Context, key string, uploadID *string) {
	_, _ = p.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(p.bucket),
		Key:      aws.String(key),
		UploadId: uploadID,
	})
}

// Delete removes path and everything under it (a backup "directory" is
// really just a shared key prefix on S3).
func (p *Provider) Delete(ctx context.Context, path string) error {
	prefix := dirPrefix(path)

	var toDelete []types.ObjectIdentifier
	var continuationToken *string
	for {
		resp, err := p.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(p.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			return fmt.Errorf("listing %s for deletion: %w", path, err)
		}
		for _, obj := range resp.Contents {
			toDelete = append(toDelete, types.ObjectIdentifier{Key: obj.Key})
		}
		if resp.IsTruncated == nil || !*resp.IsTruncated {
			break
		}
		continuationToken = resp.NextContinuationToken
	}

	if len(toDelete) == 0 {
		return nil
	}

	const batchSize = 1000
	for i := 0; i < len(toDelete); i += batchSize {
		end := min(i+batchSize, len(toDelete))
		if _, err := p.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(p.bucket),
			Delete: &types.Delete{Objects: toDelete[i:end]},
		}); err != nil {
			return fmt.Errorf("deleting %s: %w", path, err)
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

// readAll gathers one sub-stream into a pooled request buffer (the
// sub-stream's size is capped at maxRequestSize, which is exactly the
// pool's ChunkSize). The caller releases bufp with PutChunkBuffer once
// the part upload has consumed data.
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
