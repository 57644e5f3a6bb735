// Package gcs archives checkpoint logs to a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// ObjectWriterFactory opens a writer for bucket/object. *storage.Client
// satisfies it through ClientWriters.
type ObjectWriterFactory interface {
	NewWriter(ctx context.Context, bucket, object string) ObjectWriter
}

// ObjectWriter is the subset of *storage.Writer the archive drives.
type ObjectWriter interface {
	io.Writer
	SetContentType(string)
	Close() error
}

// ClientWriters adapts a *storage.Client to ObjectWriterFactory.
type ClientWriters struct {
	Client *storage.Client
}

// NewWriter opens an object writer in bucket.
func (c ClientWriters) NewWriter(ctx context.Context, bucket, object string) ObjectWriter {
	return &storageWriter{w: c.Client.Bucket(bucket).Object(object).NewWriter(ctx)}
}

type storageWriter struct {
	w *storage.Writer
}

func (s *storageWriter) Write(p []byte) (int, error) { return s.w.Write(p) }
func (s *storageWriter) SetContentType(ct string)    { s.w.ContentType = ct }
func (s *storageWriter) Close() error                { return s.w.Close() }

// Archive uploads objects into one bucket.
type Archive struct {
	writers ObjectWriterFactory
	bucket  string
}

// NewClient opens a storage client using Application Default Credentials.
func NewClient(ctx context.Context) (*storage.Client, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return client, nil
}

// Open verifies that bucket is reachable with client and returns an Archive
// over it.
func Open(ctx context.Context, client *storage.Client, bucket string) (*Archive, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		return nil, fmt.Errorf("get bucket %q attributes: %w", bucket, err)
	}
	return New(ClientWriters{Client: client}, bucket)
}

// New returns an Archive writing to bucket.
func New(writers ObjectWriterFactory, bucket string) (*Archive, error) {
	if writers == nil {
		return nil, errors.New("object writer factory is required")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("bucket name is required")
	}
	return &Archive{writers: writers, bucket: bucket}, nil
}

// PutObject streams r to path and returns its gs:// URI.
func (a *Archive) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	path = strings.TrimPrefix(path, "/")
	if strings.TrimSpace(path) == "" {
		return "", errors.New("object path is required")
	}
	writer := a.writers.NewWriter(ctx, a.bucket, path)
	if contentType != "" {
		writer.SetContentType(contentType)
	}
	if _, err := io.Copy(writer, r); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", a.bucket, path), nil
}
