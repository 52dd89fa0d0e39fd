// Package gcs provides an artifact store backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	// Prefix namespaces artifact objects inside the bucket.
	Prefix string
}

// ArtifactStore keeps backup artifacts as objects under a bucket prefix.
type ArtifactStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a GCS-backed artifact store.
func New(client *storage.Client, cfg Config) (*ArtifactStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	prefix := strings.Trim(cfg.Prefix, "/")
	return &ArtifactStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: prefix,
	}, nil
}

// Put uploads data to the configured bucket and returns a gs:// URI.
func (s *ArtifactStore) Put(ctx context.Context, name string, contentType string, r io.Reader) (string, error) {
	object, err := s.objectName(name)
	if err != nil {
		return "", err
	}
	writer := s.client.Bucket(s.bucket).Object(object).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, r); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, object), nil
}

// Get downloads a stored artifact.
func (s *ArtifactStore) Get(ctx context.Context, name string) ([]byte, error) {
	object, err := s.objectName(name)
	if err != nil {
		return nil, err
	}
	reader, err := s.client.Bucket(s.bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("open object: %w", err)
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	return data, nil
}

// List returns the names of all artifacts under the configured prefix.
func (s *ArtifactStore) List(ctx context.Context) ([]string, error) {
	query := &storage.Query{}
	if s.prefix != "" {
		query.Prefix = s.prefix + "/"
	}
	it := s.client.Bucket(s.bucket).Objects(ctx, query)

	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		name := attrs.Name
		if s.prefix != "" {
			name = strings.TrimPrefix(name, s.prefix+"/")
		}
		if name == "" {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

// Remove deletes a stored artifact.
func (s *ArtifactStore) Remove(ctx context.Context, name string) error {
	object, err := s.objectName(name)
	if err != nil {
		return err
	}
	if err := s.client.Bucket(s.bucket).Object(object).Delete(ctx); err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

func (s *ArtifactStore) objectName(name string) (string, error) {
	name = strings.Trim(name, "/")
	if name == "" {
		return "", fmt.Errorf("artifact name is required")
	}
	if strings.Contains(name, "..") {
		return "", fmt.Errorf("invalid artifact name %q", name)
	}
	if s.prefix == "" {
		return name, nil
	}
	return s.prefix + "/" + name, nil
}
