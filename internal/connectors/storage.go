package connectors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// ObjectStore: общий контракт хранилищ: байты экспонатов и отгрузка audit-копий.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
}

// FileStore хранит объекты в локальном каталоге (dev, on-prem).
type FileStore struct {
	root string
}

func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("connectors: create storage root: %w", err)
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) Download(_ context.Context, key string) ([]byte, error) {
	path, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("connectors: read %s: %w", key, err)
	}
	return data, nil
}

func (s *FileStore) Upload(_ context.Context, key string, data []byte) error {
	path, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("connectors: create dir for %s: %w", key, err)
	}
	return os.WriteFile(path, data, 0o640)
}

// resolve не выпускает ключ за пределы корня хранилища.
func (s *FileStore) resolve(key string) (string, error) {
	clean := filepath.Clean("/" + strings.TrimSpace(key))
	if clean == "/" {
		return "", fmt.Errorf("connectors: empty object key")
	}
	return filepath.Join(s.root, clean), nil
}

// GCSStore: объекты в Google Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
}

// NewGCSStore использует файл сервисного аккаунта, если путь задан, иначе ADC.
func NewGCSStore(ctx context.Context, bucket, credentialsFile string) (*GCSStore, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		if _, err := os.Stat(credentialsFile); err != nil {
			return nil, fmt.Errorf("service account key not found at path: %s: %w", credentialsFile, err)
		}
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &GCSStore{client: client, bucket: bucket}, nil
}

func (s *GCSStore) Download(ctx context.Context, key string) ([]byte, error) {
	reader, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open gs://%s/%s: %w", s.bucket, key, err)
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

func (s *GCSStore) Upload(ctx context.Context, key string, data []byte) error {
	writer := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	writer.ContentType = "application/json"
	writer.CacheControl = "no-cache, no-store, must-revalidate"

	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return fmt.Errorf("failed to write gs://%s/%s: %w", s.bucket, key, err)
	}
	// Объект фиксируется только на Close
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finalize gs://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}

func (s *GCSStore) Close() error { return s.client.Close() }
