package publish

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/psinet-ops/psinet/pkg/storage"
)

// ObjectStore holds published artifacts in named buckets
type ObjectStore interface {
	// EnsureBucket creates a bucket if it does not exist yet
	EnsureBucket(ctx context.Context, bucket string) error

	// Put uploads a publicly readable object
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) error

	// URL is the public address of an object
	URL(bucket, key string) string
}

// FileStore keeps buckets as directories under a root, for staging and tests
type FileStore struct {
	root    string
	baseURL string
}

// NewFileStore creates a store rooted at dir. baseURL prefixes object URLs;
// when empty, file:// URLs are returned.
func NewFileStore(dir, baseURL string) *FileStore {
	return &FileStore{root: dir, baseURL: strings.TrimSuffix(baseURL, "/")}
}

func (s *FileStore) path(bucket, key string) (string, error) {
	if bucket == "" || strings.ContainsAny(bucket, `/\`) || bucket == "." || bucket == ".." {
		return "", fmt.Errorf("invalid bucket name %q", bucket)
	}
	clean := filepath.Clean("/" + key)
	if clean == "/" {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(s.root, bucket, filepath.FromSlash(clean)), nil
}

// EnsureBucket creates the bucket directory
func (s *FileStore) EnsureBucket(_ context.Context, bucket string) error {
	if _, err := s.path(bucket, "x"); err != nil {
		return err
	}
	return os.MkdirAll(filepath.Join(s.root, bucket), 0o755)
}

// Put writes the object atomically
func (s *FileStore) Put(_ context.Context, bucket, key string, data []byte, _ string) error {
	p, err := s.path(bucket, key)
	if err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(s.root, bucket)); err != nil {
		return fmt.Errorf("bucket %s: %w", bucket, err)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return storage.WriteFileAtomic(p, data, 0o644)
}

// Get reads an object back
func (s *FileStore) Get(bucket, key string) ([]byte, error) {
	p, err := s.path(bucket, key)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

// URL returns the object's address
func (s *FileStore) URL(bucket, key string) string {
	if s.baseURL == "" {
		return "file://" + filepath.ToSlash(filepath.Join(s.root, bucket, key))
	}
	return s.baseURL + "/" + bucket + "/" + strings.TrimPrefix(key, "/")
}
