// Package artifacts persists networks and security results produced during a
// task and hands out retrievable URLs for them.
package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var ErrNotFound = errors.New("artifact not found")

// Store persists artifacts by path
type Store interface {
	Put(ctx context.Context, path string, data []byte) error
	Get(ctx context.Context, path string) ([]byte, error)
	PresignedURL(ctx context.Context, path string) (string, error)
}

// Folder returns the artifact folder of a computation step
func Folder(ts time.Time, step string) string {
	return fmt.Sprintf("artifacts/%d/%d/%d/%d_%d/%s", ts.Year(), int(ts.Month()), ts.Day(), ts.Hour(), ts.Minute(), step)
}

// BorderResultPath returns where the validator writes the result of a border at a step
func BorderResultPath(ts time.Time, step, border string) string {
	return Folder(ts, step) + "/" + border
}

// NetworkPath returns where the network of a variant is saved at a step
func NetworkPath(ts time.Time, step, variant string) string {
	return Folder(ts, step) + "/network-" + variant + ".yaml"
}

// FinalResultPath returns where the final result of a border is saved
func FinalResultPath(ts time.Time, taskID, border string) string {
	return fmt.Sprintf("results/%s/%s/%s-rao-result.json", ts.Format("2006/01/02/15_04"), taskID, border)
}

// MinioConfig holds object storage configuration
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	URLExpiry time.Duration
}

// MinioStore stores artifacts in an S3-compatible bucket
type MinioStore struct {
	client *minio.Client
	bucket string
	expiry time.Duration
}

// NewMinioStore connects to the object storage and ensures the bucket exists
func NewMinioStore(ctx context.Context, cfg MinioConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %q: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %q: %w", cfg.Bucket, err)
		}
	}

	expiry := cfg.URLExpiry
	if expiry <= 0 {
		expiry = 7 * 24 * time.Hour
	}
	return &MinioStore{client: client, bucket: cfg.Bucket, expiry: expiry}, nil
}

// Put uploads an artifact
func (s *MinioStore) Put(ctx context.Context, path string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, path, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to upload artifact %q: %w", path, err)
	}
	return nil
}

// Get downloads an artifact
func (s *MinioStore) Get(ctx context.Context, path string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, path, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get artifact %q: %w", path, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%q: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read artifact %q: %w", path, err)
	}
	return data, nil
}

// PresignedURL returns a time-limited download URL
func (s *MinioStore) PresignedURL(ctx context.Context, path string) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, path, s.expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("failed to presign artifact %q: %w", path, err)
	}
	return u.String(), nil
}

// MemoryScheme prefixes the URLs handed out by MemoryStore
const MemoryScheme = "memory://"

// MemoryPath returns the store path behind a MemoryStore URL
func MemoryPath(url string) (string, bool) {
	return strings.CutPrefix(url, MemoryScheme)
}

// MemoryStore keeps artifacts in memory
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

// Put stores a copy of data
func (s *MemoryStore) Put(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = append([]byte(nil), data...)
	return nil
}

// Get returns a copy of the stored data
func (s *MemoryStore) Get(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[path]
	if !ok {
		return nil, fmt.Errorf("%q: %w", path, ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

// PresignedURL returns a MemoryScheme URL for a stored artifact
func (s *MemoryStore) PresignedURL(ctx context.Context, path string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.objects[path]; !ok {
		return "", fmt.Errorf("%q: %w", path, ErrNotFound)
	}
	return MemoryScheme + path, nil
}

// Paths lists stored paths with the given prefix, sorted
func (s *MemoryStore) Paths(prefix string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for p := range s.objects {
		if strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}
