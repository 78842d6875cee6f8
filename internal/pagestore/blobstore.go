package pagestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrBlobNotFound indicates a missing blob.
var ErrBlobNotFound = errors.New("blob not found")

// BlobStore keeps clean page blobs so any instance can assemble a job.
type BlobStore interface {
	Save(ctx context.Context, jobID string, page int, b Blob) error
	Load(ctx context.Context, jobID string, page int) (Blob, error)
	DeleteJob(ctx context.Context, jobID string) error
	Close() error
}

func blobKey(jobID string, page int) string {
	return fmt.Sprintf("%s/%d", jobID, page)
}

// MemoryBlobs is a process-local BlobStore.
type MemoryBlobs struct {
	mu    sync.RWMutex
	blobs map[string]Blob
}

// NewMemoryBlobs creates an empty in-memory blob store.
func NewMemoryBlobs() *MemoryBlobs {
	return &MemoryBlobs{blobs: make(map[string]Blob)}
}

// Save stores a blob.
func (m *MemoryBlobs) Save(_ context.Context, jobID string, page int, b Blob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[blobKey(jobID, page)] = b
	return nil
}

// Load retrieves a blob.
func (m *MemoryBlobs) Load(_ context.Context, jobID string, page int) (Blob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blobs[blobKey(jobID, page)]
	if !ok {
		return "", ErrBlobNotFound
	}
	return b, nil
}

// DeleteJob removes every blob of a job.
func (m *MemoryBlobs) DeleteJob(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := jobID + "/"
	for k := range m.blobs {
		if strings.HasPrefix(k, prefix) {
			delete(m.blobs, k)
		}
	}
	return nil
}

// Close is a no-op.
func (m *MemoryBlobs) Close() error {
	return nil
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	Prefix   string
	TTL      time.Duration
}

// RedisBlobs implements BlobStore using Redis.
type RedisBlobs struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisBlobs connects to Redis and verifies the connection.
func NewRedisBlobs(cfg RedisConfig) (*RedisBlobs, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "pdf2deck:"
	}

	return &RedisBlobs{client: client, prefix: prefix + "blob:", ttl: cfg.TTL}, nil
}

// Save stores a blob with the configured TTL.
func (r *RedisBlobs) Save(ctx context.Context, jobID string, page int, b Blob) error {
	if err := r.client.Set(ctx, r.prefix+blobKey(jobID, page), string(b), r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Load retrieves a blob.
func (r *RedisBlobs) Load(ctx context.Context, jobID string, page int) (Blob, error) {
	val, err := r.client.Get(ctx, r.prefix+blobKey(jobID, page)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrBlobNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis get: %w", err)
	}
	return Blob(val), nil
}

// DeleteJob removes every blob of a job.
func (r *RedisBlobs) DeleteJob(ctx context.Context, jobID string) error {
	pattern := r.prefix + jobID + "/*"
	iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()

	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("redis delete job blobs: %w", err)
		}
	}

	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (r *RedisBlobs) Close() error {
	return r.client.Close()
}
