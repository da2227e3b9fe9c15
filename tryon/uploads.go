package tryon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultUploadPrefix namespaces uploaded images in Redis.
const DefaultUploadPrefix = "image:"

// ErrUploadNotFound is returned when an upload expired or never existed.
var ErrUploadNotFound = errors.New("tryon: upload not found")

// UploadStore keeps shopper photos in Redis for a short time so a kiosk can
// upload once and try on several garments.
type UploadStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewUploadStore creates a store on an existing client. The client is not
// closed by the store.
func NewUploadStore(client *redis.Client, ttl time.Duration) *UploadStore {
	return &UploadStore{client: client, prefix: DefaultUploadPrefix, ttl: ttl}
}

// TTL is how long an upload is kept.
func (s *UploadStore) TTL() time.Duration {
	return s.ttl
}

// Save stores data under a new random id.
func (s *UploadStore) Save(ctx context.Context, data []byte) (string, error) {
	id := uuid.NewString()
	if err := s.client.Set(ctx, s.prefix+id, data, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("redis set: %w", err)
	}
	return id, nil
}

// Load returns the image stored under id.
func (s *UploadStore) Load(ctx context.Context, id string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.prefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrUploadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return data, nil
}
