package tryon

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skip("Redis not available:", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestUploadStore(t *testing.T) {
	client := newRedisClient(t)
	ctx := t.Context()
	s := NewUploadStore(client, 2*time.Second)

	photo := []byte{0x89, 'P', 'N', 'G', 0x00, 0xff}
	id, err := s.Save(ctx, photo)
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	defer client.Del(context.Background(), DefaultUploadPrefix+id)

	got, err := s.Load(ctx, id)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !bytes.Equal(got, photo) {
		t.Errorf("Load() = %v, want %v", got, photo)
	}

	ttl := client.TTL(ctx, DefaultUploadPrefix+id).Val()
	if ttl <= 0 || ttl > 2*time.Second {
		t.Errorf("TTL = %s, want (0, 2s]", ttl)
	}
}

func TestUploadStore_Expired(t *testing.T) {
	client := newRedisClient(t)
	s := NewUploadStore(client, 100*time.Millisecond)

	id, err := s.Save(t.Context(), []byte("photo"))
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	time.Sleep(250 * time.Millisecond)

	if _, err := s.Load(t.Context(), id); !errors.Is(err, ErrUploadNotFound) {
		t.Errorf("Load() after expiry error = %v, want ErrUploadNotFound", err)
	}
	if _, err := s.Load(t.Context(), "never-saved"); !errors.Is(err, ErrUploadNotFound) {
		t.Errorf("Load() unknown error = %v, want ErrUploadNotFound", err)
	}
}
