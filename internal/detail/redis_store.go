// Package detail provides the document store for version payloads. Payloads
// are written once per version number; only the current version's payload may
// be overwritten (autosave).
package detail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Activity is one node of the process graph. Properties is an opaque bag; the
// engine that executes activities interprets it, not this service.
type Activity struct {
	ActivityID string         `json:"activityId"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
	Arguments  map[string]any `json:"arguments,omitempty"`
}

// VersionDetail is the large per-version payload. VersionID back-references
// the metadata record; legacy records predating versioning have none.
type VersionDetail struct {
	VersionID  string         `json:"versionId,omitempty"`
	ProcessID  string         `json:"processId"`
	XML        string         `json:"xml"`
	Variables  map[string]any `json:"variables"`
	Activities []Activity     `json:"activities"`
}

// Key addresses a payload by (owner, process, version number). The triple is
// globally unique and immutable once written.
type Key struct {
	OwnerID   string
	ProcessID string
	Number    int
}

func (k Key) String() string {
	return fmt.Sprintf("%s.%s.%d", k.OwnerID, k.ProcessID, k.Number)
}

var ErrDetailNotFound = errors.New("detail not found")

// RedisStore implements payload storage using Redis
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a new Redis-backed detail store
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client, prefix: "detail:"}, nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "detail:"}
}

func (s *RedisStore) key(id string) string {
	return s.prefix + id
}

// Put upserts the payload at the given key.
func (s *RedisStore) Put(ctx context.Context, key Key, item VersionDetail) error {
	jsonData, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal detail: %w", err)
	}
	if err := s.client.Set(ctx, s.key(key.String()), jsonData, 0).Err(); err != nil {
		return fmt.Errorf("save detail: %w", err)
	}
	return nil
}

// Get returns the payload at the given key, or ErrDetailNotFound.
func (s *RedisStore) Get(ctx context.Context, key Key) (VersionDetail, error) {
	return s.get(ctx, key.String())
}

// Delete removes the payload at the given key. Missing keys are not an error.
func (s *RedisStore) Delete(ctx context.Context, key Key) error {
	if err := s.client.Del(ctx, s.key(key.String())).Err(); err != nil {
		return fmt.Errorf("delete detail: %w", err)
	}
	return nil
}

// GetLegacy looks up a pre-versioning record stored at "owner.process" with
// no version number. Returns ErrDetailNotFound when the process has no legacy
// record.
func (s *RedisStore) GetLegacy(ctx context.Context, ownerID, processID string) (VersionDetail, error) {
	return s.get(ctx, ownerID+"."+processID)
}

// DeleteLegacy removes a pre-versioning record after migration.
func (s *RedisStore) DeleteLegacy(ctx context.Context, ownerID, processID string) error {
	if err := s.client.Del(ctx, s.key(ownerID+"."+processID)).Err(); err != nil {
		return fmt.Errorf("delete legacy detail: %w", err)
	}
	return nil
}

func (s *RedisStore) get(ctx context.Context, id string) (VersionDetail, error) {
	jsonData, err := s.client.Get(ctx, s.key(id)).Result()
	if err == redis.Nil {
		return VersionDetail{}, ErrDetailNotFound
	}
	if err != nil {
		return VersionDetail{}, fmt.Errorf("lookup detail: %w", err)
	}

	var item VersionDetail
	if err := json.Unmarshal([]byte(jsonData), &item); err != nil {
		return VersionDetail{}, fmt.Errorf("unmarshal detail: %w", err)
	}
	return item, nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
