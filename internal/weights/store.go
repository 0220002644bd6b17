package weights

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Checkpoint is the persisted EMA state for one provider. Weights themselves
// are not persisted; they restart from base_weight.
type Checkpoint struct {
	Provider        string    `json:"provider"`
	EMAResponseTime float64   `json:"ema_response_time"`
	EMASuccessRate  float64   `json:"ema_success_rate"`
	EMACost         float64   `json:"ema_cost"`
	EMAAvailability float64   `json:"ema_availability"`
	Seeded          bool      `json:"seeded"`
	SavedAt         time.Time `json:"saved_at"`
}

// Store persists weight checkpoints across restarts.
type Store interface {
	Load(provider string) (Checkpoint, bool)
	Save(cp Checkpoint) error
	Close() error
}

// FileStore keeps one JSON object per provider in a single file, rewritten
// atomically on every save.
type FileStore struct {
	mu   sync.Mutex
	path string
	data map[string]Checkpoint
}

// NewFileStore opens (or creates) the checkpoint file at path.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path, data: make(map[string]Checkpoint)}

	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("weights: read checkpoint file: %w", err)
	}
	if len(raw) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		return nil, fmt.Errorf("weights: parse checkpoint file: %w", err)
	}
	return s, nil
}

func (s *FileStore) Load(provider string) (Checkpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.data[provider]
	return cp, ok
}

// Save records the checkpoint and rewrites the file via a temp file plus
// rename so a crash mid-write never corrupts the previous checkpoint.
func (s *FileStore) Save(cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[cp.Provider] = cp

	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("weights: encode checkpoints: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("weights: create checkpoint dir: %w", err)
	}
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("weights: write checkpoint file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("weights: replace checkpoint file: %w", err)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }

const (
	redisKeyPrefix      = "gateway:weights:"
	redisQueryTimeout   = 500 * time.Millisecond
	redisCheckpointTTL  = 7 * 24 * time.Hour
	redisConnectTimeout = 5 * time.Second
)

// RedisStore keeps one JSON object per provider under gateway:weights:<name>.
//
// Loads degrade gracefully: any Redis error reads as "no checkpoint" so a
// missing or unreachable Redis never blocks startup. Saves return the error
// so the caller can log it.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStoreFromClient wraps an existing Redis client. The caller owns
// the client lifecycle.
func NewRedisStoreFromClient(cli *redis.Client) *RedisStore {
	return &RedisStore{client: cli}
}

// NewRedisStoreFromURL parses redisURL, creates a client and verifies the
// connection with a PING.
func NewRedisStoreFromURL(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("weights: parse redis url: %w", err)
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, redisConnectTimeout)
	defer cancel()

	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("weights: redis ping: %w", err)
	}
	return &RedisStore{client: cli}, nil
}

func (s *RedisStore) Load(provider string) (Checkpoint, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), redisQueryTimeout)
	defer cancel()

	raw, err := s.client.Get(ctx, redisKeyPrefix+provider).Bytes()
	if err != nil {
		return Checkpoint{}, false
	}

	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return Checkpoint{}, false
	}
	return cp, true
}

func (s *RedisStore) Save(cp Checkpoint) error {
	raw, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("weights: encode checkpoint: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisQueryTimeout)
	defer cancel()

	if err := s.client.Set(ctx, redisKeyPrefix+cp.Provider, raw, redisCheckpointTTL).Err(); err != nil {
		return fmt.Errorf("weights: redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
