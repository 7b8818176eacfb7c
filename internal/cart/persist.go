package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
)

// document is the persisted cart: {"cart":[{"productId","quantity"}]}.
// Price and stock are deliberately absent.
type document struct {
	Cart []Line `json:"cart"`
}

func encode(lines []Line) ([]byte, error) {
	if lines == nil {
		lines = []Line{}
	}
	return json.Marshal(document{Cart: lines})
}

func decode(raw []byte) ([]Line, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode cart: %w", err)
	}
	return doc.Cart, nil
}

// FilePersister keeps the skeleton in a local JSON file, the client-side
// equivalent of browser local storage.
type FilePersister struct {
	Path string
}

func NewFilePersister(path string) *FilePersister {
	return &FilePersister{Path: path}
}

func (f *FilePersister) Load(ctx context.Context) ([]Line, error) {
	raw, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cart file: %w", err)
	}
	return decode(raw)
}

// Save writes through a temp file and rename so a crash never leaves a
// half-written cart behind.
func (f *FilePersister) Save(ctx context.Context, lines []Line) error {
	raw, err := encode(lines)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return fmt.Errorf("create cart dir: %w", err)
	}
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write cart file: %w", err)
	}
	if err := os.Rename(tmp, f.Path); err != nil {
		return fmt.Errorf("replace cart file: %w", err)
	}
	return nil
}

func (f *FilePersister) Clear(ctx context.Context) error {
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove cart file: %w", err)
	}
	return nil
}

// RedisPersister keeps a buyer's skeleton under cart:<buyerID>.
type RedisPersister struct {
	rdb redis.Cmdable
	key string
	ttl time.Duration
}

func NewRedisPersister(rdb redis.Cmdable, buyerID string, ttl time.Duration) *RedisPersister {
	return &RedisPersister{rdb: rdb, key: RedisKey(buyerID), ttl: ttl}
}

// RedisKey is the key holding buyerID's cart.
func RedisKey(buyerID string) string { return "cart:" + buyerID }

func (r *RedisPersister) Load(ctx context.Context) ([]Line, error) {
	raw, err := r.rdb.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", r.key, err)
	}
	return decode(raw)
}

func (r *RedisPersister) Save(ctx context.Context, lines []Line) error {
	raw, err := encode(lines)
	if err != nil {
		return err
	}
	if err := r.rdb.Set(ctx, r.key, raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", r.key, err)
	}
	return nil
}

func (r *RedisPersister) Clear(ctx context.Context) error {
	if err := r.rdb.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", r.key, err)
	}
	return nil
}
