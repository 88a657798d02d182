// Package proposal caches unpersisted detection proposals so approval can
// reference a small cache key instead of re-uploading the images.
//
// The cache is optional: when it is not configured, proposals travel back
// to the client inline and return verbatim on approval. A discarded
// proposal simply ages out with the TTL; no storage-side state exists.
package proposal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Proposal is an unpersisted detection outcome awaiting explicit approval.
// It never carries a server-assigned row id.
type Proposal struct {
	OriginalImage  []byte  `json:"original_image"`
	ProcessedImage []byte  `json:"processed_image"`
	CountedVials   int     `json:"counted_vials"`
	Percentage     float64 `json:"percentage"`
	LotID          string  `json:"lot_id"`
	OrderNumber    string  `json:"order_number"`
	TrayNumber     string  `json:"tray_number"`
}

// Cache stores proposals for the approval window.
type Cache interface {
	// Put stores p and returns its freshly minted id.
	Put(ctx context.Context, p Proposal) (string, error)
	// Take returns the proposal for id and removes it. The boolean is false
	// when the id is unknown or already expired.
	Take(ctx context.Context, id string) (Proposal, bool, error)
}

const keyPrefix = "proposal:"

// RedisCache implements Cache on a Redis instance with a per-entry TTL.
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

var _ Cache = (*RedisCache)(nil)

// NewRedis connects to addr and verifies the connection.
func NewRedis(ctx context.Context, addr string, ttl time.Duration) (*RedisCache, error) {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping proposal cache: %w", err)
	}
	return &RedisCache{rdb: rdb, ttl: ttl}, nil
}

func (c *RedisCache) Put(ctx context.Context, p Proposal) (string, error) {
	id := uuid.NewString()
	payload, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode proposal: %w", err)
	}
	if err := c.rdb.Set(ctx, keyPrefix+id, payload, c.ttl).Err(); err != nil {
		return "", fmt.Errorf("store proposal: %w", err)
	}
	return id, nil
}

func (c *RedisCache) Take(ctx context.Context, id string) (Proposal, bool, error) {
	payload, err := c.rdb.GetDel(ctx, keyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return Proposal{}, false, nil
	}
	if err != nil {
		return Proposal{}, false, fmt.Errorf("fetch proposal: %w", err)
	}
	var p Proposal
	if err := json.Unmarshal(payload, &p); err != nil {
		return Proposal{}, false, fmt.Errorf("decode proposal: %w", err)
	}
	return p, true, nil
}

// Close releases the underlying connection pool.
func (c *RedisCache) Close() error { return c.rdb.Close() }
