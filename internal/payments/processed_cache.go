package payments

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voxwire/voxwire/pkg/logging"
)

const processedCacheTTL = 48 * time.Hour

// processedTracker is the dedupe surface webhook handlers use.
type processedTracker interface {
	AlreadyProcessed(ctx context.Context, provider, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, provider, eventID string) (bool, error)
}

// CachedProcessedStore puts a redis lookaside in front of the DB table so
// redelivered webhooks usually never touch Postgres. The DB remains the
// source of truth; cache errors fall through.
type CachedProcessedStore struct {
	store  *ProcessedStore
	client *redis.Client
	logger *logging.Logger
}

func NewCachedProcessedStore(store *ProcessedStore, client *redis.Client, logger *logging.Logger) *CachedProcessedStore {
	if logger == nil {
		logger = logging.Default()
	}
	return &CachedProcessedStore{store: store, client: client, logger: logger}
}

func processedKey(provider, eventID string) string {
	return "webhook:processed:" + provider + ":" + eventID
}

func (c *CachedProcessedStore) AlreadyProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	if c.client != nil {
		n, err := c.client.Exists(ctx, processedKey(provider, eventID)).Result()
		if err == nil && n > 0 {
			return true, nil
		}
		if err != nil {
			c.logger.Warn("processed cache read failed", "error", err)
		}
	}
	seen, err := c.store.AlreadyProcessed(ctx, provider, eventID)
	if err != nil {
		return false, err
	}
	if seen && c.client != nil {
		if err := c.client.Set(ctx, processedKey(provider, eventID), 1, processedCacheTTL).Err(); err != nil {
			c.logger.Warn("processed cache backfill failed", "error", err)
		}
	}
	return seen, nil
}

func (c *CachedProcessedStore) MarkProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	first, err := c.store.MarkProcessed(ctx, provider, eventID)
	if err != nil {
		return false, err
	}
	if c.client != nil {
		if err := c.client.Set(ctx, processedKey(provider, eventID), 1, processedCacheTTL).Err(); err != nil {
			c.logger.Warn("processed cache write failed", "error", err)
		}
	}
	return first, nil
}

var _ processedTracker = (*CachedProcessedStore)(nil)
var _ processedTracker = (*ProcessedStore)(nil)
