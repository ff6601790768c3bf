package payments

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/redis/go-redis/v9"
)

func newCachedStore(t *testing.T) (*CachedProcessedStore, pgxmock.PgxPoolIface, *miniredis.Miniredis) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	t.Cleanup(mock.Close)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewCachedProcessedStore(NewProcessedStore(mock), client, nil), mock, mr
}

func TestCachedProcessedStoreServesRepeatsFromCache(t *testing.T) {
	store, mock, _ := newCachedStore(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT 1 FROM processed_webhook_events").
		WithArgs("stripe", "evt_1").
		WillReturnError(pgx.ErrNoRows)
	if seen, err := store.AlreadyProcessed(ctx, "stripe", "evt_1"); err != nil || seen {
		t.Fatalf("expected unseen, got seen=%v err=%v", seen, err)
	}

	mock.ExpectExec("INSERT INTO processed_webhook_events").
		WithArgs("stripe", "evt_1").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	if first, err := store.MarkProcessed(ctx, "stripe", "evt_1"); err != nil || !first {
		t.Fatalf("expected first mark, got first=%v err=%v", first, err)
	}

	// No further DB expectations: the repeat must be answered by the cache.
	if seen, err := store.AlreadyProcessed(ctx, "stripe", "evt_1"); err != nil || !seen {
		t.Fatalf("expected cache hit, got seen=%v err=%v", seen, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCachedProcessedStoreBackfillsCacheFromDB(t *testing.T) {
	store, mock, mr := newCachedStore(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT 1 FROM processed_webhook_events").
		WithArgs("square", "evt_2").
		WillReturnRows(pgxmock.NewRows([]string{"?column?"}).AddRow(1))
	if seen, err := store.AlreadyProcessed(ctx, "square", "evt_2"); err != nil || !seen {
		t.Fatalf("expected seen from db, got seen=%v err=%v", seen, err)
	}
	if !mr.Exists(processedKey("square", "evt_2")) {
		t.Fatal("expected cache backfill after db hit")
	}
}

func TestCachedProcessedStoreFallsThroughOnCacheOutage(t *testing.T) {
	store, mock, mr := newCachedStore(t)
	ctx := context.Background()
	mr.Close()

	mock.ExpectQuery("SELECT 1 FROM processed_webhook_events").
		WithArgs("ach", "evt_3").
		WillReturnRows(pgxmock.NewRows([]string{"?column?"}).AddRow(1))
	if seen, err := store.AlreadyProcessed(ctx, "ach", "evt_3"); err != nil || !seen {
		t.Fatalf("expected db answer despite cache outage, got seen=%v err=%v", seen, err)
	}
}
