package database

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smukkama/pellet-ingest/internal/ledger"
	"github.com/smukkama/pellet-ingest/internal/models"
)

// connectTestDB connects to INGEST_TEST_POSTGRES_DSN and resets the schema.
// Tests using it are skipped when the variable is unset.
func connectTestDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("INGEST_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("INGEST_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	db, err := Connect(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.ExecContext(ctx, `DROP TABLE IF EXISTS telemetry_records, imported_files, processed_items`)
	require.NoError(t, err)
	require.NoError(t, db.RunMigrations(ctx, zap.NewNop()))
	return db
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pq.Error{Code: "23505"}))
	assert.False(t, isUniqueViolation(&pq.Error{Code: "40001"}))
	assert.False(t, isUniqueViolation(nil))
}

func TestMigrationsEmbedded(t *testing.T) {
	b, err := migrationsFS.ReadFile("migrations/002_processed_items.sql")
	require.NoError(t, err)
	assert.Contains(t, string(b), "UNIQUE (message_id, filename)")
}

func TestTelemetry_ReplaceByFilename(t *testing.T) {
	db := connectTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	recs := []models.TelemetryRecord{
		{Date: time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC), Time: "00:00:00", Runtime: 1, OutsideTemp: -2.5, Filename: "touch_20251101.csv", ImportedAt: now},
		{Date: time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC), Time: "00:01:00", Runtime: 2, StatusCode: 99, Filename: "touch_20251101.csv", ImportedAt: now},
	}
	file := models.ImportedFile{Filename: "touch_20251101.csv", RecordCount: len(recs), ImportedAt: now}

	for range 2 {
		require.NoError(t, db.ReplaceByFilename(ctx, file, recs))
	}

	got, err := db.FindByFilename(ctx, "touch_20251101.csv")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, -2.5, got[0].OutsideTemp)
	assert.Equal(t, 99, got[1].StatusCode)
	assert.Equal(t, recs[0].Date, got[0].Date)

	names, err := db.DistinctFilenames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"touch_20251101.csv"}, names)

	last, err := db.LastImport(ctx, "touch_20251101.csv")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, 2, last.RecordCount)

	n, err := db.DeleteByFilename(ctx, "touch_20251101.csv")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestLedger_Postgres(t *testing.T) {
	db := connectTestDB(t)
	ctx := context.Background()
	l := ledger.New(db, zap.NewNop())

	item := &models.ProcessedItem{MessageID: "m1", Filename: "f.csv", Fingerprint: "aa", EmailDate: time.Now()}
	require.NoError(t, l.Record(ctx, item, ledger.ModeCreate))
	assert.NotZero(t, item.ID)

	err := l.Record(ctx, &models.ProcessedItem{MessageID: "m1", Filename: "f.csv"}, ledger.ModeCreate)
	assert.ErrorIs(t, err, ledger.ErrDuplicateItem)

	require.NoError(t, l.Record(ctx, &models.ProcessedItem{MessageID: "m1", Filename: "f.csv", Fingerprint: "bb"}, ledger.ModeOverwrite))
	found, err := db.FindProcessedItem(ctx, "m1", "f.csv")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "bb", found.Fingerprint)
	assert.True(t, found.EmailDate.IsZero())

	stats, err := l.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Total)

	n, err := l.PurgeOlderThan(ctx, -time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
