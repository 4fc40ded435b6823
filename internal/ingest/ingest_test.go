package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smukkama/pellet-ingest/internal/database/dbtest"
	"github.com/smukkama/pellet-ingest/internal/metrics"
	"github.com/smukkama/pellet-ingest/internal/models"
)

func sample(n int) []models.TelemetryRecord {
	records := make([]models.TelemetryRecord, n)
	for i := range records {
		records[i] = models.TelemetryRecord{
			Date:    time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC),
			Time:    time.Date(0, 1, 1, 0, i, 0, 0, time.UTC).Format("15:04:05"),
			Runtime: 1000 + float64(i),
		}
	}
	return records
}

func fixedClock(i *Ingestor) {
	i.now = func() time.Time { return time.Date(2025, 11, 2, 6, 0, 0, 0, time.UTC) }
}

func TestIngest_IsIdempotent(t *testing.T) {
	for name, store := range map[string]func(*dbtest.Memory) Store{
		"atomic":   func(m *dbtest.Memory) Store { return m },
		"two step": func(m *dbtest.Memory) Store { return dbtest.TwoStep{M: m} },
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			mem := dbtest.NewMemory()
			ing := New(store(mem), nil, nil)
			fixedClock(ing)

			_, err := ing.Ingest(ctx, "touch_20251101.csv", sample(10))
			require.NoError(t, err)
			first, err := mem.FindByFilename(ctx, "touch_20251101.csv")
			require.NoError(t, err)

			_, err = ing.Ingest(ctx, "touch_20251101.csv", sample(10))
			require.NoError(t, err)
			second, err := mem.FindByFilename(ctx, "touch_20251101.csv")
			require.NoError(t, err)

			require.Len(t, second, 10)
			assert.Equal(t, 10, mem.RecordCount())
			for i := range first {
				first[i].ID, second[i].ID = 0, 0
			}
			assert.Equal(t, first, second)
		})
	}
}

func TestIngest_StampsRecordsAndMarksFile(t *testing.T) {
	ctx := context.Background()
	mem := dbtest.NewMemory()
	ing := New(mem, nil, nil)
	fixedClock(ing)

	in := sample(3)
	in[0].Filename = "something-else.csv"
	res, err := ing.Ingest(ctx, "touch_20251101.csv", in)
	require.NoError(t, err)
	assert.True(t, res.Atomic)
	assert.Equal(t, 3, res.Records)

	stored, _ := mem.FindByFilename(ctx, "touch_20251101.csv")
	require.Len(t, stored, 3)
	for _, r := range stored {
		assert.Equal(t, "touch_20251101.csv", r.Filename)
		assert.Equal(t, time.Date(2025, 11, 2, 6, 0, 0, 0, time.UTC), r.ImportedAt)
	}
	assert.Equal(t, "something-else.csv", in[0].Filename, "input slice must not be mutated")

	last, err := mem.LastImport(ctx, "touch_20251101.csv")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, 3, last.RecordCount)
}

func TestIngest_EmptyRecordsClearsFile(t *testing.T) {
	ctx := context.Background()
	mem := dbtest.NewMemory()
	ing := New(dbtest.TwoStep{M: mem}, nil, nil)

	_, err := ing.Ingest(ctx, "touch_20251101.csv", sample(4))
	require.NoError(t, err)
	_, err = ing.Ingest(ctx, "touch_20251102.csv", sample(2))
	require.NoError(t, err)

	res, err := ing.Ingest(ctx, "touch_20251101.csv", nil)
	require.NoError(t, err)
	assert.Zero(t, res.Records)
	assert.False(t, res.Atomic)

	names, _ := mem.DistinctFilenames(ctx)
	assert.Equal(t, []string{"touch_20251102.csv"}, names)

	last, _ := mem.LastImport(ctx, "touch_20251101.csv")
	require.NotNil(t, last)
	assert.Zero(t, last.RecordCount)
}

func TestIngest_TwoStepFailureOpensWindow(t *testing.T) {
	ctx := context.Background()
	mem := dbtest.NewMemory()
	m := metrics.New(prometheus.NewRegistry())
	ing := New(dbtest.TwoStep{M: mem}, m, nil)

	_, err := ing.Ingest(ctx, "touch_20251101.csv", sample(5))
	require.NoError(t, err)

	boom := errors.New("disk full")
	mem.InsertErr = func(string) error { return boom }
	_, err = ing.Ingest(ctx, "touch_20251101.csv", sample(5))
	require.ErrorIs(t, err, boom)

	// The documented crash window: old rows are gone, new ones never landed.
	assert.Zero(t, mem.RecordCount())

	mem.InsertErr = nil
	_, err = ing.Ingest(ctx, "touch_20251101.csv", sample(5))
	require.NoError(t, err)
	assert.Equal(t, 5, mem.RecordCount())
}

func TestIngest_AtomicFailureKeepsPreviousRecords(t *testing.T) {
	ctx := context.Background()
	mem := dbtest.NewMemory()
	ing := New(mem, nil, nil)

	_, err := ing.Ingest(ctx, "touch_20251101.csv", sample(5))
	require.NoError(t, err)

	mem.InsertErr = func(string) error { return errors.New("conn reset") }
	_, err = ing.Ingest(ctx, "touch_20251101.csv", sample(7))
	require.Error(t, err)
	assert.Equal(t, 5, mem.RecordCount())
}

func TestIngest_FilesAreIndependent(t *testing.T) {
	ctx := context.Background()
	mem := dbtest.NewMemory()
	ing := New(mem, nil, nil)

	mem.InsertErr = func(name string) error {
		if name == "b.csv" {
			return errors.New("fail")
		}
		return nil
	}
	_, errA := ing.Ingest(ctx, "a.csv", sample(2))
	_, errB := ing.Ingest(ctx, "b.csv", sample(2))
	_, errC := ing.Ingest(ctx, "c.csv", sample(2))

	assert.NoError(t, errA)
	assert.Error(t, errB)
	assert.NoError(t, errC)
	names, _ := mem.DistinctFilenames(ctx)
	assert.Equal(t, []string{"a.csv", "c.csv"}, names)
}
