// Package ingest writes the parsed records of one source file to the
// telemetry store, replacing whatever that filename held before.
package ingest

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/smukkama/pellet-ingest/internal/metrics"
	"github.com/smukkama/pellet-ingest/internal/models"
)

// Store is the minimal telemetry store contract.
type Store interface {
	DeleteByFilename(ctx context.Context, filename string) (int64, error)
	InsertMany(ctx context.Context, records []models.TelemetryRecord) error
	MarkImported(ctx context.Context, file models.ImportedFile) error
}

// Replacer is implemented by stores that can swap a file's records
// atomically. When the store offers it, Ingest uses it.
type Replacer interface {
	ReplaceByFilename(ctx context.Context, file models.ImportedFile, records []models.TelemetryRecord) error
}

// Result describes one completed ingest.
type Result struct {
	Filename   string    `json:"filename"`
	Records    int       `json:"records"`
	Atomic     bool      `json:"atomic"`
	ImportedAt time.Time `json:"imported_at"`
}

type Ingestor struct {
	store   Store
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

func New(store Store, m *metrics.Metrics, logger *zap.Logger) *Ingestor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingestor{
		store:   store,
		metrics: m,
		logger:  logger.Named("ingest"),
		now:     time.Now,
	}
}

// Ingest replaces all telemetry for filename with records. An empty records
// slice clears the file. Filename and ImportedAt are stamped on every record.
//
// Without a Replacer the replace is two steps: a failure after the delete
// leaves the file empty until the next successful run. That window is
// counted in metrics and logged.
func (i *Ingestor) Ingest(ctx context.Context, filename string, records []models.TelemetryRecord) (Result, error) {
	importedAt := i.now().UTC()
	stamped := make([]models.TelemetryRecord, len(records))
	for n, r := range records {
		r.ID = 0
		r.Filename = filename
		r.ImportedAt = importedAt
		stamped[n] = r
	}
	file := models.ImportedFile{
		Filename:    filename,
		RecordCount: len(stamped),
		ImportedAt:  importedAt,
	}
	result := Result{Filename: filename, Records: len(stamped), ImportedAt: importedAt}

	if r, ok := i.store.(Replacer); ok {
		if err := r.ReplaceByFilename(ctx, file, stamped); err != nil {
			return Result{}, fmt.Errorf("ingest %s: replace: %w", filename, err)
		}
		result.Atomic = true
		i.done(result)
		return result, nil
	}

	deleted, err := i.store.DeleteByFilename(ctx, filename)
	if err != nil {
		return Result{}, fmt.Errorf("ingest %s: delete: %w", filename, err)
	}
	if err := i.store.InsertMany(ctx, stamped); err != nil {
		i.metrics.ReplaceWindowOpened()
		i.logger.Warn("insert failed after delete; file has no records until the next successful import",
			zap.String("filename", filename),
			zap.Int64("deleted", deleted),
			zap.Error(err),
		)
		return Result{}, fmt.Errorf("ingest %s: insert: %w", filename, err)
	}
	if err := i.store.MarkImported(ctx, file); err != nil {
		return Result{}, fmt.Errorf("ingest %s: mark imported: %w", filename, err)
	}
	i.done(result)
	return result, nil
}

func (i *Ingestor) done(r Result) {
	i.metrics.AddRecordsImported(r.Records)
	i.logger.Info("file ingested",
		zap.String("filename", r.Filename),
		zap.Int("records", r.Records),
		zap.Bool("atomic", r.Atomic),
	)
}
