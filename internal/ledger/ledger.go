// Package ledger records which email attachments have already been handled
// so discovery can skip them. It is advisory: losing it costs re-downloads,
// never wrong telemetry, because ingestion replaces by filename.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/smukkama/pellet-ingest/internal/models"
)

// DefaultRetention is how long entries are kept before the purge sweep.
const DefaultRetention = 90 * 24 * time.Hour

// ErrDuplicateItem is returned by Record in ModeCreate when the
// (message, filename) pair is already present. Stores report duplicates
// with an error that wraps it.
var ErrDuplicateItem = errors.New("ledger: item already recorded")

// Mode selects how Record treats an existing (message, filename) pair.
type Mode int

const (
	// ModeCreate rejects existing pairs with ErrDuplicateItem.
	ModeCreate Mode = iota
	// ModeOverwrite upserts the pair.
	ModeOverwrite
)

func (m Mode) String() string {
	switch m {
	case ModeCreate:
		return "create"
	case ModeOverwrite:
		return "overwrite"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ModeFor maps a force flag to a Mode.
func ModeFor(overwrite bool) Mode {
	if overwrite {
		return ModeOverwrite
	}
	return ModeCreate
}

// Store is the persistence the ledger needs. internal/database implements it
// on PostgreSQL and internal/database/dbtest in memory.
type Store interface {
	FindProcessedItem(ctx context.Context, messageID, filename string) (*models.ProcessedItem, error)
	InsertProcessedItem(ctx context.Context, item *models.ProcessedItem) error
	UpsertProcessedItem(ctx context.Context, item *models.ProcessedItem) error
	DeleteProcessedItemsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	LatestProcessedItem(ctx context.Context) (*models.ProcessedItem, error)
	// CountProcessedItems counts entries processed at or after since. A zero
	// since counts everything.
	CountProcessedItems(ctx context.Context, since time.Time) (int64, error)
}

// Stats are the ledger counters shown on the status surface.
type Stats struct {
	Total      int64                 `json:"total"`
	Last7Days  int64                 `json:"last_7_days"`
	Last30Days int64                 `json:"last_30_days"`
	MostRecent *models.ProcessedItem `json:"most_recent,omitempty"`
}

type Ledger struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

func New(store Store, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		store:  store,
		logger: logger.Named("ledger"),
		now:    time.Now,
	}
}

// Has reports whether the pair was recorded before.
func (l *Ledger) Has(ctx context.Context, messageID, filename string) (bool, error) {
	item, err := l.store.FindProcessedItem(ctx, messageID, filename)
	if err != nil {
		return false, fmt.Errorf("ledger: lookup %s/%s: %w", messageID, filename, err)
	}
	return item != nil, nil
}

// Record persists item. ProcessedAt defaults to now.
func (l *Ledger) Record(ctx context.Context, item *models.ProcessedItem, mode Mode) error {
	if item.MessageID == "" || item.Filename == "" {
		return fmt.Errorf("ledger: message id and filename are required")
	}
	if item.ProcessedAt.IsZero() {
		item.ProcessedAt = l.now().UTC()
	}
	if item.Status == "" {
		item.Status = models.ItemStatusProcessed
	}

	var err error
	switch mode {
	case ModeOverwrite:
		err = l.store.UpsertProcessedItem(ctx, item)
	default:
		err = l.store.InsertProcessedItem(ctx, item)
	}
	if errors.Is(err, ErrDuplicateItem) {
		return ErrDuplicateItem
	}
	if err != nil {
		return fmt.Errorf("ledger: record %s/%s: %w", item.MessageID, item.Filename, err)
	}
	return nil
}

// PurgeOlderThan deletes entries processed more than age ago and returns how
// many were removed.
func (l *Ledger) PurgeOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := l.now().Add(-age)
	n, err := l.store.DeleteProcessedItemsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("ledger: purge before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	if n > 0 {
		l.logger.Info("purged ledger entries", zap.Int64("count", n), zap.Time("cutoff", cutoff))
	}
	return n, nil
}

// LastProcessedAt returns the processed-at time of the newest entry. ok is
// false on an empty ledger.
func (l *Ledger) LastProcessedAt(ctx context.Context) (at time.Time, ok bool, err error) {
	item, err := l.store.LatestProcessedItem(ctx)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("ledger: latest item: %w", err)
	}
	if item == nil {
		return time.Time{}, false, nil
	}
	return item.ProcessedAt, true, nil
}

func (l *Ledger) Stats(ctx context.Context) (Stats, error) {
	now := l.now()
	var (
		s   Stats
		err error
	)
	if s.Total, err = l.store.CountProcessedItems(ctx, time.Time{}); err != nil {
		return Stats{}, fmt.Errorf("ledger: count: %w", err)
	}
	if s.Last7Days, err = l.store.CountProcessedItems(ctx, now.AddDate(0, 0, -7)); err != nil {
		return Stats{}, fmt.Errorf("ledger: count 7d: %w", err)
	}
	if s.Last30Days, err = l.store.CountProcessedItems(ctx, now.AddDate(0, 0, -30)); err != nil {
		return Stats{}, fmt.Errorf("ledger: count 30d: %w", err)
	}
	if s.MostRecent, err = l.store.LatestProcessedItem(ctx); err != nil {
		return Stats{}, fmt.Errorf("ledger: latest item: %w", err)
	}
	return s, nil
}
