package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/smukkama/pellet-ingest/internal/ledger"
	"github.com/smukkama/pellet-ingest/internal/models"
)

const processedItemColumns = `id, message_id, filename, fingerprint, sender, subject,
	email_date, status, error_detail, processed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProcessedItem(row rowScanner) (*models.ProcessedItem, error) {
	var (
		item      models.ProcessedItem
		emailDate sql.NullTime
		status    string
	)
	if err := row.Scan(
		&item.ID,
		&item.MessageID,
		&item.Filename,
		&item.Fingerprint,
		&item.Sender,
		&item.Subject,
		&emailDate,
		&status,
		&item.ErrorDetail,
		&item.ProcessedAt,
	); err != nil {
		return nil, err
	}
	if emailDate.Valid {
		item.EmailDate = emailDate.Time
	}
	item.Status = models.ItemStatus(status)
	return &item, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// FindProcessedItem returns the ledger entry for the pair, or nil.
func (db *DB) FindProcessedItem(ctx context.Context, messageID, filename string) (*models.ProcessedItem, error) {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	row := db.QueryRowContext(ctx,
		`SELECT `+processedItemColumns+` FROM processed_items WHERE message_id = $1 AND filename = $2`,
		messageID, filename,
	)
	item, err := scanProcessedItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return item, err
}

// InsertProcessedItem inserts a new entry. An existing pair yields an error
// wrapping ledger.ErrDuplicateItem.
func (db *DB) InsertProcessedItem(ctx context.Context, item *models.ProcessedItem) error {
	query := `
		INSERT INTO processed_items (
			message_id, filename, fingerprint, sender, subject,
			email_date, status, error_detail, processed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`
	err := db.QueryRowContext(ctx, query,
		item.MessageID,
		item.Filename,
		item.Fingerprint,
		item.Sender,
		item.Subject,
		nullTime(item.EmailDate),
		string(item.Status),
		item.ErrorDetail,
		item.ProcessedAt,
	).Scan(&item.ID)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s/%s", ledger.ErrDuplicateItem, item.MessageID, item.Filename)
	}
	return err
}

// UpsertProcessedItem inserts or replaces the entry for the pair.
func (db *DB) UpsertProcessedItem(ctx context.Context, item *models.ProcessedItem) error {
	query := `
		INSERT INTO processed_items (
			message_id, filename, fingerprint, sender, subject,
			email_date, status, error_detail, processed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (message_id, filename) DO UPDATE
		SET fingerprint = EXCLUDED.fingerprint,
		    sender = EXCLUDED.sender,
		    subject = EXCLUDED.subject,
		    email_date = EXCLUDED.email_date,
		    status = EXCLUDED.status,
		    error_detail = EXCLUDED.error_detail,
		    processed_at = EXCLUDED.processed_at
		RETURNING id
	`
	return db.QueryRowContext(ctx, query,
		item.MessageID,
		item.Filename,
		item.Fingerprint,
		item.Sender,
		item.Subject,
		nullTime(item.EmailDate),
		string(item.Status),
		item.ErrorDetail,
		item.ProcessedAt,
	).Scan(&item.ID)
}

// DeleteProcessedItemsBefore removes entries processed before cutoff.
func (db *DB) DeleteProcessedItemsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM processed_items WHERE processed_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// LatestProcessedItem returns the most recently processed entry, or nil.
func (db *DB) LatestProcessedItem(ctx context.Context) (*models.ProcessedItem, error) {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	row := db.QueryRowContext(ctx,
		`SELECT `+processedItemColumns+` FROM processed_items ORDER BY processed_at DESC, id DESC LIMIT 1`,
	)
	item, err := scanProcessedItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return item, err
}

// CountProcessedItems counts entries processed at or after since; a zero
// since counts all of them.
func (db *DB) CountProcessedItems(ctx context.Context, since time.Time) (int64, error) {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	var n int64
	var err error
	if since.IsZero() {
		err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM processed_items`).Scan(&n)
	} else {
		err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM processed_items WHERE processed_at >= $1`, since).Scan(&n)
	}
	return n, err
}
