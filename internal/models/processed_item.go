package models

import "time"

// ItemStatus is the outcome recorded for one (message, attachment) pair.
type ItemStatus string

const (
	ItemStatusProcessed ItemStatus = "processed"
	ItemStatusImported  ItemStatus = "imported"
	ItemStatusSkipped   ItemStatus = "skipped"
	ItemStatusError     ItemStatus = "error"
	ItemStatusDuplicate ItemStatus = "duplicate"
)

// ProcessedItem is a ledger entry for one handled email attachment.
type ProcessedItem struct {
	ID          int64      `db:"id" json:"id"`
	MessageID   string     `db:"message_id" json:"message_id"`
	Filename    string     `db:"filename" json:"filename"`
	Fingerprint string     `db:"fingerprint" json:"fingerprint"`
	Sender      string     `db:"sender" json:"sender"`
	Subject     string     `db:"subject" json:"subject"`
	EmailDate   time.Time  `db:"email_date" json:"email_date"`
	Status      ItemStatus `db:"status" json:"status"`
	ErrorDetail string     `db:"error_detail" json:"error_detail,omitempty"`
	ProcessedAt time.Time  `db:"processed_at" json:"processed_at"`
}
