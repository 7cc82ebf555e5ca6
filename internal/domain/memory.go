package domain

import "context"

// HistoryStore is the append-only per-sender message log.
type HistoryStore interface {
	// Append inserts one record and returns its id.
	Append(ctx context.Context, rec MessageRecord) (int64, error)
	// Recent returns up to limit most recent records for sender, oldest first.
	Recent(ctx context.Context, senderID string, limit int) ([]MessageRecord, error)
	Close() error
}
