package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"meshbridge/internal/domain"

	_ "modernc.org/sqlite"
)

// DBFileName is the history database file created under the data directory.
const DBFileName = "meshbridge.db"

// SQLiteStore implements domain.HistoryStore using SQLite.
type SQLiteStore struct {
	mu     sync.Mutex
	db     *sql.DB
	logger *slog.Logger
}

// Open creates the data directory if needed and opens the history database in it.
func Open(dataDir string, logger *slog.Logger) (*SQLiteStore, error) {
	return NewSQLiteStore(filepath.Join(dataDir, DBFileName), logger)
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection: SQLite has one writer anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

func (s *SQLiteStore) Append(ctx context.Context, rec domain.MessageRecord) (int64, error) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	var channel sql.NullInt64
	if rec.Channel != nil {
		channel = sql.NullInt64{Int64: int64(*rec.Channel), Valid: true}
	}
	var latency sql.NullFloat64
	if rec.Direction == domain.DirectionOut {
		latency = sql.NullFloat64{Float64: rec.LatencyMs, Valid: true}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (timestamp, direction, sender_id, sender_short_name, sender_long_name,
		                       channel, text, latency_ms, message_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		unixSeconds(rec.Timestamp), string(rec.Direction), rec.SenderID,
		nullString(rec.SenderShortName), nullString(rec.SenderLongName),
		channel, rec.Text, latency, nullString(rec.MessageID),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: append message: %w", domain.ErrStorageFailure, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: last insert id: %w", domain.ErrStorageFailure, err)
	}
	return id, nil
}

func (s *SQLiteStore) Recent(ctx context.Context, senderID string, limit int) ([]domain.MessageRecord, error) {
	if limit <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Newest first by insertion order, reversed below.
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, direction, sender_id, sender_short_name, sender_long_name,
		        channel, text, latency_ms, message_id
		 FROM messages WHERE sender_id = ?
		 ORDER BY id DESC LIMIT ?`, senderID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: query history: %w", domain.ErrStorageFailure, err)
	}
	defer rows.Close()

	var recs []domain.MessageRecord
	for rows.Next() {
		var (
			r                   domain.MessageRecord
			ts                  float64
			direction           string
			shortName, longName sql.NullString
			channel             sql.NullInt64
			latency             sql.NullFloat64
			messageID           sql.NullString
		)
		if err := rows.Scan(&r.ID, &ts, &direction, &r.SenderID, &shortName, &longName,
			&channel, &r.Text, &latency, &messageID); err != nil {
			return nil, fmt.Errorf("%w: scan history: %w", domain.ErrStorageFailure, err)
		}
		r.Timestamp = fromUnixSeconds(ts)
		r.Direction = domain.Direction(direction)
		r.SenderShortName = shortName.String
		r.SenderLongName = longName.String
		if channel.Valid {
			r.Channel = domain.IntPtr(int(channel.Int64))
		}
		r.LatencyMs = latency.Float64
		r.MessageID = messageID.String
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: read history: %w", domain.ErrStorageFailure, err)
	}

	// Reverse to chronological order
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	return recs, nil
}

// Count returns the number of stored records, used by the status endpoint.
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count messages: %w", domain.ErrStorageFailure, err)
	}
	return n, nil
}

// SchemaVersion reports the highest applied migration.
func (s *SQLiteStore) SchemaVersion() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return GetSchemaVersion(s.db)
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func fromUnixSeconds(ts float64) time.Time {
	return time.Unix(0, int64(ts*float64(time.Second)))
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
