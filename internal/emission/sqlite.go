package emission

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pitabwire/intake/model"
)

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS selection_emissions (
		session_id TEXT PRIMARY KEY,
		booking_id TEXT NOT NULL,
		sequence   INTEGER NOT NULL,
		valid      INTEGER NOT NULL,
		payload    TEXT NOT NULL,
		emitted_at TEXT NOT NULL
	)`

// SQLite upserts the latest emission of each session into a local SQLite
// database. It suits single-node deployments and tests.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens dsn with the modernc driver and creates the schema.
func OpenSQLite(ctx context.Context, dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", dsn, err)
	}
	// One writer; an in-memory database is private to its connection.
	db.SetMaxOpenConns(1)
	s, err := NewSQLite(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLite wraps db and creates the schema.
func NewSQLite(ctx context.Context, db *sql.DB) (*SQLite, error) {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("create selection_emissions: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Publish upserts em unless a newer sequence is already stored.
func (s *SQLite) Publish(ctx context.Context, em model.Emission) error {
	payload, err := encode(em)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO selection_emissions (
			session_id, booking_id, sequence, valid, payload, emitted_at
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			booking_id = excluded.booking_id,
			sequence   = excluded.sequence,
			valid      = excluded.valid,
			payload    = excluded.payload,
			emitted_at = excluded.emitted_at
		WHERE selection_emissions.sequence < excluded.sequence`,
		em.SessionID, em.BookingID, int64(em.Sequence), em.Valid, string(payload),
		em.EmittedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert emission %s/%d: %w", em.SessionID, em.Sequence, err)
	}
	return nil
}

// Latest reads the stored emission of sessionID.
func (s *SQLite) Latest(ctx context.Context, sessionID string) (model.Emission, bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM selection_emissions WHERE session_id = ?`, sessionID,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Emission{}, false, nil
	}
	if err != nil {
		return model.Emission{}, false, fmt.Errorf("query emission %q: %w", sessionID, err)
	}
	em, err := decode([]byte(payload))
	if err != nil {
		return model.Emission{}, false, err
	}
	return em, true, nil
}

// Ping checks connectivity for readiness probes.
func (s *SQLite) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close closes the database.
func (s *SQLite) Close() error { return s.db.Close() }
