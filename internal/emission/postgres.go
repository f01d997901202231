package emission

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/intake/model"
)

const pgSchema = `
	CREATE TABLE IF NOT EXISTS selection_emissions (
		session_id TEXT PRIMARY KEY,
		booking_id TEXT NOT NULL,
		sequence   BIGINT NOT NULL,
		valid      BOOLEAN NOT NULL,
		payload    JSONB NOT NULL,
		emitted_at TIMESTAMPTZ NOT NULL
	)`

// Postgres upserts the latest emission of each session into
// selection_emissions using pgx/v5.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a Postgres sink over pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Migrate creates the emission table if it does not exist.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, pgSchema); err != nil {
		return fmt.Errorf("create selection_emissions: %w", err)
	}
	return nil
}

// Publish upserts em unless a newer sequence is already stored.
func (s *Postgres) Publish(ctx context.Context, em model.Emission) error {
	payload, err := encode(em)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO selection_emissions (
			session_id, booking_id, sequence, valid, payload, emitted_at
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id) DO UPDATE SET
			booking_id = EXCLUDED.booking_id,
			sequence   = EXCLUDED.sequence,
			valid      = EXCLUDED.valid,
			payload    = EXCLUDED.payload,
			emitted_at = EXCLUDED.emitted_at
		WHERE selection_emissions.sequence < EXCLUDED.sequence`,
		em.SessionID, em.BookingID, int64(em.Sequence), em.Valid, payload, em.EmittedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert emission %s/%d: %w", em.SessionID, em.Sequence, err)
	}
	return nil
}

// Latest reads the stored emission of sessionID.
func (s *Postgres) Latest(ctx context.Context, sessionID string) (model.Emission, bool, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM selection_emissions WHERE session_id = $1`, sessionID,
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Emission{}, false, nil
	}
	if err != nil {
		return model.Emission{}, false, fmt.Errorf("query emission %q: %w", sessionID, err)
	}
	em, err := decode(payload)
	if err != nil {
		return model.Emission{}, false, err
	}
	return em, true, nil
}

// Ping checks connectivity for readiness probes.
func (s *Postgres) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close closes the pool.
func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}
