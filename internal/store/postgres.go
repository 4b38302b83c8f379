package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq" // Postgres driver
)

// PostgresStore is the reference RemoteStore implementation, backed by
// two tables: meter_changed (append-only) and aft_result (upserted by
// transaction_id).
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgresStore opens and pings a Postgres connection given a
// lib/pq-style connection string.
func OpenPostgresStore(connectionString string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping: %v", ErrUnavailable, err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) PutMeterChanged(ctx context.Context, row MeterChangedRow) error {
	const q = `
		INSERT INTO meter_changed
			(machine_address, meter_code, old_value, new_value, observed_at, suspect)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := s.db.ExecContext(ctx, q,
		row.MachineAddress, row.MeterCode, row.OldValue, row.NewValue, row.ObservedAt, row.Suspect)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) PutAFTResult(ctx context.Context, row AFTResultRow) error {
	const q = `
		INSERT INTO aft_result
			(transaction_id, status, requested_cents, transferred_cents, completed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (transaction_id) DO UPDATE SET
			status = EXCLUDED.status,
			transferred_cents = EXCLUDED.transferred_cents,
			completed_at = EXCLUDED.completed_at`
	_, err := s.db.ExecContext(ctx, q,
		row.TransactionID, row.Status, row.RequestedCents, row.TransferredCents, row.CompletedAt)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
