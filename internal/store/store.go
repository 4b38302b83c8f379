// Package store defines the RemoteStore interface the Durable Sink
// writes through, plus a Postgres-backed implementation (via
// database/sql and the lib/pq driver) and an in-memory fake for tests.
package store

import (
	"context"
	"errors"
	"time"
)

var ErrUnavailable = errors.New("store: remote store unavailable")

// MeterChangedRow is the row shape persisted for a meter.Changed event.
type MeterChangedRow struct {
	MachineAddress byte
	MeterCode      byte
	OldValue       uint64
	NewValue       uint64
	ObservedAt     time.Time
	Suspect        bool
}

// AFTResultRow is the row shape persisted for a terminal AFT outcome.
type AFTResultRow struct {
	TransactionID string
	Status        string
	RequestedCents int64
	TransferredCents int64
	CompletedAt   time.Time
}

// RemoteStore is the boundary the Durable Sink writes through. A
// failing call (context deadline, connection refused, etc.) causes the
// sink to journal the event instead of losing it.
type RemoteStore interface {
	PutMeterChanged(ctx context.Context, row MeterChangedRow) error
	PutAFTResult(ctx context.Context, row AFTResultRow) error
}
