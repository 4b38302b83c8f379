// Package meter implements the Meter Tracker: it holds the last
// observed value of every configured SAS meter and decides, for each
// freshly-parsed reading, whether it represents a real change worth
// emitting to the Durable Sink.
package meter

import (
	"log/slog"
	"sync"
	"time"
)

// Changed describes one observed meter delta, ready to hand to the
// Durable Sink as a QueuedEvent body.
type Changed struct {
	MachineAddress byte
	MeterCode      byte
	OldValue       uint64
	NewValue       uint64
	ObservedAt     time.Time
	Suspect        bool // new < old on a meter whitelisted as monotonic
}

// Whitelist reports, for a meter code, whether it is configured as
// monotonic (rollbacks are flagged Suspect) versus free-running
// (rollbacks are ordinary, e.g. a counter the EGM itself resets).
type Whitelist interface {
	IsMonotonic(meterCode byte) bool
}

// StaticWhitelist is a Whitelist backed by a fixed set, built once from
// config at startup.
type StaticWhitelist map[byte]bool

func (w StaticWhitelist) IsMonotonic(meterCode byte) bool {
	return w[meterCode]
}

// Tracker holds last-seen values and applies the tie-break/rollback
// rules described for the Meter Tracker.
type Tracker struct {
	mu        sync.Mutex
	last      map[byte]uint64
	whitelist Whitelist
	logger    *slog.Logger
}

func NewTracker(whitelist Whitelist, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		last:      make(map[byte]uint64),
		whitelist: whitelist,
		logger:    logger.With("component", "meter"),
	}
}

// Observe records a freshly-parsed meter reading and returns the
// Changed event to emit, or nil if the reading is identical to the
// last stored value (the tie-break case — nothing is emitted).
func (t *Tracker) Observe(machineAddress, meterCode byte, newValue uint64, observedAt time.Time) *Changed {
	t.mu.Lock()
	defer t.mu.Unlock()

	old, known := t.last[meterCode]
	t.last[meterCode] = newValue

	if known && old == newValue {
		return nil
	}

	suspect := known && newValue < old && t.whitelist != nil && t.whitelist.IsMonotonic(meterCode)
	if suspect {
		t.logger.Warn("meter rollback on monotonic meter",
			"meter_code", meterCode, "old", old, "new", newValue)
	}

	return &Changed{
		MachineAddress: machineAddress,
		MeterCode:      meterCode,
		OldValue:       old,
		NewValue:       newValue,
		ObservedAt:     observedAt,
		Suspect:        suspect,
	}
}

// Snapshot returns a copy of all last-seen values, for diagnostics.
func (t *Tracker) Snapshot() map[byte]uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[byte]uint64, len(t.last))
	for k, v := range t.last {
		out[k] = v
	}
	return out
}
