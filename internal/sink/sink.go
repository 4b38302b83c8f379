// Package sink implements the Durable Sink: a write-behind queue that
// tries synchronous delivery to the RemoteStore first and falls back to
// an on-disk journal on failure, draining it in the background until
// the store catches up.
package sink

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mdedz/sasagent/internal/meter"
	"github.com/mdedz/sasagent/internal/metrics"
	"github.com/mdedz/sasagent/internal/store"
)

// journalWarnThreshold is the fraction of MaxJournalBytes past which a
// one-shot warning is logged (spec: "journal growth past 80% of cap").
const journalWarnThreshold = 0.8

// drainInterval is the jittered cadence the background drainer retries
// the journal head at.
const drainInterval = 5 * time.Second

type Sink struct {
	store   store.RemoteStore
	journal *journal
	logger  *slog.Logger
	metrics *metrics.Metrics

	seq atomic.Uint64

	mu           sync.Mutex
	warnedGrowth bool

	stop chan struct{}
	done chan struct{}
}

// New opens (or creates) the journal at journalPath, reads any entries
// left over from a previous run so that sequence numbers resume after
// the highest one, and starts the background drainer, which delivers
// those entries on its first pass. New does not deliver them itself;
// Enqueue calls are accepted at once and may reach the store first.
func New(remoteStore store.RemoteStore, journalPath string, maxJournalBytes int64, m *metrics.Metrics, logger *slog.Logger) (*Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	j, err := openJournal(journalPath, maxJournalBytes)
	if err != nil {
		return nil, err
	}

	s := &Sink{
		store:   remoteStore,
		journal: j,
		logger:  logger.With("component", "sink"),
		metrics: m,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	entries, skipped, err := j.ReadAll()
	if err != nil {
		j.Close()
		return nil, err
	}
	if skipped > 0 {
		s.logger.Warn("journal replay skipped corrupt trailing entries", "count", skipped)
	}
	var maxSeq uint64
	for _, e := range entries {
		if e.Sequence > maxSeq {
			maxSeq = e.Sequence
		}
	}
	s.seq.Store(maxSeq)

	go s.drainLoop()
	return s, nil
}

// Enqueue attempts synchronous delivery; on failure it journals the
// event and returns nil (at least once delivery is satisfied by the
// journal). It returns an error only when the journal append fails:
// ErrJournalFull when the event would push the journal past its cap.
func (s *Sink) Enqueue(ctx context.Context, e QueuedEvent) error {
	if e.Sequence == 0 {
		e.Sequence = s.seq.Add(1)
	}

	if err := s.deliver(ctx, e); err == nil {
		return nil
	}

	if err := s.journal.Append(e); err != nil {
		if s.metrics != nil {
			s.metrics.JournalFull.Inc()
		}
		return err
	}
	s.checkGrowth()
	return nil
}

// EnqueueMeterChanged is a convenience wrapper matching the Meter
// Tracker's Changed event shape.
func (s *Sink) EnqueueMeterChanged(ctx context.Context, c meter.Changed) error {
	e, err := NewMeterChangedEvent(s.seq.Add(1), c)
	if err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.MeterChanges.WithLabelValues(fmt.Sprintf("0x%02X", c.MeterCode)).Inc()
		if c.Suspect {
			s.metrics.MeterSuspects.Inc()
		}
	}
	return s.Enqueue(ctx, e)
}

// EnqueueAFTResult is a convenience wrapper matching a terminal AFT
// outcome.
func (s *Sink) EnqueueAFTResult(ctx context.Context, row store.AFTResultRow) error {
	e, err := NewAFTResultEvent(s.seq.Add(1), row)
	if err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.AFTTerminal.WithLabelValues(row.Status).Inc()
	}
	return s.Enqueue(ctx, e)
}

func (s *Sink) deliver(ctx context.Context, e QueuedEvent) error {
	switch e.Kind {
	case KindMeterChanged:
		row, err := e.decodeMeterChanged()
		if err != nil {
			return err
		}
		return s.store.PutMeterChanged(ctx, row)
	case KindAFTResult:
		row, err := e.decodeAFTResult()
		if err != nil {
			return err
		}
		return s.store.PutAFTResult(ctx, row)
	default:
		return nil
	}
}

func (s *Sink) checkGrowth() {
	size := s.journal.Size()
	if s.metrics != nil {
		s.metrics.JournalBytesUsed.Set(float64(size))
	}
	if s.journal.maxBytes <= 0 {
		return
	}
	if float64(size) < journalWarnThreshold*float64(s.journal.maxBytes) {
		return
	}
	s.mu.Lock()
	already := s.warnedGrowth
	s.warnedGrowth = true
	s.mu.Unlock()
	if !already {
		s.logger.Warn("journal past 80% of byte cap", "size", size, "cap", s.journal.maxBytes)
	}
}

// drainLoop retries the journal head-first every ~5s (jittered) until
// the store accepts it, per-kind order preserved.
func (s *Sink) drainLoop() {
	defer close(s.done)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = drainInterval
	b.MaxInterval = drainInterval
	b.RandomizationFactor = 0.2
	b.Multiplier = 1
	b.MaxElapsedTime = 0 // retry forever

	ticker := time.NewTicker(b.NextBackOff())
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.drainOnce()
			ticker.Reset(b.NextBackOff())
		}
	}
}

func (s *Sink) drainOnce() {
	entries, skipped, err := s.journal.ReadAll()
	if err != nil {
		s.logger.Error("journal read failed during drain", "error", err)
		return
	}
	if skipped > 0 {
		s.logger.Warn("journal drain skipped corrupt entries", "count", skipped)
	}
	if len(entries) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	remaining := make([]QueuedEvent, 0, len(entries))
	for i, e := range entries {
		if err := s.deliver(ctx, e); err != nil {
			if s.metrics != nil {
				s.metrics.SinkDrainFailures.Inc()
			}
			remaining = append(remaining, entries[i:]...)
			break
		}
	}

	if len(remaining) == len(entries) {
		return // nothing drained, nothing to compact
	}
	if err := s.journal.Compact(remaining); err != nil {
		s.logger.Error("journal compaction failed", "error", err)
		return
	}
	if s.metrics != nil {
		s.metrics.JournalBytesUsed.Set(float64(s.journal.Size()))
	}
	s.logger.Info("drained journal entries", "drained", len(entries)-len(remaining), "remaining", len(remaining))
}

// Close stops the drainer and closes the journal file.
func (s *Sink) Close() error {
	close(s.stop)
	<-s.done
	return s.journal.Close()
}
