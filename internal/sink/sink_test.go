package sink

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mdedz/sasagent/internal/meter"
	"github.com/mdedz/sasagent/internal/store"
)

func newTestSink(t *testing.T, remoteStore store.RemoteStore) *Sink {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sink.journal")
	s, err := New(remoteStore, path, 1<<20, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEnqueueDeliversSynchronouslyWhenStoreHealthy(t *testing.T) {
	ms := store.NewMemoryStore()
	s := newTestSink(t, ms)

	c := meter.Changed{MachineAddress: 1, MeterCode: 0x00, NewValue: 100, ObservedAt: time.Now()}
	if err := s.EnqueueMeterChanged(context.Background(), c); err != nil {
		t.Fatalf("EnqueueMeterChanged: %v", err)
	}
	if len(ms.MeterRows) != 1 {
		t.Fatalf("want 1 row delivered synchronously, got %d", len(ms.MeterRows))
	}
	if s.journal.Size() != 0 {
		t.Fatalf("journal should be empty after synchronous delivery, size=%d", s.journal.Size())
	}
}

func TestEnqueueJournalsOnStoreFailure(t *testing.T) {
	ms := store.NewMemoryStore()
	ms.SetFailing(true)
	s := newTestSink(t, ms)

	c := meter.Changed{MachineAddress: 1, MeterCode: 0x00, NewValue: 100, ObservedAt: time.Now()}
	if err := s.EnqueueMeterChanged(context.Background(), c); err != nil {
		t.Fatalf("EnqueueMeterChanged: %v", err)
	}
	if s.journal.Size() == 0 {
		t.Fatal("expected event to be journaled on store failure")
	}

	entries, skipped, err := s.journal.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if skipped != 0 || len(entries) != 1 {
		t.Fatalf("entries=%d skipped=%d", len(entries), skipped)
	}
}

func TestEnqueueRejectsOverCap(t *testing.T) {
	ms := store.NewMemoryStore()
	ms.SetFailing(true)
	path := filepath.Join(t.TempDir(), "sink.journal")
	s, err := New(ms, path, 10, nil, nil) // tiny cap
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	c := meter.Changed{MachineAddress: 1, MeterCode: 0x00, NewValue: 100, ObservedAt: time.Now()}
	err = s.EnqueueMeterChanged(context.Background(), c)
	if err != ErrJournalFull {
		t.Fatalf("want ErrJournalFull, got %v", err)
	}
}

func TestDrainOnceDeliversAndCompacts(t *testing.T) {
	ms := store.NewMemoryStore()
	ms.SetFailing(true)
	s := newTestSink(t, ms)

	c := meter.Changed{MachineAddress: 1, MeterCode: 0x00, NewValue: 100, ObservedAt: time.Now()}
	if err := s.EnqueueMeterChanged(context.Background(), c); err != nil {
		t.Fatalf("EnqueueMeterChanged: %v", err)
	}

	ms.SetFailing(false)
	s.drainOnce()

	if len(ms.MeterRows) != 1 {
		t.Fatalf("want 1 row drained, got %d", len(ms.MeterRows))
	}
	if s.journal.Size() != 0 {
		t.Fatalf("expected journal compacted to empty, size=%d", s.journal.Size())
	}
}

func TestJournalReplayOnRestart(t *testing.T) {
	ms := store.NewMemoryStore()
	ms.SetFailing(true)
	path := filepath.Join(t.TempDir(), "sink.journal")

	s1, err := New(ms, path, 1<<20, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c := meter.Changed{MachineAddress: 1, MeterCode: 0x00, NewValue: 100, ObservedAt: time.Now()}
	if err := s1.EnqueueMeterChanged(context.Background(), c); err != nil {
		t.Fatalf("EnqueueMeterChanged: %v", err)
	}
	s1.Close()

	s2, err := New(ms, path, 1<<20, nil, nil)
	if err != nil {
		t.Fatalf("New (restart): %v", err)
	}
	defer s2.Close()

	entries, _, err := s2.journal.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected replayed journal entry to survive restart, got %d", len(entries))
	}
}
