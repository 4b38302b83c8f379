package sink

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestJournalAppendAndReadAllRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "j.journal")
	j, err := openJournal(path, 0)
	if err != nil {
		t.Fatalf("openJournal: %v", err)
	}
	defer j.Close()

	e := QueuedEvent{Sequence: 1, Kind: KindMeterChanged, Body: json.RawMessage(`{"a":1}`)}
	if err := j.Append(e); err != nil {
		t.Fatalf("Append: %v", err)
	}

	entries, skipped, err := j.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if skipped != 0 || len(entries) != 1 {
		t.Fatalf("entries=%d skipped=%d", len(entries), skipped)
	}
	if entries[0].Sequence != 1 || entries[0].Kind != KindMeterChanged {
		t.Fatalf("got %+v", entries[0])
	}
}

func TestJournalDetectsTornTrailingWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "j.journal")
	j, err := openJournal(path, 0)
	if err != nil {
		t.Fatalf("openJournal: %v", err)
	}
	e := QueuedEvent{Sequence: 1, Kind: KindAFTResult, Body: json.RawMessage(`{"b":2}`)}
	if err := j.Append(e); err != nil {
		t.Fatalf("Append: %v", err)
	}
	j.Close()

	// Simulate a torn write: append a truncated, corrupt line directly.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if _, err := f.WriteString("2 meter_changed abcd\n"); err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	f.Close()

	j2, err := openJournal(path, 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j2.Close()

	entries, skipped, err := j2.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("want 1 valid entry, got %d", len(entries))
	}
	if skipped != 1 {
		t.Fatalf("want 1 skipped corrupt entry, got %d", skipped)
	}
}

func TestJournalCompactDropsDrainedPrefix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "j.journal")
	j, err := openJournal(path, 0)
	if err != nil {
		t.Fatalf("openJournal: %v", err)
	}
	defer j.Close()

	for i := uint64(1); i <= 3; i++ {
		e := QueuedEvent{Sequence: i, Kind: KindMeterChanged, Body: json.RawMessage(`{}`)}
		if err := j.Append(e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	entries, _, err := j.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if err := j.Compact(entries[2:]); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	remaining, _, err := j.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll after compact: %v", err)
	}
	if len(remaining) != 1 || remaining[0].Sequence != 3 {
		t.Fatalf("got %+v", remaining)
	}
}
