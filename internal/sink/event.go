package sink

import (
	"encoding/json"

	"github.com/mdedz/sasagent/internal/meter"
	"github.com/mdedz/sasagent/internal/store"
)

// Kind distinguishes the two event bodies the sink accepts. Ordering is
// preserved per kind by the drainer; there is no cross-kind guarantee.
type Kind string

const (
	KindMeterChanged Kind = "meter_changed"
	KindAFTResult    Kind = "aft_result"
)

// QueuedEvent is the unit the Durable Sink accepts, journals, and
// eventually drains to the RemoteStore.
type QueuedEvent struct {
	Sequence uint64    `json:"sequence"`
	Kind     Kind      `json:"kind"`
	Body     json.RawMessage `json:"body"`
}

// NewMeterChangedEvent wraps a meter.Changed as a QueuedEvent body.
func NewMeterChangedEvent(seq uint64, c meter.Changed) (QueuedEvent, error) {
	body, err := json.Marshal(store.MeterChangedRow{
		MachineAddress: c.MachineAddress,
		MeterCode:      c.MeterCode,
		OldValue:       c.OldValue,
		NewValue:       c.NewValue,
		ObservedAt:     c.ObservedAt,
		Suspect:        c.Suspect,
	})
	if err != nil {
		return QueuedEvent{}, err
	}
	return QueuedEvent{Sequence: seq, Kind: KindMeterChanged, Body: body}, nil
}

// NewAFTResultEvent wraps a terminal AFT outcome as a QueuedEvent body.
func NewAFTResultEvent(seq uint64, row store.AFTResultRow) (QueuedEvent, error) {
	body, err := json.Marshal(row)
	if err != nil {
		return QueuedEvent{}, err
	}
	return QueuedEvent{Sequence: seq, Kind: KindAFTResult, Body: body}, nil
}

func (e QueuedEvent) decodeMeterChanged() (store.MeterChangedRow, error) {
	var row store.MeterChangedRow
	err := json.Unmarshal(e.Body, &row)
	return row, err
}

func (e QueuedEvent) decodeAFTResult() (store.AFTResultRow, error) {
	var row store.AFTResultRow
	err := json.Unmarshal(e.Body, &row)
	return row, err
}
