package tracking

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// SyncCounter is a position in the registry-wide total order of events.
type SyncCounter uint64

// ConsumerID identifies a registered consumer. It is opaque to callers.
type ConsumerID = uuid.UUID

// EventKind discriminates the Event variants on the wire.
type EventKind string

const (
	KindOpen  EventKind = "open"
	KindClose EventKind = "close"
	KindEdit  EventKind = "edit"
)

// Event is a document lifecycle record. The set of variants is closed:
// Open, Close and Edit are the only implementations.
type Event interface {
	Sync() SyncCounter
	Kind() EventKind
	event()
}

// TextRange is a span in UTF-16 code unit offsets, the unit editors report.
type TextRange struct {
	Start  int `json:"start"`
	Length int `json:"length"`
}

// End returns the offset one past the last code unit covered by the range.
func (r TextRange) End() int {
	return r.Start + r.Length
}

// EmptyRange is a zero-length range at start, i.e. an insertion point.
func EmptyRange(start int) TextRange {
	return TextRange{Start: start}
}

// TextModification replaces the text covered by Range with Text.
type TextModification struct {
	Range TextRange `json:"range"`
	Text  string    `json:"text"`
}

type Open struct {
	sync SyncCounter
}

type Close struct {
	sync SyncCounter
}

type Edit struct {
	sync  SyncCounter
	Edits []TextModification
}

func NewOpen(sync SyncCounter) Open   { return Open{sync: sync} }
func NewClose(sync SyncCounter) Close { return Close{sync: sync} }

func NewEdit(sync SyncCounter, edits []TextModification) Edit {
	return Edit{sync: sync, Edits: edits}
}

func (e Open) Sync() SyncCounter  { return e.sync }
func (e Close) Sync() SyncCounter { return e.sync }
func (e Edit) Sync() SyncCounter  { return e.sync }

func (Open) Kind() EventKind  { return KindOpen }
func (Close) Kind() EventKind { return KindClose }
func (Edit) Kind() EventKind  { return KindEdit }

func (Open) event()  {}
func (Close) event() {}
func (Edit) event()  {}

// The sync value stays in-process; only the discriminator and payload travel.
type wireEvent struct {
	Type  EventKind          `json:"type"`
	Edits []TextModification `json:"edits,omitempty"`
}

func (e Open) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEvent{Type: KindOpen})
}

func (e Close) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEvent{Type: KindClose})
}

func (e Edit) MarshalJSON() ([]byte, error) {
	edits := e.Edits
	if edits == nil {
		edits = []TextModification{}
	}
	return json.Marshal(struct {
		Type  EventKind          `json:"type"`
		Edits []TextModification `json:"edits"`
	}{Type: KindEdit, Edits: edits})
}

// UnmarshalEvent decodes one tagged event object. Decoded events carry sync 0.
func UnmarshalEvent(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	switch w.Type {
	case KindOpen:
		return Open{}, nil
	case KindClose:
		return Close{}, nil
	case KindEdit:
		return Edit{Edits: w.Edits}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventKind, w.Type)
	}
}

// Updates maps a document URI to the events a consumer has not seen yet, in
// log order.
type Updates map[string][]Event

// UnmarshalJSON decodes a batch as produced by json.Marshal on Updates.
func (u *Updates) UnmarshalJSON(data []byte) error {
	var raw map[string][]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Updates, len(raw))
	for uri, items := range raw {
		events := make([]Event, 0, len(items))
		for _, item := range items {
			ev, err := UnmarshalEvent(item)
			if err != nil {
				return fmt.Errorf("document %s: %w", uri, err)
			}
			events = append(events, ev)
		}
		out[uri] = events
	}
	*u = out
	return nil
}

// Len returns the total number of events across all documents.
func (u Updates) Len() int {
	n := 0
	for _, events := range u {
		n += len(events)
	}
	return n
}
