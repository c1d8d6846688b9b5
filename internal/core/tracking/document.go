package tracking

import "github.com/cespare/xxhash/v2"

// document is the append-only log for one URI plus the latest text snapshot.
// Events are never reordered or mutated once appended.
type document struct {
	uri    string
	events []Event
	latest string
	open   bool
}

func newDocument(uri string, seq SyncCounter, text string) *document {
	d := &document{uri: uri}
	d.reopen(seq, text)
	return d
}

// reopen records an Open followed by a single edit taking the empty document
// to text. Both share seq since they describe one transition.
func (d *document) reopen(seq SyncCounter, text string) {
	d.events = append(d.events,
		NewOpen(seq),
		NewEdit(seq, []TextModification{{Range: EmptyRange(0), Text: text}}),
	)
	d.latest = text
	d.open = true
}

func (d *document) update(seq SyncCounter, mods []TextModification, text string) {
	d.events = append(d.events, NewEdit(seq, mods))
	d.latest = text
}

func (d *document) close(seq SyncCounter) {
	d.events = append(d.events, NewClose(seq))
	d.open = false
}

// eventsSince returns the log suffix starting at the first event with
// sync >= cursor. The returned slice is a copy.
func (d *document) eventsSince(cursor SyncCounter) []Event {
	i := len(d.events)
	for i > 0 && d.events[i-1].Sync() >= cursor {
		i--
	}
	if i == len(d.events) {
		return nil
	}
	out := make([]Event, len(d.events)-i)
	copy(out, d.events[i:])
	return out
}

func (d *document) checksum() uint64 {
	return xxhashString(d.latest)
}

func xxhashString(s string) uint64 {
	return xxhash.Sum64String(s)
}
