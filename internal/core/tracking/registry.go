package tracking

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/tokamak/kantan/internal/core/observability/log"
)

// Provider is the producer-facing side of the registry, driven by the editor
// integration.
type Provider interface {
	NotifyOpened(uri string, text string) error
	NotifyClosed(uri string) error
	NotifyUpdated(uri string, mods []TextModification, text string) error
}

// Consumer is the side used by servers relaying events out of process.
type Consumer interface {
	// RegisterConsumer invokes notify once before returning so the first
	// ConsumeUpdates performs a full catch-up.
	RegisterConsumer(notify func()) ConsumerID
	UnregisterConsumer(id ConsumerID)
	ConsumeUpdates(id ConsumerID) (Updates, error)
}

var (
	_ Provider = (*Registry)(nil)
	_ Consumer = (*Registry)(nil)
)

type consumerState struct {
	// cursor is the first sync value this consumer has not reached yet, so 0
	// means nothing has been seen.
	cursor SyncCounter
	notify func()
}

// Snapshot is the latest known state of one document.
type Snapshot struct {
	URI      string
	Text     string
	Open     bool
	Sync     SyncCounter
	Checksum uint64
}

// Stats is a point-in-time view of the registry size.
type Stats struct {
	Documents     int
	OpenDocuments int
	Consumers     int
	Events        int
	Sync          SyncCounter
}

// Registry owns every tracked document, the global sync counter and the
// consumer cursors. All methods are safe for concurrent use.
type Registry struct {
	mu        sync.Mutex
	documents map[string]*document
	consumers map[ConsumerID]*consumerState
	counter   SyncCounter

	logger log.Log
}

// NewRegistry creates an empty registry. logger may be nil.
func NewRegistry(logger log.Log) *Registry {
	if logger == nil {
		logger = log.Nop()
	}
	return &Registry{
		documents: make(map[string]*document),
		consumers: make(map[ConsumerID]*consumerState),
		logger:    logger.With(log.String("component", "tracking")),
	}
}

// next consumes one sync value. Callers hold r.mu.
func (r *Registry) next() SyncCounter {
	seq := r.counter
	r.counter++
	return seq
}

// notifiersLocked snapshots the consumer callbacks so they can run after the
// lock is released.
func (r *Registry) notifiersLocked() []func() {
	out := make([]func(), 0, len(r.consumers))
	for _, c := range r.consumers {
		out = append(out, c.notify)
	}
	return out
}

func fire(notifiers []func()) {
	for _, notify := range notifiers {
		notify()
	}
}

func (r *Registry) NotifyOpened(uri string, text string) error {
	r.mu.Lock()
	doc, exists := r.documents[uri]
	if exists && doc.open {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyTracked, uri)
	}
	seq := r.next()
	if exists {
		doc.reopen(seq, text)
	} else {
		doc = newDocument(uri, seq, text)
		r.documents[uri] = doc
	}
	checksum := doc.checksum()
	notifiers := r.notifiersLocked()
	r.mu.Unlock()

	r.logger.Debug("Document opened",
		log.String("uri", uri),
		log.Uint64("sync", uint64(seq)),
		log.Bool("reopened", exists),
		log.Uint64("checksum", checksum))

	fire(notifiers)
	return nil
}

func (r *Registry) NotifyClosed(uri string) error {
	r.mu.Lock()
	doc, ok := r.documents[uri]
	if !ok || !doc.open {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDocument, uri)
	}
	seq := r.next()
	doc.close(seq)
	notifiers := r.notifiersLocked()
	r.mu.Unlock()

	// TODO: drop documents once every consumer cursor is past their close.
	r.logger.Debug("Document closed", log.String("uri", uri), log.Uint64("sync", uint64(seq)))

	fire(notifiers)
	return nil
}

func (r *Registry) NotifyUpdated(uri string, mods []TextModification, text string) error {
	r.mu.Lock()
	doc, ok := r.documents[uri]
	if !ok || !doc.open {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDocument, uri)
	}
	previous := doc.latest
	seq := r.next()
	doc.update(seq, append([]TextModification(nil), mods...), text)
	checksum := doc.checksum()
	notifiers := r.notifiersLocked()
	r.mu.Unlock()

	r.verify(uri, seq, previous, mods, text, checksum)

	fire(notifiers)
	return nil
}

// verify replays mods over the previous snapshot and reports drift between
// the edit stream and the snapshot the producer handed in. It is diagnostic
// only; the event is logged either way.
func (r *Registry) verify(uri string, seq SyncCounter, previous string, mods []TextModification, text string, checksum uint64) {
	if r.logger.GetLevel() > log.LevelWarn {
		return
	}
	replayed, err := ApplyModifications(previous, mods)
	switch {
	case err != nil:
		r.logger.Warn("Edit does not apply to previous snapshot",
			log.String("uri", uri),
			log.Uint64("sync", uint64(seq)),
			log.Error(err))
	case replayed != text:
		r.logger.Warn("Edit replay diverges from snapshot",
			log.String("uri", uri),
			log.Uint64("sync", uint64(seq)),
			log.Uint64("expected_checksum", checksum),
			log.Uint64("replayed_checksum", xxhashString(replayed)))
	default:
		r.logger.Debug("Document updated",
			log.String("uri", uri),
			log.Uint64("sync", uint64(seq)),
			log.Int("modifications", len(mods)),
			log.Uint64("checksum", checksum))
	}
}

func (r *Registry) RegisterConsumer(notify func()) ConsumerID {
	id := uuid.New()

	r.mu.Lock()
	r.consumers[id] = &consumerState{notify: notify}
	total := len(r.consumers)
	r.mu.Unlock()

	r.logger.Debug("Consumer registered", log.Stringer("consumer_id", id), log.Int("consumers", total))

	notify()
	return id
}

func (r *Registry) UnregisterConsumer(id ConsumerID) {
	r.mu.Lock()
	delete(r.consumers, id)
	total := len(r.consumers)
	r.mu.Unlock()

	r.logger.Debug("Consumer unregistered", log.Stringer("consumer_id", id), log.Int("consumers", total))
}

// ConsumeUpdates returns, per document, every event the consumer has not seen
// and moves its cursor to the current global counter. Both happen under one
// lock, so events appended concurrently are either returned now or on the
// next call, never lost and never repeated.
func (r *Registry) ConsumeUpdates(id ConsumerID) (Updates, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.consumers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConsumer, id)
	}

	updates := make(Updates)
	for uri, doc := range r.documents {
		if events := doc.eventsSince(c.cursor); len(events) > 0 {
			updates[uri] = events
		}
	}
	c.cursor = r.counter
	return updates, nil
}

// Snapshot returns the latest text recorded for uri, including closed
// documents that are still retained.
func (r *Registry) Snapshot(uri string) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, ok := r.documents[uri]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownDocument, uri)
	}
	return Snapshot{
		URI:      uri,
		Text:     doc.latest,
		Open:     doc.open,
		Sync:     doc.events[len(doc.events)-1].Sync(),
		Checksum: doc.checksum(),
	}, nil
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Stats{
		Documents: len(r.documents),
		Consumers: len(r.consumers),
		Sync:      r.counter,
	}
	for _, doc := range r.documents {
		if doc.open {
			s.OpenDocuments++
		}
		s.Events += len(doc.events)
	}
	return s
}
