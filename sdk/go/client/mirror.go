package client

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tokamak/kantan/internal/core/tracking"
)

type mirrorDocument struct {
	text string
	open bool
}

// Mirror rebuilds document texts from the batches a Client receives.
type Mirror struct {
	mu   sync.RWMutex
	docs map[string]*mirrorDocument
}

func NewMirror() *Mirror {
	return &Mirror{docs: make(map[string]*mirrorDocument)}
}

// Apply replays a batch. Documents are updated independently; a failure on
// one document leaves the others applied.
func (m *Mirror) Apply(updates tracking.Updates) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for uri, events := range updates {
		if err := m.applyLocked(uri, events); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("document %s: %w", uri, err)
		}
	}
	return firstErr
}

func (m *Mirror) applyLocked(uri string, events []tracking.Event) error {
	doc, ok := m.docs[uri]
	if !ok {
		doc = &mirrorDocument{}
		m.docs[uri] = doc
	}
	for _, ev := range events {
		switch e := ev.(type) {
		case tracking.Open:
			doc.text, doc.open = "", true
		case tracking.Close:
			doc.open = false
		case tracking.Edit:
			text, err := tracking.ApplyModifications(doc.text, e.Edits)
			if err != nil {
				return err
			}
			doc.text = text
		}
	}
	return nil
}

// Text returns the mirrored text of uri and whether it is currently open.
func (m *Mirror) Text(uri string) (text string, open bool, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.docs[uri]
	if !ok {
		return "", false, false
	}
	return doc.text, doc.open, true
}

// Documents lists every URI seen so far in sorted order.
func (m *Mirror) Documents() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	uris := make([]string, 0, len(m.docs))
	for uri := range m.docs {
		uris = append(uris, uri)
	}
	sort.Strings(uris)
	return uris
}

// Reset forgets all documents. Call it when a new connection starts, since
// the tracker replays full history to every connection.
func (m *Mirror) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs = make(map[string]*mirrorDocument)
}
