// Package editor adapts text view notifications from a host editor to the
// tracking registry. Several views may show the same document; the registry
// only hears about the first open and the last close.
package editor

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/tokamak/kantan/internal/core/observability/log"
	"github.com/tokamak/kantan/internal/core/tracking"
)

var (
	ErrViewNotOpen     = errors.New("no open view for document")
	ErrInvalidPatterns = errors.New("invalid document pattern")
)

// Config selects which documents are tracked.
type Config struct {
	Patterns []string `yaml:"patterns"`
}

// DefaultConfig returns default editor configuration
func DefaultConfig() Config {
	return Config{Patterns: append([]string(nil), DefaultPatterns...)}
}

func (c Config) Validate() error {
	for _, p := range c.Patterns {
		if p == "" {
			return fmt.Errorf("%w: empty pattern", ErrInvalidPatterns)
		}
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("%w: %q", ErrInvalidPatterns, p)
		}
	}
	return nil
}

// Listener reference counts views per document URI and forwards document
// level events to a tracking.Provider.
type Listener struct {
	mu       sync.Mutex
	provider tracking.Provider
	patterns []string
	views    map[string]uint
	logger   log.Log
}

func NewListener(config Config, provider tracking.Provider, logger log.Log) *Listener {
	if logger == nil {
		logger = log.Provide()
	}
	patterns := config.Patterns
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	return &Listener{
		provider: provider,
		patterns: patterns,
		views:    make(map[string]uint),
		logger:   logger.With(log.String("component", "editor")),
	}
}

// Tracks reports whether uri matches one of the configured patterns.
func (l *Listener) Tracks(uri string) bool {
	p := documentPath(uri)
	for _, pattern := range l.patterns {
		if matchGlob(pattern, p) {
			return true
		}
	}
	return false
}

// ViewOpened records a new view on uri. The first view opens the document.
func (l *Listener) ViewOpened(uri, text string) error {
	if !l.Tracks(uri) {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if n, ok := l.views[uri]; ok {
		l.views[uri] = n + 1
		l.logger.Debug("View opened", log.String("uri", uri), log.Uint64("views", uint64(n+1)))
		return nil
	}

	if err := l.provider.NotifyOpened(uri, text); err != nil {
		return err
	}
	l.views[uri] = 1
	l.logger.Info("Opened", log.String("uri", uri))
	return nil
}

// ViewClosed drops a view on uri. The last view closes the document.
func (l *Listener) ViewClosed(uri string) error {
	if !l.Tracks(uri) {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	n, ok := l.views[uri]
	if !ok {
		return fmt.Errorf("%w: %s", ErrViewNotOpen, uri)
	}
	if n > 1 {
		l.views[uri] = n - 1
		l.logger.Debug("View closed", log.String("uri", uri), log.Uint64("views", uint64(n-1)))
		return nil
	}

	delete(l.views, uri)
	if err := l.provider.NotifyClosed(uri); err != nil {
		return err
	}
	l.logger.Info("Closed", log.String("uri", uri))
	return nil
}

// ViewChanged forwards an edit. Changes without modifications, such as caret
// or selection moves, are dropped.
func (l *Listener) ViewChanged(uri string, mods []tracking.TextModification, text string) error {
	if !l.Tracks(uri) || len(mods) == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.views[uri]; !ok {
		return fmt.Errorf("%w: %s", ErrViewNotOpen, uri)
	}
	if err := l.provider.NotifyUpdated(uri, mods, text); err != nil {
		return err
	}
	l.logger.Debug("Edited", log.String("uri", uri), log.Int("edits", len(mods)))
	return nil
}

// OpenDocuments returns the number of documents with at least one view.
func (l *Listener) OpenDocuments() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.views)
}
