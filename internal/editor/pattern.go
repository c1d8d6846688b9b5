package editor

import (
	"net/url"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultPatterns selects the documents tracked when none are configured.
var DefaultPatterns = []string{"**/*.decl"}

// matchGlob matches a slash separated name against a pattern in which "**"
// stands for any number of whole path segments. Leading slashes are ignored
// on both sides so absolute document paths match relative patterns.
func matchGlob(pattern, name string) bool {
	ok, err := doublestar.Match(strings.TrimLeft(pattern, "/"), strings.TrimLeft(name, "/"))
	return err == nil && ok
}

// documentPath extracts the path a pattern is matched against. Non-URI input
// is treated as a plain path.
func documentPath(uri string) string {
	u, err := url.Parse(uri)
	// a single letter scheme is a windows drive
	if err != nil || len(u.Scheme) <= 1 {
		return strings.ReplaceAll(uri, "\\", "/")
	}
	if u.Opaque != "" {
		return u.Opaque
	}
	return u.Path
}
