package tracking

import (
	"fmt"
	"strings"
	"unicode/utf16"
)

// ApplyModifications applies mods to text in order. Each modification is
// resolved against the text produced by the ones before it.
func ApplyModifications(text string, mods []TextModification) (string, error) {
	for i, mod := range mods {
		next, err := applyModification(text, mod)
		if err != nil {
			return "", fmt.Errorf("modification %d: %w", i, err)
		}
		text = next
	}
	return text, nil
}

func applyModification(text string, mod TextModification) (string, error) {
	r := mod.Range
	if r.Start < 0 || r.Length < 0 {
		return "", fmt.Errorf("%w: start=%d length=%d", ErrInvalidRange, r.Start, r.Length)
	}

	start, ok := byteOffset(text, r.Start)
	if !ok {
		return "", fmt.Errorf("%w: start=%d in text of %d units", ErrInvalidRange, r.Start, utf16Len(text))
	}
	end, ok := byteOffset(text[start:], r.Length)
	if !ok {
		return "", fmt.Errorf("%w: end=%d in text of %d units", ErrInvalidRange, r.End(), utf16Len(text))
	}
	end += start

	var b strings.Builder
	b.Grow(len(text) - (end - start) + len(mod.Text))
	b.WriteString(text[:start])
	b.WriteString(mod.Text)
	b.WriteString(text[end:])
	return b.String(), nil
}

// byteOffset converts a UTF-16 code unit offset into a byte offset within s.
// An offset past the end or between the halves of a surrogate pair is
// rejected.
func byteOffset(s string, units int) (int, bool) {
	n := 0
	for i, r := range s {
		if n == units {
			return i, true
		}
		if n > units {
			return 0, false
		}
		n += utf16.RuneLen(r)
	}
	if n == units {
		return len(s), true
	}
	return 0, false
}

func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		n += utf16.RuneLen(r)
	}
	return n
}

// Replay rebuilds a document from its event history, starting from empty.
// Open resets the buffer, so a log spanning close and reopen replays to the
// text of the latest session.
func Replay(events []Event) (text string, open bool, err error) {
	for _, ev := range events {
		switch e := ev.(type) {
		case Open:
			text, open = "", true
		case Close:
			open = false
		case Edit:
			text, err = ApplyModifications(text, e.Edits)
			if err != nil {
				return "", false, err
			}
		}
	}
	return text, open, nil
}
