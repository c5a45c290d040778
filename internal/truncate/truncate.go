// Package truncate implements byte-budgeted, UTF-8-safe truncation of
// command output. It has no analogue in the teacher or example repos: it is
// built directly against unicode/utf8 (see DESIGN.md for why no pack library
// covers this narrow, allocation-sensitive concern).
package truncate

import "unicode/utf8"

// Mode selects which end(s) of the output are kept.
type Mode int

const (
	Head Mode = iota
	Tail
	HeadAndTail
)

// Result reports what was kept and whether anything was cut.
type Result struct {
	Output    string
	Truncated bool
	// OriginalBytes is the length of the untruncated input in bytes.
	OriginalBytes int
	// Mode is the mode Output was produced under, so callers can position
	// an omitted-bytes message correctly relative to the kept content.
	Mode Mode
	// HeadLen is the byte length of Output's head portion when Mode is
	// HeadAndTail; the tail portion is Output[HeadLen:]. Unused otherwise.
	HeadLen int
}

// Apply truncates s to at most maxBytes bytes according to mode, never
// splitting a UTF-8 rune. For HeadAndTail the budget is split evenly between
// the two halves, with any odd byte going to the head.
func Apply(s string, maxBytes int, mode Mode) Result {
	total := len(s)
	if maxBytes <= 0 || total <= maxBytes {
		return Result{Output: s, Truncated: false, OriginalBytes: total, Mode: mode}
	}

	switch mode {
	case Tail:
		return Result{Output: tailRunes(s, maxBytes), Truncated: true, OriginalBytes: total, Mode: mode}
	case HeadAndTail:
		headBudget := (maxBytes + 1) / 2
		tailBudget := maxBytes - headBudget
		h := headRunes(s, headBudget)
		t := tailRunes(s, tailBudget)
		return Result{Output: h + t, Truncated: true, OriginalBytes: total, Mode: mode, HeadLen: len(h)}
	default: // Head
		return Result{Output: headRunes(s, maxBytes), Truncated: true, OriginalBytes: total, Mode: mode}
	}
}

// headRunes returns the longest prefix of s whose byte length is <= limit,
// never splitting a rune.
func headRunes(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if len(s) <= limit {
		return s
	}
	end := limit
	for end > 0 && !utf8.RuneStart(s[end]) {
		end--
	}
	return s[:end]
}

// tailRunes returns the longest suffix of s whose byte length is <= limit,
// never splitting a rune.
func tailRunes(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if len(s) <= limit {
		return s
	}
	start := len(s) - limit
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}
