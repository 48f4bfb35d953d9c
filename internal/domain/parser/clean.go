package parser

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"golang.org/x/text/unicode/norm"
)

// CleanLine prepares a text line for pattern matching: NFKC normalization
// (which also folds non-breaking and other compatibility spaces to U+0020),
// tabs widened to a column gap, zero-width characters and carriage returns
// dropped, trailing space trimmed.
func CleanLine(s string) string {
	s = norm.NFKC.String(s)
	s = strings.Map(func(r rune) rune {
		switch r {
		case '\u200b', '\u200c', '\u200d', '\u2060', '\ufeff', '\r':
			return -1
		case '\u00a0':
			return ' '
		}
		return r
	}, s)
	s = strings.ReplaceAll(s, "\t", "  ")
	return strings.TrimRight(s, " ")
}

func hasExt(name string, exts ...string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}

// parseTime parses s permissively. Inputs without an offset are read in loc.
func parseTime(s string, loc *time.Location) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, true
	}
	t, err := dateparse.ParseIn(s, loc)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func trimBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func firstLine(head []byte) string {
	s := string(trimBOM(head))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimRight(s, "\r")
}
