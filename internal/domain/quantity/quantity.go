// Package quantity extracts a numeric magnitude and an optional unit from a
// raw lab value token such as "119.0 mg/dL", "31.9 %" or "<0.5 x10^3/uL".
package quantity

import (
	"regexp"
	"strconv"
	"strings"
)

// Quantity is a parsed value token. Comparator holds a stripped "<", ">",
// "<=" or ">=" prefix and is empty for plain values.
type Quantity struct {
	Value      float64
	Unit       string
	Comparator string
}

// placeholders are textual values that stand in for a result reported
// elsewhere. A token starting with one of them carries no value.
var placeholders = []string{
	"SEE NOTE",
	"SEE BELOW",
	"SEE COMMENT",
	"PENDING",
	"TNP",
	"CANCELLED",
	"NOT REPORTED",
}

var (
	parenRe = regexp.MustCompile(`\([^)]*\)`)
	valueRe = regexp.MustCompile(`^([+-]?(?:\d+(?:\.\d*)?|\.\d+)(?:[eE][+-]?\d+)?)\s*([A-Za-z/µμ%0-9.\-^*()\[\]{}]*)$`)
)

// Parse extracts the number and unit from raw. It never panics; ok is false
// when raw holds no leading number, starts with a placeholder, or has
// trailing text that is not a unit. Callers must treat !ok as a rejection,
// never as a zero value.
func Parse(raw string) (q Quantity, ok bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Quantity{}, false
	}
	upper := strings.ToUpper(s)
	for _, p := range placeholders {
		if strings.HasPrefix(upper, p) {
			return Quantity{}, false
		}
	}

	s = strings.TrimSpace(parenRe.ReplaceAllString(s, " "))
	s = strings.Join(strings.Fields(s), " ")

	s, q.Comparator = stripComparator(s)

	m := valueRe.FindStringSubmatch(s)
	if m == nil {
		return Quantity{}, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return Quantity{}, false
	}
	q.Value = v
	q.Unit = strings.TrimSpace(m[2])
	return q, true
}

func stripComparator(s string) (string, string) {
	for _, c := range []string{"<=", ">=", "<", ">"} {
		if strings.HasPrefix(s, c) {
			return strings.TrimSpace(s[len(c):]), c
		}
	}
	return s, ""
}
