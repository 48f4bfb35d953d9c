package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/ctmansfield/health-portal/internal/domain/coding"
)

const hashSep = "\x1f"

// ContentHash is the audit identity of a source row: SHA-256 over provider,
// normalized test name, raw value text, effective time and raw source line.
// It changes with cosmetic differences in the source and is never used for
// deduplication.
func ContentHash(provider, normalizedName, valueText string, eff time.Time, sourceLine string) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{
		provider,
		normalizedName,
		valueText,
		eff.UTC().Format(time.RFC3339Nano),
		sourceLine,
	}, hashSep)))
	return hex.EncodeToString(sum[:])
}

// NaturalKey is the semantic identity of a row within a run.
type NaturalKey struct {
	Person   string
	Name     string
	Value    float64
	Unit     string
	Time     int64
	Provider string
}

func KeyOf(r StagedRow) NaturalKey {
	return NaturalKey{
		Person:   r.PersonID,
		Name:     coding.NormalizeTestName(r.TestName),
		Value:    r.ValueNum,
		Unit:     strings.TrimSpace(r.Unit),
		Time:     r.EffectiveTime.UnixNano(),
		Provider: r.Provider,
	}
}

// Deduplicator tracks natural keys seen in one run. It is not safe for
// concurrent use.
type Deduplicator struct {
	seen map[NaturalKey]string
}

func NewDeduplicator() *Deduplicator {
	return &Deduplicator{seen: make(map[NaturalKey]string)}
}

// Check records r and returns a DuplicateRecord when an earlier row had the
// same natural key.
func (d *Deduplicator) Check(r StagedRow) *DuplicateRecord {
	key := KeyOf(r)
	if _, ok := d.seen[key]; !ok {
		d.seen[key] = r.SrcHash
		return nil
	}
	return &DuplicateRecord{
		RunID:   r.RunID,
		SrcHash: r.SrcHash,
		Reason:  ReasonDuplicate,
		Details: map[string]string{
			"test":  r.TestName,
			"value": strconv.FormatFloat(r.ValueNum, 'f', -1, 64),
			"unit":  r.Unit,
		},
	}
}

// Len is the number of distinct keys seen.
func (d *Deduplicator) Len() int { return len(d.seen) }
