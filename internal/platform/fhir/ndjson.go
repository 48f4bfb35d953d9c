package fhir

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
)

// maxNDJSONLine bounds a single NDJSON record. Bundles inlined on one line
// can be large.
const maxNDJSONLine = 16 << 20

// NDJSONWriter writes values in NDJSON (Newline Delimited JSON) format.
// Each value is serialised as a single JSON line followed by a newline.
type NDJSONWriter struct {
	w *bufio.Writer
	n int
}

// NewNDJSONWriter creates a new NDJSONWriter that writes to w.
func NewNDJSONWriter(w io.Writer) *NDJSONWriter {
	return &NDJSONWriter{
		w: bufio.NewWriter(w),
	}
}

// WriteResource serialises v as a single JSON line followed by a newline
// character.
func (n *NDJSONWriter) WriteResource(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := n.w.Write(data); err != nil {
		return err
	}
	if err := n.w.WriteByte('\n'); err != nil {
		return err
	}
	n.n++
	return nil
}

// Count returns the number of lines written so far.
func (n *NDJSONWriter) Count() int { return n.n }

// Flush flushes any buffered data to the underlying writer.
func (n *NDJSONWriter) Flush() error {
	return n.w.Flush()
}

// NDJSONReader iterates the non-blank lines of an NDJSON stream.
type NDJSONReader struct {
	sc   *bufio.Scanner
	line int
	raw  []byte
}

// NewNDJSONReader creates a reader over r.
func NewNDJSONReader(r io.Reader) *NDJSONReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxNDJSONLine)
	return &NDJSONReader{sc: sc}
}

// Next advances to the next non-blank line. It returns false at end of input
// or on a read error; check Err afterwards.
func (n *NDJSONReader) Next() bool {
	for n.sc.Scan() {
		n.line++
		b := bytes.TrimSpace(n.sc.Bytes())
		if len(b) == 0 {
			continue
		}
		n.raw = b
		return true
	}
	return false
}

// Line returns the 1-based line number of the current record.
func (n *NDJSONReader) Line() int { return n.line }

// Bytes returns the current record. The slice is only valid until the next
// call to Next.
func (n *NDJSONReader) Bytes() []byte { return n.raw }

// Decode unmarshals the current record into v.
func (n *NDJSONReader) Decode(v interface{}) error {
	return json.Unmarshal(n.raw, v)
}

// Err returns the first non-EOF read error.
func (n *NDJSONReader) Err() error { return n.sc.Err() }
