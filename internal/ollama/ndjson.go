package ollama

import (
	"bytes"
	"encoding/json"
	"io"
	"iter"
	"log/slog"
	"slices"
)

const readChunkSize = 32 << 10

// Record is one NDJSON line that parsed as a JSON object. No schema is
// enforced; adapters interpret it with Decode.
type Record []byte

// Decode unmarshals the record into v.
func (r Record) Decode(v any) error { return json.Unmarshal(r, v) }

// decodeLoose is Decode that tolerates fields of the wrong type. Such fields
// are left at their zero value and their keys are returned.
func (r Record) decodeLoose(v any) []string {
	if json.Unmarshal(r, v) == nil {
		return nil
	}
	var fields map[string]json.RawMessage
	if json.Unmarshal(r, &fields) != nil {
		return nil
	}
	var bad []string
	for k, raw := range fields {
		one, _ := json.Marshal(map[string]json.RawMessage{k: raw})
		if json.Unmarshal(one, v) != nil {
			bad = append(bad, k)
		}
	}
	slices.Sort(bad)
	return bad
}

// Fields returns the record as a generic map.
func (r Record) Fields() map[string]any {
	var m map[string]any
	_ = json.Unmarshal(r, &m)
	return m
}

// MarshalJSON emits the record unchanged so it can be relayed as-is.
func (r Record) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

// Decoder splits a byte stream into newline-delimited JSON records.
//
// It reads one chunk at a time and only when no complete line is buffered.
// Blank lines are skipped and lines that are not a JSON object are dropped
// without error. A final line with no trailing newline is parsed at EOF.
// Splitting happens on the '\n' byte, which never appears inside a multi-byte
// UTF-8 sequence, so characters cut across reads are reassembled intact.
type Decoder struct {
	r      io.Reader
	buf    []byte
	chunk  []byte
	eof    bool
	err    error
	logger *slog.Logger

	dropped int
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return newDecoder(r, slog.Default())
}

func newDecoder(r io.Reader, logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{r: r, chunk: make([]byte, readChunkSize), logger: logger}
}

// Next returns the next record. It returns io.EOF once the stream is exhausted
// and any other error if the underlying read failed.
func (d *Decoder) Next() (Record, error) {
	for {
		if i := bytes.IndexByte(d.buf, '\n'); i >= 0 {
			line := d.buf[:i]
			d.buf = d.buf[i+1:]
			if rec, ok := d.parse(line); ok {
				return rec, nil
			}
			continue
		}

		if d.err != nil {
			return nil, d.err
		}

		if d.eof {
			if len(d.buf) == 0 {
				return nil, io.EOF
			}
			line := d.buf
			d.buf = nil
			if rec, ok := d.parse(line); ok {
				return rec, nil
			}
			return nil, io.EOF
		}

		n, err := d.r.Read(d.chunk)
		if n > 0 {
			d.buf = append(d.buf, d.chunk[:n]...)
		}
		switch {
		case err == io.EOF:
			d.eof = true
		case err != nil:
			d.err = err
		}
	}
}

// Dropped returns how many non-blank lines were discarded as malformed.
func (d *Decoder) Dropped() int { return d.dropped }

func (d *Decoder) parse(line []byte) (Record, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, false
	}
	if line[0] != '{' || !json.Valid(line) {
		d.dropped++
		d.logger.Debug("ndjson: dropping malformed line", "bytes", len(line))
		return nil, false
	}
	rec := make(Record, len(line))
	copy(rec, line)
	return rec, true
}

// all iterates over the remaining records. Iteration ends at EOF; a read
// failure is yielded once as the final element.
func (d *Decoder) all() iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		for {
			rec, err := d.Next()
			if err == io.EOF {
				return
			}
			if !yield(rec, err) || err != nil {
				return
			}
		}
	}
}
