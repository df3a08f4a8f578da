package ollama

import (
	"errors"
	"io"
	"strings"
	"testing"
)

// chunkReader returns one predefined chunk per Read call.
type chunkReader struct {
	chunks [][]byte
	reads  int
	err    error // returned after the chunks run out; io.EOF when nil
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		return 0, io.EOF
	}
	r.reads++
	n := copy(p, r.chunks[0])
	r.chunks[0] = r.chunks[0][n:]
	if len(r.chunks[0]) == 0 {
		r.chunks = r.chunks[1:]
	}
	return n, nil
}

func chunks(parts ...string) *chunkReader {
	r := &chunkReader{}
	for _, p := range parts {
		r.chunks = append(r.chunks, []byte(p))
	}
	return r
}

func collect(t *testing.T, d *Decoder) []string {
	t.Helper()
	var out []string
	for {
		rec, err := d.Next()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		out = append(out, string(rec))
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestDecoder_SplitAcrossChunks(t *testing.T) {
	d := NewDecoder(chunks(`{"a":1}`+"\n"+`{"b"`, `:2}`+"\n"+`{bad`+"\n"+`{"c":3}`))
	got := collect(t, d)
	want := []string{`{"a":1}`, `{"b":2}`, `{"c":3}`}
	if !equalStrings(got, want) {
		t.Errorf("records = %v, want %v", got, want)
	}
	if d.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", d.Dropped())
	}
}

func TestDecoder_ByteAtATime(t *testing.T) {
	input := `{"status":"pulling"}` + "\n\n" + `{"status":"success"}` + "\n"
	var parts []string
	for i := range len(input) {
		parts = append(parts, input[i:i+1])
	}
	got := collect(t, NewDecoder(chunks(parts...)))
	want := []string{`{"status":"pulling"}`, `{"status":"success"}`}
	if !equalStrings(got, want) {
		t.Errorf("records = %v, want %v", got, want)
	}
}

func TestDecoder_MultiByteRuneSplit(t *testing.T) {
	line := `{"message":{"content":"héllo 世界"}}`
	// Cut inside the three-byte encoding of 世.
	cut := strings.Index(line, "世") + 1
	d := NewDecoder(chunks(line[:cut], line[cut:]+"\n"))

	rec, err := d.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	var chunk ChatChunk
	if err := rec.Decode(&chunk); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if chunk.Message.Content != "héllo 世界" {
		t.Errorf("content = %q, want %q", chunk.Message.Content, "héllo 世界")
	}
}

func TestDecoder_TrailingLineWithoutNewline(t *testing.T) {
	got := collect(t, NewDecoder(strings.NewReader(`{"a":1}`+"\n"+`{"a":2}`)))
	if len(got) != 2 || got[1] != `{"a":2}` {
		t.Errorf("records = %v, want two with trailing {\"a\":2}", got)
	}
}

func TestDecoder_TrailingGarbageDropped(t *testing.T) {
	got := collect(t, NewDecoder(strings.NewReader(`{"a":1}`+"\n"+`{"a":`)))
	if !equalStrings(got, []string{`{"a":1}`}) {
		t.Errorf("records = %v", got)
	}
}

func TestDecoder_BlankAndCRLFLines(t *testing.T) {
	got := collect(t, NewDecoder(strings.NewReader("  \n{\"a\":1}\r\n\t\n\r\n{\"b\":2}\r\n")))
	want := []string{`{"a":1}`, `{"b":2}`}
	if !equalStrings(got, want) {
		t.Errorf("records = %v, want %v", got, want)
	}
}

func TestDecoder_NonObjectLinesDropped(t *testing.T) {
	got := collect(t, NewDecoder(strings.NewReader("42\n\"str\"\n[1]\n{\"ok\":true}\n")))
	if !equalStrings(got, []string{`{"ok":true}`}) {
		t.Errorf("records = %v", got)
	}
}

func TestDecoder_EmptyStream(t *testing.T) {
	d := NewDecoder(strings.NewReader(""))
	if _, err := d.Next(); err != io.EOF {
		t.Fatalf("Next() err = %v, want io.EOF", err)
	}
	if _, err := d.Next(); err != io.EOF {
		t.Fatalf("second Next() err = %v, want io.EOF", err)
	}
}

func TestDecoder_ReadErrorAfterCompleteLines(t *testing.T) {
	boom := errors.New("connection reset")
	r := chunks(`{"a":1}`+"\n"+`{"a":2}`+"\n"+`{"part`)
	r.err = boom
	d := NewDecoder(r)

	for i := range 2 {
		if _, err := d.Next(); err != nil {
			t.Fatalf("Next #%d: %v", i+1, err)
		}
	}
	if _, err := d.Next(); !errors.Is(err, boom) {
		t.Fatalf("Next() err = %v, want %v", err, boom)
	}
}

func TestDecoder_ReadsLazily(t *testing.T) {
	r := chunks(`{"a":1}`+"\n"+`{"a":2}`+"\n", `{"a":3}`+"\n")
	d := NewDecoder(r)

	if _, err := d.Next(); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Next(); err != nil {
		t.Fatal(err)
	}
	if r.reads != 1 {
		t.Errorf("reads after two buffered records = %d, want 1", r.reads)
	}
}

func TestDecoder_All(t *testing.T) {
	var got []string
	for rec, err := range NewDecoder(strings.NewReader("{\"a\":1}\nnope\n{\"b\":2}")).all() {
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, string(rec))
	}
	if !equalStrings(got, []string{`{"a":1}`, `{"b":2}`}) {
		t.Errorf("records = %v", got)
	}
}

func TestRecord_Fields(t *testing.T) {
	f := Record(`{"status":"success","total":5}`).Fields()
	if f["status"] != "success" || f["total"] != float64(5) {
		t.Errorf("Fields() = %v", f)
	}
}

func TestDecoder_AllYieldsReadError(t *testing.T) {
	boom := errors.New("connection reset")
	r := chunks(`{"a":1}` + "\n")
	r.err = boom

	var got []string
	var gotErr error
	for rec, err := range NewDecoder(r).all() {
		if err != nil {
			gotErr = err
			continue
		}
		got = append(got, string(rec))
	}
	if !equalStrings(got, []string{`{"a":1}`}) || !errors.Is(gotErr, boom) {
		t.Errorf("records = %v, err = %v", got, gotErr)
	}
}

func TestRecord_DecodeLoose(t *testing.T) {
	var p PullProgress
	bad := Record(`{"status":"downloading","total":"12","completed":3,"digest":7}`).decodeLoose(&p)
	if p.Status != "downloading" || p.Completed != 3 || p.Total != 0 || p.Digest != "" {
		t.Errorf("decoded = %+v", p)
	}
	if !equalStrings(bad, []string{"digest", "total"}) {
		t.Errorf("rejected fields = %v", bad)
	}

	var ok PullProgress
	if bad := Record(`{"status":"success"}`).decodeLoose(&ok); bad != nil || ok.Status != "success" {
		t.Errorf("clean record: bad = %v, decoded = %+v", bad, ok)
	}
}
