package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// streamServer writes each line followed by a newline and a flush.
func streamServer(t *testing.T, path string, lines ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != path {
			t.Errorf("path = %q, want %q", r.URL.Path, path)
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		fl := w.(http.Flusher)
		for _, l := range lines {
			fmt.Fprintln(w, l)
			fl.Flush()
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// droppingServer sends lines under a Content-Length it never fulfils, then
// closes the connection.
func droppingServer(t *testing.T, lines ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, buf, err := w.(http.Hijacker).Hijack()
		if err != nil {
			t.Errorf("hijack: %v", err)
			return
		}
		defer conn.Close()
		body := strings.Join(lines, "\n") + "\n"
		fmt.Fprintf(buf, "HTTP/1.1 200 OK\r\nContent-Type: application/x-ndjson\r\nContent-Length: %d\r\n\r\n%s",
			len(body)+1024, body)
		buf.Flush()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPull_Progress(t *testing.T) {
	srv := streamServer(t, "/api/pull",
		`{"status":"pulling manifest"}`,
		`{"status":"downloading","digest":"sha256:abc","total":100,"completed":50}`,
		`{"status":"downloading","digest":"sha256:abc","total":100,"completed":100}`,
		`{"status":"success"}`,
	)

	var events []PullProgress
	err := New(srv.URL).Pull(context.Background(), "phi3.5", func(p PullProgress) {
		events = append(events, p)
	})
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("got %d events, want 4", len(events))
	}
	if pct, ok := events[1].Percent(); !ok || pct != 50 {
		t.Errorf("events[1].Percent() = %v, %v; want 50, true", pct, ok)
	}
	if _, ok := events[0].Percent(); ok {
		t.Error("events[0].Percent() ok = true for record without total")
	}
	if events[1].Digest != "sha256:abc" {
		t.Errorf("Digest = %q", events[1].Digest)
	}
	if events[3].Status != "success" {
		t.Errorf("last status = %q, want success", events[3].Status)
	}
	if !bytes.Contains(events[3].Record, []byte(`"success"`)) {
		t.Errorf("raw record = %s", events[3].Record)
	}
}

func TestPull_RequestBody(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&body)
	}))
	defer srv.Close()

	if err := New(srv.URL).Pull(context.Background(), "llama3", nil); err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if body["model"] != "llama3" || body["stream"] != true {
		t.Errorf("request body = %v", body)
	}
}

func TestPull_EndWithoutSuccessMarker(t *testing.T) {
	srv := streamServer(t, "/api/pull",
		`{"status":"pulling manifest"}`,
		`{"status":"downloading","total":10,"completed":3}`,
	)

	var n int
	err := New(srv.URL).Pull(context.Background(), "m", func(PullProgress) { n++ })
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if n != 2 {
		t.Errorf("callbacks = %d, want 2", n)
	}
}

func TestPull_MalformedLinesSkipped(t *testing.T) {
	srv := streamServer(t, "/api/pull",
		`{"status":"one"}`,
		`{"status":`,
		`{"status":"two"}`,
	)

	var statuses []string
	if err := New(srv.URL).Pull(context.Background(), "m", func(p PullProgress) {
		statuses = append(statuses, p.Status)
	}); err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if strings.Join(statuses, ",") != "one,two" {
		t.Errorf("statuses = %v, want [one two]", statuses)
	}
}

func TestPull_MistypedFieldStillForwarded(t *testing.T) {
	srv := streamServer(t, "/api/pull", `{"status":"downloading","total":"12","completed":4}`)

	var got []PullProgress
	if err := New(srv.URL).Pull(context.Background(), "m", func(p PullProgress) {
		got = append(got, p)
	}); err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("callbacks = %d, want 1", len(got))
	}
	if got[0].Status != "downloading" || got[0].Completed != 4 || got[0].Total != 0 {
		t.Errorf("progress = %+v", got[0])
	}
	if got[0].Record.Fields()["total"] != "12" {
		t.Errorf("raw record lost the original field: %s", got[0].Record)
	}
}

func TestPull_ErrorRecordForwarded(t *testing.T) {
	srv := streamServer(t, "/api/pull",
		`{"status":"pulling manifest"}`,
		`{"error":"pull model manifest: file does not exist"}`,
	)

	var last PullProgress
	err := New(srv.URL).Pull(context.Background(), "nope", func(p PullProgress) { last = p })
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if last.Error == "" {
		t.Error("error record was not forwarded")
	}
}

func TestPull_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"status":"should not be decoded"}` + "\n"))
	}))
	defer srv.Close()

	var called bool
	err := New(srv.URL).Pull(context.Background(), "llama3", func(PullProgress) { called = true })
	if !IsStatus(err, http.StatusInternalServerError) {
		t.Fatalf("err = %v, want status 500", err)
	}
	if called {
		t.Error("progress callback invoked for non-2xx response")
	}
	if !strings.Contains(err.Error(), "llama3") {
		t.Errorf("error %q does not name the model", err)
	}
}

func TestPull_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	err := New(srv.URL).Pull(context.Background(), "m", nil)
	if !IsConnectivity(err) {
		t.Fatalf("err = %v, want connectivity error", err)
	}
}

func TestPull_CancelMidStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fl := w.(http.Flusher)
		fmt.Fprintln(w, `{"status":"pulling manifest"}`)
		fmt.Fprintln(w, `{"status":"downloading","total":100,"completed":10}`)
		fl.Flush()
		select {
		case <-r.Context().Done():
			return
		case <-time.After(5 * time.Second):
		}
		fmt.Fprintln(w, `{"status":"success"}`)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got []string
	err := New(srv.URL).Pull(ctx, "llama3", func(p PullProgress) {
		got = append(got, p.Status)
		if len(got) == 2 {
			cancel()
		}
	})
	if !IsCancelled(err) {
		t.Fatalf("err = %v, want cancellation", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err does not wrap context.Canceled: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("records = %v, want the two sent before cancel", got)
	}
}

func TestPull_ConnectionDropped(t *testing.T) {
	srv := droppingServer(t,
		`{"status":"pulling manifest"}`,
		`{"status":"downloading","total":100,"completed":10}`,
	)

	var got []string
	err := New(srv.URL).Pull(context.Background(), "llama3", func(p PullProgress) {
		got = append(got, p.Status)
	})
	if !IsConnectivity(err) {
		t.Fatalf("err = %v, want connectivity error", err)
	}
	if len(got) != 2 || got[1] != "downloading" {
		t.Errorf("records = %v, want both delivered before the error", got)
	}
}
