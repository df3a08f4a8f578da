package ollama

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestEnsureModel_OllamaDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	var buf bytes.Buffer
	err := EnsureModel(context.Background(), New(srv.URL), "phi3.5", false, &buf)
	if !errors.Is(err, ErrNotRunning) {
		t.Fatalf("err = %v, want ErrNotRunning", err)
	}
}

func TestEnsureModel_AlreadyPresent(t *testing.T) {
	var pulled bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			w.Write(tagsJSON("phi3.5:latest"))
		case "/api/pull":
			pulled = true
		}
	}))
	defer srv.Close()

	var buf bytes.Buffer
	if err := EnsureModel(context.Background(), New(srv.URL), "phi3.5", false, &buf); err != nil {
		t.Fatalf("EnsureModel: %v", err)
	}
	if pulled {
		t.Error("pulled a model that was already installed")
	}
	if !strings.Contains(buf.String(), "model phi3.5: ready") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestEnsureModel_PullsAndWarms(t *testing.T) {
	var chatted bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			w.Write(tagsJSON())
		case "/api/pull":
			fmt.Fprintln(w, `{"status":"downloading","total":4,"completed":1}`)
			fmt.Fprintln(w, `{"status":"success"}`)
		case "/api/chat":
			chatted = true
			fmt.Fprintln(w, doneLine)
		}
	}))
	defer srv.Close()

	var buf bytes.Buffer
	if err := EnsureModel(context.Background(), New(srv.URL), "llama3", true, &buf); err != nil {
		t.Fatalf("EnsureModel: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "downloading 25%") {
		t.Errorf("output missing progress: %q", out)
	}
	if !chatted || !strings.Contains(out, "model llama3: warm") {
		t.Errorf("model was not warmed: %q", out)
	}
}

func TestEnsureModel_PullErrorRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			w.Write(tagsJSON())
		case "/api/pull":
			fmt.Fprintln(w, `{"error":"file does not exist"}`)
		}
	}))
	defer srv.Close()

	var buf bytes.Buffer
	err := EnsureModel(context.Background(), New(srv.URL), "ghost", false, &buf)
	if err == nil || !strings.Contains(err.Error(), "file does not exist") {
		t.Fatalf("err = %v, want stream error surfaced", err)
	}
}
