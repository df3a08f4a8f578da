package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// tagsJSON builds a /api/tags response with the given model names.
func tagsJSON(names ...string) []byte {
	type entry struct {
		Name string `json:"name"`
		Size int64  `json:"size"`
	}
	type resp struct {
		Models []entry `json:"models"`
	}
	r := resp{Models: []entry{}}
	for _, n := range names {
		r.Models = append(r.Models, entry{Name: n, Size: 1000})
	}
	b, _ := json.Marshal(r)
	return b
}

func TestNew_TrimsTrailingSlashes(t *testing.T) {
	c := New("http://example:11434///")
	if got := c.BaseURL(); got != "http://example:11434" {
		t.Errorf("BaseURL() = %q, want %q", got, "http://example:11434")
	}
}

func TestNew_EmptyUsesDefault(t *testing.T) {
	c := New("")
	if got := c.BaseURL(); got != DefaultBaseURL {
		t.Errorf("BaseURL() = %q, want %q", got, DefaultBaseURL)
	}
}

func TestSetBaseURL_Idempotent(t *testing.T) {
	c := New("")
	c.SetBaseURL("http://h:1/")
	first := c.BaseURL()
	c.SetBaseURL("http://h:1/")
	if c.BaseURL() != first {
		t.Errorf("second SetBaseURL changed value: %q -> %q", first, c.BaseURL())
	}
}

func TestSetBaseURL_NextRequestUsesNewHost(t *testing.T) {
	var hitsA, hitsB int
	var mu sync.Mutex
	a := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hitsA++
		mu.Unlock()
		w.Write([]byte(`{"version":"a"}`))
	}))
	defer a.Close()
	b := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hitsB++
		mu.Unlock()
		w.Write([]byte(`{"version":"b"}`))
	}))
	defer b.Close()

	c := New(a.URL)
	if v, err := c.Version(context.Background()); err != nil || v != "a" {
		t.Fatalf("Version() = %q, %v; want a", v, err)
	}
	c.SetBaseURL(b.URL + "/")
	if v, err := c.Version(context.Background()); err != nil || v != "b" {
		t.Fatalf("Version() = %q, %v; want b", v, err)
	}
	if hitsA != 1 || hitsB != 1 {
		t.Errorf("hits a=%d b=%d, want 1 and 1", hitsA, hitsB)
	}
}

func TestIsRunning_Up(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("path = %q, want /api/tags", r.URL.Path)
		}
		w.Write(tagsJSON("phi3.5:latest"))
	}))
	defer srv.Close()

	c := New(srv.URL)
	if !c.IsRunning(context.Background()) {
		t.Error("IsRunning() = false, want true")
	}
}

func TestIsRunning_Down(t *testing.T) {
	// Point at a closed server to simulate connection refused.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := New(srv.URL)
	if c.IsRunning(context.Background()) {
		t.Error("IsRunning() = true, want false")
	}
}

func TestIsRunning_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	if New(srv.URL).IsRunning(context.Background()) {
		t.Error("IsRunning() = true on 500, want false")
	}
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"models":[
			{"name":"llama3:latest","size":4661224676,"digest":"abc","details":{"family":"llama","parameter_size":"8.0B","quantization_level":"Q4_0"}},
			{"name":"nomic-embed-text:latest","size":274302450}
		]}`))
	}))
	defer srv.Close()

	models, err := New(srv.URL).ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("got %d models, want 2", len(models))
	}
	if models[0].Name != "llama3:latest" || models[0].Size != 4661224676 {
		t.Errorf("models[0] = %+v", models[0])
	}
	if models[0].Details.ParameterSize != "8.0B" || models[0].Details.QuantizationLevel != "Q4_0" {
		t.Errorf("details = %+v", models[0].Details)
	}
}

func TestListModels_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":"loading"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).ListModels(context.Background())
	if !IsStatus(err, http.StatusServiceUnavailable) {
		t.Fatalf("err = %v, want status 503", err)
	}
	var oe *Error
	errors.As(err, &oe)
	if oe.Detail != "loading" {
		t.Errorf("Detail = %q, want %q", oe.Detail, "loading")
	}
}

func TestListModels_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	_, err := New(srv.URL).ListModels(context.Background())
	if !IsConnectivity(err) {
		t.Fatalf("err = %v, want connectivity error", err)
	}
}

// hangingServer never answers until the client hangs up.
func hangingServer(t *testing.T) *httptest.Server {
	t.Helper()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })
	return srv
}

func TestListModels_ClientTimeoutIsConnectivity(t *testing.T) {
	defer func(d time.Duration) { bufferedTimeout = d }(bufferedTimeout)
	bufferedTimeout = 50 * time.Millisecond
	srv := hangingServer(t)

	_, err := New(srv.URL).ListModels(context.Background())
	if !IsConnectivity(err) {
		t.Fatalf("err = %v, want connectivity error", err)
	}
	if IsCancelled(err) {
		t.Errorf("client timeout reported as cancellation: %v", err)
	}
}

func TestListModels_CallerDeadlineIsCancelled(t *testing.T) {
	srv := hangingServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := New(srv.URL).ListModels(ctx)
	if !IsCancelled(err) || IsConnectivity(err) {
		t.Fatalf("err = %v, want cancellation", err)
	}
}

func TestTimeout_ConvertsOwnDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	<-ctx.Done()

	cancelled := &Error{Kind: KindCancelled, Op: "list models", Err: ctx.Err()}
	if err := Timeout(ctx, cancelled); !IsConnectivity(err) {
		t.Errorf("Timeout() = %v, want connectivity error", err)
	}

	live := context.Background()
	if err := Timeout(live, cancelled); err != error(cancelled) {
		t.Errorf("Timeout() with live ctx = %v, want unchanged", err)
	}
	status := &Error{Kind: KindStatus, StatusCode: 500}
	if err := Timeout(ctx, status); err != error(status) {
		t.Errorf("Timeout() changed a status error: %v", err)
	}
}

func TestListModels_BadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).ListModels(context.Background())
	var oe *Error
	if !errors.As(err, &oe) || oe.Kind != KindDecode {
		t.Fatalf("err = %v, want decode error", err)
	}
}

func TestRunningModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/ps" {
			t.Errorf("path = %q, want /api/ps", r.URL.Path)
		}
		w.Write([]byte(`{"models":[{"name":"llama3:latest","size":6000,"size_vram":5000,"expires_at":"2026-01-01T00:00:00Z"}]}`))
	}))
	defer srv.Close()

	running, err := New(srv.URL).RunningModels(context.Background())
	if err != nil {
		t.Fatalf("RunningModels: %v", err)
	}
	if len(running) != 1 || running[0].SizeVRAM != 5000 {
		t.Errorf("running = %+v", running)
	}
}

func TestShowModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/show" {
			t.Errorf("got %s %s, want POST /api/show", r.Method, r.URL.Path)
		}
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		if req["model"] != "llama3" {
			t.Errorf("model = %v, want llama3", req["model"])
		}
		w.Write([]byte(`{"template":"{{ .Prompt }}","license":"MIT","details":{"family":"llama"},"model_info":{"general.architecture":"llama"}}`))
	}))
	defer srv.Close()

	d, err := New(srv.URL).ShowModel(context.Background(), "llama3")
	if err != nil {
		t.Fatalf("ShowModel: %v", err)
	}
	if d.Template != "{{ .Prompt }}" || d.License != "MIT" || d.Details.Family != "llama" {
		t.Errorf("detail = %+v", d)
	}
	if d.ModelInfo["general.architecture"] != "llama" {
		t.Errorf("model_info = %v", d.ModelInfo)
	}
}

func TestShowModel_NotFoundNamesModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"model 'ghost' not found"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).ShowModel(context.Background(), "ghost")
	if !IsStatus(err, http.StatusNotFound) {
		t.Fatalf("err = %v, want 404 status error", err)
	}
	if !strings.Contains(err.Error(), "show ghost") {
		t.Errorf("error %q does not name the operation and model", err)
	}
}

func TestDeleteModel(t *testing.T) {
	var gotMethod, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
	}))
	defer srv.Close()

	if err := New(srv.URL).DeleteModel(context.Background(), "llama3"); err != nil {
		t.Fatalf("DeleteModel: %v", err)
	}
	if gotMethod != http.MethodDelete {
		t.Errorf("method = %q, want DELETE", gotMethod)
	}
	if gotBody != `{"model":"llama3"}` {
		t.Errorf("body = %q", gotBody)
	}
}

func TestDeleteModel_NoContentIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if err := New(srv.URL).DeleteModel(context.Background(), "llama3"); err != nil {
		t.Fatalf("DeleteModel on 204: %v", err)
	}
}

func TestHasModel_Present(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tagsJSON("phi3.5:latest", "mistral-nemo:latest"))
	}))
	defer srv.Close()

	c := New(srv.URL)
	if !c.HasModel(context.Background(), "phi3.5") {
		t.Error("HasModel(phi3.5) = false, want true")
	}
	if !c.HasModel(context.Background(), "mistral-nemo:latest") {
		t.Error("HasModel(mistral-nemo:latest) = false, want true")
	}
}

func TestHasModel_Absent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tagsJSON("phi3.5:latest"))
	}))
	defer srv.Close()

	if New(srv.URL).HasModel(context.Background(), "phi3") {
		t.Error("HasModel(phi3) = true, want false")
	}
}

func TestOverview(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			w.Write(tagsJSON("a:latest", "b:latest"))
		case "/api/ps":
			w.Write([]byte(`{"models":[{"name":"a:latest","size":700,"size_vram":300}]}`))
		case "/api/version":
			w.Write([]byte(`{"version":"0.5.1"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ov, err := New(srv.URL).Overview(context.Background())
	if err != nil {
		t.Fatalf("Overview: %v", err)
	}
	if ov.Version != "0.5.1" {
		t.Errorf("Version = %q", ov.Version)
	}
	if ov.TotalSize != 2000 {
		t.Errorf("TotalSize = %d, want 2000", ov.TotalSize)
	}
	if ov.TotalVRAM != 300 || ov.RunningMemory != 700 {
		t.Errorf("TotalVRAM = %d RunningMemory = %d, want 300 and 700", ov.TotalVRAM, ov.RunningMemory)
	}
}

func TestOverview_OneFailureFailsAll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/ps" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"models":[],"version":"x"}`))
	}))
	defer srv.Close()

	if _, err := New(srv.URL).Overview(context.Background()); !IsStatus(err, 500) {
		t.Fatalf("err = %v, want status 500", err)
	}
}
