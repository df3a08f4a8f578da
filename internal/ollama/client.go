package ollama

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// DefaultBaseURL is where a stock Ollama install listens.
const DefaultBaseURL = "http://localhost:11434"

const healthTimeout = 3 * time.Second

// bufferedTimeout caps every non-streaming request.
var bufferedTimeout = 30 * time.Second

// Client communicates with an Ollama instance over HTTP.
//
// The base URL can be swapped at any time with SetBaseURL; each request reads
// it once when the request is built, so in-flight calls keep their target.
type Client struct {
	mu      sync.RWMutex
	baseURL string

	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client. Streaming calls rely on the
// client having no overall Timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger used for dropped stream lines and request tracing.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a Client targeting the given Ollama base URL. An empty URL
// selects DefaultBaseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 0},
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	c.SetBaseURL(baseURL)
	return c
}

// NormalizeBaseURL trims surrounding whitespace and trailing slashes.
func NormalizeBaseURL(u string) string {
	return strings.TrimRight(strings.TrimSpace(u), "/")
}

// SetBaseURL replaces the server address used by subsequent requests.
func (c *Client) SetBaseURL(u string) {
	u = NormalizeBaseURL(u)
	if u == "" {
		u = DefaultBaseURL
	}
	c.mu.Lock()
	c.baseURL = u
	c.mu.Unlock()
}

// BaseURL returns the server address currently in effect.
func (c *Client) BaseURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.baseURL
}
