// Package settings owns the console's persisted settings blob and keeps the
// Ollama client's base URL in step with it.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/kalambet/ollamanager/internal/ollama"
	"github.com/kalambet/ollamanager/internal/storage"
)

// StorageKey is the fixed key the settings blob is stored under.
const StorageKey = "ollamanager_settings"

var testTimeout = 5 * time.Second

// Settings is the persisted blob. Unknown fields in a stored blob are dropped
// on the next Save.
type Settings struct {
	BaseURL string `json:"baseUrl"`
}

// Store is the key-value persistence the manager needs.
type Store interface {
	GetSetting(key string) (string, error)
	PutSetting(key, value string) error
}

// URLTarget receives the active base URL.
type URLTarget interface {
	SetBaseURL(u string)
}

// Manager loads the settings once at construction and writes them back
// wholesale on Save.
type Manager struct {
	store  Store
	target URLTarget

	mu         sync.RWMutex
	current    Settings
	firstVisit bool
}

// NewManager reads the stored blob. When nothing is stored, or the blob does
// not parse, fallbackURL is used and the manager reports a first visit. The
// resulting base URL is applied to target.
func NewManager(store Store, target URLTarget, fallbackURL string) (*Manager, error) {
	m := &Manager{store: store, target: target}

	raw, err := store.GetSetting(StorageKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		m.firstVisit = true
	case err != nil:
		return nil, fmt.Errorf("loading settings: %w", err)
	default:
		if jerr := json.Unmarshal([]byte(raw), &m.current); jerr != nil {
			m.firstVisit = true
			m.current = Settings{}
		}
	}

	m.current.BaseURL = ollama.NormalizeBaseURL(m.current.BaseURL)
	if m.current.BaseURL == "" {
		m.current.BaseURL = ollama.NormalizeBaseURL(fallbackURL)
	}
	if m.current.BaseURL == "" {
		m.current.BaseURL = ollama.DefaultBaseURL
	}
	if target != nil {
		target.SetBaseURL(m.current.BaseURL)
	}
	return m, nil
}

// Get returns the settings in effect.
func (m *Manager) Get() Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// IsFirstVisit reports whether no settings had been saved when the manager
// was created and none have been saved since.
func (m *Manager) IsFirstVisit() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.firstVisit
}

// Save validates s, persists it over any previous blob and switches the
// client to the new base URL.
func (m *Manager) Save(s Settings) (Settings, error) {
	s.BaseURL = ollama.NormalizeBaseURL(s.BaseURL)
	if err := ValidateBaseURL(s.BaseURL); err != nil {
		return Settings{}, err
	}

	raw, err := json.Marshal(s)
	if err != nil {
		return Settings{}, err
	}
	if err := m.store.PutSetting(StorageKey, string(raw)); err != nil {
		return Settings{}, fmt.Errorf("saving settings: %w", err)
	}

	m.mu.Lock()
	m.current = s
	m.firstVisit = false
	m.mu.Unlock()

	if m.target != nil {
		m.target.SetBaseURL(s.BaseURL)
	}
	return s, nil
}

// ValidateBaseURL requires an absolute http or https URL with a host.
func ValidateBaseURL(raw string) error {
	if raw == "" {
		return errors.New("base URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid base URL %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid base URL %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid base URL %q: missing host", raw)
	}
	return nil
}

// ConnectionReport is the result of probing a server address.
type ConnectionReport struct {
	BaseURL    string `json:"base_url"`
	ModelCount int    `json:"model_count"`
	Version    string `json:"version,omitempty"`
}

// TestConnection checks baseURL without touching the saved settings. A
// failing version lookup is tolerated; a failing model listing is not.
func TestConnection(ctx context.Context, baseURL string, opts ...ollama.Option) (ConnectionReport, error) {
	baseURL = ollama.NormalizeBaseURL(baseURL)
	if err := ValidateBaseURL(baseURL); err != nil {
		return ConnectionReport{}, err
	}

	parent := ctx
	ctx, cancel := context.WithTimeout(parent, testTimeout)
	defer cancel()

	c := ollama.New(baseURL, opts...)
	models, err := c.ListModels(ctx)
	if err != nil {
		if parent.Err() == nil {
			err = ollama.Timeout(ctx, err)
		}
		return ConnectionReport{}, err
	}
	report := ConnectionReport{BaseURL: baseURL, ModelCount: len(models)}
	if v, err := c.Version(ctx); err == nil {
		report.Version = v
	}
	return report, nil
}
