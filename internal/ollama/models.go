package ollama

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// ModelDetails is the "details" object shared by /api/tags, /api/ps and /api/show.
type ModelDetails struct {
	ParentModel       string   `json:"parent_model,omitempty"`
	Format            string   `json:"format,omitempty"`
	Family            string   `json:"family,omitempty"`
	Families          []string `json:"families,omitempty"`
	ParameterSize     string   `json:"parameter_size,omitempty"`
	QuantizationLevel string   `json:"quantization_level,omitempty"`
}

// ModelInfo is one installed model from GET /api/tags.
type ModelInfo struct {
	Name       string       `json:"name"`
	Model      string       `json:"model"`
	ModifiedAt time.Time    `json:"modified_at"`
	Size       int64        `json:"size"`
	Digest     string       `json:"digest"`
	Details    ModelDetails `json:"details"`
}

// RunningModel is one loaded model from GET /api/ps.
type RunningModel struct {
	Name          string       `json:"name"`
	Model         string       `json:"model"`
	Size          int64        `json:"size"`
	Digest        string       `json:"digest"`
	Details       ModelDetails `json:"details"`
	ExpiresAt     time.Time    `json:"expires_at"`
	SizeVRAM      int64        `json:"size_vram"`
	ContextLength int          `json:"context_length,omitempty"`
}

// ModelDetail is the response of POST /api/show.
type ModelDetail struct {
	Modelfile    string         `json:"modelfile,omitempty"`
	Parameters   string         `json:"parameters,omitempty"`
	Template     string         `json:"template,omitempty"`
	System       string         `json:"system,omitempty"`
	License      string         `json:"license,omitempty"`
	Details      ModelDetails   `json:"details"`
	ModelInfo    map[string]any `json:"model_info,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	ModifiedAt   time.Time      `json:"modified_at"`
}

type modelRequest struct {
	Model string `json:"model"`
}

// IsRunning reports whether the server answers GET /api/tags with a 2xx
// within three seconds. It never returns an error.
func (c *Client) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	resp, err := c.do(ctx, http.MethodGet, "/api/tags", nil)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return isSuccess(resp.StatusCode)
}

// Version returns the server's version string.
func (c *Client) Version(ctx context.Context) (string, error) {
	var v struct {
		Version string `json:"version"`
	}
	if err := c.getJSON(ctx, "version", "/api/version", &v); err != nil {
		return "", err
	}
	return v.Version, nil
}

// ListModels returns all models installed on the server.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	var tags struct {
		Models []ModelInfo `json:"models"`
	}
	if err := c.getJSON(ctx, "list models", "/api/tags", &tags); err != nil {
		return nil, err
	}
	return tags.Models, nil
}

// RunningModels returns the models currently loaded in memory.
func (c *Client) RunningModels(ctx context.Context) ([]RunningModel, error) {
	var ps struct {
		Models []RunningModel `json:"models"`
	}
	if err := c.getJSON(ctx, "list running models", "/api/ps", &ps); err != nil {
		return nil, err
	}
	return ps.Models, nil
}

// ShowModel returns metadata for one model.
func (c *Client) ShowModel(ctx context.Context, name string) (ModelDetail, error) {
	var d ModelDetail
	err := c.sendJSON(ctx, "show", name, http.MethodPost, "/api/show", modelRequest{Model: name}, &d)
	return d, err
}

// DeleteModel removes a model from the server. Any 2xx is success.
func (c *Client) DeleteModel(ctx context.Context, name string) error {
	return c.sendJSON(ctx, "delete", name, http.MethodDelete, "/api/delete", modelRequest{Model: name}, nil)
}

// HasModel reports whether the given model name is present locally.
func (c *Client) HasModel(ctx context.Context, name string) bool {
	models, err := c.ListModels(ctx)
	if err != nil {
		return false
	}
	return containsModel(models, name)
}

func containsModel(models []ModelInfo, name string) bool {
	for _, m := range models {
		// Ollama returns "llama3:latest" for a model pulled as "llama3".
		if m.Name == name || strings.HasPrefix(m.Name, name+":") {
			return true
		}
	}
	return false
}
