package ollama

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrNotRunning is returned by EnsureModel when the server does not answer.
var ErrNotRunning = errors.New("ollama is not running; start it with: ollama serve")

// EnsureModel checks that the server is up and that model is installed,
// pulling it with progress written to w when missing. With warm set, a
// one-word chat loads the model into memory before returning; a failed
// warm-up is reported to w but is not an error.
func EnsureModel(ctx context.Context, c *Client, model string, warm bool, w io.Writer) error {
	if !c.IsRunning(ctx) {
		return ErrNotRunning
	}

	if c.HasModel(ctx, model) {
		fmt.Fprintf(w, "model %s: ready\n", model)
	} else {
		fmt.Fprintf(w, "model %s: pulling...\n", model)
		var streamErr string
		err := c.Pull(ctx, model, func(p PullProgress) {
			if p.Error != "" {
				streamErr = p.Error
				return
			}
			if pct, ok := p.Percent(); ok {
				fmt.Fprintf(w, "  %s %.0f%%\n", p.Status, pct)
			} else {
				fmt.Fprintf(w, "  %s\n", p.Status)
			}
		})
		if err != nil {
			return fmt.Errorf("pulling model %s: %w", model, err)
		}
		if streamErr != "" {
			return fmt.Errorf("pulling model %s: %s", model, streamErr)
		}
		fmt.Fprintf(w, "model %s: ready\n", model)
	}

	if !warm {
		return nil
	}
	fmt.Fprintf(w, "model %s: warming up...\n", model)
	warmCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	_, err := c.Chat(warmCtx, model, []Message{{Role: RoleUser, Content: "ping"}}, nil, Options{"options": map[string]any{"num_predict": 1}})
	if err != nil {
		fmt.Fprintf(w, "model %s: warm-up failed (non-fatal): %v\n", model, err)
	} else {
		fmt.Fprintf(w, "model %s: warm\n", model)
	}
	return nil
}
