package ollama

import (
	"context"
	"slices"
	"strings"
	"time"
)

// Message roles understood by /api/chat.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a chat message in the Ollama API format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatChunk is one streamed /api/chat record. Durations are nanoseconds.
type ChatChunk struct {
	Model              string    `json:"model"`
	CreatedAt          time.Time `json:"created_at"`
	Message            Message   `json:"message"`
	Done               bool      `json:"done"`
	DoneReason         string    `json:"done_reason,omitempty"`
	TotalDuration      int64     `json:"total_duration,omitempty"`
	LoadDuration       int64     `json:"load_duration,omitempty"`
	PromptEvalCount    int       `json:"prompt_eval_count,omitempty"`
	PromptEvalDuration int64     `json:"prompt_eval_duration,omitempty"`
	EvalCount          int       `json:"eval_count,omitempty"`
	EvalDuration       int64     `json:"eval_duration,omitempty"`

	// Set by the client on the terminal delivery only.
	Final        bool   `json:"final,omitempty"`
	FullResponse string `json:"full_response,omitempty"`
}

// TokensPerSecond is the generation rate reported in the terminal chunk.
func (c ChatChunk) TokensPerSecond() float64 {
	if c.EvalDuration <= 0 {
		return 0
	}
	return float64(c.EvalCount) / (float64(c.EvalDuration) / float64(time.Second))
}

// TokenFunc receives each non-empty content fragment with the chunk it came
// from. After the terminal record it is called exactly once more with an
// empty fragment and chunk.Final set.
type TokenFunc func(fragment string, chunk ChatChunk)

// Options are extra top-level fields merged into the /api/chat request, for
// example {"options": {"temperature": 0.2}} or {"keep_alive": "5m"}. They are
// passed through unvalidated.
type Options map[string]any

// reserved request fields that Options cannot override.
var reservedChatFields = []string{"model", "messages", "stream"}

func chatBody(model string, transcript []Message, opts Options) map[string]any {
	body := make(map[string]any, len(opts)+3)
	for k, v := range opts {
		if slices.Contains(reservedChatFields, k) {
			continue
		}
		body[k] = v
	}
	if transcript == nil {
		transcript = []Message{}
	}
	body["model"] = model
	body["messages"] = transcript
	body["stream"] = true
	return body
}

// Chat streams a reply to transcript from model and returns the full text.
//
// onToken (may be nil) is called synchronously for every fragment in arrival
// order, then once with the terminal chunk. Reading stops at the first record
// marked done. If ctx is cancelled the partial text is discarded and a
// KindCancelled error is returned; fragments already delivered stand.
func (c *Client) Chat(ctx context.Context, model string, transcript []Message, onToken TokenFunc, opts Options) (string, error) {
	const op, path = "chat", "/api/chat"

	body, err := c.stream(ctx, op, model, path, chatBody(model, transcript, opts))
	if err != nil {
		return "", err
	}
	defer body.Close()

	cancelled := func() error {
		if err := ctx.Err(); err != nil {
			return &Error{Kind: KindCancelled, Op: op, Model: model, Path: path, Err: err}
		}
		return nil
	}

	var full strings.Builder
	for rec, err := range newDecoder(body, c.logger).all() {
		if err != nil {
			return "", requestError(ctx, op, model, path, err)
		}
		if err := cancelled(); err != nil {
			return "", err
		}

		var chunk ChatChunk
		if bad := rec.decodeLoose(&chunk); bad != nil {
			c.logger.Debug("chat: mistyped fields left empty", "model", model, "fields", bad)
		}

		if frag := chunk.Message.Content; frag != "" {
			full.WriteString(frag)
			if onToken != nil {
				onToken(frag, chunk)
			}
		}

		if chunk.Done {
			chunk.Final = true
			chunk.FullResponse = full.String()
			if onToken != nil {
				onToken("", chunk)
			}
			return full.String(), nil
		}
	}
	if err := cancelled(); err != nil {
		return "", err
	}
	return full.String(), nil
}
