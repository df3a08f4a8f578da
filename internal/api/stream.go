package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/kalambet/ollamanager/internal/ollama"
	"github.com/kalambet/ollamanager/internal/session"
	"github.com/kalambet/ollamanager/internal/storage"
)

// ndjsonWriter lazily starts a 200 NDJSON response on the first event, so a
// failure before any event can still be answered with a proper error status.
type ndjsonWriter struct {
	w       http.ResponseWriter
	r       *http.Request
	flusher http.Flusher
	started bool
}

func newNDJSONWriter(w http.ResponseWriter, r *http.Request) *ndjsonWriter {
	fl, _ := w.(http.Flusher)
	return &ndjsonWriter{w: w, r: r, flusher: fl}
}

func (n *ndjsonWriter) write(v any) {
	if !n.started {
		n.w.Header().Set("Content-Type", "application/x-ndjson")
		n.w.Header().Set("Cache-Control", "no-cache")
		n.w.WriteHeader(http.StatusOK)
		n.started = true
	}
	b, err := json.Marshal(v)
	if err != nil {
		slog.Error("encoding stream event", "error", err)
		return
	}
	n.w.Write(append(b, '\n'))
	if n.flusher != nil {
		n.flusher.Flush()
	}
}

// fail reports err either as an error status (nothing sent yet) or as a
// final {"error": ...} line.
func (n *ndjsonWriter) fail(err error) {
	if ollama.IsCancelled(err) && n.r.Context().Err() != nil {
		return
	}
	if !n.started {
		upstreamError(n.w, n.r, err)
		return
	}
	n.write(map[string]string{"error": err.Error()})
}

type pullRequest struct {
	Model string `json:"model"`
}

// handlePull relays Ollama's pull progress records to the caller unchanged.
func handlePull(deps ConsoleDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req pullRequest
		if !decodeBody(w, r, &req) {
			return
		}
		model := strings.TrimSpace(req.Model)
		if model == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "model is required")
			return
		}

		out := newNDJSONWriter(w, r)
		err := deps.Client.Pull(r.Context(), model, func(p ollama.PullProgress) {
			out.write(p.Record)
		})
		if err != nil {
			slog.Warn("pull relay failed", "model", model, "error", err)
			out.fail(err)
			return
		}
		if !out.started {
			// Empty stream: still a success, tell the caller so.
			out.write(map[string]string{"status": "success"})
		}
	}
}

type chatRequest struct {
	Model          string           `json:"model"`
	Messages       []ollama.Message `json:"messages"`
	Options        map[string]any   `json:"options,omitempty"`
	KeepAlive      string           `json:"keep_alive,omitempty"`
	ConversationID string           `json:"conversation_id,omitempty"`
	Save           bool             `json:"save,omitempty"`
}

type chatStats struct {
	TotalDuration      int64   `json:"total_duration,omitempty"`
	LoadDuration       int64   `json:"load_duration,omitempty"`
	PromptEvalCount    int     `json:"prompt_eval_count,omitempty"`
	PromptEvalDuration int64   `json:"prompt_eval_duration,omitempty"`
	EvalCount          int     `json:"eval_count,omitempty"`
	EvalDuration       int64   `json:"eval_duration,omitempty"`
	TokensPerSecond    float64 `json:"tokens_per_second,omitempty"`
	DoneReason         string  `json:"done_reason,omitempty"`
}

type chatEvent struct {
	Type           string     `json:"type"` // "token" or "done"
	Content        string     `json:"content,omitempty"`
	Response       string     `json:"response,omitempty"`
	Stats          *chatStats `json:"stats,omitempty"`
	ConversationID string     `json:"conversation_id,omitempty"`
}

// handleChat streams one assistant reply as NDJSON token events followed by
// a done event carrying the full text and generation stats.
func handleChat(deps ConsoleDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Model == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "model is required")
			return
		}
		if len(req.Messages) == 0 || req.Messages[len(req.Messages)-1].Role != ollama.RoleUser {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "messages must end with a user message")
			return
		}

		opts := ollama.Options{}
		if len(req.Options) > 0 {
			opts["options"] = req.Options
		}
		if req.KeepAlive != "" {
			opts["keep_alive"] = req.KeepAlive
		}

		save := req.Save && deps.SaveHistory && deps.Store != nil
		convID := req.ConversationID
		if save && convID == "" {
			convID = uuid.New().String()
		}

		out := newNDJSONWriter(w, r)
		var final *ollama.ChatChunk
		reply, err := deps.Client.Chat(r.Context(), req.Model, req.Messages, func(frag string, c ollama.ChatChunk) {
			if c.Final {
				final = &c
				return
			}
			out.write(chatEvent{Type: "token", Content: frag})
		}, opts)
		if err != nil {
			slog.Warn("chat stream failed", "model", req.Model, "error", err)
			out.fail(err)
			return
		}

		if save {
			if err := saveExchange(deps.Store, convID, req.Model, req.Messages[len(req.Messages)-1], reply); err != nil {
				slog.Error("saving conversation", "conversation_id", convID, "error", err)
				convID = ""
			}
		} else {
			convID = ""
		}

		done := chatEvent{Type: "done", Response: reply, ConversationID: convID}
		if final != nil {
			done.Stats = &chatStats{
				TotalDuration:      final.TotalDuration,
				LoadDuration:       final.LoadDuration,
				PromptEvalCount:    final.PromptEvalCount,
				PromptEvalDuration: final.PromptEvalDuration,
				EvalCount:          final.EvalCount,
				EvalDuration:       final.EvalDuration,
				TokensPerSecond:    final.TokensPerSecond(),
				DoneReason:         final.DoneReason,
			}
		}
		out.write(done)
	}
}

// saveExchange appends the user turn and reply to a conversation, creating
// it on first use.
func saveExchange(store *storage.Store, id, model string, user ollama.Message, reply string) error {
	_, err := store.GetConversation(id)
	if errors.Is(err, storage.ErrNotFound) {
		err = store.CreateConversation(storage.Conversation{ID: id, Model: model, Title: session.Title(user.Content)})
	}
	if err != nil {
		return err
	}
	return store.AppendMessages(id, []storage.ChatMessage{
		{Role: ollama.RoleUser, Content: user.Content},
		{Role: ollama.RoleAssistant, Content: reply},
	})
}
