package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/ollamanager/internal/storage"
)

const timeFormat = time.RFC3339

type conversationView struct {
	ID        string        `json:"id"`
	Model     string        `json:"model"`
	Title     string        `json:"title"`
	CreatedAt string        `json:"created_at"`
	UpdatedAt string        `json:"updated_at"`
	Messages  []messageView `json:"messages,omitempty"`
}

type messageView struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

func toConversationView(c storage.Conversation) conversationView {
	v := conversationView{
		ID:        c.ID,
		Model:     c.Model,
		Title:     c.Title,
		CreatedAt: c.CreatedAt.Format(timeFormat),
		UpdatedAt: c.UpdatedAt.Format(timeFormat),
	}
	for _, m := range c.Messages {
		v.Messages = append(v.Messages, messageView{Role: m.Role, Content: m.Content, CreatedAt: m.CreatedAt.Format(timeFormat)})
	}
	return v
}

func handleListConversations(deps ConsoleDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		convs, err := deps.Store.ListConversations(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list conversations: %v", err)
			return
		}
		views := make([]conversationView, 0, len(convs))
		for _, c := range convs {
			views = append(views, toConversationView(c))
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func handleGetConversation(deps ConsoleDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := deps.Store.GetConversation(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "conversation not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get conversation: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, toConversationView(c))
	}
}

func handleDeleteConversation(deps ConsoleDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := deps.Store.DeleteConversation(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "conversation not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete conversation: %v", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
