// Package session keeps a chat transcript on the caller's side of the
// streaming client and saves finished exchanges to the history store.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/kalambet/ollamanager/internal/ollama"
	"github.com/kalambet/ollamanager/internal/storage"
)

const maxTitleRunes = 60

// Chatter streams one chat reply.
type Chatter interface {
	Chat(ctx context.Context, model string, transcript []ollama.Message, onToken ollama.TokenFunc, opts ollama.Options) (string, error)
}

// History persists conversations. A nil History keeps the session in memory.
type History interface {
	CreateConversation(c storage.Conversation) error
	AppendMessages(conversationID string, msgs []storage.ChatMessage) error
	GetConversation(id string) (storage.Conversation, error)
}

// Session is one conversation with one model. It is safe for use by a single
// sender at a time; Send calls are serialized.
type Session struct {
	chatter Chatter
	history History
	model   string
	opts    ollama.Options

	mu         sync.Mutex
	id         string
	created    bool
	saved      int // leading transcript messages already in history
	transcript []ollama.Message
}

// Option configures a Session.
type Option func(*Session)

// WithSystemPrompt starts the transcript with a system message.
func WithSystemPrompt(prompt string) Option {
	return func(s *Session) {
		if strings.TrimSpace(prompt) != "" {
			s.transcript = append(s.transcript, ollama.Message{Role: ollama.RoleSystem, Content: prompt})
		}
	}
}

// WithOptions sets request fields passed through on every Chat call.
func WithOptions(opts ollama.Options) Option {
	return func(s *Session) { s.opts = opts }
}

// New starts an empty session. The conversation is written to history on the
// first successful exchange.
func New(chatter Chatter, history History, model string, opts ...Option) *Session {
	s := &Session{
		chatter: chatter,
		history: history,
		model:   model,
		id:      uuid.New().String(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Resume reopens a saved conversation, continuing with its model.
func Resume(chatter Chatter, history History, id string, opts ...Option) (*Session, error) {
	if history == nil {
		return nil, errors.New("resuming a conversation requires a history store")
	}
	conv, err := history.GetConversation(id)
	if err != nil {
		return nil, fmt.Errorf("loading conversation %s: %w", id, err)
	}
	s := &Session{
		chatter:   chatter,
		history:   history,
		model:     conv.Model,
		id:      conv.ID,
		created: true,
	}
	for _, o := range opts {
		o(s)
	}
	// A resumed transcript already carries its own system prompt, if any.
	s.transcript = s.transcript[:0]
	for _, m := range conv.Messages {
		s.transcript = append(s.transcript, ollama.Message{Role: m.Role, Content: m.Content})
	}
	s.saved = len(s.transcript)
	return s, nil
}

// ID returns the conversation id.
func (s *Session) ID() string { return s.id }

// Model returns the model this session talks to.
func (s *Session) Model() string { return s.model }

// Transcript returns a copy of the messages exchanged so far.
func (s *Session) Transcript() []ollama.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ollama.Message, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// Send appends the user's text, streams the reply through onToken and, on
// success, appends the assistant turn. A failed or cancelled reply leaves the
// transcript as it was before the call.
func (s *Session) Send(ctx context.Context, text string, onToken ollama.TokenFunc) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("message is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	user := ollama.Message{Role: ollama.RoleUser, Content: text}
	request := make([]ollama.Message, len(s.transcript), len(s.transcript)+1)
	copy(request, s.transcript)
	request = append(request, user)

	reply, err := s.chatter.Chat(ctx, s.model, request, onToken, s.opts)
	if err != nil {
		return "", err
	}

	s.transcript = append(request, ollama.Message{Role: ollama.RoleAssistant, Content: reply})

	if err := s.persist(text); err != nil {
		return reply, fmt.Errorf("saving conversation %s: %w", s.id, err)
	}
	return reply, nil
}

// persist writes every transcript message not yet in history. Messages from
// a failed write stay queued and go out with the next exchange.
func (s *Session) persist(firstUserText string) error {
	if s.history == nil {
		return nil
	}
	if !s.created {
		if err := s.history.CreateConversation(storage.Conversation{
			ID:    s.id,
			Model: s.model,
			Title: Title(firstUserText),
		}); err != nil {
			return err
		}
		s.created = true
	}
	unsaved := s.transcript[s.saved:]
	rows := make([]storage.ChatMessage, len(unsaved))
	for i, m := range unsaved {
		rows[i] = storage.ChatMessage{Role: m.Role, Content: m.Content}
	}
	if err := s.history.AppendMessages(s.id, rows); err != nil {
		return err
	}
	s.saved = len(s.transcript)
	return nil
}

// Title derives a conversation title from the first user message.
func Title(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= maxTitleRunes {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:maxTitleRunes-1])) + "…"
}
