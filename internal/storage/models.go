package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Job statuses.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Conversation is a saved chat with one model.
type Conversation struct {
	ID        string
	Model     string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
	Messages  []ChatMessage // populated by GetConversation only
}

// ChatMessage is one turn of a saved conversation. Seq is assigned on append.
type ChatMessage struct {
	Seq       int
	Role      string
	Content   string
	CreatedAt time.Time
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string

	ProgressStatus    string
	ProgressCompleted int64
	ProgressTotal     int64
}
