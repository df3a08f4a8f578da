// Package pullqueue downloads models in the background from jobs queued in
// the SQLite store, so a pull survives the request that asked for it.
package pullqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/ollamanager/internal/ollama"
	"github.com/kalambet/ollamanager/internal/storage"
)

// JobType is the queue type for model downloads.
const JobType = "model_pull"

// JobStore abstracts the job queue operations.
type JobStore interface {
	EnqueueJob(job storage.Job) error
	ClaimNextJob(types []string) (*storage.Job, error)
	UpdateJobProgress(id, status string, completed, total int64) error
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	ReleaseJob(id string) error
}

// Puller streams a model download.
type Puller interface {
	Pull(ctx context.Context, model string, onProgress func(ollama.PullProgress)) error
}

// Payload is the JSON body of a model_pull job.
type Payload struct {
	Model string `json:"model"`
}

// Enqueue queues a pull of model and returns the job id.
func Enqueue(store JobStore, model string, maxAttempts int) (string, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return "", errors.New("model name is required")
	}
	payload, err := json.Marshal(Payload{Model: model})
	if err != nil {
		return "", err
	}
	id := uuid.New().String()
	if err := store.EnqueueJob(storage.Job{
		ID:          id,
		Type:        JobType,
		PayloadJSON: string(payload),
		MaxAttempts: maxAttempts,
	}); err != nil {
		return "", fmt.Errorf("enqueueing pull of %s: %w", model, err)
	}
	return id, nil
}

// Worker processes model_pull jobs from the SQLite job queue.
type Worker struct {
	store  JobStore
	puller Puller
	poll   time.Duration
	logger *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, puller Puller, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:  store,
		puller: puller,
		poll:   pollInterval,
		logger: slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("pull worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single model_pull job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		if ollama.IsCancelled(err) && ctx.Err() != nil {
			// Shutting down; the pull resumes on the next start.
			w.logger.Info("pull interrupted", "job_id", job.ID)
			if relErr := w.store.ReleaseJob(job.ID); relErr != nil {
				w.logger.Error("failed to release job", "job_id", job.ID, "error", relErr)
			}
			return true, nil
		}
		w.logger.Warn("pull job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	w.logger.Info("model pulled", "job_id", job.ID)
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload Payload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	if payload.Model == "" {
		return errors.New("payload has no model")
	}

	rec := progressRecorder{store: w.store, jobID: job.ID, logger: w.logger}
	var streamErr string
	err := w.puller.Pull(ctx, payload.Model, func(p ollama.PullProgress) {
		if p.Error != "" {
			streamErr = p.Error
			return
		}
		rec.record(p)
	})
	if err != nil {
		return err
	}
	if streamErr != "" {
		return fmt.Errorf("pull %s: %s", payload.Model, streamErr)
	}
	rec.flush()
	return nil
}

// progressRecorder writes pull progress to the store at most once per status
// change or whole percent.
type progressRecorder struct {
	store  JobStore
	jobID  string
	logger *slog.Logger

	last    ollama.PullProgress
	lastPct int
	pending bool
}

func (r *progressRecorder) record(p ollama.PullProgress) {
	pct := -1
	if v, ok := p.Percent(); ok {
		pct = int(v)
	}
	changed := p.Status != r.last.Status || pct != r.lastPct
	r.last, r.lastPct = p, pct
	if !changed {
		r.pending = true
		return
	}
	r.write()
}

func (r *progressRecorder) flush() {
	if r.pending {
		r.write()
	}
}

func (r *progressRecorder) write() {
	r.pending = false
	if err := r.store.UpdateJobProgress(r.jobID, r.last.Status, r.last.Completed, r.last.Total); err != nil {
		r.logger.Warn("recording pull progress", "job_id", r.jobID, "error", err)
	}
}
