package ollama

import "context"

// pullRequest is the JSON body for POST /api/pull.
type pullRequest struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

// PullProgress is one record of a streamed pull.
type PullProgress struct {
	Status    string `json:"status"`
	Digest    string `json:"digest,omitempty"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
	Error     string `json:"error,omitempty"`

	// Record holds the raw line so callers can read fields not modelled here.
	Record Record `json:"-"`
}

// Percent returns completed/total as a percentage. ok is false when the
// record carries no total.
func (p PullProgress) Percent() (pct float64, ok bool) {
	if p.Total <= 0 {
		return 0, false
	}
	return float64(p.Completed) / float64(p.Total) * 100, true
}

// Pull downloads a model, forwarding every progress record to onProgress in
// arrival order. onProgress may be nil.
//
// The stream ending is success. Records that carry an error field are
// forwarded like any other; interpreting them is up to the caller. A field of
// the wrong type is left at its zero value, the raw line stays in Record. Pull
// never retries.
func (c *Client) Pull(ctx context.Context, model string, onProgress func(PullProgress)) error {
	const op, path = "pull", "/api/pull"

	body, err := c.stream(ctx, op, model, path, pullRequest{Model: model, Stream: true})
	if err != nil {
		return err
	}
	defer body.Close()

	for rec, err := range newDecoder(body, c.logger).all() {
		if err != nil {
			return requestError(ctx, op, model, path, err)
		}
		if ctx.Err() != nil {
			break
		}
		var p PullProgress
		if bad := rec.decodeLoose(&p); bad != nil {
			c.logger.Debug("pull: mistyped fields left empty", "model", model, "fields", bad)
		}
		p.Record = rec
		if onProgress != nil {
			onProgress(p)
		}
	}
	if err := ctx.Err(); err != nil {
		return &Error{Kind: KindCancelled, Op: op, Model: model, Path: path, Err: err}
	}
	return nil
}
