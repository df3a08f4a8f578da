package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxErrorBody bounds how much of a failed response is kept as error detail.
const maxErrorBody = 4 << 10

// do sends one request against the current base URL. A non-nil body is
// JSON-encoded. Status codes are not inspected here.
func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding %s body: %w", path, err)
		}
		rdr = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL()+path, rdr)
	if err != nil {
		return nil, fmt.Errorf("creating %s request: %w", path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	c.logger.Debug("ollama request", "method", method, "url", req.URL.String())
	return c.httpClient.Do(req)
}

// statusError reads a bounded slice of a non-2xx body and turns it into an
// *Error. Ollama reports failures as {"error": "..."}; anything else is kept raw.
func statusError(op, model, path string, resp *http.Response) *Error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	detail := strings.TrimSpace(string(raw))
	var envelope struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &envelope) == nil && envelope.Error != "" {
		detail = envelope.Error
	}
	return &Error{
		Kind:       KindStatus,
		Op:         op,
		Model:      model,
		Path:       path,
		StatusCode: resp.StatusCode,
		Detail:     detail,
	}
}

func isSuccess(code int) bool { return code >= 200 && code < 300 }

// sendJSON performs a buffered request and decodes a 2xx body into out.
// A nil out discards the body.
func (c *Client) sendJSON(parent context.Context, op, model, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(parent, bufferedTimeout)
	defer cancel()

	resp, err := c.do(ctx, method, path, in)
	if err != nil {
		return requestError(parent, op, model, path, err)
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		return statusError(op, model, path, resp)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return requestError(parent, op, model, path, err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &Error{Kind: KindDecode, Op: op, Model: model, Path: path, Err: err}
	}
	return nil
}

// getJSON is sendJSON for GET requests without a body.
func (c *Client) getJSON(ctx context.Context, op, path string, out any) error {
	return c.sendJSON(ctx, op, "", http.MethodGet, path, nil, out)
}

// stream performs a request whose body is consumed incrementally. On a 2xx
// status the caller owns the returned body and must close it.
func (c *Client) stream(ctx context.Context, op, model, path string, in any) (io.ReadCloser, error) {
	resp, err := c.do(ctx, http.MethodPost, path, in)
	if err != nil {
		return nil, requestError(ctx, op, model, path, err)
	}
	if !isSuccess(resp.StatusCode) {
		defer resp.Body.Close()
		return nil, statusError(op, model, path, resp)
	}
	return resp.Body, nil
}
