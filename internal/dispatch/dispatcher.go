// Package dispatch hands enqueued jobs to the external mosaic worker.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for dispatch failures.
var (
	ErrWorkerUnreachable = errors.New("worker unreachable")
	ErrWorkerRejected    = errors.New("worker rejected job")
)

// JobPayload is the enqueue message handed to the worker. It carries the
// per-job secret token; the worker echoes it back on status callbacks.
type JobPayload struct {
	JobID        uuid.UUID `json:"job_id"`
	Username     string    `json:"username"`
	ProjectID    uuid.UUID `json:"project_id"`
	Token        string    `json:"token"`
	N            int       `json:"n"`
	Algorithm    string    `json:"algorithm"`
	ColorSpace   string    `json:"color_space"`
	Subdivisions int       `json:"subdivisions"`
	Repetitions  int       `json:"repetitions"`
	CropCount    int       `json:"crop_count"`
	Target       string    `json:"target"`
	Tiles        []string  `json:"tiles"`
}

// Dispatcher submits jobs to the processing worker.
type Dispatcher interface {
	Submit(ctx context.Context, payload JobPayload) error
}

// HTTPDispatcher implements Dispatcher against the worker's HTTP API.
type HTTPDispatcher struct {
	baseURL string
	client  *http.Client
}

// NewHTTPDispatcher creates a dispatcher for the worker at baseURL. The
// timeout bounds the single enqueue call; there are no retries.
func NewHTTPDispatcher(baseURL string, timeout time.Duration) *HTTPDispatcher {
	return &HTTPDispatcher{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (d *HTTPDispatcher) Submit(ctx context.Context, payload JobPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/enqueue", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWorkerUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", ErrWorkerRejected, resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
