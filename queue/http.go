package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/genmedia/comfy-worker/core"
)

// HTTPQueue pulls jobs from and acknowledges results to the platform's
// worker API over HTTP long-polling.
type HTTPQueue struct {
	baseURL  string
	workerID string
	token    string
	httpc    *http.Client
}

var _ Queue = (*HTTPQueue)(nil)

func NewHTTPQueue(baseURL, workerID, token string, timeout time.Duration) *HTTPQueue {
	base := baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}
	return &HTTPQueue{
		baseURL:  strings.TrimSuffix(base, "/"),
		workerID: workerID,
		token:    token,
		httpc:    &http.Client{Timeout: timeout},
	}
}

type takenJob struct {
	ID    string          `json:"id"`
	Input json.RawMessage `json:"input"`
}

func (q *HTTPQueue) PullNextJob(ctx context.Context) (*core.Job, error) {
	url := fmt.Sprintf("%s/job-take/%s", q.baseURL, q.workerID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	q.auth(req)
	resp, err := q.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent:
		return nil, nil
	default:
		return nil, fmt.Errorf("job-take returned status %d: %s", resp.StatusCode, body)
	}
	var tj takenJob
	if err := json.Unmarshal(body, &tj); err != nil {
		return nil, fmt.Errorf("could not parse job-take response: %w", err)
	}
	if tj.ID == "" {
		return nil, fmt.Errorf("job-take response missing job id")
	}
	return core.NewJob(tj.ID, tj.Input), nil
}

func (q *HTTPQueue) Acknowledge(ctx context.Context, jobID string, res *Result) error {
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/job-done/%s/%s", q.baseURL, q.workerID, jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	q.auth(req)
	resp, err := q.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("job-done returned status %d: %s", resp.StatusCode, body)
	}
	return nil
}

func (q *HTTPQueue) auth(req *http.Request) {
	if q.token != "" {
		req.Header.Set("Authorization", "Bearer "+q.token)
	}
}
