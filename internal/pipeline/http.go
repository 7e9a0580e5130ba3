package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"lectern/internal/metrics"
)

// maxErrorBody bounds how much of a failed response is kept in the error.
const maxErrorBody = 512

// postJSON sends body as JSON and returns the raw response body on 200.
func postJSON(ctx context.Context, client *http.Client, stage, backend, url string, headers map[string]string, body interface{}) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", backend, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", backend, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return do(client, req, stage, backend)
}

func do(client *http.Client, req *http.Request, stage, backend string) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		metrics.BackendErrors.WithLabelValues(stage, backend, "http").Inc()
		return nil, fmt.Errorf("%s request: %w", backend, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.BackendErrors.WithLabelValues(stage, backend, "status").Inc()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("%s status %d: %s", backend, resp.StatusCode, bytes.TrimSpace(errBody))
	}
	return io.ReadAll(resp.Body)
}
