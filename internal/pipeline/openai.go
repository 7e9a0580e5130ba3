package pipeline

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
	"lectern/internal/metrics"
)

// newOpenAIClient points the SDK at any OpenAI-compatible server. baseURL is
// the server root; the /v1 prefix is added here.
func newOpenAIClient(baseURL, apiKey string, httpClient *http.Client) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = strings.TrimRight(baseURL, "/") + "/v1"
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}
	return openai.NewClientWithConfig(cfg)
}

// openaiError counts a failed SDK call under the same labels as the plain
// HTTP backends.
func openaiError(stage string, err error) error {
	reason := "http"
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	if errors.As(err, &apiErr) || errors.As(err, &reqErr) {
		reason = "status"
	}
	metrics.BackendErrors.WithLabelValues(stage, "openai", reason).Inc()
	return fmt.Errorf("openai request: %w", err)
}
