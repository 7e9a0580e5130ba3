package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
	"lectern/internal/metrics"
	"lectern/pkg/interfaces"
	"lectern/pkg/types"
)

// TranslateRouter implements interfaces.Translator by dispatching to the
// configured engine.
type TranslateRouter struct {
	*Router[interfaces.Translator]
	engine string
}

// NewTranslateRouter creates a translator that uses engine, falling back to
// fallback when engine is not registered.
func NewTranslateRouter(backends map[string]interfaces.Translator, engine, fallback string) *TranslateRouter {
	return &TranslateRouter{Router: NewRouter(backends, fallback), engine: engine}
}

func (r *TranslateRouter) Translate(ctx context.Context, text, source, target string) (string, error) {
	backend, _, err := r.Route(r.engine)
	if err != nil {
		return "", fmt.Errorf("%w: %w", types.ErrTranslation, err)
	}
	out, err := backend.Translate(ctx, text, source, target)
	if err != nil {
		if !errors.Is(err, types.ErrTranslation) {
			err = fmt.Errorf("%w: %w", types.ErrTranslation, err)
		}
		return "", err
	}
	return out, nil
}

// --- Echo backend (identity, for development without a translation server) ---

type echoTranslator struct{}

func NewEchoTranslator() interfaces.Translator { return echoTranslator{} }

func (echoTranslator) Translate(ctx context.Context, text, _, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return text, nil
}

// --- LibreTranslate backend (self-hosted, POST /translate) ---

type libreTranslator struct {
	url    string
	apiKey string
	client *http.Client
}

func NewLibreTranslator(url, apiKey string, client *http.Client) interfaces.Translator {
	return &libreTranslator{url: strings.TrimRight(url, "/"), apiKey: apiKey, client: client}
}

func (l *libreTranslator) Translate(ctx context.Context, text, source, target string) (string, error) {
	src := types.PrimarySubtag(source)
	if src == "" {
		src = "auto"
	}
	body := struct {
		Q      string `json:"q"`
		Source string `json:"source"`
		Target string `json:"target"`
		Format string `json:"format"`
		APIKey string `json:"api_key,omitempty"`
	}{Q: text, Source: src, Target: types.PrimarySubtag(target), Format: "text", APIKey: l.apiKey}

	raw, err := postJSON(ctx, l.client, metrics.StageTranslate, "libretranslate", l.url+"/translate", nil, body)
	if err != nil {
		return "", err
	}
	var result struct {
		TranslatedText string `json:"translatedText"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("decode libretranslate response: %w", err)
	}
	return result.TranslatedText, nil
}

// --- OpenAI-compatible chat backend (any server exposing /v1/chat/completions) ---

type chatTranslator struct {
	client *openai.Client
	model  string
}

func NewChatTranslator(url, apiKey, model string, client *http.Client) interfaces.Translator {
	return &chatTranslator{client: newOpenAIClient(url, apiKey, client), model: model}
}

func (c *chatTranslator) Translate(ctx context.Context, text, source, target string) (string, error) {
	from := source
	if from == "" {
		from = "the detected source language"
	}
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: fmt.Sprintf("Translate the user's classroom speech from %s to %s. Reply with the translation only.", from, target),
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: text,
			},
		},
	})
	if err != nil {
		return "", openaiError(metrics.StageTranslate, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat response has no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
