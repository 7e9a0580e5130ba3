package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"

	"lectern/internal/metrics"
	"lectern/pkg/interfaces"
	"lectern/pkg/types"
)

// WhisperTranscriber sends audio chunks as multipart uploads to a
// whisper.cpp compatible /inference endpoint. Each chunk is treated as a
// complete utterance, so results are final.
type WhisperTranscriber struct {
	url      string
	endpoint string
	client   *http.Client
}

func NewWhisperTranscriber(url string, client *http.Client) *WhisperTranscriber {
	return &WhisperTranscriber{url: strings.TrimRight(url, "/"), endpoint: "/inference", client: client}
}

type whisperResponse struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

func (w *WhisperTranscriber) Transcribe(ctx context.Context, chunk []byte, language string) (interfaces.Transcript, error) {
	body, contentType, err := buildMultipartAudio(chunk, types.PrimarySubtag(language))
	if err != nil {
		return interfaces.Transcript{}, fmt.Errorf("%w: %w", types.ErrTranscription, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url+w.endpoint, body)
	if err != nil {
		return interfaces.Transcript{}, fmt.Errorf("%w: create whisper request: %w", types.ErrTranscription, err)
	}
	req.Header.Set("Content-Type", contentType)

	raw, err := do(w.client, req, metrics.StageTranscribe, "whisper")
	if err != nil {
		return interfaces.Transcript{}, fmt.Errorf("%w: %w", types.ErrTranscription, err)
	}
	var result whisperResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		return interfaces.Transcript{}, fmt.Errorf("%w: decode whisper response: %w", types.ErrTranscription, err)
	}

	lang := language
	if lang == "" {
		lang = result.Language
	}
	return interfaces.Transcript{Text: strings.TrimSpace(result.Text), IsFinal: true, Language: lang}, nil
}

func buildMultipartAudio(chunk []byte, language string) (*bytes.Buffer, string, error) {
	if len(chunk) == 0 {
		return nil, "", errors.New("empty audio chunk")
	}
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err = part.Write(chunk); err != nil {
		return nil, "", fmt.Errorf("write audio data: %w", err)
	}
	if err = writer.WriteField("response_format", "json"); err != nil {
		return nil, "", fmt.Errorf("write response_format: %w", err)
	}
	if language != "" {
		if err = writer.WriteField("language", language); err != nil {
			return nil, "", fmt.Errorf("write language: %w", err)
		}
	}
	if err = writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close writer: %w", err)
	}
	return &body, writer.FormDataContentType(), nil
}
