package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
	"lectern/internal/metrics"
	"lectern/pkg/interfaces"
	"lectern/pkg/types"
)

// SpeechBackend turns text into audio bytes.
type SpeechBackend interface {
	SynthesizeAudio(ctx context.Context, text, language, voice string) ([]byte, error)
	ContentType() string
}

// TTSRouter implements interfaces.Synthesizer. The student's ttsBackend
// setting picks the backend; the audio lands in the AudioStore and the
// returned reference is the path students fetch it from.
type TTSRouter struct {
	*Router[SpeechBackend]
	store      *AudioStore
	pathPrefix string
}

// NewTTSRouter creates a router with registered TTS backends and a fallback default.
func NewTTSRouter(backends map[string]SpeechBackend, fallback string, store *AudioStore) *TTSRouter {
	return &TTSRouter{Router: NewRouter(backends, fallback), store: store, pathPrefix: "/audio/"}
}

func (r *TTSRouter) Synthesize(ctx context.Context, text, language string, voice interfaces.VoiceSettings) (string, error) {
	backend, _, err := r.Route(voice.Backend)
	if err != nil {
		return "", fmt.Errorf("%w: %w", types.ErrSynthesis, err)
	}
	audio, err := backend.SynthesizeAudio(ctx, text, language, voice.Voice)
	if err != nil {
		if !errors.Is(err, types.ErrSynthesis) {
			err = fmt.Errorf("%w: %w", types.ErrSynthesis, err)
		}
		return "", err
	}
	if len(audio) == 0 {
		return "", fmt.Errorf("%w: empty audio", types.ErrSynthesis)
	}
	id := r.store.Put(audio, backend.ContentType())
	return r.pathPrefix + id, nil
}

// --- Piper backend (local neural TTS, returns WAV) ---

type piperSynthesizer struct {
	url    string
	voice  string
	client *http.Client
}

func NewPiperSynthesizer(url, voice string, client *http.Client) SpeechBackend {
	return &piperSynthesizer{url: strings.TrimRight(url, "/"), voice: voice, client: client}
}

func (p *piperSynthesizer) ContentType() string { return "audio/wav" }

func (p *piperSynthesizer) SynthesizeAudio(ctx context.Context, text, language, voice string) ([]byte, error) {
	if voice == "" {
		voice = p.voice
	}
	body := struct {
		Text     string `json:"text"`
		Voice    string `json:"voice,omitempty"`
		Language string `json:"language,omitempty"`
	}{Text: text, Voice: voice, Language: language}
	return postJSON(ctx, p.client, metrics.StageSynthesize, "piper", p.url+"/synthesize", nil, body)
}

// --- OpenAI-compatible backend (any server exposing /v1/audio/speech) ---

type openaiSynthesizer struct {
	client *openai.Client
	model  string
	voice  string
}

func NewOpenAISynthesizer(url, apiKey, model, voice string, client *http.Client) SpeechBackend {
	return &openaiSynthesizer{client: newOpenAIClient(url, apiKey, client), model: model, voice: voice}
}

func (o *openaiSynthesizer) ContentType() string { return "audio/wav" }

func (o *openaiSynthesizer) SynthesizeAudio(ctx context.Context, text, _, voice string) ([]byte, error) {
	if voice == "" {
		voice = o.voice
	}
	resp, err := o.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(o.model),
		Input:          text,
		Voice:          openai.SpeechVoice(voice),
		ResponseFormat: openai.SpeechResponseFormatWav,
	})
	if err != nil {
		return nil, openaiError(metrics.StageSynthesize, err)
	}
	defer resp.Close()

	audio, err := io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("read openai audio: %w", err)
	}
	return audio, nil
}
