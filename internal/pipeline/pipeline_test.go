package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"lectern/pkg/interfaces"
	"lectern/pkg/types"
)

func testClient() *http.Client { return NewPooledHTTPClient(4, 5*time.Second) }

func TestRouter_Fallback(t *testing.T) {
	r := NewRouter(map[string]int{"a": 1, "b": 2}, "a")

	v, name, err := r.Route("b")
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	assert.Equal(t, "b", name)

	v, name, err = r.Route("missing")
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.Equal(t, "a", name)

	assert.True(t, r.Has("a"))
	assert.False(t, r.Has("missing"))
	assert.Equal(t, []string{"a", "b"}, r.Engines())

	_, _, err = NewRouter(map[string]int{}, "none").Route("x")
	assert.Error(t, err)
}

func TestLibreTranslator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/translate", r.URL.Path)
		var req map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Good morning", req["q"])
		assert.Equal(t, "en", req["source"])
		assert.Equal(t, "es", req["target"])
		_ = json.NewEncoder(w).Encode(map[string]string{"translatedText": "Buenos días"})
	}))
	defer srv.Close()

	tr := NewLibreTranslator(srv.URL+"/", "", testClient())
	out, err := tr.Translate(context.Background(), "Good morning", "en-US", "es-MX")
	require.NoError(t, err)
	assert.Equal(t, "Buenos días", out)
}

func TestChatTranslator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var req openai.ChatCompletionRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-test", req.Model)
		if assert.Len(t, req.Messages, 2) {
			assert.Equal(t, openai.ChatMessageRoleSystem, req.Messages[0].Role)
			assert.Contains(t, req.Messages[0].Content, "fr")
			assert.Equal(t, "Hello", req.Messages[1].Content)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":" Bonjour \n"}}]}`)
	}))
	defer srv.Close()

	tr := NewChatTranslator(srv.URL, "sk-test", "gpt-test", testClient())
	out, err := tr.Translate(context.Background(), "Hello", "en", "fr")
	require.NoError(t, err)
	assert.Equal(t, "Bonjour", out)
}

func TestChatTranslator_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"message":"slow down","type":"rate_limit"}}`)
	}))
	defer srv.Close()

	router := NewTranslateRouter(map[string]interfaces.Translator{
		"openai": NewChatTranslator(srv.URL, "", "gpt-test", testClient()),
	}, "openai", "openai")
	_, err := router.Translate(context.Background(), "Hello", "en", "fr")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrTranslation)

	var apiErr *openai.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusTooManyRequests, apiErr.HTTPStatusCode)
}

func TestTranslateRouter_WrapsErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	router := NewTranslateRouter(map[string]interfaces.Translator{
		"libretranslate": NewLibreTranslator(srv.URL, "", testClient()),
		"echo":           NewEchoTranslator(),
	}, "libretranslate", "echo")

	_, err := router.Translate(context.Background(), "hi", "en", "es")
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrTranslation))
	assert.Contains(t, err.Error(), "503")
}

func TestTranslateRouter_UnknownEngineFallsBack(t *testing.T) {
	router := NewTranslateRouter(map[string]interfaces.Translator{"echo": NewEchoTranslator()}, "deepl", "echo")
	out, err := router.Translate(context.Background(), "hola", "es", "en")
	require.NoError(t, err)
	assert.Equal(t, "hola", out)
}

func TestTTSRouter_StoresAudio(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		switch r.URL.Path {
		case "/synthesize":
			assert.Equal(t, "es_ES-davefx", req["voice"])
			_, _ = io.WriteString(w, "RIFFpiper")
		case "/v1/audio/speech":
			assert.Equal(t, "alloy", req["voice"])
			assert.Equal(t, "tts-1", req["model"])
			assert.Equal(t, "wav", req["response_format"])
			assert.Equal(t, "hola", req["input"])
			_, _ = io.WriteString(w, "RIFFopenai")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	store := NewAudioStore(time.Minute, 10)
	tts := NewTTSRouter(map[string]SpeechBackend{
		"piper":  NewPiperSynthesizer(srv.URL, "es_ES-davefx", testClient()),
		"openai": NewOpenAISynthesizer(srv.URL, "", "tts-1", "alloy", testClient()),
	}, "piper", store)

	ref, err := tts.Synthesize(context.Background(), "hola", "es", interfaces.VoiceSettings{})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(ref, "/audio/"))
	clip, ok := store.Get(strings.TrimPrefix(ref, "/audio/"))
	require.True(t, ok)
	assert.Equal(t, "RIFFpiper", string(clip.Data))
	assert.Equal(t, "audio/wav", clip.ContentType)

	ref, err = tts.Synthesize(context.Background(), "hola", "es", interfaces.VoiceSettings{Backend: "openai"})
	require.NoError(t, err)
	clip, ok = store.Get(strings.TrimPrefix(ref, "/audio/"))
	require.True(t, ok)
	assert.Equal(t, "RIFFopenai", string(clip.Data))
}

func TestTTSRouter_FailureIsSynthesisError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tts := NewTTSRouter(map[string]SpeechBackend{"piper": NewPiperSynthesizer(srv.URL, "", testClient())}, "piper",
		NewAudioStore(time.Minute, 10))
	_, err := tts.Synthesize(context.Background(), "hola", "es", interfaces.VoiceSettings{})
	assert.ErrorIs(t, err, types.ErrSynthesis)
}

func TestWhisperTranscriber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/inference", r.URL.Path)
		assert.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "en", r.FormValue("language"))
		file, _, err := r.FormFile("file")
		if assert.NoError(t, err) {
			data, _ := io.ReadAll(file)
			assert.Equal(t, "RIFFchunk", string(data))
		}
		_, _ = io.WriteString(w, `{"text":"  Good morning class \n"}`)
	}))
	defer srv.Close()

	tr := NewWhisperTranscriber(srv.URL, testClient())
	got, err := tr.Transcribe(context.Background(), []byte("RIFFchunk"), "en-US")
	require.NoError(t, err)
	assert.Equal(t, interfaces.Transcript{Text: "Good morning class", IsFinal: true, Language: "en-US"}, got)
}

func TestWhisperTranscriber_Errors(t *testing.T) {
	tr := NewWhisperTranscriber("http://127.0.0.1:1", testClient())
	_, err := tr.Transcribe(context.Background(), nil, "en")
	assert.ErrorIs(t, err, types.ErrTranscription)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tr.Transcribe(ctx, []byte("x"), "en")
	assert.ErrorIs(t, err, types.ErrTranscription)
}

func TestAudioStore_ExpiryAndCapacity(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	store := NewAudioStore(time.Minute, 2)
	store.now = func() time.Time { return now }

	a := store.Put([]byte("a"), "audio/wav")
	b := store.Put([]byte("b"), "audio/wav")
	c := store.Put([]byte("c"), "audio/wav")

	_, ok := store.Get(a)
	assert.False(t, ok, "oldest clip evicted at capacity")
	_, ok = store.Get(b)
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = store.Get(c)
	assert.False(t, ok, "expired clip is not served")
	assert.Equal(t, 2, store.Sweep())
	assert.Equal(t, 0, store.Len())
}
