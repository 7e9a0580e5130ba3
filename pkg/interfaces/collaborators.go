package interfaces

import "context"

// Translator converts text between languages.
// Failures are reported wrapped in types.ErrTranslation.
type Translator interface {
	Translate(ctx context.Context, text, sourceLanguage, targetLanguage string) (string, error)
}

// VoiceSettings selects a synthesis backend and voice for one language group.
type VoiceSettings struct {
	Backend string
	Voice   string
}

// Synthesizer renders text to audio and returns a reference clients can fetch.
// Failures are reported wrapped in types.ErrSynthesis.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, language string, voice VoiceSettings) (audioRef string, err error)
}

// Transcript is one transcription result. Only final transcripts are fanned out.
type Transcript struct {
	Text     string
	IsFinal  bool
	Language string
}

// Transcriber turns an audio chunk into text.
// Failures are reported wrapped in types.ErrTranscription.
type Transcriber interface {
	Transcribe(ctx context.Context, chunk []byte, language string) (Transcript, error)
}
