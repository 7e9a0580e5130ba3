package types

import (
	"encoding/json"
	"time"
)

// Role is the server-held role of a connection. Only the registry mutates it.
type Role string

const (
	RoleUnset   Role = ""
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
)

// Quality classifies a closed session for downstream analytics.
type Quality string

const (
	QualityUnknown    Quality = "unknown"
	QualityReal       Quality = "real"
	QualityNoStudents Quality = "no_students"
	QualityNoActivity Quality = "no_activity"
	QualityTooShort   Quality = "too_short"
)

// Inbound message types
const (
	MessageTypeRegister       = "register"
	MessageTypeLockRole       = "lock-role"
	MessageTypeSettings       = "settings"
	MessageTypeAudio          = "audio"
	MessageTypeTranscription  = "transcription"
	MessageTypeHistoryRequest = "transcript-history-request"
	MessageTypePing           = "ping"
	MessageTypePong           = "pong"
)

// Outbound message types
const (
	MessageTypeConnectionAck = "connection-ack"
	MessageTypeRegisterAck   = "register-ack"
	MessageTypeLockAck       = "lock-ack"
	MessageTypeSettingsAck   = "settings-ack"
	MessageTypeTranslation   = "translation"
	MessageTypeHistory       = "transcript-history"
	MessageTypeError         = "error"
)

// Well-known settings keys. Settings is otherwise an open map.
const (
	SettingDelivery   = "delivery"
	SettingTTSBackend = "ttsBackend"
	SettingVoice      = "voice"

	DeliveryText  = "text"
	DeliveryAudio = "audio"
)

// Envelope is the inbound frame shape. Payload is decoded lazily per type.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Frame is the outbound frame shape written to connections.
type Frame struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// Settings is the open per-connection settings map. Values are whatever JSON
// the client sent; only the well-known keys must be strings.
type Settings map[string]interface{}

// String returns the value of key when it is a string, or "".
func (s Settings) String(key string) string {
	v, _ := s[key].(string)
	return v
}

// WantsAudio reports whether the connection asked for synthesized audio.
func (s Settings) WantsAudio() bool {
	return s.String(SettingDelivery) == DeliveryAudio
}

type RegisterPayload struct {
	Role         Role   `json:"role"`
	LanguageCode string `json:"languageCode,omitempty"`
}

type LockRolePayload struct {
	Role Role `json:"role"`
}

// AudioPayload carries one captured chunk. Data is base64 on the wire.
type AudioPayload struct {
	Data     []byte `json:"data"`
	Language string `json:"language,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

type TranscriptionPayload struct {
	Text           string `json:"text"`
	IsFinal        bool   `json:"isFinal"`
	SourceLanguage string `json:"sourceLanguage,omitempty"`
}

type HistoryRequestPayload struct {
	LanguageCode string `json:"languageCode"`
}

// ReconnectPolicy is advertised in connection-ack so clients follow the server's schedule.
type ReconnectPolicy struct {
	MaxAttempts int   `json:"maxAttempts"`
	BaseDelayMs int64 `json:"baseDelayMs"`
	MaxDelayMs  int64 `json:"maxDelayMs"`
}

type ConnectionAckPayload struct {
	SessionID    string          `json:"sessionId"`
	ConnectionID string          `json:"connectionId"`
	ClassCode    string          `json:"classCode"`
	Reconnect    ReconnectPolicy `json:"reconnect"`
}

type RegisterAckPayload struct {
	Role         Role   `json:"role"`
	LanguageCode string `json:"languageCode,omitempty"`
}

type LockAckPayload struct {
	Role Role `json:"role"`
}

type SettingsAckPayload struct {
	Settings Settings `json:"settings"`
}

type HistoryPayload struct {
	LanguageCode string            `json:"languageCode"`
	Units        []TranslationUnit `json:"units"`
}

type ErrorPayload struct {
	Kind     string `json:"kind"`
	Message  string `json:"message"`
	Language string `json:"language,omitempty"`
}

// Utterance is a transcription result bound to its originating session.
// It is never persisted by the relay itself.
type Utterance struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"sessionId"`
	Text           string    `json:"text"`
	SourceLanguage string    `json:"sourceLanguage"`
	IsFinal        bool      `json:"isFinal"`
	ReceivedAt     time.Time `json:"receivedAt"`
}

// TranslationUnit is the per-(utterance, target language) result delivered to students.
type TranslationUnit struct {
	UtteranceID    string    `json:"utteranceId"`
	TargetLanguage string    `json:"targetLanguage"`
	TranslatedText string    `json:"translatedText"`
	AudioRef       string    `json:"audioRef,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// SynthesizedAudio is one voice rendering of a translation unit. Students who
// share a (language, backend, voice) share the same AudioRef.
type SynthesizedAudio struct {
	UtteranceID    string    `json:"utteranceId"`
	TargetLanguage string    `json:"targetLanguage"`
	Backend        string    `json:"backend,omitempty"`
	Voice          string    `json:"voice,omitempty"`
	AudioRef       string    `json:"audioRef"`
	CreatedAt      time.Time `json:"createdAt"`
}

// SessionSummary describes a session for the ops API and the session archive.
type SessionSummary struct {
	SessionID    string     `json:"sessionId" db:"session_id"`
	ClassCode    string     `json:"classCode" db:"class_code"`
	StartedAt    time.Time  `json:"startedAt" db:"started_at"`
	LastActivity time.Time  `json:"lastActivityAt" db:"last_activity_at"`
	EmptiedAt    *time.Time `json:"emptiedAt,omitempty" db:"emptied_at"`
	ClosedAt     *time.Time `json:"closedAt,omitempty" db:"closed_at"`
	Teachers     int        `json:"teachers"`
	Students     int        `json:"students"`
	PeakStudents int        `json:"peakStudents" db:"peak_students"`
	Utterances   int        `json:"utterances" db:"utterances"`
	Quality      Quality    `json:"quality" db:"quality"`
}
