package types

import "errors"

// Relay error taxonomy. Every error frame carries one of the Kind* strings below.
var (
	ErrRoleLocked         = errors.New("role is locked for this connection")
	ErrRoleViolation      = errors.New("command not permitted for this role")
	ErrTeacherConflict    = errors.New("session already has an active teacher")
	ErrMalformedMessage   = errors.New("malformed message")
	ErrTranslation        = errors.New("translation failed")
	ErrSynthesis          = errors.New("synthesis failed")
	ErrTranscription      = errors.New("transcription failed")
	ErrSessionNotFound    = errors.New("session not found")
	ErrConnectionNotFound = errors.New("connection not found")
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrInvalidRole        = errors.New("role must be 'teacher' or 'student'")
	ErrInvalidLanguage    = errors.New("invalid language code")
	ErrInvalidClassCode   = errors.New("class code must be 3-32 characters, alphanumeric + underscore/hyphen")
	ErrContentTooLarge    = errors.New("payload exceeds size limit")
	ErrInvalidSetting     = errors.New("invalid setting")
)

const (
	KindRoleLocked          = "RoleLocked"
	KindRoleViolation       = "RoleViolation"
	KindTeacherConflict     = "TeacherConflict"
	KindMalformedMessage    = "MalformedMessage"
	KindTranslationFailed   = "TranslationFailed"
	KindSynthesisFailed     = "SynthesisFailed"
	KindTranscriptionFailed = "TranscriptionFailed"
	KindSessionNotFound     = "SessionNotFound"
	KindRateLimited         = "RateLimited"
	KindInvalidRequest      = "InvalidRequest"
	KindInternal            = "Internal"
)

var kinds = []struct {
	err  error
	kind string
}{
	{ErrRoleLocked, KindRoleLocked},
	{ErrRoleViolation, KindRoleViolation},
	{ErrTeacherConflict, KindTeacherConflict},
	{ErrMalformedMessage, KindMalformedMessage},
	{ErrTranslation, KindTranslationFailed},
	{ErrSynthesis, KindSynthesisFailed},
	{ErrTranscription, KindTranscriptionFailed},
	{ErrSessionNotFound, KindSessionNotFound},
	{ErrConnectionNotFound, KindSessionNotFound},
	{ErrRateLimited, KindRateLimited},
	{ErrInvalidRole, KindInvalidRequest},
	{ErrInvalidLanguage, KindInvalidRequest},
	{ErrInvalidClassCode, KindInvalidRequest},
	{ErrContentTooLarge, KindInvalidRequest},
	{ErrInvalidSetting, KindInvalidRequest},
}

// KindOf maps an error chain to its wire kind.
func KindOf(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// ErrorFrame builds the outbound error frame for err. language is set only for
// per-language failures.
func ErrorFrame(err error, language string) Frame {
	return Frame{
		Type: MessageTypeError,
		Payload: ErrorPayload{
			Kind:     KindOf(err),
			Message:  err.Error(),
			Language: language,
		},
	}
}
