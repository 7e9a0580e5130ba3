package types

import (
	"fmt"
	"regexp"
	"strings"
)

// Compiled once; validation runs on every inbound frame.
var (
	languageRegex  = regexp.MustCompile(`^[a-zA-Z]{2,3}(-[a-zA-Z0-9]{2,8})*$`)
	classCodeRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{3,32}$`)
)

const (
	MaxTextBytes  = 64 * 1024
	MaxAudioBytes = 1024 * 1024
)

// IsValidLanguageCode accepts BCP 47 style tags such as "es", "es-ES" or "zh-Hant-TW".
func IsValidLanguageCode(code string) bool {
	return len(code) <= 35 && languageRegex.MatchString(code)
}

func IsValidClassCode(code string) bool {
	return classCodeRegex.MatchString(code)
}

// PrimarySubtag returns the lower-cased language part of a tag ("es-MX" -> "es").
func PrimarySubtag(code string) string {
	if i := strings.IndexByte(code, '-'); i >= 0 {
		code = code[:i]
	}
	return strings.ToLower(code)
}

// ParseRole accepts only the two assignable roles.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleTeacher, RoleStudent:
		return Role(s), nil
	default:
		return RoleUnset, ErrInvalidRole
	}
}

// Validate checks a register request. Students must name the language they subscribe to.
func (p *RegisterPayload) Validate() error {
	if _, err := ParseRole(string(p.Role)); err != nil {
		return err
	}
	if p.Role == RoleStudent && !IsValidLanguageCode(p.LanguageCode) {
		return ErrInvalidLanguage
	}
	if p.Role == RoleTeacher && p.LanguageCode != "" && !IsValidLanguageCode(p.LanguageCode) {
		return ErrInvalidLanguage
	}
	return nil
}

func (p *LockRolePayload) Validate() error {
	_, err := ParseRole(string(p.Role))
	return err
}

func (p *TranscriptionPayload) Validate() error {
	if len(p.Text) > MaxTextBytes {
		return ErrContentTooLarge
	}
	if p.SourceLanguage != "" && !IsValidLanguageCode(p.SourceLanguage) {
		return ErrInvalidLanguage
	}
	return nil
}

func (p *AudioPayload) Validate() error {
	if len(p.Data) == 0 {
		return ErrMalformedMessage
	}
	if len(p.Data) > MaxAudioBytes {
		return ErrContentTooLarge
	}
	if p.Language != "" && !IsValidLanguageCode(p.Language) {
		return ErrInvalidLanguage
	}
	return nil
}

func (p *HistoryRequestPayload) Validate() error {
	if !IsValidLanguageCode(p.LanguageCode) {
		return ErrInvalidLanguage
	}
	return nil
}

// Validate checks that the well-known keys carry strings. null removes a key
// and is always accepted.
func (s Settings) Validate() error {
	for _, key := range []string{SettingDelivery, SettingTTSBackend, SettingVoice} {
		v, ok := s[key]
		if !ok || v == nil {
			continue
		}
		if _, isString := v.(string); !isString {
			return fmt.Errorf("%w: %s must be a string", ErrInvalidSetting, key)
		}
	}
	return nil
}
