package session

import (
	"time"

	"lectern/pkg/types"
)

// DefaultMinDuration is the shortest session that can count as real usage.
const DefaultMinDuration = 3 * time.Minute

// Classify computes a closed session's quality. Rules are ordered; the first match wins.
// It is a pure function of its inputs and never affects live relay behavior.
func Classify(duration time.Duration, peakStudents, utterances int, minDuration time.Duration) types.Quality {
	switch {
	case duration < minDuration:
		return types.QualityTooShort
	case peakStudents == 0:
		return types.QualityNoStudents
	case utterances == 0:
		return types.QualityNoActivity
	default:
		return types.QualityReal
	}
}
