package fanout

import "errors"

var (
	ErrNoTranslator   = errors.New("orchestrator requires a translator")
	ErrNotFinal       = errors.New("utterance is not final")
	ErrEmptyUtterance = errors.New("utterance has no text")
)
