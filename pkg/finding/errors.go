package finding

import "errors"

// Engine failure modes. Match with errors.Is.
var (
	// ErrEngineUnavailable means the engine binary is missing or will not run.
	ErrEngineUnavailable = errors.New("finding: engine unavailable")

	// ErrMalformedOutput means an engine line could not be decoded.
	ErrMalformedOutput = errors.New("finding: malformed engine output")
)
