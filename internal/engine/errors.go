package engine

import "fmt"

// GenerationError wraps a failure of the inference capability,
// whether at call setup or mid-stream. The user message stays in the
// window; no assistant text is committed.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed: %v", e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}
