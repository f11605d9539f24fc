package ingest

import "fmt"

// ValidationError represents input rejected before any decoding happens:
// a declared media type that is not an image, or a payload over the size
// limit. It is recovered locally and surfaced only through the ingest notice.
type ValidationError struct {
	Filename string // Name of the rejected file
	Reason   string // Human-readable explanation of the rejection
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid file %s: %s", e.Filename, e.Reason)
}

// DecodeError represents a preview generation failure for a file that passed
// validation. The file is excluded from the store.
type DecodeError struct {
	Filename string
	Err      error // Underlying error, if any
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode %s: %v", e.Filename, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
