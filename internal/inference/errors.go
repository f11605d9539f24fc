package inference

import "fmt"

// TransportError represents a failure before any HTTP response arrived:
// connection refusals, DNS failures, timeouts enforced by the transport.
type TransportError struct {
	Operation string // The operation that failed (e.g., "predict")
	Err       error  // Underlying error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Operation, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ServiceError represents a response the inference service returned that
// cannot be used: non-2xx statuses and malformed payloads alike. Both count
// as a per-record failure and never abort sibling requests.
type ServiceError struct {
	Operation  string
	StatusCode int    // HTTP status code, 0 when the body was unusable on a 2xx
	APIMessage string // Error message from the service or the decode step
	Err        error  // Underlying error, if any
}

func (e *ServiceError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("service error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.APIMessage)
	}

	return fmt.Sprintf("service error during %s: %s", e.Operation, e.APIMessage)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}
