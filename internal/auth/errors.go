package auth

import "fmt"

// Error represents a rejected or unusable login attempt. The message is safe
// to surface to the user verbatim.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("login failed (HTTP %d): %s", e.StatusCode, e.Message)
	}

	return fmt.Sprintf("login failed: %s", e.Message)
}
