package registry

import (
	"fmt"
)

// AuthError reports a failed token exchange.
type AuthError struct {
	Repository string
	StatusCode int    // Zero when the request never produced a response.
	Body       string // Leading bytes of the response body.
	Err        error
}

func (e *AuthError) Error() string {
	msg := fmt.Sprintf("failed to fetch token for %s", e.Repository)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}
	if e.Body != "" {
		msg += fmt.Sprintf(" %q", e.Body)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// RegistryError reports a failed manifest or blob request.
type RegistryError struct {
	Op         string // "manifest" or "blob"
	URL        string
	StatusCode int
	Body       string
	Err        error
}

func (e *RegistryError) Error() string {
	msg := fmt.Sprintf("failed to fetch %s from %s", e.Op, e.URL)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}
	if e.Body != "" {
		msg += fmt.Sprintf(" %q", e.Body)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RegistryError) Unwrap() error {
	return e.Err
}
