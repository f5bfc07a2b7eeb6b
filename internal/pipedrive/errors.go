package pipedrive

import (
	"errors"
	"fmt"
	"net/http"
)

const excerptLimit = 200

// ErrUnknownOption is returned when a name does not match any picklist option.
var ErrUnknownOption = errors.New("pipedrive: unknown field option")

// APIError is a non-2xx response or a response carrying success=false.
type APIError struct {
	Status  int
	Message string
	Info    string
}

func (e *APIError) Error() string {
	if e.Info != "" {
		return fmt.Sprintf("pipedrive: %s (status %d): %s", e.Message, e.Status, e.Info)
	}
	return fmt.Sprintf("pipedrive: %s (status %d)", e.Message, e.Status)
}

// ParseError is a successful response whose body is not the expected JSON.
type ParseError struct {
	Status  int
	Excerpt string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("pipedrive: invalid JSON response (status %d): %v: %q", e.Status, e.Err, e.Excerpt)
}

func (e *ParseError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is an APIError with status 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

func excerpt(raw []byte) string {
	if len(raw) <= excerptLimit {
		return string(raw)
	}
	return string(raw[:excerptLimit]) + "..."
}
