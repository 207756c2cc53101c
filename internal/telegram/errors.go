package telegram

import (
	"errors"
	"fmt"
	"strings"
)

// APIError is a Bot API rejection.
type APIError struct {
	Code        int
	Description string
	// RetryAfter is the advertised backoff in seconds for 429 responses.
	RetryAfter int
}

func (e *APIError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("telegram: %d %s (retry after %ds)", e.Code, e.Description, e.RetryAfter)
	}
	return fmt.Sprintf("telegram: %d %s", e.Code, e.Description)
}

// RetryAfter extracts the advertised backoff from a rate-limit error.
func RetryAfter(err error) (int, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == 429 {
		seconds := apiErr.RetryAfter
		if seconds <= 0 {
			seconds = 1
		}
		return seconds, true
	}
	return 0, false
}

// IsNotModified reports the harmless "message is not modified" edit rejection.
func IsNotModified(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return strings.Contains(apiErr.Description, "message is not modified")
	}
	return false
}
