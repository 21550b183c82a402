package platform

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrWriteForbidden means the bot lost write access to the chat.
	// Bulk work must stop; retrying cannot help.
	ErrWriteForbidden = errors.New("no permission to write to chat")

	// ErrMessageNotFound means the referenced message no longer exists
	// or was never visible to the bot. Safe to skip.
	ErrMessageNotFound = errors.New("message not found or inaccessible")
)

// RateLimitError reports a platform-signaled pause. Callers must wait
// RetryAfter and then reissue the identical request.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}
