package apns

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by the client.
var (
	// ErrPayloadTooLarge reports a payload that exceeds the maximum size
	// and cannot be truncated to fit.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum allowed size")

	// ErrInvalidToken reports device tokens that are not valid hex strings.
	ErrInvalidToken = errors.New("invalid token format")
)

// TimeoutError marks a notification that was never sent because the retry
// budget ran out. It is recorded into the send response, one per remaining
// notification, and the partial response is still returned.
type TimeoutError struct {
	Identifier int // Index of the notification within the send call
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("retry budget exhausted before notification %d was sent", e.Identifier)
}

// UnsendableError marks a notification that was abandoned because the
// server reported a fatal error earlier in the same call.
type UnsendableError struct {
	Identifier int // Index of the notification within the send call
}

func (e *UnsendableError) Error() string {
	return fmt.Sprintf("notification %d discarded after fatal server error", e.Identifier)
}
