// Package protocol defines the wire-level error taxonomy of the gateway.
package protocol

import (
	"errors"
	"fmt"
)

// Server status codes carried by error frames.
// Byte values are fixed by the gateway protocol.
const (
	StatusNoErrors           byte = 0   // No error encountered
	StatusProcessingError    byte = 1   // Processing error
	StatusMissingToken       byte = 2   // Device token absent
	StatusMissingTopic       byte = 3   // Topic absent
	StatusMissingPayload     byte = 4   // Payload absent
	StatusInvalidTokenSize   byte = 5   // Device token has wrong length
	StatusInvalidTopicSize   byte = 6   // Topic has wrong length
	StatusInvalidPayloadSize byte = 7   // Payload exceeds protocol limit
	StatusInvalidToken       byte = 8   // Device token not valid for this gateway
	StatusShutdown           byte = 10  // Server is shutting down (fatal)
	StatusUnknown            byte = 255 // Unknown failure (fatal)
)

// statusDescriptions maps server status codes to human-readable messages.
var statusDescriptions = map[byte]string{
	StatusNoErrors:           "no errors encountered",
	StatusProcessingError:    "processing error",
	StatusMissingToken:       "missing device token",
	StatusMissingTopic:       "missing topic",
	StatusMissingPayload:     "missing payload",
	StatusInvalidTokenSize:   "invalid token size",
	StatusInvalidTopicSize:   "invalid topic size",
	StatusInvalidPayloadSize: "invalid payload size",
	StatusInvalidToken:       "invalid token",
	StatusShutdown:           "server shutdown",
	StatusUnknown:            "unknown error",
}

// StatusDescription returns the message for a server status code.
// Unlisted codes map to the unknown-error message.
func StatusDescription(status byte) string {
	if desc, ok := statusDescriptions[status]; ok {
		return desc
	}
	return statusDescriptions[StatusUnknown]
}

// ErrMalformedResponse reports bytes from the server that do not form a
// valid error frame or feedback record. It is fatal for the current call.
var ErrMalformedResponse = errors.New("malformed server response")

// ServerError is a decoded gateway error frame. The identifier references
// the notification's index within the full send call. Server errors are
// recorded into the send response, never used as control flow for
// individual notifications.
type ServerError struct {
	Status     byte   // Server status code
	Identifier uint32 // Index of the failed notification
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("apns server error (code=%d): %s for identifier %d",
		e.Status, StatusDescription(e.Status), e.Identifier)
}

// Fatal reports whether the connection is unusable after this error and no
// further notifications may be attempted in the same call. Only shutdown
// and unknown statuses are fatal; every other status is a recoverable
// continuation point.
func (e *ServerError) Fatal() bool {
	return e.Status == StatusShutdown || e.Status == StatusUnknown
}
