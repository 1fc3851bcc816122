// Package protocol implements the legacy APNS binary wire protocol: push
// notification frames, error-response frames and feedback-service records.
//
// The protocol uses big-endian binary framing over a raw TLS stream. A push
// frame carries one notification as a sequence of length-prefixed items. The
// server is silent on success and reports at most one failure per connection
// as a fixed-size error frame, after which it closes the socket.
package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Push frame command and item identifiers.
const (
	PushCommand byte = 1 // Push notification frame

	ItemDeviceToken byte = 1 // Binary device token
	ItemPayload     byte = 2 // UTF-8 JSON payload
	ItemIdentifier  byte = 3 // Notification identifier (4 bytes)
	ItemExpiration  byte = 4 // Expiration, epoch seconds (4 bytes)
	ItemPriority    byte = 5 // Delivery priority (1 byte)
)

// Error-response and feedback frame layout.
const (
	ErrorResponseCommand byte = 8 // Error frame command byte

	ErrorResponseLength  = 6 // command:1 + status:1 + identifier:4
	FeedbackHeaderLength = 6 // timestamp:4 + token_length:2
	IdentifierLength     = 4
	ExpirationLength     = 4
	PriorityLength       = 1
)

// MaxPayloadSize is the largest payload the gateway accepts, in bytes.
const MaxPayloadSize = 2048

// Delivery priorities.
const (
	// PriorityLow delivers the push at a time that conserves power on the
	// receiving device.
	PriorityLow byte = 5

	// PriorityHigh delivers the push immediately. Pushes carrying only the
	// content-available key must not use it.
	PriorityHigh byte = 10
)

// EncodeNotification serializes one notification into a push frame:
//
//	+---------+---------------------------------------+
//	| Command | Items (token, payload, id, exp, prio) |
//	+---------+---------------------------------------+
//	|    1B   | each: item_id:1, length:2 BE, value   |
//
// The identifier must index the notification within the full send call so
// the server's error frames can be resolved against the original list.
func EncodeNotification(token, payload []byte, identifier, expiration uint32, priority byte) []byte {
	frameLen := 1 +
		3 + len(token) +
		3 + len(payload) +
		3 + IdentifierLength +
		3 + ExpirationLength +
		3 + PriorityLength

	buf := bytes.NewBuffer(make([]byte, 0, frameLen))
	buf.WriteByte(PushCommand)

	writeItem(buf, ItemDeviceToken, token)
	writeItem(buf, ItemPayload, payload)

	var scratch [4]byte
	binary.BigEndian.PutUint32(scratch[:], identifier)
	writeItem(buf, ItemIdentifier, scratch[:])

	binary.BigEndian.PutUint32(scratch[:], expiration)
	writeItem(buf, ItemExpiration, scratch[:])

	writeItem(buf, ItemPriority, []byte{priority})

	return buf.Bytes()
}

// writeItem appends one length-prefixed frame item.
func writeItem(buf *bytes.Buffer, id byte, value []byte) {
	buf.WriteByte(id)
	var length [2]byte
	binary.BigEndian.PutUint16(length[:], uint16(len(value)))
	buf.Write(length[:])
	buf.Write(value)
}

// EncodeError serializes a server error frame. The gateway is the only
// producer of these on the wire; this encoder exists for loopback testing.
func EncodeError(status byte, identifier uint32) []byte {
	frame := make([]byte, ErrorResponseLength)
	frame[0] = ErrorResponseCommand
	frame[1] = status
	binary.BigEndian.PutUint32(frame[2:], identifier)
	return frame
}

// DecodeError parses a 6-byte error frame read from the gateway. It returns
// ErrMalformedResponse when the frame is short or carries the wrong command.
func DecodeError(data []byte) (*ServerError, error) {
	if len(data) != ErrorResponseLength {
		return nil, fmt.Errorf("%w: got %d bytes, want %d",
			ErrMalformedResponse, len(data), ErrorResponseLength)
	}
	if data[0] != ErrorResponseCommand {
		return nil, fmt.Errorf("%w: unexpected command %d",
			ErrMalformedResponse, data[0])
	}
	return &ServerError{
		Status:     data[1],
		Identifier: binary.BigEndian.Uint32(data[2:]),
	}, nil
}

// FeedbackRecord is one entry of the feedback stream: a device token the
// service believes is no longer registered, with the time it expired.
type FeedbackRecord struct {
	Timestamp uint32 // Epoch seconds when the token expired
	Token     []byte // Binary device token
}

// ReadFeedback reads feedback records from r until the stream ends. Each
// record declares its own token length, so no token size is assumed. A
// stream that ends mid-record yields ErrMalformedResponse.
func ReadFeedback(r io.Reader) ([]FeedbackRecord, error) {
	var records []FeedbackRecord
	header := make([]byte, FeedbackHeaderLength)

	for {
		_, err := io.ReadFull(r, header)
		if err == io.EOF {
			return records, nil
		}
		if err == io.ErrUnexpectedEOF {
			return records, fmt.Errorf("%w: truncated feedback header", ErrMalformedResponse)
		}
		if err != nil {
			return records, err
		}

		timestamp := binary.BigEndian.Uint32(header[:4])
		tokenLen := binary.BigEndian.Uint16(header[4:])

		token := make([]byte, tokenLen)
		if _, err := io.ReadFull(r, token); err != nil {
			return records, fmt.Errorf("%w: truncated feedback token", ErrMalformedResponse)
		}

		records = append(records, FeedbackRecord{Timestamp: timestamp, Token: token})
	}
}
