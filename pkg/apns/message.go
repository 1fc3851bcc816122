package apns

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/sideshow/apns2/payload"

	"pushgate/pkg/protocol"
)

// Message describes the notification content shared by every recipient of
// one send call. The zero value is a valid empty alert.
type Message struct {
	// Alert is the notification text.
	Alert string

	// Badge sets the app icon badge count. Nil leaves the badge unchanged.
	Badge *int

	Sound    string
	Category string

	// ContentAvailable indicates new content is available for background
	// fetch. A push carrying only this key must be sent with low priority.
	ContentAvailable bool

	// MutableContent triggers the notification service app extension.
	MutableContent bool

	// ThreadID groups notifications in Notification Center.
	ThreadID string

	Title        string
	TitleLocKey  string
	TitleLocArgs []string
	ActionLocKey string
	LocKey       string
	LocArgs      []string
	LaunchImage  string

	// Extra carries custom data alongside the aps dictionary.
	Extra map[string]interface{}

	// MaxPayloadLength enables truncation when > 0: if the serialized
	// payload is longer, the alert text is shortened and suffixed with
	// "..." until the payload fits.
	MaxPayloadLength int
}

// build assembles the APS payload with the given alert text.
func (m *Message) build(alert string) *payload.Payload {
	p := payload.NewPayload()

	if alert != "" {
		p.AlertBody(alert)
	}
	if m.Badge != nil {
		p.Badge(*m.Badge)
	}
	if m.Sound != "" {
		p.Sound(m.Sound)
	}
	if m.Category != "" {
		p.Category(m.Category)
	}
	if m.ContentAvailable {
		p.ContentAvailable()
	}
	if m.MutableContent {
		p.MutableContent()
	}
	if m.ThreadID != "" {
		p.ThreadID(m.ThreadID)
	}
	if m.Title != "" {
		p.AlertTitle(m.Title)
	}
	if m.TitleLocKey != "" {
		p.AlertTitleLocKey(m.TitleLocKey)
	}
	if len(m.TitleLocArgs) > 0 {
		p.AlertTitleLocArgs(m.TitleLocArgs)
	}
	if m.ActionLocKey != "" {
		p.AlertActionLocKey(m.ActionLocKey)
	}
	if m.LocKey != "" {
		p.AlertLocKey(m.LocKey)
	}
	if len(m.LocArgs) > 0 {
		p.AlertLocArgs(m.LocArgs)
	}
	if m.LaunchImage != "" {
		p.AlertLaunchImage(m.LaunchImage)
	}
	for key, value := range m.Extra {
		p.Custom(key, value)
	}

	return p
}

// JSON serializes the message, truncating the alert when MaxPayloadLength
// demands it. Payloads over the protocol maximum fail with
// ErrPayloadTooLarge regardless of truncation settings.
func (m *Message) JSON() ([]byte, error) {
	data, err := json.Marshal(m.build(m.Alert))
	if err != nil {
		return nil, fmt.Errorf("serialize payload: %w", err)
	}

	if m.MaxPayloadLength > 0 && len(data) > m.MaxPayloadLength {
		if data, err = m.truncated(); err != nil {
			return nil, err
		}
	}

	if len(data) > protocol.MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes over protocol maximum %d",
			ErrPayloadTooLarge, len(data), protocol.MaxPayloadSize)
	}

	return data, nil
}

// truncated shortens the alert text one rune at a time, appending "..."
// and re-serializing until the payload fits MaxPayloadLength. Fails when
// there is no alert text left to shrink.
func (m *Message) truncated() ([]byte, error) {
	alert := m.Alert
	suffix := ""

	for alert != "" {
		data, err := json.Marshal(m.build(alert + suffix))
		if err != nil {
			return nil, fmt.Errorf("serialize payload: %w", err)
		}
		if len(data) <= m.MaxPayloadLength {
			return data, nil
		}

		_, size := utf8.DecodeLastRuneInString(alert)
		alert = alert[:len(alert)-size]
		suffix = "..."
	}

	return nil, fmt.Errorf("%w: no alert text to truncate", ErrPayloadTooLarge)
}
