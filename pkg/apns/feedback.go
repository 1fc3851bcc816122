package apns

import (
	"encoding/hex"
	"time"

	"pushgate/pkg/protocol"
	"pushgate/pkg/transport"
)

// ExpiredToken is a device token the feedback service reports as no longer
// registered, with the time it expired. Apps should stop pushing to these.
type ExpiredToken struct {
	Token     string
	Timestamp time.Time
}

// GetExpiredTokens drains the feedback service: it opens a dedicated
// connection, reads (timestamp, token length, token) records until the
// server closes the stream and returns them in stream order. The
// connection is closed on every exit path. On a mid-stream error the
// records read so far are returned alongside the error.
func (c *Client) GetExpiredTokens() ([]ExpiredToken, error) {
	conn := transport.New(c.cfg.FeedbackHost, c.cfg.FeedbackPort,
		c.tlsConfig(c.cfg.FeedbackHost), c.dial, c.log)

	if err := conn.Connect(); err != nil {
		return nil, err
	}
	defer conn.Close()

	c.log.Debug().Msg("reading expired tokens from feedback service")

	records, err := protocol.ReadFeedback(conn)

	tokens := make([]ExpiredToken, 0, len(records))
	for _, rec := range records {
		tokens = append(tokens, ExpiredToken{
			Token:     hex.EncodeToString(rec.Token),
			Timestamp: time.Unix(int64(rec.Timestamp), 0),
		})
	}

	if err != nil {
		return tokens, err
	}

	c.log.Debug().Int("count", len(tokens)).Msg("feedback stream drained")
	return tokens, nil
}
