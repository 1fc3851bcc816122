// Package apns is a client for the legacy binary APNS gateway. It sends
// push notifications in batches over a persistent TLS socket, recovers from
// the gateway's asynchronous per-notification error reports by resuming the
// send after the failing notification, and reads the feedback service's
// expired-token stream.
//
// Bulk sending is optimized to check for errors eagerly on a single
// goroutine: a non-blocking error check runs after each batch write and one
// blocking check, bounded by the error timeout, runs after the last batch.
// The gateway is silent on success and reports only the first failure per
// connection, so everything before a reported identifier is confirmed
// delivered and everything after it is resent on a fresh connection.
package apns

import (
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"pushgate/pkg/protocol"
	"pushgate/pkg/transport"
)

// Client sends notifications through one lazily established gateway
// connection. It is intended for use from one calling context at a time;
// callers needing concurrency use independent Client instances.
type Client struct {
	cfg  Config
	cert tls.Certificate
	dial transport.DialFunc
	log  zerolog.Logger
	conn *transport.Conn
}

// New creates a production client. The certificate is loaded immediately so
// credential problems fail fast, wrapping transport.ErrAuth.
func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cert, err := transport.Credentials(cfg.Certificate, cfg.CertificatePassword)
	if err != nil {
		return nil, err
	}
	return &Client{
		cfg:  cfg.withDefaults(),
		cert: cert,
		log:  zerolog.Nop(),
	}, nil
}

// NewSandbox creates a client against the sandbox gateway. Explicit hosts
// in cfg still win.
func NewSandbox(cfg Config) (*Client, error) {
	return New(cfg.sandbox())
}

// SetLogger attaches a logger; the default discards everything.
func (c *Client) SetLogger(logger zerolog.Logger) {
	c.log = logger
}

// Close drops the cached gateway connection. The next send re-establishes
// it. Idempotent.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// SendOptions carries the per-call overrides of a send operation. The
// embedded Message describes the notification content; zero fields fall
// back to the client configuration.
type SendOptions struct {
	Message

	// Expiration is the absolute expiration of the notification. Zero
	// uses now plus the configured expiration offset.
	Expiration time.Time

	// LowPriority delivers at a power-conserving time. Required for
	// content-available-only pushes.
	LowPriority bool

	BatchSize    int
	ErrorTimeout time.Duration
	Retries      int
}

// SendToken sends one notification to a single device token.
func (c *Client) SendToken(token, alert string, opts *SendOptions) (*Response, error) {
	return c.Send([]string{token}, alert, opts)
}

// Send pushes the alert to every token, batching writes and resuming after
// server-reported failures. The returned Response accounts for every token:
// per-notification failures are recorded there and never returned as the
// call error. The call itself fails only for invalid input, credential or
// framing problems, or a retry budget exhausted before any progress.
func (c *Client) Send(tokens []string, alert string, opts *SendOptions) (*Response, error) {
	if opts == nil {
		opts = &SendOptions{}
	}

	binTokens, err := decodeTokens(tokens)
	if err != nil {
		return nil, err
	}

	msg := opts.Message
	if alert != "" {
		msg.Alert = alert
	}
	if msg.MaxPayloadLength == 0 {
		msg.MaxPayloadLength = c.cfg.MaxPayloadLength
	}
	payloadData, err := msg.JSON()
	if err != nil {
		return nil, err
	}

	priority := protocol.PriorityHigh
	if opts.LowPriority {
		priority = protocol.PriorityLow
	}

	expiration := opts.Expiration
	if expiration.IsZero() {
		expiration = time.Now().Add(c.cfg.ExpirationOffset)
	}

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = c.cfg.BatchSize
	}
	errorTimeout := opts.ErrorTimeout
	if errorTimeout == 0 {
		errorTimeout = c.cfg.ErrorTimeout
	}
	budget := opts.Retries
	if budget <= 0 {
		budget = c.cfg.Retries
	}

	c.log.Debug().Int("count", len(tokens)).Int("batch_size", batchSize).Msg("preparing bulk send")

	res := newResponse(tokens)
	conn := c.gateway()
	next := 0
	progress := false

	for next < len(tokens) {
		srvErr, err := c.sendFrom(conn, binTokens, payloadData,
			next, batchSize, uint32(expiration.Unix()), priority, errorTimeout, &budget)

		if err != nil {
			var timeout *TimeoutError
			if errors.As(err, &timeout) {
				if !progress {
					conn.Close()
					return nil, err
				}
				for i := timeout.Identifier; i < len(tokens); i++ {
					res.recordFailure(i, &TimeoutError{Identifier: i})
				}
				break
			}
			conn.Close()
			return nil, err
		}

		if srvErr == nil {
			// Final error check passed with the window silent.
			break
		}

		// The gateway closes its side after reporting an error.
		conn.Close()
		progress = true

		index := int(srvErr.Identifier)
		if index >= len(tokens) {
			return nil, fmt.Errorf("%w: identifier %d outside send call of %d notifications",
				protocol.ErrMalformedResponse, index, len(tokens))
		}

		c.log.Debug().Uint32("identifier", srvErr.Identifier).Uint8("status", srvErr.Status).
			Msg("server reported failed notification")
		res.recordFailure(index, srvErr)

		if srvErr.Fatal() {
			for i := index + 1; i < len(tokens); i++ {
				res.recordFailure(i, &UnsendableError{Identifier: i})
			}
			break
		}

		next = index + 1
	}

	res.finalize()
	c.log.Debug().Int("sent", len(res.Successes)).Int("failed", len(res.Failures)).Msg("bulk send finished")
	return res, nil
}

// sendFrom writes batches starting at index start through the end of the
// token list. Identifiers always index into the full original list, never
// the current batch, so the server's error frames resolve correctly across
// batch boundaries and resend rounds.
//
// Returns the first decoded server error, or (nil, nil) when the whole
// remainder was written and the final bounded error check stayed silent.
func (c *Client) sendFrom(conn *transport.Conn, binTokens [][]byte, payload []byte,
	start, batchSize int, expiration uint32, priority byte,
	errorTimeout time.Duration, budget *int) (*protocol.ServerError, error) {

	total := len(binTokens)

	for batchStart := start; batchStart < total; batchStart += batchSize {
		batchEnd := min(batchStart+batchSize, total)

		var frame []byte
		for i := batchStart; i < batchEnd; i++ {
			frame = append(frame, protocol.EncodeNotification(
				binTokens[i], payload, uint32(i), expiration, priority)...)
		}

		c.log.Debug().Int("from", batchStart).Int("count", batchEnd-batchStart).
			Int("bytes", len(frame)).Msg("writing batch")

		for {
			err := conn.Write(frame)
			if err == nil {
				break
			}
			if !errors.Is(err, transport.ErrConnection) {
				return nil, err
			}
			*budget--
			c.log.Warn().Err(err).Int("retries_left", *budget).Msg("batch write failed")
			if *budget <= 0 {
				return nil, &TimeoutError{Identifier: batchStart}
			}
			// Write tore the socket down; the retry re-dials.
		}

		// Non-blocking check between batches, blocking after the last one
		// since the server may report the final notification's failure
		// after the write returns.
		timeout := time.Duration(0)
		if batchEnd == total {
			timeout = errorTimeout
		}

		data, err := conn.ReadResponse(protocol.ErrorResponseLength, timeout)
		if err != nil {
			if !errors.Is(err, transport.ErrConnection) {
				return nil, err
			}
			// Closed without an error frame. Everything written so far is
			// presumed accepted; carry on within the retry budget.
			*budget--
			c.log.Warn().Err(err).Int("retries_left", *budget).Msg("connection lost while checking for errors")
			if *budget <= 0 {
				return nil, &TimeoutError{Identifier: batchEnd}
			}
			continue
		}
		if data != nil {
			return protocol.DecodeError(data)
		}
	}

	return nil, nil
}

// gateway returns the cached push connection, creating it unconnected on
// first use.
func (c *Client) gateway() *transport.Conn {
	if c.conn == nil {
		c.conn = transport.New(c.cfg.Host, c.cfg.Port, c.tlsConfig(c.cfg.Host), c.dial, c.log)
	}
	return c.conn
}

func (c *Client) tlsConfig(serverName string) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{c.cert},
		ServerName:   serverName,
	}
}

// decodeTokens validates and decodes hex device tokens, naming every
// invalid one in the error.
func decodeTokens(tokens []string) ([][]byte, error) {
	binTokens := make([][]byte, len(tokens))
	var invalid []string

	for i, token := range tokens {
		bin, err := hex.DecodeString(token)
		if err != nil || len(bin) == 0 {
			invalid = append(invalid, token)
			continue
		}
		binTokens[i] = bin
	}

	if len(invalid) > 0 {
		return nil, fmt.Errorf("%w: expected hex string: %s",
			ErrInvalidToken, strings.Join(invalid, ", "))
	}
	return binTokens, nil
}
