// Package transport manages the TLS stream socket between the client and an
// APNS endpoint. It provides lazy connection establishment, full-buffer
// writes, a bounded wait for asynchronous error frames and idempotent
// teardown. A socket is never repaired in place: after any detected failure
// it is torn down and re-dialed, which avoids partial-frame corruption.
package transport

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Timeouts for socket operations.
const (
	DialTimeout  = 30 * time.Second // TCP connect + TLS handshake
	WriteTimeout = 10 * time.Second // Per write call
	ReadTimeout  = 10 * time.Second // Per feedback-stream read call

	// PollTimeout substitutes for a non-positive ReadResponse timeout. A
	// deadline already in the past fails the read before the kernel buffer
	// is consulted, so "non-blocking" needs a small positive window to
	// pick up an error frame that has already arrived.
	PollTimeout = 10 * time.Millisecond
)

// Sentinel errors for transport failures.
var (
	// ErrAuth reports an unreadable or rejected client certificate.
	// It is fatal and surfaced immediately, never retried.
	ErrAuth = errors.New("certificate error")

	// ErrConnection reports a TCP or TLS failure. Callers reopen the
	// connection on the next Connect and retry within their budget.
	ErrConnection = errors.New("connection error")
)

// DialFunc opens a TLS connection to addr. Injectable so tests can supply
// an in-memory socket.
type DialFunc func(addr string, config *tls.Config) (net.Conn, error)

func defaultDial(addr string, config *tls.Config) (net.Conn, error) {
	return tls.DialWithDialer(&net.Dialer{Timeout: DialTimeout}, "tcp", addr, config)
}

// Conn owns a single TLS socket to one APNS endpoint. It is not safe for
// concurrent use; each client instance owns its sockets exclusively.
type Conn struct {
	addr      string
	tlsConfig *tls.Config
	dial      DialFunc
	id        uuid.UUID
	log       zerolog.Logger
	sock      net.Conn
}

// New creates an unconnected Conn for host:port. The socket is established
// lazily by Connect. A nil dial selects the default TLS dialer.
func New(host string, port int, tlsConfig *tls.Config, dial DialFunc, logger zerolog.Logger) *Conn {
	if dial == nil {
		dial = defaultDial
	}
	id := uuid.New()
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	return &Conn{
		addr:      addr,
		tlsConfig: tlsConfig,
		dial:      dial,
		id:        id,
		log:       logger.With().Str("conn", shortID(id)).Str("addr", addr).Logger(),
	}
}

// shortID is the connection identity carried in logs and errors.
func shortID(id uuid.UUID) string {
	return id.String()[:8]
}

// Connect establishes the TLS connection if it is not already open.
// Re-establishes after Close or a detected failure. Failures wrap
// ErrConnection.
func (c *Conn) Connect() error {
	if c.sock != nil {
		return nil
	}

	c.log.Debug().Msg("establishing connection")

	sock, err := c.dial(c.addr, c.tlsConfig)
	if err != nil {
		return fmt.Errorf("%w: conn %s: dial %s: %v", ErrConnection, shortID(c.id), c.addr, err)
	}

	c.sock = sock
	c.log.Debug().Msg("connection established")
	return nil
}

// Write sends the whole buffer, connecting first if needed and retrying
// partial writes until complete. On failure the socket is torn down and the
// error wraps ErrConnection; the next Connect re-dials.
func (c *Conn) Write(data []byte) error {
	if err := c.Connect(); err != nil {
		return err
	}

	if err := c.sock.SetWriteDeadline(time.Now().Add(WriteTimeout)); err != nil {
		c.teardown()
		return fmt.Errorf("%w: conn %s: %v", ErrConnection, shortID(c.id), err)
	}

	for len(data) > 0 {
		n, err := c.sock.Write(data)
		if err != nil {
			c.teardown()
			return fmt.Errorf("%w: conn %s: write: %v", ErrConnection, shortID(c.id), err)
		}
		data = data[n:]
	}
	return nil
}

// ReadResponse waits up to timeout for one error frame of size n. The
// steady-state outcome is (nil, nil): the server is silent on success and
// the deadline simply expires. When bytes arrive before the deadline they
// are returned as-is, even if fewer than n; the codec decides whether the
// frame is malformed. Socket closure wraps ErrConnection.
func (c *Conn) ReadResponse(n int, timeout time.Duration) ([]byte, error) {
	if err := c.Connect(); err != nil {
		return nil, err
	}

	if timeout <= 0 {
		timeout = PollTimeout
	}

	if err := c.sock.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		c.teardown()
		return nil, fmt.Errorf("%w: conn %s: %v", ErrConnection, shortID(c.id), err)
	}

	buf := make([]byte, n)
	read, err := io.ReadFull(c.sock, buf)

	switch {
	case err == nil:
		return buf, nil
	case isTimeout(err):
		if read == 0 {
			// No error frame within the window: the expected outcome.
			return nil, nil
		}
		return buf[:read], nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		c.teardown()
		if read > 0 {
			return buf[:read], nil
		}
		return nil, fmt.Errorf("%w: conn %s: closed by server", ErrConnection, shortID(c.id))
	default:
		c.teardown()
		return nil, fmt.Errorf("%w: conn %s: read: %v", ErrConnection, shortID(c.id), err)
	}
}

// Read fills p from the socket, bounded by ReadTimeout per call. It
// implements io.Reader so the feedback stream can be consumed with standard
// readers; io.EOF marks the server-side end of stream.
func (c *Conn) Read(p []byte) (int, error) {
	if err := c.Connect(); err != nil {
		return 0, err
	}

	if err := c.sock.SetReadDeadline(time.Now().Add(ReadTimeout)); err != nil {
		return 0, fmt.Errorf("%w: conn %s: %v", ErrConnection, shortID(c.id), err)
	}

	return c.sock.Read(p)
}

// Close releases the socket. Safe to call multiple times and on a Conn that
// never connected; intended for use in defer on every exit path.
func (c *Conn) Close() error {
	if c.sock == nil {
		return nil
	}
	c.log.Debug().Msg("closing connection")
	err := c.sock.Close()
	c.sock = nil
	return err
}

// teardown drops the socket after a failure so the next Connect re-dials.
func (c *Conn) teardown() {
	if c.sock != nil {
		c.sock.Close()
		c.sock = nil
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
