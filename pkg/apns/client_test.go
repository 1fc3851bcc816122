package apns

import (
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pushgate/pkg/protocol"
)

// gatewayConn is a scripted stand-in for the gateway socket. Error frames
// queued in respondAfter become readable once the corresponding write has
// completed, mirroring how the real gateway reports failures asynchronously.
type gatewayConn struct {
	mu           sync.Mutex
	frames       [][]byte
	pending      []byte
	deadline     time.Time
	closed       bool
	writeErr     error
	respondAfter map[int][]byte
}

func (c *gatewayConn) Read(p []byte) (int, error) {
	for {
		c.mu.Lock()
		if len(c.pending) > 0 {
			n := copy(p, c.pending)
			c.pending = c.pending[n:]
			c.mu.Unlock()
			return n, nil
		}
		if c.closed {
			c.mu.Unlock()
			return 0, io.EOF
		}
		deadline := c.deadline
		c.mu.Unlock()

		if !deadline.IsZero() && time.Now().After(deadline) {
			return 0, os.ErrDeadlineExceeded
		}
		time.Sleep(time.Millisecond)
	}
}

func (c *gatewayConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, net.ErrClosed
	}
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	c.frames = append(c.frames, append([]byte(nil), p...))
	if resp, ok := c.respondAfter[len(c.frames)-1]; ok {
		c.pending = append(c.pending, resp...)
	}
	return len(p), nil
}

func (c *gatewayConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *gatewayConn) LocalAddr() net.Addr                { return &net.TCPAddr{} }
func (c *gatewayConn) RemoteAddr() net.Addr               { return &net.TCPAddr{} }
func (c *gatewayConn) SetDeadline(t time.Time) error      { return nil }
func (c *gatewayConn) SetWriteDeadline(t time.Time) error { return nil }

func (c *gatewayConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadline = t
	return nil
}

func (c *gatewayConn) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *gatewayConn) written() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var all []byte
	for _, frame := range c.frames {
		all = append(all, frame...)
	}
	return all
}

// scriptDialer hands out scripted connections in order.
type scriptDialer struct {
	conns []*gatewayConn
	dials int
}

func (d *scriptDialer) dial(addr string, config *tls.Config) (net.Conn, error) {
	d.dials++
	if d.dials > len(d.conns) {
		return nil, errors.New("gateway unreachable")
	}
	return d.conns[d.dials-1], nil
}

func newTestClient(d *scriptDialer) *Client {
	return &Client{
		cfg: Config{
			Host:             "gateway.test",
			Port:             2195,
			FeedbackHost:     "feedback.test",
			FeedbackPort:     2196,
			ErrorTimeout:     25 * time.Millisecond,
			ExpirationOffset: time.Hour,
			BatchSize:        DefaultBatchSize,
			Retries:          3,
		},
		dial: d.dial,
		log:  zerolog.Nop(),
	}
}

func makeTokens(n int) []string {
	tokens := make([]string, n)
	for i := range tokens {
		tokens[i] = fmt.Sprintf("%064x", i+1)
	}
	return tokens
}

// wireNotification is one push frame decoded back from the written bytes.
type wireNotification struct {
	token      []byte
	payload    []byte
	identifier uint32
	expiration uint32
	priority   byte
}

func parseFrames(t *testing.T, data []byte) []wireNotification {
	t.Helper()

	var out []wireNotification
	for len(data) > 0 {
		require.Equal(t, protocol.PushCommand, data[0])
		data = data[1:]

		var n wireNotification
		for i := 0; i < 5; i++ {
			require.GreaterOrEqual(t, len(data), 3, "truncated frame item")
			id := data[0]
			length := int(binary.BigEndian.Uint16(data[1:3]))
			require.GreaterOrEqual(t, len(data), 3+length, "item value overruns frame")
			value := data[3 : 3+length]

			switch id {
			case protocol.ItemDeviceToken:
				n.token = value
			case protocol.ItemPayload:
				n.payload = value
			case protocol.ItemIdentifier:
				n.identifier = binary.BigEndian.Uint32(value)
			case protocol.ItemExpiration:
				n.expiration = binary.BigEndian.Uint32(value)
			case protocol.ItemPriority:
				n.priority = value[0]
			}
			data = data[3+length:]
		}
		out = append(out, n)
	}
	return out
}

func identifiers(notifs []wireNotification) []uint32 {
	ids := make([]uint32, len(notifs))
	for i, n := range notifs {
		ids[i] = n.identifier
	}
	return ids
}

func TestSendAllDelivered(t *testing.T) {
	conn := &gatewayConn{}
	dialer := &scriptDialer{conns: []*gatewayConn{conn}}
	client := newTestClient(dialer)

	tokens := makeTokens(3)
	res, err := client.Send(tokens, "hello", nil)
	require.NoError(t, err)

	assert.Equal(t, tokens, res.Successes)
	assert.Empty(t, res.Failures)
	assert.Empty(t, res.Errors)

	notifs := parseFrames(t, conn.written())
	require.Len(t, notifs, 3)
	assert.Equal(t, []uint32{0, 1, 2}, identifiers(notifs))
	for _, n := range notifs {
		assert.Contains(t, string(n.payload), "hello")
		assert.Equal(t, protocol.PriorityHigh, n.priority)
		assert.NotZero(t, n.expiration)
	}
}

func TestSendLowPriority(t *testing.T) {
	conn := &gatewayConn{}
	dialer := &scriptDialer{conns: []*gatewayConn{conn}}
	client := newTestClient(dialer)

	opts := &SendOptions{
		Message:     Message{ContentAvailable: true},
		LowPriority: true,
	}
	_, err := client.Send(makeTokens(1), "", opts)
	require.NoError(t, err)

	notifs := parseFrames(t, conn.written())
	require.Len(t, notifs, 1)
	assert.Equal(t, protocol.PriorityLow, notifs[0].priority)
}

func TestSendResumesAfterServerError(t *testing.T) {
	conn1 := &gatewayConn{respondAfter: map[int][]byte{
		0: protocol.EncodeError(protocol.StatusInvalidToken, 1),
	}}
	conn2 := &gatewayConn{}
	dialer := &scriptDialer{conns: []*gatewayConn{conn1, conn2}}
	client := newTestClient(dialer)

	tokens := makeTokens(5)
	res, err := client.Send(tokens, "hi", nil)
	require.NoError(t, err)

	// Token 1 failed; everything before it was acknowledged, everything
	// after it was resent on the fresh connection.
	assert.Equal(t, []string{tokens[1]}, res.Failures)
	assert.Equal(t, []string{tokens[0], tokens[2], tokens[3], tokens[4]}, res.Successes)

	var srvErr *protocol.ServerError
	require.ErrorAs(t, res.TokenErrors[tokens[1]], &srvErr)
	assert.Equal(t, protocol.StatusInvalidToken, srvErr.Status)

	assert.Equal(t, []uint32{2, 3, 4}, identifiers(parseFrames(t, conn2.written())),
		"resend starts after the failed notification and keeps original identifiers")
}

func TestSendIdentifiersSpanBatches(t *testing.T) {
	conn1 := &gatewayConn{respondAfter: map[int][]byte{
		1: protocol.EncodeError(protocol.StatusProcessingError, 0),
	}}
	conn2 := &gatewayConn{}
	dialer := &scriptDialer{conns: []*gatewayConn{conn1, conn2}}
	client := newTestClient(dialer)

	tokens := makeTokens(5)
	opts := &SendOptions{BatchSize: 2}
	res, err := client.Send(tokens, "hi", opts)
	require.NoError(t, err)

	// The error referenced a notification from an earlier batch: the
	// identifier resolves against the whole call, not the current batch.
	assert.Equal(t, []string{tokens[0]}, res.Failures)
	assert.Equal(t, tokens[1:], res.Successes)

	assert.Equal(t, 2, conn1.writeCount(), "third batch never written after the error")
	assert.Equal(t, []uint32{1, 2, 3, 4}, identifiers(parseFrames(t, conn2.written())))
}

func TestSendFatalErrorAbandonsRemainder(t *testing.T) {
	conn := &gatewayConn{respondAfter: map[int][]byte{
		0: protocol.EncodeError(protocol.StatusShutdown, 1),
	}}
	dialer := &scriptDialer{conns: []*gatewayConn{conn}}
	client := newTestClient(dialer)

	tokens := makeTokens(6)
	opts := &SendOptions{BatchSize: 2}
	res, err := client.Send(tokens, "hi", opts)
	require.NoError(t, err)

	assert.Equal(t, []string{tokens[0]}, res.Successes)
	assert.Equal(t, tokens[1:], res.Failures)

	var srvErr *protocol.ServerError
	require.ErrorAs(t, res.TokenErrors[tokens[1]], &srvErr)
	assert.True(t, srvErr.Fatal())

	for _, token := range tokens[2:] {
		var unsendable *UnsendableError
		assert.ErrorAs(t, res.TokenErrors[token], &unsendable)
	}

	assert.Equal(t, 1, dialer.dials, "no reconnect after a fatal error")
	assert.Equal(t, 1, conn.writeCount())
}

func TestSendRetryBudgetNoProgress(t *testing.T) {
	broken := func() *gatewayConn { return &gatewayConn{writeErr: errors.New("connection reset")} }
	dialer := &scriptDialer{conns: []*gatewayConn{broken(), broken(), broken()}}
	client := newTestClient(dialer)

	opts := &SendOptions{Retries: 3}
	res, err := client.Send(makeTokens(2), "hi", opts)

	assert.Nil(t, res)
	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, 0, timeout.Identifier)
	assert.Equal(t, 3, dialer.dials)
}

func TestSendRetryBudgetAfterProgress(t *testing.T) {
	conn1 := &gatewayConn{respondAfter: map[int][]byte{
		0: protocol.EncodeError(protocol.StatusInvalidToken, 0),
	}}
	broken := func() *gatewayConn { return &gatewayConn{writeErr: errors.New("connection reset")} }
	dialer := &scriptDialer{conns: []*gatewayConn{conn1, broken(), broken(), broken()}}
	client := newTestClient(dialer)

	tokens := makeTokens(3)
	opts := &SendOptions{Retries: 3}
	res, err := client.Send(tokens, "hi", opts)
	require.NoError(t, err, "a partial result is still a result once the server confirmed anything")

	assert.Equal(t, tokens, res.Failures)
	assert.Empty(t, res.Successes)

	var srvErr *protocol.ServerError
	assert.ErrorAs(t, res.TokenErrors[tokens[0]], &srvErr)
	for _, token := range tokens[1:] {
		var timeout *TimeoutError
		assert.ErrorAs(t, res.TokenErrors[token], &timeout)
	}
}

func TestSendRetryBudgetPreservesConfirmedSuccesses(t *testing.T) {
	// The server error at identifier 1 confirms token 0 before the
	// connection goes bad for good.
	conn1 := &gatewayConn{respondAfter: map[int][]byte{
		0: protocol.EncodeError(protocol.StatusInvalidToken, 1),
	}}
	broken := func() *gatewayConn { return &gatewayConn{writeErr: errors.New("connection reset")} }
	dialer := &scriptDialer{conns: []*gatewayConn{conn1, broken(), broken(), broken()}}
	client := newTestClient(dialer)

	tokens := makeTokens(4)
	opts := &SendOptions{Retries: 3}
	res, err := client.Send(tokens, "hi", opts)
	require.NoError(t, err)

	assert.Equal(t, []string{tokens[0]}, res.Successes,
		"tokens confirmed before the budget ran out stay successful")
	assert.Equal(t, tokens[1:], res.Failures)

	var srvErr *protocol.ServerError
	assert.ErrorAs(t, res.TokenErrors[tokens[1]], &srvErr)
	for _, token := range tokens[2:] {
		var timeout *TimeoutError
		assert.ErrorAs(t, res.TokenErrors[token], &timeout)
	}
}

func TestSendMalformedResponse(t *testing.T) {
	t.Run("wrong command", func(t *testing.T) {
		conn := &gatewayConn{respondAfter: map[int][]byte{
			0: {9, 1, 0, 0, 0, 1},
		}}
		dialer := &scriptDialer{conns: []*gatewayConn{conn}}
		client := newTestClient(dialer)

		_, err := client.Send(makeTokens(2), "hi", nil)
		assert.ErrorIs(t, err, protocol.ErrMalformedResponse)
	})

	t.Run("short frame", func(t *testing.T) {
		conn := &gatewayConn{respondAfter: map[int][]byte{
			0: {protocol.ErrorResponseCommand, 1, 0},
		}}
		dialer := &scriptDialer{conns: []*gatewayConn{conn}}
		client := newTestClient(dialer)

		_, err := client.Send(makeTokens(2), "hi", nil)
		assert.ErrorIs(t, err, protocol.ErrMalformedResponse)
	})

	t.Run("identifier out of range", func(t *testing.T) {
		conn := &gatewayConn{respondAfter: map[int][]byte{
			0: protocol.EncodeError(protocol.StatusInvalidToken, 99),
		}}
		dialer := &scriptDialer{conns: []*gatewayConn{conn}}
		client := newTestClient(dialer)

		_, err := client.Send(makeTokens(2), "hi", nil)
		assert.ErrorIs(t, err, protocol.ErrMalformedResponse)
	})
}

func TestSendInvalidTokens(t *testing.T) {
	dialer := &scriptDialer{}
	client := newTestClient(dialer)

	_, err := client.Send([]string{"not-hex", makeTokens(1)[0], ""}, "hi", nil)
	require.ErrorIs(t, err, ErrInvalidToken)
	assert.Contains(t, err.Error(), "not-hex")
	assert.Zero(t, dialer.dials, "nothing dialed for invalid input")
}

func TestSendPayloadTooLarge(t *testing.T) {
	dialer := &scriptDialer{}
	client := newTestClient(dialer)

	alert := strings.Repeat("a", 4000)
	_, err := client.Send(makeTokens(1), alert, nil)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
	assert.Zero(t, dialer.dials)
}

func TestSendNoTokens(t *testing.T) {
	dialer := &scriptDialer{}
	client := newTestClient(dialer)

	res, err := client.Send(nil, "hi", nil)
	require.NoError(t, err)
	assert.Empty(t, res.Successes)
	assert.Empty(t, res.Failures)
	assert.Zero(t, dialer.dials)
}

func TestSendToken(t *testing.T) {
	conn := &gatewayConn{}
	dialer := &scriptDialer{conns: []*gatewayConn{conn}}
	client := newTestClient(dialer)

	token := makeTokens(1)[0]
	res, err := client.SendToken(token, "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{token}, res.Successes)
}

func TestClientCloseIdempotent(t *testing.T) {
	conn := &gatewayConn{}
	dialer := &scriptDialer{conns: []*gatewayConn{conn, conn}}
	client := newTestClient(dialer)

	assert.NoError(t, client.Close(), "close before any send is a no-op")

	_, err := client.Send(makeTokens(1), "hi", nil)
	require.NoError(t, err)

	assert.NoError(t, client.Close())
	assert.NoError(t, client.Close())
}
