package ble

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	frame    []byte
	writeErr error
	readErr  error
	written  [][]byte
	closed   int
}

func (c *fakeConn) Write(ctx context.Context, payload []byte) error {
	c.written = append(c.written, payload)
	return c.writeErr
}

func (c *fakeConn) ReadNotify(ctx context.Context) ([]byte, error) {
	if c.readErr != nil {
		return nil, c.readErr
	}
	return c.frame, nil
}

func (c *fakeConn) RSSI() int16     { return -67 }
func (c *fakeConn) Scanner() string { return "test-adapter" }
func (c *fakeConn) Close() error    { c.closed++; return nil }

type fakeTransport struct {
	conn       *fakeConn
	connectErr error
	connects   int
}

func (t *fakeTransport) Connect(ctx context.Context, address string) (Conn, error) {
	t.connects++
	if t.connectErr != nil {
		return nil, t.connectErr
	}
	return t.conn, nil
}

func fastOpts() SessionOptions {
	return SessionOptions{
		ConnectTimeout: 50 * time.Millisecond,
		ReadTimeout:    50 * time.Millisecond,
		BackoffBase:    time.Millisecond,
		BackoffMax:     8 * time.Millisecond,
	}
}

func TestPollSuccess(t *testing.T) {
	conn := &fakeConn{frame: []byte{1, 2, 3}}
	transport := &fakeTransport{conn: conn}
	session := NewSession(transport, "AA:BB:CC:DD:EE:FF", []byte{0xD1}, fastOpts())

	poll, err := session.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, poll.Frame)
	assert.Equal(t, int16(-67), poll.RSSI)
	assert.Equal(t, "test-adapter", poll.Scanner)

	// The command is written, the connection released, success recorded.
	assert.Equal(t, [][]byte{{0xD1}}, conn.written)
	assert.Equal(t, 1, conn.closed)
	assert.Equal(t, StateDisconnected, session.State())
	assert.Equal(t, 0, session.ConsecutiveFailures())
	assert.False(t, session.LastSuccess().IsZero())
}

func TestPollConnectFailureEntersBackoff(t *testing.T) {
	transport := &fakeTransport{connectErr: ErrDeviceBusy}
	session := NewSession(transport, "AA:BB:CC:DD:EE:FF", nil, fastOpts())

	_, err := session.Poll(context.Background())
	assert.ErrorIs(t, err, ErrDeviceBusy)
	assert.Equal(t, StateBackoff, session.State())
	assert.Equal(t, 1, session.ConsecutiveFailures())
}

func TestBackoffDelaySequence(t *testing.T) {
	session := NewSession(nil, "", nil, SessionOptions{
		BackoffBase: 5 * time.Second,
		BackoffMax:  60 * time.Second,
	})

	want := []time.Duration{
		5 * time.Second,
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
		60 * time.Second,
		60 * time.Second, // capped
	}
	for i, expected := range want {
		session.consecutiveFailures = i + 1
		assert.Equal(t, expected, session.backoffDelay(), "failure %d", i+1)
	}

	// Success resets the sequence to the base delay.
	session.succeed()
	session.consecutiveFailures = 1
	assert.Equal(t, 5*time.Second, session.backoffDelay())
}

func TestPollWaitsOutBackoff(t *testing.T) {
	conn := &fakeConn{frame: []byte{1}}
	transport := &fakeTransport{conn: conn, connectErr: ErrDeviceBusy}
	session := NewSession(transport, "AA:BB:CC:DD:EE:FF", nil, fastOpts())

	_, err := session.Poll(context.Background())
	require.Error(t, err)
	require.Equal(t, StateBackoff, session.State())

	// Next poll succeeds after the (1ms) backoff has been waited out.
	transport.connectErr = nil
	start := time.Now()
	_, err = session.Poll(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), time.Millisecond)
	assert.Equal(t, 0, session.ConsecutiveFailures())
}

func TestPollCancelledDuringBackoff(t *testing.T) {
	transport := &fakeTransport{connectErr: ErrDeviceBusy}
	opts := fastOpts()
	opts.BackoffBase = time.Minute
	opts.BackoffMax = time.Minute
	session := NewSession(transport, "AA:BB:CC:DD:EE:FF", nil, opts)

	_, err := session.Poll(context.Background())
	require.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = session.Poll(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	// Cancellation does not count as another device failure.
	assert.Equal(t, 1, session.ConsecutiveFailures())
	assert.Equal(t, 1, transport.connects)
}

func TestPollReadFailure(t *testing.T) {
	conn := &fakeConn{readErr: context.DeadlineExceeded}
	transport := &fakeTransport{conn: conn}
	session := NewSession(transport, "AA:BB:CC:DD:EE:FF", nil, fastOpts())

	_, err := session.Poll(context.Background())
	assert.ErrorIs(t, err, ErrReadTimeout)
	assert.Equal(t, 1, session.ConsecutiveFailures())
	// Connection is still released on the failure path.
	assert.Equal(t, 1, conn.closed)
}

func TestPollWriteFailure(t *testing.T) {
	conn := &fakeConn{writeErr: ErrDisconnected}
	transport := &fakeTransport{conn: conn}
	session := NewSession(transport, "AA:BB:CC:DD:EE:FF", nil, fastOpts())

	_, err := session.Poll(context.Background())
	assert.ErrorIs(t, err, ErrDisconnected)
	assert.Equal(t, 1, conn.closed)
	assert.Equal(t, StateBackoff, session.State())
}

func TestPollConnectTimeoutMapped(t *testing.T) {
	transport := &fakeTransport{connectErr: context.DeadlineExceeded}
	session := NewSession(transport, "AA:BB:CC:DD:EE:FF", nil, fastOpts())

	_, err := session.Poll(context.Background())
	assert.ErrorIs(t, err, ErrConnectTimeout)
}
