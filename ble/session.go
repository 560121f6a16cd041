package ble

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ConnState is the session's position in its connection lifecycle.
type ConnState uint8

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateBackoff
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	default:
		return "invalid"
	}
}

const (
	defaultConnectTimeout = 10 * time.Second
	defaultReadTimeout    = 10 * time.Second
	defaultBackoffBase    = 5 * time.Second
	defaultBackoffMax     = 60 * time.Second
)

// SessionOptions tune the per-poll timeouts and the failure backoff.
// Zero values fall back to defaults.
type SessionOptions struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
}

func (o *SessionOptions) withDefaults() SessionOptions {
	out := *o
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = defaultConnectTimeout
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = defaultReadTimeout
	}
	if out.BackoffBase <= 0 {
		out.BackoffBase = defaultBackoffBase
	}
	if out.BackoffMax <= 0 {
		out.BackoffMax = defaultBackoffMax
	}
	return out
}

// RawPoll is the raw result of one successful poll.
type RawPoll struct {
	Frame   []byte
	RSSI    int16
	Scanner string
}

// Session owns the connection lifecycle to one monitor. It is not safe for
// concurrent use; exactly one coordinator drives it, which also matches the
// device's one-connection-slot constraint.
type Session struct {
	transport Transport
	address   string
	command   []byte
	opts      SessionOptions

	state               ConnState
	consecutiveFailures int
	lastSuccess         time.Time
	nextAttempt         time.Time
}

// NewSession builds a session that writes command on every poll and waits
// for the resulting notification.
func NewSession(transport Transport, address string, command []byte, opts SessionOptions) *Session {
	return &Session{
		transport: transport,
		address:   address,
		command:   command,
		opts:      opts.withDefaults(),
	}
}

// Poll runs one connect/request/read/disconnect cycle. If the session is in
// backoff it first waits out the remaining delay (or returns early when ctx
// is cancelled). The connection is always released before Poll returns.
func (s *Session) Poll(ctx context.Context) (*RawPoll, error) {
	if wait := time.Until(s.nextAttempt); wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.state = StateConnecting
	connectCtx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	conn, err := s.transport.Connect(connectCtx, s.address)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			// Cancelled from outside, not a device failure.
			s.state = StateDisconnected
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %s", ErrConnectTimeout, s.address)
		}
		return nil, s.fail(err)
	}
	defer conn.Close()
	s.state = StateConnected

	if err := conn.Write(ctx, s.command); err != nil {
		if ctx.Err() != nil {
			s.state = StateDisconnected
			return nil, ctx.Err()
		}
		return nil, s.fail(fmt.Errorf("%w: write: %v", ErrDisconnected, err))
	}

	readCtx, cancel := context.WithTimeout(ctx, s.opts.ReadTimeout)
	frame, err := conn.ReadNotify(readCtx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			s.state = StateDisconnected
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %s", ErrReadTimeout, s.address)
		}
		return nil, s.fail(err)
	}

	s.succeed()
	return &RawPoll{
		Frame:   frame,
		RSSI:    conn.RSSI(),
		Scanner: conn.Scanner(),
	}, nil
}

func (s *Session) fail(err error) error {
	s.consecutiveFailures++
	s.nextAttempt = time.Now().Add(s.backoffDelay())
	s.state = StateBackoff
	return err
}

func (s *Session) succeed() {
	s.consecutiveFailures = 0
	s.lastSuccess = time.Now()
	s.nextAttempt = time.Time{}
	s.state = StateDisconnected
}

// backoffDelay is the exponential delay for the current failure count:
// base * 2^(failures-1), capped at BackoffMax.
func (s *Session) backoffDelay() time.Duration {
	delay := s.opts.BackoffBase
	for i := 1; i < s.consecutiveFailures; i++ {
		delay *= 2
		if delay >= s.opts.BackoffMax {
			return s.opts.BackoffMax
		}
	}
	if delay > s.opts.BackoffMax {
		delay = s.opts.BackoffMax
	}
	return delay
}

// State returns the current lifecycle state.
func (s *Session) State() ConnState { return s.state }

// ConsecutiveFailures returns the number of polls failed since the last
// success.
func (s *Session) ConsecutiveFailures() int { return s.consecutiveFailures }

// LastSuccess returns the time of the last successful poll, zero if none.
func (s *Session) LastSuccess() time.Time { return s.lastSuccess }

// Address returns the device hardware address the session is bound to.
func (s *Session) Address() string { return s.address }
