// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package channel owns the websocket connection to the optimization service.
//
// # Description
//
// A Channel wraps exactly one gorilla/websocket connection and walks it
// through a small state machine:
//
//	idle -> connecting -> open -> closed | failed
//
// Dialing happens in the background. Callers wait for readiness with
// AwaitReady, write control messages with Send and consume raw inbound
// frames from Messages. Nothing outside this package touches the underlying
// connection.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Writes are serialized. Exactly one
// goroutine reads from the connection and forwards frames in arrival order.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AutoPromptix/pkg/logging"
)

// =============================================================================
// Defaults
// =============================================================================

const (
	// DefaultReadyTimeout bounds AwaitReady when no timeout is given.
	DefaultReadyTimeout = 5 * time.Second

	// DefaultWriteTimeout bounds a single Send.
	DefaultWriteTimeout = 10 * time.Second

	// DefaultHandshakeTimeout bounds the websocket upgrade handshake.
	DefaultHandshakeTimeout = 10 * time.Second

	// DefaultReadLimit caps a single inbound frame.
	DefaultReadLimit = 4 * 1024 * 1024 // 4MB

	// DefaultInboundBuffer is the capacity of the Messages channel.
	DefaultInboundBuffer = 64
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrReadyTimeout is returned by AwaitReady when the channel did not
	// open within the timeout.
	ErrReadyTimeout = errors.New("channel: not ready before timeout")

	// ErrNotOpen is returned by Send when the channel is not open.
	ErrNotOpen = errors.New("channel: not open")

	// ErrUnexpectedClose is the end reason for any close not requested
	// through Close.
	ErrUnexpectedClose = errors.New("channel: closed unexpectedly")

	// ErrAlreadyOpened is returned by a second call to Open.
	ErrAlreadyOpened = errors.New("channel: already opened")

	// ErrClosed is returned by AwaitReady when Close was called before the
	// channel became ready.
	ErrClosed = errors.New("channel: closed")
)

// =============================================================================
// Types
// =============================================================================

// State is the lifecycle position of a Channel.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
	StateFailed
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Dialer opens websocket connections. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

var _ Dialer = (*websocket.Dialer)(nil)

// Config configures a Channel. Zero values use the package defaults.
type Config struct {
	// Dialer opens the connection. Default: a websocket.Dialer with
	// HandshakeTimeout applied.
	Dialer Dialer

	// WriteTimeout bounds each Send. Default: DefaultWriteTimeout.
	WriteTimeout time.Duration

	// HandshakeTimeout bounds the upgrade handshake of the default dialer.
	// Default: DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration

	// ReadLimit caps the size of a single inbound frame.
	// Default: DefaultReadLimit.
	ReadLimit int64

	// InboundBuffer is the capacity of the Messages channel.
	// Default: DefaultInboundBuffer.
	InboundBuffer int

	// Logger receives lifecycle logs. Default: logging.Default().
	Logger *logging.Logger
}

func (c Config) withDefaults() Config {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = DefaultReadLimit
	}
	if c.InboundBuffer <= 0 {
		c.InboundBuffer = DefaultInboundBuffer
	}
	if c.Dialer == nil {
		c.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: c.HandshakeTimeout,
		}
	}
	if c.Logger == nil {
		c.Logger = logging.Default()
	}
	return c
}

// Channel is one websocket connection to the optimization service.
type Channel struct {
	cfg Config
	log *logging.Logger

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	cancelDial context.CancelFunc
	err        error

	ready    chan struct{} // closed on open
	done     chan struct{} // closed on closed or failed
	messages chan []byte   // closed by whichever goroutine owns the read side

	writeMu sync.Mutex
}

// New creates an idle Channel.
func New(cfg Config) *Channel {
	cfg = cfg.withDefaults()
	return &Channel{
		cfg:      cfg,
		log:      cfg.Logger,
		state:    StateIdle,
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
		messages: make(chan []byte, cfg.InboundBuffer),
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

// Open starts dialing endpoint in the background and returns immediately.
//
// # Description
//
// Moves idle -> connecting. The dial honours ctx until the connection is
// established; after that the connection lives until Close or a remote close.
//
// # Outputs
//
//   - error: ErrAlreadyOpened if Open was called before.
func (c *Channel) Open(ctx context.Context, endpoint string) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrAlreadyOpened
	}
	dialCtx, cancel := context.WithCancel(ctx)
	c.state = StateConnecting
	c.cancelDial = cancel
	c.mu.Unlock()

	c.log.Debug("Opening optimization channel", "endpoint", endpoint)
	go c.dial(dialCtx, endpoint)
	return nil
}

func (c *Channel) dial(ctx context.Context, endpoint string) {
	conn, _, err := c.cfg.Dialer.DialContext(ctx, endpoint, nil)

	c.mu.Lock()
	if c.state != StateConnecting {
		// Closed while dialing.
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		close(c.messages)
		return
	}
	if err != nil {
		c.state = StateFailed
		c.err = fmt.Errorf("channel: dial: %w", err)
		close(c.done)
		c.mu.Unlock()
		close(c.messages)
		c.log.Warn("Optimization channel failed to open", "error", err)
		return
	}

	conn.SetReadLimit(c.cfg.ReadLimit)
	c.conn = conn
	c.state = StateOpen
	close(c.ready)
	c.mu.Unlock()

	c.log.Debug("Optimization channel open")
	c.readLoop(conn)
}

// readLoop forwards text frames until the connection ends.
func (c *Channel) readLoop(conn *websocket.Conn) {
	defer close(c.messages)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			c.fail(err)
			_ = conn.Close()
			return
		}
		if msgType != websocket.TextMessage {
			c.log.Debug("Dropping non-text frame", "type", msgType, "bytes", len(data))
			continue
		}
		select {
		case c.messages <- data:
		case <-c.done:
			return
		}
	}
}

// fail records a remote or transport close. A local Close wins.
func (c *Channel) fail(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOpen {
		return
	}
	c.state = StateFailed
	c.err = fmt.Errorf("%w: %w", ErrUnexpectedClose, cause)
	close(c.done)

	if websocket.IsCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.log.Debug("Optimization channel closed by service", "reason", cause.Error())
		return
	}
	c.log.Warn("Optimization channel closed unexpectedly", "error", cause)
}

// AwaitReady blocks until the channel is open.
//
// # Description
//
// This is the only blocking call in the package. It resolves as soon as the
// channel opens, and fails early if the dial fails or the channel ends
// before becoming ready.
//
// # Inputs
//
//   - ctx: Cancels the wait (not the dial).
//   - timeout: Maximum wait. <= 0 uses DefaultReadyTimeout.
//
// # Outputs
//
//   - error: nil once open; ErrReadyTimeout (wrapped) on timeout; the dial
//     or close error if the channel ended first; ErrClosed after a local
//     Close; ErrNotOpen if Open was never called; ctx.Err() on cancel.
func (c *Channel) AwaitReady(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}
	if c.State() == StateIdle {
		return ErrNotOpen
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-c.ready:
		return nil
	case <-c.done:
		if err := c.Err(); err != nil {
			return err
		}
		return ErrClosed
	case <-timer.C:
		return fmt.Errorf("%w (%s)", ErrReadyTimeout, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send writes v as a JSON text frame.
//
// # Outputs
//
//   - error: ErrNotOpen unless the channel is open, or the write error.
func (c *Channel) Send(v any) error {
	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return ErrNotOpen
	}
	conn := c.conn
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return fmt.Errorf("channel: set write deadline: %w", err)
	}
	if err := conn.WriteJSON(v); err != nil {
		return fmt.Errorf("channel: send: %w", err)
	}
	return nil
}

// Messages returns inbound text frames in arrival order. The channel is
// closed once no more frames will be delivered.
func (c *Channel) Messages() <-chan []byte {
	return c.messages
}

// Done is closed when the channel reaches closed or failed.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Err reports why the channel ended. It is nil while the channel is live and
// after a local Close.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close releases the channel. It is idempotent and safe to call in any state.
//
// An open connection gets a normal-closure frame on a best-effort basis
// before the socket is closed. An in-flight dial is cancelled.
func (c *Channel) Close() error {
	c.mu.Lock()
	prev := c.state
	conn := c.conn
	cancel := c.cancelDial
	if prev != StateClosed && prev != StateFailed {
		c.state = StateClosed
		close(c.done)
	}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	switch prev {
	case StateClosed, StateFailed:
		return nil
	case StateIdle:
		close(c.messages)
	case StateOpen:
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
			c.log.Debug("Close frame not delivered", "error", err)
		}
		_ = conn.Close()
	}

	c.log.Debug("Optimization channel closed", "from", prev.String())
	return nil
}
