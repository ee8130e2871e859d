package btp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
	writeWait    = 10 * time.Second
)

// Handler processes one inbound request envelope and returns the response
// to send back. Returning a *WireError selects the ERROR envelope code;
// any other error is reported as code "internal".
type Handler func(ctx context.Context, env *Envelope) (*Envelope, error)

// Conn is one BTP session over a websocket. gorilla/websocket allows a
// single concurrent writer, so every write goes through writeMu. Inbound
// envelopes are read and dispatched by Serve.
type Conn struct {
	ws          *websocket.Conn
	log         *zap.Logger
	callTimeout time.Duration

	writeMu sync.Mutex

	nextID uint32 // atomic

	mu      sync.Mutex
	pending map[uint32]chan *Envelope
	closed  bool
}

// NewConn wraps an established websocket. A maxPacketSize above zero is
// enforced with SetReadLimit; oversized frames kill only this connection.
func NewConn(ws *websocket.Conn, maxPacketSize int64, callTimeout time.Duration, log *zap.Logger) *Conn {
	if maxPacketSize > 0 {
		ws.SetReadLimit(maxPacketSize)
	}
	return &Conn{
		ws:          ws,
		log:         log,
		callTimeout: callTimeout,
		pending:     make(map[uint32]chan *Envelope),
	}
}

// Call sends a request envelope and blocks for the matching reply. An ERROR
// reply is returned as a *WireError.
func (c *Conn) Call(ctx context.Context, env *Envelope) (*Envelope, error) {
	id := atomic.AddUint32(&c.nextID, 1)
	env.RequestID = id

	ch := make(chan *Envelope, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("btp: connection closed")
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(env); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.callTimeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		if reply == nil {
			return nil, fmt.Errorf("btp: connection closed")
		}
		if reply.Type == TypeError {
			we := &WireError{Code: CodeInternal}
			if reply.Error != nil {
				we.Code = reply.Error.Code
				we.Message = reply.Error.Message
			}
			return nil, we
		}
		return reply, nil
	case <-timer.C:
		return nil, fmt.Errorf("btp: request %d timed out after %s", id, c.callTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Serve reads envelopes until the connection fails or ctx is canceled.
// Requests are handled sequentially on this goroutine, preserving per-peer
// arrival order; responses are routed to waiting callers. Serve always
// returns a non-nil error.
func (c *Conn) Serve(ctx context.Context, handle Handler) error {
	defer c.drainPending()

	c.ws.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go c.pingLoop(done)
	go func() {
		select {
		case <-ctx.Done():
			c.Close() //nolint:errcheck
		case <-done:
		}
	}()

	for {
		_, buf, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("btp: read: %w", err)
		}
		env := &Envelope{}
		if err := json.Unmarshal(buf, env); err != nil {
			c.log.Warn("dropping malformed envelope", zap.Error(err))
			continue
		}
		switch env.Type {
		case TypeResponse, TypeError:
			c.deliver(env)
		case TypeMessage, TypeTransfer:
			c.handleRequest(ctx, env, handle)
		default:
			c.log.Warn("dropping envelope of unknown type", zap.String("type", env.Type))
		}
	}
}

// Close announces the shutdown with a close frame, then tears the
// websocket down; in-flight callers fail. The frame lets the peer tell
// a deliberate disconnect from a transport failure.
func (c *Conn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)) //nolint:errcheck
	return c.ws.Close()
}

func (c *Conn) handleRequest(ctx context.Context, env *Envelope, handle Handler) {
	reply, err := handle(ctx, env)
	if err != nil {
		var we *WireError
		if !errors.As(err, &we) {
			we = &WireError{Code: CodeInternal, Message: err.Error()}
		}
		out := &Envelope{
			Type:         TypeError,
			RequestID:    env.RequestID,
			ProtocolData: []ProtocolData{},
			Error:        &ErrorData{Code: we.Code, Message: we.Error()},
		}
		if werr := c.write(out); werr != nil {
			c.log.Warn("writing error envelope failed", zap.Error(werr))
		}
		return
	}
	if reply == nil {
		reply = NewResponse()
	}
	reply.RequestID = env.RequestID
	if err := c.write(reply); err != nil {
		c.log.Warn("writing response envelope failed", zap.Error(err))
	}
}

func (c *Conn) deliver(env *Envelope) {
	c.mu.Lock()
	ch, ok := c.pending[env.RequestID]
	if ok {
		delete(c.pending, env.RequestID)
	}
	c.mu.Unlock()
	if !ok {
		c.log.Debug("reply with no waiting caller", zap.Uint32("request_id", env.RequestID))
		return
	}
	ch <- env
}

func (c *Conn) write(env *Envelope) error {
	buf, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
	return c.ws.WriteMessage(websocket.TextMessage, buf)
}

func (c *Conn) pingLoop(done <-chan struct{}) {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.writeMu.Lock()
			c.ws.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// drainPending fails every in-flight Call once the read loop exits.
func (c *Conn) drainPending() {
	c.mu.Lock()
	c.closed = true
	chans := make([]chan *Envelope, 0, len(c.pending))
	for id, ch := range c.pending {
		delete(c.pending, id)
		chans = append(chans, ch)
	}
	c.mu.Unlock()
	for _, ch := range chans {
		close(ch)
	}
}
