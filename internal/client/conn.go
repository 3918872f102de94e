// Package client is the agent side of the signaling WebSocket.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/agentvoice/internal/domain"
	"github.com/dkeye/agentvoice/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ReasonConnectionLost marks the left event raised locally when the socket
// drops; the server has already dropped the seat.
const ReasonConnectionLost = "connection_lost"

var (
	ErrNotConnected = errors.New("client not connected")
	ErrAuthRejected = errors.New("authentication rejected")
	ErrClosed       = errors.New("client closed")
)

type Options struct {
	URL   string
	Token string

	// MaxAttempts bounds reconnection; zero disables reconnecting.
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	AuthTimeout time.Duration

	Dialer *websocket.Dialer
}

// Conn is a reconnecting signaling connection. Observers run on the read
// goroutine and must not block.
type Conn struct {
	opts Options
	ev   events

	mu       sync.Mutex
	state    State
	ws       *websocket.Conn
	connID   domain.ConnectionID
	room     domain.RoomID
	closed   bool
	cancel   context.CancelFunc
	loopDone chan struct{}

	writeMu sync.Mutex
}

func New(opts Options) *Conn {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = 5 * time.Second
	}
	return &Conn{opts: opts}
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConnectionID is the server-assigned id of the current connection.
func (c *Conn) ConnectionID() domain.ConnectionID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

func (c *Conn) Room() domain.RoomID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	log.Info().Str("module", "client").Str("state", s.String()).Msg("state change")
	c.ev.state.emit(s)
}

// Connect dials and authenticates, then serves the connection until ctx is
// done or Close is called.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.loopDone = make(chan struct{})
	c.mu.Unlock()

	c.setState(StateConnecting)
	ws, err := c.dial(ctx)
	if err != nil {
		cancel()
		close(c.loopDone)
		c.setState(StateFailed)
		return err
	}
	c.setState(StateConnected)
	go c.serve(ctx, ws)
	return nil
}

func (c *Conn) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	ws, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(c.opts.AuthTimeout))
	_, data, err := ws.ReadMessage()
	if err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("await auth_ok: %w", err)
	}
	_ = ws.SetReadDeadline(time.Time{})

	var env protocol.Envelope
	_ = json.Unmarshal(data, &env)
	if env.Type != protocol.TypeAuthOK {
		_ = ws.Close()
		var ae protocol.AuthError
		_ = json.Unmarshal(data, &ae)
		return nil, fmt.Errorf("%w: %s", ErrAuthRejected, ae.Message)
	}
	var ok protocol.AuthOK
	if err := json.Unmarshal(data, &ok); err != nil {
		_ = ws.Close()
		return nil, err
	}

	c.mu.Lock()
	c.ws = ws
	c.connID = ok.ConnectionID
	c.mu.Unlock()
	log.Info().Str("module", "client").Str("conn", string(ok.ConnectionID)).Str("agent", string(ok.AgentID)).Msg("authenticated")
	c.ev.authenticated.emit(ok)
	return ws, nil
}

// serve reads until the socket fails, then reconnects with exponential
// backoff up to MaxAttempts and re-joins the last room.
func (c *Conn) serve(ctx context.Context, ws *websocket.Conn) {
	defer close(c.loopDone)
	go func() {
		<-ctx.Done()
		c.mu.Lock()
		cur := c.ws
		c.mu.Unlock()
		if cur != nil {
			_ = cur.Close()
		}
	}()

	for {
		c.readLoop(ws)
		c.lostRoom()
		if ctx.Err() != nil || c.isClosed() {
			c.setState(StateDisconnected)
			return
		}

		next, ok := c.reconnect(ctx)
		if !ok {
			if ctx.Err() != nil || c.isClosed() {
				c.setState(StateDisconnected)
			} else {
				c.setState(StateFailed)
			}
			return
		}
		ws = next
		if room := c.Room(); room != "" {
			if err := c.JoinRoom(room); err != nil {
				log.Warn().Err(err).Str("module", "client").Str("room", string(room)).Msg("rejoin failed")
			}
		}
	}
}

// lostRoom tells observers the room is gone with the socket. The room stays
// remembered so a reconnect rejoins it.
func (c *Conn) lostRoom() {
	room := c.Room()
	if room == "" {
		return
	}
	c.ev.left.emit(protocol.Left{Type: protocol.TypeLeft, RoomID: room, Reason: ReasonConnectionLost})
}

func (c *Conn) reconnect(ctx context.Context) (*websocket.Conn, bool) {
	if c.opts.MaxAttempts <= 0 {
		return nil, false
	}
	c.setState(StateReconnecting)
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		delay := c.backoff(attempt)
		log.Info().Str("module", "client").Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting")
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(delay):
		}
		ws, err := c.dial(ctx)
		if err == nil {
			c.setState(StateConnected)
			return ws, true
		}
		log.Warn().Err(err).Str("module", "client").Int("attempt", attempt).Msg("reconnect attempt failed")
		if errors.Is(err, ErrAuthRejected) {
			return nil, false
		}
	}
	return nil, false
}

func (c *Conn) backoff(attempt int) time.Duration {
	d := c.opts.BaseBackoff
	for i := 1; i < attempt && d < c.opts.MaxBackoff; i++ {
		d *= 2
	}
	return min(d, c.opts.MaxBackoff)
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Str("module", "client").Msg("read loop ended")
			_ = ws.Close()
			c.mu.Lock()
			if c.ws == ws {
				c.ws = nil
			}
			c.mu.Unlock()
			return
		}
		c.dispatch(data)
	}
}

func (c *Conn) dispatch(data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn().Err(err).Str("module", "client").Msg("bad frame")
		return
	}
	switch env.Type {
	case protocol.TypeJoined:
		var m protocol.Joined
		if decode(data, &m) {
			c.mu.Lock()
			c.room = m.RoomID
			c.mu.Unlock()
			c.ev.joined.emit(m)
		}
	case protocol.TypeUserJoined:
		var m protocol.UserEvent
		if decode(data, &m) {
			c.ev.userJoined.emit(m)
		}
	case protocol.TypeUserLeft:
		var m protocol.UserEvent
		if decode(data, &m) {
			c.ev.userLeft.emit(m)
		}
	case protocol.TypeLeft:
		var m protocol.Left
		if decode(data, &m) {
			c.mu.Lock()
			if c.room == m.RoomID {
				c.room = ""
			}
			c.mu.Unlock()
			c.ev.left.emit(m)
		}
	case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeCandidate, protocol.TypeCandidateEnd:
		var m protocol.RelayDelivery
		if !decode(data, &m) {
			return
		}
		switch env.Type {
		case protocol.TypeOffer:
			c.ev.offer.emit(m)
		case protocol.TypeAnswer:
			c.ev.answer.emit(m)
		case protocol.TypeCandidate:
			c.ev.candidate.emit(m)
		default:
			c.ev.candidateEnd.emit(m)
		}
	case protocol.TypeError:
		var m protocol.Error
		if decode(data, &m) {
			c.ev.errors.emit(m)
		}
	case protocol.TypePong:
	default:
		log.Debug().Str("module", "client").Str("type", string(env.Type)).Msg("ignored frame")
	}
}

func decode(data []byte, v any) bool {
	if err := json.Unmarshal(data, v); err != nil {
		log.Warn().Err(err).Str("module", "client").Msg("bad payload")
		return false
	}
	return true
}

func (c *Conn) send(v any) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return ws.WriteJSON(v)
}

// JoinRoom asks to join room; the room is remembered for rejoin once the
// server confirms with joined.
func (c *Conn) JoinRoom(room domain.RoomID) error {
	return c.send(protocol.JoinRoom{Type: protocol.TypeJoinRoom, RoomID: room})
}

// LeaveRoom also clears the remembered room so reconnects do not rejoin it.
func (c *Conn) LeaveRoom(reason string) error {
	c.mu.Lock()
	c.room = ""
	c.mu.Unlock()
	return c.send(protocol.LeaveRoom{Type: protocol.TypeLeaveRoom, Reason: reason})
}

// Relay sends an offer, answer, candidate or candidate_end to one peer.
func (c *Conn) Relay(_ context.Context, msg protocol.Relay) error {
	if !msg.Type.IsRelay() {
		return fmt.Errorf("not a relay type: %q", msg.Type)
	}
	return c.send(msg)
}

func (c *Conn) Ping() error {
	return c.send(protocol.Envelope{Type: protocol.TypePing})
}

// Close stops reconnecting and closes the socket.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cancel, done, ws := c.cancel, c.loopDone, c.ws
	c.mu.Unlock()

	if ws != nil {
		c.writeMu.Lock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = ws.Close()
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	c.setState(StateDisconnected)
}
