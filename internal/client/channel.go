// Package client is the Go SDK for the signaling server: the channel, direct
// calls, group media sessions and the cleanup supervisor.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/gammazero/deque"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/confer/internal/domain"
	"github.com/dkeye/confer/internal/protocol"
)

// EventDisconnected is emitted once when the channel goes down.
const EventDisconnected = "disconnected"

var ErrDisconnected = errors.New("signaling channel disconnected")

const (
	outQueueSize = 64
	writeWait    = 5 * time.Second
)

// Handler receives one inbound event. Events are handled one at a time by the
// channel's dispatcher; EventDisconnected runs on the goroutine that saw the
// drop.
type Handler func(env protocol.Envelope)

// Signaler is the part of the channel the session components use.
type Signaler interface {
	LocalID() domain.ParticipantID
	Room() domain.RoomID
	SetRoom(room domain.RoomID)
	// Send is fire-and-forget.
	Send(typ string, payload any) error
	// Request waits for the response carrying the same id. Error responses
	// come back as *domain.Error.
	Request(ctx context.Context, typ string, payload any, out any) error
	On(typ string, h Handler) (cancel func())
}

type Options struct {
	URL        string
	Token      string
	Credential string
	Dialer     *websocket.Dialer
}

type handlerEntry struct {
	id uint64
	fn Handler
}

// Channel is one WebSocket connection to the server.
type Channel struct {
	id     domain.ParticipantID
	conn   *websocket.Conn
	out    chan []byte
	logger zerolog.Logger

	mu       sync.Mutex
	room     domain.RoomID
	handlers map[string][]handlerEntry
	nextID   uint64
	waiters  map[string]chan protocol.Envelope
	down     bool
	queue    deque.Deque[protocol.Envelope]
	wake     chan struct{}

	closed core.Fuse
}

// Dial opens the channel. The token is the client identity, sent as the
// cookie the server expects.
func Dial(ctx context.Context, opts Options) (*Channel, error) {
	if opts.Token == "" {
		opts.Token = uuid.NewString()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	target, err := url.Parse(opts.URL)
	if err != nil {
		return nil, err
	}
	if opts.Credential != "" {
		q := target.Query()
		q.Set("credential", opts.Credential)
		target.RawQuery = q.Encode()
	}
	header := http.Header{}
	header.Set("Cookie", "ct="+opts.Token)

	conn, resp, err := dialer.DialContext(ctx, target.String(), header)
	if err != nil {
		return nil, err
	}
	_ = resp.Body.Close()
	return newChannel(domain.ParticipantID(opts.Token), conn), nil
}

func newChannel(id domain.ParticipantID, conn *websocket.Conn) *Channel {
	c := &Channel{
		id:       id,
		conn:     conn,
		out:      make(chan []byte, outQueueSize),
		handlers: make(map[string][]handlerEntry),
		waiters:  make(map[string]chan protocol.Envelope),
		wake:     make(chan struct{}, 1),
		closed:   core.NewFuse(),
		logger:   log.With().Str("module", "client.channel").Str("participant", string(id)).Logger(),
	}
	go c.writeLoop()
	go c.readLoop()
	go c.dispatchLoop()
	return c
}

func (c *Channel) LocalID() domain.ParticipantID { return c.id }

func (c *Channel) Room() domain.RoomID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

func (c *Channel) SetRoom(room domain.RoomID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.room = room
}

// On registers h for typ and returns its removal.
func (c *Channel) On(typ string, h Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.handlers[typ] = append(c.handlers[typ], handlerEntry{id: id, fn: h})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		entries := c.handlers[typ]
		for i, e := range entries {
			if e.id == id {
				c.handlers[typ] = append(entries[:i:i], entries[i+1:]...)
				return
			}
		}
	}
}

func (c *Channel) Send(typ string, payload any) error {
	return c.write(typ, "", payload)
}

func (c *Channel) Request(ctx context.Context, typ string, payload any, out any) error {
	id := uuid.NewString()
	wait := make(chan protocol.Envelope, 1)
	c.mu.Lock()
	if c.down {
		c.mu.Unlock()
		return ErrDisconnected
	}
	c.waiters[id] = wait
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, id)
		c.mu.Unlock()
	}()

	if err := c.write(typ, id, payload); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case env, ok := <-wait:
		if !ok {
			return ErrDisconnected
		}
		if err := env.AsError(); err != nil {
			return err
		}
		if out != nil && len(env.Payload) > 0 {
			return json.Unmarshal(env.Payload, out)
		}
		return nil
	}
}

func (c *Channel) write(typ, id string, payload any) error {
	c.mu.Lock()
	down, room := c.down, c.room
	c.mu.Unlock()
	if down {
		return ErrDisconnected
	}
	frame, err := protocol.Encode(typ, room, id, payload)
	if err != nil {
		return err
	}
	select {
	case <-c.closed.Watch():
		return ErrDisconnected
	case c.out <- frame:
		return nil
	}
}

// Close disconnects; listeners get EventDisconnected like on a network drop.
func (c *Channel) Close() {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline())
	c.shutdown(nil)
}

// Done is closed once the channel is down.
func (c *Channel) Done() <-chan struct{} { return c.closed.Watch() }

func (c *Channel) writeLoop() {
	for {
		select {
		case <-c.closed.Watch():
			return
		case frame := <-c.out:
			_ = c.conn.SetWriteDeadline(deadline())
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.shutdown(err)
				return
			}
		}
	}
}

func (c *Channel) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("dropping undecodable frame")
			continue
		}
		c.route(env)
	}
}

// route hands responses to their waiter and queues everything else.
func (c *Channel) route(env protocol.Envelope) {
	c.mu.Lock()
	if env.ID != "" {
		if wait, ok := c.waiters[env.ID]; ok {
			delete(c.waiters, env.ID)
			c.mu.Unlock()
			wait <- env
			return
		}
	}
	c.queue.PushBack(env)
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Channel) dispatchLoop() {
	for {
		c.mu.Lock()
		if c.queue.Len() == 0 {
			c.mu.Unlock()
			select {
			case <-c.closed.Watch():
				return
			case <-c.wake:
			}
			continue
		}
		env := c.queue.PopFront()
		entries := append([]handlerEntry(nil), c.handlers[env.Type]...)
		c.mu.Unlock()

		for _, e := range entries {
			e.fn(env)
		}
	}
}

// shutdown fails pending requests and emits EventDisconnected on the calling
// goroutine before returning.
func (c *Channel) shutdown(err error) {
	c.closed.Once(func() {
		if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			c.logger.Warn().Err(err).Msg("channel lost")
		} else {
			c.logger.Info().Msg("channel closed")
		}
		_ = c.conn.Close()

		c.mu.Lock()
		c.down = true
		for id, wait := range c.waiters {
			close(wait)
			delete(c.waiters, id)
		}
		entries := append([]handlerEntry(nil), c.handlers[EventDisconnected]...)
		room := c.room
		c.mu.Unlock()

		env := protocol.Envelope{Type: EventDisconnected, RoomID: room}
		for _, e := range entries {
			e.fn(env)
		}
	})
}

func deadline() time.Time { return time.Now().Add(writeWait) }
