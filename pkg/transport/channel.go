package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrDisconnected short-circuits sends while no channel is available.
var ErrDisconnected = errors.New("transport disconnected")

// State is the adapter's view of the connection. Reconnecting is the
// collaborator's job; the adapter only reports what it sees.
type State string

const (
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

// Handler receives the raw payload of a subscribed event.
type Handler func(payload json.RawMessage)

// Channel is the bidirectional event contract the engine requires from
// the realtime collaborator.
type Channel interface {
	On(event string, fn Handler)
	Emit(event string, payload any) error
	OnlineMembers() []string
	IsOnline(memberID string) bool
	State() State
	Close() error
}

const (
	readWait  = 60 * time.Second
	writeWait = 10 * time.Second
	pingEvery = 30 * time.Second
)

// WSChannel is a Channel over a gorilla websocket connection. It keeps
// the online-member set current from presence events before forwarding
// them to subscribers.
type WSChannel struct {
	conn *websocket.Conn
	send chan Envelope
	done chan struct{}

	mu       sync.RWMutex
	handlers map[string][]Handler
	online   map[string]bool
	state    State

	closeOnce sync.Once
	logger    *log.Logger
}

// Dial connects to the realtime gateway, authenticating with the given
// opaque token.
func Dial(ctx context.Context, rawURL, token string) (*WSChannel, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse channel url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial channel: %w", err)
	}

	return NewWSChannel(conn), nil
}

// NewWSChannel wraps an established websocket connection and starts its
// read and write loops.
func NewWSChannel(conn *websocket.Conn) *WSChannel {
	ch := &WSChannel{
		conn:     conn,
		send:     make(chan Envelope, 32), // buffered to absorb bursts
		done:     make(chan struct{}),
		handlers: make(map[string][]Handler),
		online:   make(map[string]bool),
		state:    StateConnected,
		logger:   log.New(log.Writer(), "[transport] ", log.LstdFlags),
	}

	go ch.readLoop()
	go ch.writeLoop()
	return ch
}

// On registers a handler for an event. Handlers run on the read loop
// goroutine and must not block.
func (ch *WSChannel) On(event string, fn Handler) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.handlers[event] = append(ch.handlers[event], fn)
}

// Emit sends an event to the gateway. It fails fast with
// ErrDisconnected rather than queueing while the connection is down.
func (ch *WSChannel) Emit(event string, payload any) error {
	if ch.State() == StateDisconnected {
		return ErrDisconnected
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event, err)
	}

	select {
	case ch.send <- Envelope{Event: event, Payload: raw}:
		return nil
	case <-ch.done:
		return ErrDisconnected
	}
}

// OnlineMembers returns the member ids currently reported online.
func (ch *WSChannel) OnlineMembers() []string {
	ch.mu.RLock()
	defer ch.mu.RUnlock()

	members := make([]string, 0, len(ch.online))
	for id, on := range ch.online {
		if on {
			members = append(members, id)
		}
	}
	return members
}

// IsOnline reports whether a member is currently online.
func (ch *WSChannel) IsOnline(memberID string) bool {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.online[memberID]
}

// State returns the current connection state.
func (ch *WSChannel) State() State {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.state
}

// Close tears the connection down and marks the channel disconnected.
func (ch *WSChannel) Close() error {
	ch.disconnect()
	return nil
}

func (ch *WSChannel) disconnect() {
	ch.closeOnce.Do(func() {
		ch.mu.Lock()
		ch.state = StateDisconnected
		ch.mu.Unlock()
		close(ch.done)
		ch.conn.Close()
	})
}

func (ch *WSChannel) readLoop() {
	defer ch.disconnect()

	ch.conn.SetReadDeadline(time.Now().Add(readWait))
	ch.conn.SetPongHandler(func(string) error {
		ch.conn.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})

	for {
		select {
		case <-ch.done:
			return
		default:
		}

		var env Envelope
		if err := ch.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				ch.logger.Printf("read error: %v", err)
			}
			return
		}

		if env.Event == EventPresenceChanged {
			ch.applyPresence(env.Payload)
		}
		ch.dispatch(env)
	}
}

func (ch *WSChannel) writeLoop() {
	ticker := time.NewTicker(pingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ch.done:
			return

		case env := <-ch.send:
			ch.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ch.conn.WriteJSON(env); err != nil {
				ch.logger.Printf("write error: %v", err)
				ch.disconnect()
				return
			}

		case <-ticker.C:
			ch.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ch.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				ch.logger.Printf("ping error: %v", err)
				ch.disconnect()
				return
			}
		}
	}
}

// applyPresence keeps the online set current, last write wins per member.
func (ch *WSChannel) applyPresence(payload json.RawMessage) {
	var change PresenceChange
	if err := json.Unmarshal(payload, &change); err != nil {
		ch.logger.Printf("bad presence payload: %v", err)
		return
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if change.IsOnline {
		ch.online[change.MemberID] = true
	} else {
		delete(ch.online, change.MemberID)
	}
}

func (ch *WSChannel) dispatch(env Envelope) {
	ch.mu.RLock()
	handlers := append([]Handler(nil), ch.handlers[env.Event]...)
	ch.mu.RUnlock()

	for _, fn := range handlers {
		fn(env.Payload)
	}
}
