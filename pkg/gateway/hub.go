package gateway

import (
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"loqal/pkg/transport"
)

// client is one connected member.
type client struct {
	MemberID string
	Conn     *websocket.Conn
	Send     chan transport.Envelope // buffered to handle bursts
	Done     chan struct{}
}

// Hub tracks the active websocket connections and the resulting
// online-member set.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client // member id -> client
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]*client)}
}

// Add registers a connection for a member, displacing any previous one.
func (h *Hub) Add(memberID string, conn *websocket.Conn) *client {
	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.clients[memberID]; ok {
		close(existing.Done)
		existing.Conn.Close()
	}

	c := &client{
		MemberID: memberID,
		Conn:     conn,
		Send:     make(chan transport.Envelope, 32),
		Done:     make(chan struct{}),
	}
	h.clients[memberID] = c
	return c
}

// Remove unregisters a connection and reports whether it was still the
// member's registered one. A connection displaced by a reconnect must
// not evict its replacement, so removal is by client identity, not
// member id.
func (h *Hub) Remove(cl *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	cur, ok := h.clients[cl.MemberID]
	if !ok || cur != cl {
		return false
	}
	close(cur.Done)
	delete(h.clients, cl.MemberID)
	return true
}

// IsOnline reports whether a member has an active connection.
func (h *Hub) IsOnline(memberID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[memberID]
	return ok
}

// OnlineMembers returns all currently connected member ids.
func (h *Hub) OnlineMembers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	members := make([]string, 0, len(h.clients))
	for id := range h.clients {
		members = append(members, id)
	}
	return members
}

// Send queues an envelope for one member. Errors if they are offline or
// their queue is saturated.
func (h *Hub) Send(memberID string, env transport.Envelope) error {
	h.mu.RLock()
	c, ok := h.clients[memberID]
	h.mu.RUnlock()

	if !ok {
		return fmt.Errorf("member %s is not online", memberID)
	}

	select {
	case c.Send <- env:
		return nil
	case <-c.Done:
		return fmt.Errorf("member %s disconnected", memberID)
	default:
		return fmt.Errorf("member %s send queue full", memberID)
	}
}

// Broadcast queues an envelope for every connected member except skip.
func (h *Hub) Broadcast(env transport.Envelope, skip string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, c := range h.clients {
		if id == skip {
			continue
		}
		select {
		case c.Send <- env:
		case <-c.Done:
		default:
		}
	}
}
