package transport

import "encoding/json"

// Wire event names shared with the realtime gateway.
const (
	EventSendMessage     = "send-message"
	EventMessageReceived = "message-received"
	EventOfferUpdated    = "offer-updated"
	EventPresenceChanged = "presence-changed"
)

// Envelope frames every event on the channel.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// OutboundMessage is the send-message payload.
type OutboundMessage struct {
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Body           string `json:"body"`
	Kind           string `json:"kind"`
	OfferRef       string `json:"offer_ref,omitempty"`
}

// PresenceChange is the presence-changed payload.
type PresenceChange struct {
	MemberID string `json:"member_id"`
	IsOnline bool   `json:"is_online"`
}
