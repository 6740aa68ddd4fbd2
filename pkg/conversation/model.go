package conversation

import (
	"time"

	"github.com/oklog/ulid/v2"

	"loqal/pkg/offer"
)

// Member is a participant snapshot taken at message time.
type Member struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
}

// LastMessage is the inbox preview of the most recent message.
type LastMessage struct {
	Text   string `json:"text"`
	IsRead bool   `json:"is_read"`
}

// Conversation is a two-member thread. The engine holds at most one
// active conversation; the rest are inbox summaries.
type Conversation struct {
	ID                string      `json:"id"`
	Members           [2]Member   `json:"members"`
	CreatedByMemberID string      `json:"created_by_member_id"`
	LastMessage       LastMessage `json:"last_message"`
	UnreadCount       int         `json:"unread_count"`
	CreatedAt         time.Time   `json:"created_at"`
}

// Peer returns the member that is not selfID.
func (c Conversation) Peer(selfID string) Member {
	if c.Members[0].ID == selfID {
		return c.Members[1]
	}
	return c.Members[0]
}

// Kind discriminates the message union.
type Kind string

const (
	KindText  Kind = "text"
	KindOffer Kind = "offer"
)

// Message is a tagged union over Kind: every message carries the text
// fields, and offer-kind messages additionally embed the quote. Once the
// server has acknowledged a message it is immutable except for the
// embedded offer's status.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversation_id"`
	SenderID       string       `json:"sender_id"`
	Body           string       `json:"body"`
	Kind           Kind         `json:"kind"`
	Offer          *offer.Offer `json:"offer,omitempty"`
	IsOwnMessage   bool         `json:"is_own_message"`
	CreatedAt      time.Time    `json:"created_at"`

	// Echo marks a client-synthesized message awaiting server
	// acknowledgement. Echo ids are ULIDs; server ids are UUIDs, so the
	// two can never collide.
	Echo bool `json:"echo,omitempty"`
}

// NewLocalEcho builds a temporary text message shown between user
// submit and server acknowledgement.
func NewLocalEcho(conversationID, senderID, body string) Message {
	return Message{
		ID:             ulid.Make().String(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Body:           body,
		Kind:           KindText,
		IsOwnMessage:   true,
		CreatedAt:      time.Now().UTC(),
		Echo:           true,
	}
}
