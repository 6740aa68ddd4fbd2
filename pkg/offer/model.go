package offer

import (
	"time"

	"loqal/pkg/pricing"
)

// Status is the lifecycle state of an offer.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusAccepted, StatusRejected, StatusCancelled:
		return true
	default:
		return false
	}
}

// Offer is a structured quote attached to a chat message. Subtotal and
// total are always derived from Items and DiscountAmount, never stored.
type Offer struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	ProviderID     string         `json:"provider_id"`
	CustomerID     string         `json:"customer_id"`
	ServiceRef     string         `json:"service_ref"`
	Description    string         `json:"description"`
	Date           string         `json:"date"`
	StartTime      string         `json:"start_time"`
	EndTime        string         `json:"end_time"`
	Items          []pricing.Item `json:"items"`
	DiscountAmount float64        `json:"discount_amount"`
	Status         Status         `json:"status"`
	MessageID      string         `json:"message_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Subtotal returns the sum of all line totals.
func (o Offer) Subtotal() float64 {
	return pricing.Subtotal(o.Items)
}

// Total returns the discounted quote amount.
func (o Offer) Total() float64 {
	return pricing.Total(o.Items, o.DiscountAmount)
}

// Draft is the client-side input for creating or editing an offer.
// An empty ID requests a new offer; a populated ID requests an
// update-in-place of a still-pending offer.
type Draft struct {
	ID             string         `json:"id,omitempty"`
	ConversationID string         `json:"conversation_id"`
	ProviderID     string         `json:"provider_id"`
	CustomerID     string         `json:"customer_id"`
	ServiceRef     string         `json:"service_ref"`
	Description    string         `json:"description"`
	Date           string         `json:"date"`
	StartTime      string         `json:"start_time"`
	EndTime        string         `json:"end_time"`
	Items          []pricing.Item `json:"items"`
	DiscountAmount float64        `json:"discount_amount"`
}

// Total returns the quote amount the draft would produce once sent.
func (d Draft) Total() float64 {
	return pricing.Total(d.Items, d.DiscountAmount)
}
