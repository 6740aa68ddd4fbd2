package testhelpers

import (
	"fmt"
	"sync/atomic"
	"time"

	"loqal/pkg/conversation"
	"loqal/pkg/offer"
	"loqal/pkg/pricing"
)

var uniqueCounter int64

func nextSuffix() int64 {
	return atomic.AddInt64(&uniqueCounter, 1)
}

// Conversation builds a two-member thread between a and b.
func Conversation(a, b string) conversation.Conversation {
	return conversation.Conversation{
		ID: fmt.Sprintf("conv-%d", nextSuffix()),
		Members: [2]conversation.Member{
			{ID: a, DisplayName: a},
			{ID: b, DisplayName: b},
		},
		CreatedByMemberID: a,
		CreatedAt:         time.Now().UTC(),
	}
}

// TextMessage builds an acknowledged text message in conv.
func TextMessage(conv conversation.Conversation, senderID, body string, at time.Time) conversation.Message {
	return conversation.Message{
		ID:             fmt.Sprintf("msg-%d", nextSuffix()),
		ConversationID: conv.ID,
		SenderID:       senderID,
		Body:           body,
		Kind:           conversation.KindText,
		CreatedAt:      at,
	}
}

// PendingOffer builds a pending two-item offer from provider to
// customer. Subtotal 350, discount 50, total 300.
func PendingOffer(conv conversation.Conversation, providerID, customerID string) offer.Offer {
	return offer.Offer{
		ID:             fmt.Sprintf("off-%d", nextSuffix()),
		ConversationID: conv.ID,
		ProviderID:     providerID,
		CustomerID:     customerID,
		Description:    "deep clean with windows",
		Items: []pricing.Item{
			{Title: "Deep clean", Quantity: 2, UnitPrice: 100},
			{Title: "Windows", Quantity: 1, UnitPrice: 150},
		},
		DiscountAmount: 50,
		Status:         offer.StatusPending,
		CreatedAt:      time.Now().UTC(),
	}
}

// OfferMessage wraps o in its carrying chat message.
func OfferMessage(o offer.Offer, at time.Time) conversation.Message {
	id := o.MessageID
	if id == "" {
		id = fmt.Sprintf("msg-%d", nextSuffix())
	}
	cp := o
	return conversation.Message{
		ID:             id,
		ConversationID: o.ConversationID,
		SenderID:       o.ProviderID,
		Body:           o.Description,
		Kind:           conversation.KindOffer,
		Offer:          &cp,
		CreatedAt:      at,
	}
}
