package gateway

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"loqal/pkg/conversation"
	"loqal/pkg/offer"
	"loqal/pkg/response"
)

var (
	ErrNotFound = errors.New("resource not found")
	// ErrConflict means the offer already advanced past pending; callers
	// get the authoritative copy alongside it.
	ErrConflict  = errors.New("offer already handled")
	ErrForbidden = errors.New("not allowed")
)

// Store holds conversations, messages and offers in memory. It is the
// gateway's stand-in for the remote persistence service.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]*conversation.Conversation
	messages      map[string][]conversation.Message // conversation id -> append order
	offers        map[string]*offer.Offer
}

func NewStore() *Store {
	return &Store{
		conversations: make(map[string]*conversation.Conversation),
		messages:      make(map[string][]conversation.Message),
		offers:        make(map[string]*offer.Offer),
	}
}

// CreateConversation opens a thread between two members.
func (s *Store) CreateConversation(a, b conversation.Member, createdBy string) conversation.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := conversation.Conversation{
		ID:                uuid.New().String(),
		Members:           [2]conversation.Member{a, b},
		CreatedByMemberID: createdBy,
		CreatedAt:         time.Now().UTC(),
	}
	s.conversations[conv.ID] = &conv
	return conv
}

// Conversation returns one thread by id.
func (s *Store) Conversation(id string) (conversation.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return conversation.Conversation{}, ErrNotFound
	}
	return *conv, nil
}

// Conversations lists a member's threads, most recently created first,
// optionally filtered by peer display name.
func (s *Store) Conversations(memberID string, page, limit int, search string) ([]conversation.Conversation, response.Meta) {
	page, limit = normalizePage(page, limit)

	s.mu.RLock()
	matched := make([]conversation.Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		if conv.Members[0].ID != memberID && conv.Members[1].ID != memberID {
			continue
		}
		if search != "" {
			peer := conv.Peer(memberID)
			if !strings.Contains(strings.ToLower(peer.DisplayName), strings.ToLower(search)) {
				continue
			}
		}
		matched = append(matched, *conv)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	meta := response.Meta{Page: page, Limit: limit, Total: int64(len(matched))}
	return paginate(matched, page, limit), meta
}

// AppendMessage persists a message, assigning the canonical id and
// timestamp, and updates the thread's inbox preview.
func (s *Store) AppendMessage(msg conversation.Message) (conversation.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[msg.ConversationID]
	if !ok {
		return conversation.Message{}, ErrNotFound
	}
	if conv.Members[0].ID != msg.SenderID && conv.Members[1].ID != msg.SenderID {
		return conversation.Message{}, ErrForbidden
	}

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.Echo = false
	msg.IsOwnMessage = false

	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], msg)
	conv.LastMessage = conversation.LastMessage{Text: msg.Body}
	conv.UnreadCount++
	return msg, nil
}

// Messages returns one page of history. Page 1 is the newest window;
// messages inside a page are ordered oldest first.
func (s *Store) Messages(conversationID string, page, limit int) ([]conversation.Message, response.Meta, error) {
	page, limit = normalizePage(page, limit)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.conversations[conversationID]; !ok {
		return nil, response.Meta{}, ErrNotFound
	}

	all := s.messages[conversationID]
	total := len(all)
	meta := response.Meta{Page: page, Limit: limit, Total: int64(total)}

	end := total - (page-1)*limit
	if end <= 0 {
		return []conversation.Message{}, meta, nil
	}
	start := end - limit
	if start < 0 {
		start = 0
	}

	out := make([]conversation.Message, end-start)
	copy(out, all[start:end])
	return out, meta, nil
}

// UpsertOffer creates a pending offer plus its carrying message, or
// updates a still-pending offer in place. Reports whether a new message
// was created.
func (s *Store) UpsertOffer(draft offer.Draft) (offer.Offer, conversation.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[draft.ConversationID]; !ok {
		return offer.Offer{}, conversation.Message{}, false, ErrNotFound
	}

	now := time.Now().UTC()

	if draft.ID != "" {
		existing, ok := s.offers[draft.ID]
		if !ok {
			return offer.Offer{}, conversation.Message{}, false, ErrNotFound
		}
		if existing.Status != offer.StatusPending {
			return *existing, conversation.Message{}, false, fmt.Errorf("%w: offer is %s", ErrConflict, existing.Status)
		}
		if draft.ProviderID != existing.ProviderID {
			return offer.Offer{}, conversation.Message{}, false, fmt.Errorf("%w: only the provider may edit", ErrForbidden)
		}

		existing.ServiceRef = draft.ServiceRef
		existing.Description = draft.Description
		existing.Date = draft.Date
		existing.StartTime = draft.StartTime
		existing.EndTime = draft.EndTime
		existing.Items = draft.Items
		existing.DiscountAmount = draft.DiscountAmount
		existing.UpdatedAt = now

		msg, err := s.patchCarrierLocked(*existing)
		if err != nil {
			return offer.Offer{}, conversation.Message{}, false, err
		}
		return *existing, msg, false, nil
	}

	o := offer.Offer{
		ID:             uuid.New().String(),
		ConversationID: draft.ConversationID,
		ProviderID:     draft.ProviderID,
		CustomerID:     draft.CustomerID,
		ServiceRef:     draft.ServiceRef,
		Description:    draft.Description,
		Date:           draft.Date,
		StartTime:      draft.StartTime,
		EndTime:        draft.EndTime,
		Items:          draft.Items,
		DiscountAmount: draft.DiscountAmount,
		Status:         offer.StatusPending,
		MessageID:      uuid.New().String(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	cp := o
	msg := conversation.Message{
		ID:             o.MessageID,
		ConversationID: o.ConversationID,
		SenderID:       o.ProviderID,
		Body:           o.Description,
		Kind:           conversation.KindOffer,
		Offer:          &cp,
		CreatedAt:      now,
	}

	s.offers[o.ID] = &o
	s.messages[o.ConversationID] = append(s.messages[o.ConversationID], msg)
	if conv, ok := s.conversations[o.ConversationID]; ok {
		conv.LastMessage = conversation.LastMessage{Text: o.Description}
		conv.UnreadCount++
	}
	return o, msg, true, nil
}

// Offer returns one offer by id.
func (s *Store) Offer(offerID string) (offer.Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.offers[offerID]
	if !ok {
		return offer.Offer{}, ErrNotFound
	}
	return *o, nil
}

// SetOfferStatus moves a pending offer to a terminal status and patches
// its carrying message. A non-pending offer yields ErrConflict plus the
// authoritative copy.
func (s *Store) SetOfferStatus(offerID string, to offer.Status) (offer.Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.offers[offerID]
	if !ok {
		return offer.Offer{}, ErrNotFound
	}
	if o.Status != offer.StatusPending {
		return *o, fmt.Errorf("%w: offer is %s", ErrConflict, o.Status)
	}

	o.Status = to
	o.UpdatedAt = time.Now().UTC()
	if _, err := s.patchCarrierLocked(*o); err != nil {
		return offer.Offer{}, err
	}
	return *o, nil
}

// patchCarrierLocked replaces the embedded offer of its carrying
// message. Callers hold s.mu.
func (s *Store) patchCarrierLocked(o offer.Offer) (conversation.Message, error) {
	msgs := s.messages[o.ConversationID]
	for i := range msgs {
		if msgs[i].ID == o.MessageID {
			cp := o
			msgs[i].Offer = &cp
			return msgs[i], nil
		}
	}
	return conversation.Message{}, fmt.Errorf("%w: carrier message for offer %s", ErrNotFound, o.ID)
}

func normalizePage(page, limit int) (int, int) {
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	return page, limit
}

func paginate[T any](items []T, page, limit int) []T {
	start := (page - 1) * limit
	if start >= len(items) {
		return []T{}
	}
	end := start + limit
	if end > len(items) {
		end = len(items)
	}
	out := make([]T, end-start)
	copy(out, items[start:end])
	return out
}
