package conversation

import (
	"sort"
	"time"

	"loqal/pkg/offer"
)

// EchoMatchWindow bounds how far apart a local echo and its server copy
// may be timestamped while still counting as the same message.
const EchoMatchWindow = time.Minute

// Timeline merges paginated history, live-pushed messages and local
// echoes into one deduplicated sequence keyed by message id.
//
// Timeline is not safe for concurrent use; the session controller owns
// it and serializes all access.
type Timeline struct {
	byID  map[string]*Message
	items []*Message
}

func NewTimeline() *Timeline {
	return &Timeline{byID: make(map[string]*Message)}
}

// AddHistory inserts messages from a history page. Messages whose id is
// already present are skipped: history is older-or-equal in time and
// must not clobber a live-updated offer status. Returns the number of
// messages actually inserted.
func (t *Timeline) AddHistory(msgs []Message) int {
	inserted := 0
	for _, msg := range msgs {
		if _, ok := t.byID[msg.ID]; ok {
			continue
		}
		t.insert(msg)
		inserted++
	}
	return inserted
}

// AddLive inserts a live-pushed message. If a local echo matches
// (same sender and body, timestamps within EchoMatchWindow) the echo is
// replaced by the canonical copy instead of inserting a duplicate.
func (t *Timeline) AddLive(msg Message) {
	if _, ok := t.byID[msg.ID]; ok {
		return
	}

	if echo := t.matchEcho(msg); echo != nil {
		delete(t.byID, echo.ID)
		own := echo.IsOwnMessage
		*echo = msg
		echo.IsOwnMessage = own
		t.byID[msg.ID] = echo
		return
	}

	t.insert(msg)
}

// AddEcho appends a local echo so the UI renders the message before the
// network round-trip completes.
func (t *Timeline) AddEcho(msg Message) {
	if _, ok := t.byID[msg.ID]; ok {
		return
	}
	t.insert(msg)
}

// RemoveEcho drops a local echo whose send failed. Reports whether the
// echo was present.
func (t *Timeline) RemoveEcho(tempID string) bool {
	entry, ok := t.byID[tempID]
	if !ok || !entry.Echo {
		return false
	}
	delete(t.byID, tempID)
	for i, m := range t.items {
		if m == entry {
			t.items = append(t.items[:i], t.items[i+1:]...)
			break
		}
	}
	return true
}

// ApplyOffer replaces the embedded offer of the message carrying it.
// The message keeps its id; only the offer payload changes. Reports
// whether a matching message was found.
func (t *Timeline) ApplyOffer(o offer.Offer) bool {
	for _, m := range t.items {
		if m.Kind == KindOffer && m.Offer != nil && m.Offer.ID == o.ID {
			cp := o
			m.Offer = &cp
			return true
		}
	}
	return false
}

// OfferByID returns the embedded offer with the given id, if any.
func (t *Timeline) OfferByID(offerID string) (offer.Offer, bool) {
	for _, m := range t.items {
		if m.Kind == KindOffer && m.Offer != nil && m.Offer.ID == offerID {
			return *m.Offer, true
		}
	}
	return offer.Offer{}, false
}

// Messages returns the ordered timeline: createdAt ascending, ties
// broken by id. Id, not arrival order, is the deliberate tie-break:
// arrival order differs between a history page and a live push carrying
// the same messages, and the rendered order must not depend on which
// landed first.
func (t *Timeline) Messages() []Message {
	out := make([]Message, len(t.items))
	for i, m := range t.items {
		out[i] = *m
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of messages currently held.
func (t *Timeline) Len() int {
	return len(t.items)
}

// Clear empties the timeline, typically when switching conversations.
func (t *Timeline) Clear() {
	t.byID = make(map[string]*Message)
	t.items = nil
}

func (t *Timeline) insert(msg Message) {
	cp := msg
	t.byID[cp.ID] = &cp
	t.items = append(t.items, &cp)
}

func (t *Timeline) matchEcho(msg Message) *Message {
	for _, m := range t.items {
		if !m.Echo || m.SenderID != msg.SenderID || m.Body != msg.Body {
			continue
		}
		delta := msg.CreatedAt.Sub(m.CreatedAt)
		if delta < 0 {
			delta = -delta
		}
		if delta <= EchoMatchWindow {
			return m
		}
	}
	return nil
}
