package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"loqal/pkg/conversation"
	"loqal/pkg/offer"
	"loqal/pkg/pricing"
)

func member(id string) conversation.Member {
	return conversation.Member{ID: id, DisplayName: id}
}

func newConv(t *testing.T, s *Store, a, b string) conversation.Conversation {
	t.Helper()
	return s.CreateConversation(member(a), member(b), a)
}

func draftFor(conv conversation.Conversation) offer.Draft {
	return offer.Draft{
		ConversationID: conv.ID,
		ProviderID:     conv.Members[0].ID,
		CustomerID:     conv.Members[1].ID,
		Description:    "garden tidy-up",
		Items: []pricing.Item{
			{Title: "Mowing", Quantity: 2, UnitPrice: 100},
			{Title: "Hedges", Quantity: 1, UnitPrice: 150},
		},
		DiscountAmount: 50,
	}
}

func TestAppendMessage_AssignsIDAndTimestamp(t *testing.T) {
	s := NewStore()
	conv := newConv(t, s, "alice", "bob")

	msg, err := s.AppendMessage(conversation.Message{
		ConversationID: conv.ID,
		SenderID:       "alice",
		Body:           "hello",
		Kind:           conversation.KindText,
	})

	require.NoError(t, err)
	require.NotEmpty(t, msg.ID)
	require.False(t, msg.CreatedAt.IsZero())

	got, err := s.Conversation(conv.ID)
	require.NoError(t, err)
	require.Equal(t, "hello", got.LastMessage.Text)
	require.Equal(t, 1, got.UnreadCount)
}

func TestAppendMessage_Guards(t *testing.T) {
	s := NewStore()
	conv := newConv(t, s, "alice", "bob")

	_, err := s.AppendMessage(conversation.Message{ConversationID: "missing", SenderID: "alice", Body: "x"})
	require.ErrorIs(t, err, ErrNotFound)

	_, err = s.AppendMessage(conversation.Message{ConversationID: conv.ID, SenderID: "stranger", Body: "x"})
	require.ErrorIs(t, err, ErrForbidden)
}

// TestMessages_PageOneIsNewestWindow: page 1 returns the latest window
// with messages oldest-first inside it, page 2 the window before that.
func TestMessages_PageOneIsNewestWindow(t *testing.T) {
	s := NewStore()
	conv := newConv(t, s, "alice", "bob")

	for i, body := range []string{"m1", "m2", "m3", "m4", "m5"} {
		_, err := s.AppendMessage(conversation.Message{
			ConversationID: conv.ID,
			SenderID:       "alice",
			Body:           body,
			Kind:           conversation.KindText,
			CreatedAt:      time.Unix(int64(i+1), 0),
		})
		require.NoError(t, err)
	}

	page1, meta, err := s.Messages(conv.ID, 1, 2)
	require.NoError(t, err)
	require.Equal(t, int64(5), meta.Total)
	require.True(t, meta.HasMore())
	require.Equal(t, []string{"m4", "m5"}, []string{page1[0].Body, page1[1].Body})

	page2, _, err := s.Messages(conv.ID, 2, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"m2", "m3"}, []string{page2[0].Body, page2[1].Body})

	page3, _, err := s.Messages(conv.ID, 3, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"m1"}, []string{page3[0].Body})

	empty, _, err := s.Messages(conv.ID, 4, 2)
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestUpsertOffer_CreateThenEdit(t *testing.T) {
	s := NewStore()
	conv := newConv(t, s, "alice", "bob")

	o, msg, created, err := s.UpsertOffer(draftFor(conv))
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, offer.StatusPending, o.Status)
	require.Equal(t, o.MessageID, msg.ID)
	require.Equal(t, 300.0, o.Total())

	// Edit keeps the offer pending and the carrier message in place.
	edit := draftFor(conv)
	edit.ID = o.ID
	edit.DiscountAmount = 0

	updated, carrier, created, err := s.UpsertOffer(edit)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, o.ID, updated.ID)
	require.Equal(t, msg.ID, carrier.ID)
	require.Equal(t, offer.StatusPending, updated.Status)
	require.Equal(t, 350.0, updated.Total())

	msgs, _, err := s.Messages(conv.ID, 1, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1, "edit must not create a second message")
	require.Equal(t, 350.0, msgs[0].Offer.Total())
}

func TestUpsertOffer_EditByNonProviderForbidden(t *testing.T) {
	s := NewStore()
	conv := newConv(t, s, "alice", "bob")

	o, _, _, err := s.UpsertOffer(draftFor(conv))
	require.NoError(t, err)

	// The customer tries to rewrite the quote in their favor.
	edit := draftFor(conv)
	edit.ID = o.ID
	edit.ProviderID = "bob"
	edit.Items = []pricing.Item{{Title: "Mowing", Quantity: 1, UnitPrice: 1}}

	_, _, _, err = s.UpsertOffer(edit)
	require.ErrorIs(t, err, ErrForbidden)

	got, err := s.Offer(o.ID)
	require.NoError(t, err)
	require.Equal(t, 300.0, got.Total(), "the offer must be untouched")
}

func TestUpsertOffer_EditNonPendingConflicts(t *testing.T) {
	s := NewStore()
	conv := newConv(t, s, "alice", "bob")

	o, _, _, err := s.UpsertOffer(draftFor(conv))
	require.NoError(t, err)
	_, err = s.SetOfferStatus(o.ID, offer.StatusAccepted)
	require.NoError(t, err)

	edit := draftFor(conv)
	edit.ID = o.ID
	stale, _, _, err := s.UpsertOffer(edit)

	require.ErrorIs(t, err, ErrConflict)
	require.Equal(t, offer.StatusAccepted, stale.Status, "conflict carries the authoritative copy")
}

func TestSetOfferStatus_PendingOnly(t *testing.T) {
	s := NewStore()
	conv := newConv(t, s, "alice", "bob")

	o, _, _, err := s.UpsertOffer(draftFor(conv))
	require.NoError(t, err)

	accepted, err := s.SetOfferStatus(o.ID, offer.StatusAccepted)
	require.NoError(t, err)
	require.Equal(t, offer.StatusAccepted, accepted.Status)

	// Second actor loses the race.
	copyBack, err := s.SetOfferStatus(o.ID, offer.StatusRejected)
	require.ErrorIs(t, err, ErrConflict)
	require.Equal(t, offer.StatusAccepted, copyBack.Status)

	// The carrier message reflects the accepted status.
	msgs, _, err := s.Messages(conv.ID, 1, 10)
	require.NoError(t, err)
	require.Equal(t, offer.StatusAccepted, msgs[0].Offer.Status)
}

func TestConversations_FilterAndPage(t *testing.T) {
	s := NewStore()
	newConv(t, s, "alice", "bob")
	newConv(t, s, "alice", "carol")
	newConv(t, s, "dave", "erin")

	convs, meta := s.Conversations("alice", 1, 10, "")
	require.Len(t, convs, 2)
	require.Equal(t, int64(2), meta.Total)

	convs, _ = s.Conversations("alice", 1, 10, "car")
	require.Len(t, convs, 1)
	require.Equal(t, "carol", convs[0].Peer("alice").ID)

	convs, _ = s.Conversations("alice", 2, 1, "")
	require.Len(t, convs, 1)
}
