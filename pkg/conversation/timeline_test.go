package conversation

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"loqal/pkg/offer"
	"loqal/pkg/pricing"
)

func textMsg(id string, at int64) Message {
	return Message{
		ID:             id,
		ConversationID: "conv-1",
		SenderID:       "alice",
		Body:           "body-" + id,
		Kind:           KindText,
		CreatedAt:      time.Unix(at, 0).UTC(),
	}
}

func offerMsg(id, offerID string, at int64, status offer.Status) Message {
	return Message{
		ID:             id,
		ConversationID: "conv-1",
		SenderID:       "alice",
		Body:           "offer",
		Kind:           KindOffer,
		CreatedAt:      time.Unix(at, 0).UTC(),
		Offer: &offer.Offer{
			ID:     offerID,
			Status: status,
			Items:  []pricing.Item{{Title: "svc", Quantity: 1, UnitPrice: 100}},
		},
	}
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

// TestTimeline_LiveFillsHistoryGap covers a late live push landing
// between two history messages.
func TestTimeline_LiveFillsHistoryGap(t *testing.T) {
	tl := NewTimeline()
	tl.AddHistory([]Message{textMsg("m1", 1), textMsg("m3", 3)})
	tl.AddLive(textMsg("m2", 2))

	require.Equal(t, []string{"m1", "m2", "m3"}, ids(tl.Messages()))
}

func TestTimeline_HistoryNeverOverwrites(t *testing.T) {
	tl := NewTimeline()

	// Live push already advanced the offer to accepted.
	tl.AddLive(offerMsg("m1", "off-1", 1, offer.StatusAccepted))

	// A slow history page still carries it as pending.
	tl.AddHistory([]Message{offerMsg("m1", "off-1", 1, offer.StatusPending)})

	msgs := tl.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, offer.StatusAccepted, msgs[0].Offer.Status)
}

func TestTimeline_EchoReplacedByServerCopy(t *testing.T) {
	tl := NewTimeline()

	echo := NewLocalEcho("conv-1", "alice", "hi")
	tl.AddEcho(echo)
	require.Equal(t, 1, tl.Len())

	server := Message{
		ID:             "srv1",
		ConversationID: "conv-1",
		SenderID:       "alice",
		Body:           "hi",
		Kind:           KindText,
		CreatedAt:      echo.CreatedAt.Add(2 * time.Second),
	}
	tl.AddLive(server)

	msgs := tl.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "srv1", msgs[0].ID)
	require.False(t, msgs[0].Echo)
	require.True(t, msgs[0].IsOwnMessage, "own-message flag survives the swap")
}

func TestTimeline_EchoOutsideWindowNotMatched(t *testing.T) {
	tl := NewTimeline()

	echo := NewLocalEcho("conv-1", "alice", "hi")
	tl.AddEcho(echo)

	server := textMsg("srv1", 0)
	server.SenderID = "alice"
	server.Body = "hi"
	server.CreatedAt = echo.CreatedAt.Add(EchoMatchWindow + time.Second)
	tl.AddLive(server)

	require.Equal(t, 2, tl.Len())
}

func TestTimeline_RemoveEcho(t *testing.T) {
	tl := NewTimeline()
	echo := NewLocalEcho("conv-1", "alice", "doomed")
	tl.AddEcho(echo)

	require.True(t, tl.RemoveEcho(echo.ID))
	require.Zero(t, tl.Len())

	// Acknowledged messages are not removable through the echo path.
	tl.AddLive(textMsg("m1", 1))
	require.False(t, tl.RemoveEcho("m1"))
	require.Equal(t, 1, tl.Len())
}

// TestTimeline_ApplyOfferKeepsMessageID covers an edit-in-place: the
// message retains its id, only the embedded offer payload changes.
func TestTimeline_ApplyOfferKeepsMessageID(t *testing.T) {
	tl := NewTimeline()
	tl.AddLive(offerMsg("m1", "off-1", 1, offer.StatusPending))

	updated := offer.Offer{
		ID:     "off-1",
		Status: offer.StatusPending,
		Items:  []pricing.Item{{Title: "svc", Quantity: 2, UnitPrice: 75}},
	}
	require.True(t, tl.ApplyOffer(updated))

	msgs := tl.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "m1", msgs[0].ID)
	require.Equal(t, 150.0, msgs[0].Offer.Total())

	require.False(t, tl.ApplyOffer(offer.Offer{ID: "missing"}))
}

func TestTimeline_NoDuplicateIDs(t *testing.T) {
	tl := NewTimeline()

	tl.AddHistory([]Message{textMsg("m1", 1), textMsg("m2", 2)})
	tl.AddLive(textMsg("m1", 1))
	tl.AddLive(textMsg("m2", 2))
	tl.AddHistory([]Message{textMsg("m1", 1), textMsg("m2", 2), textMsg("m3", 3)})

	seen := map[string]bool{}
	for _, m := range tl.Messages() {
		require.False(t, seen[m.ID], "duplicate id %s", m.ID)
		seen[m.ID] = true
	}
	require.Len(t, seen, 3)
}

// TestTimeline_MergeDeterminism feeds the same message set through
// different history/live interleavings and expects identical output.
func TestTimeline_MergeDeterminism(t *testing.T) {
	msgs := make([]Message, 6)
	for i := range msgs {
		msgs[i] = textMsg(fmt.Sprintf("m%d", i), int64(10-i))
	}
	// Two share a timestamp to exercise the tie-break.
	msgs[4].CreatedAt = msgs[5].CreatedAt

	interleavings := []func(tl *Timeline){
		func(tl *Timeline) {
			tl.AddHistory(msgs[:3])
			for _, m := range msgs[3:] {
				tl.AddLive(m)
			}
		},
		func(tl *Timeline) {
			for _, m := range msgs[3:] {
				tl.AddLive(m)
			}
			tl.AddHistory(msgs[:3])
		},
		func(tl *Timeline) {
			for i := len(msgs) - 1; i >= 0; i-- {
				tl.AddLive(msgs[i])
			}
		},
	}

	var want []string
	for i, feed := range interleavings {
		tl := NewTimeline()
		feed(tl)
		got := ids(tl.Messages())
		if i == 0 {
			want = got
			continue
		}
		require.Equal(t, want, got, "interleaving %d diverged", i)
	}

	// Recomputing from the same state is restartable.
	tl := NewTimeline()
	interleavings[0](tl)
	require.Equal(t, ids(tl.Messages()), ids(tl.Messages()))
}

func TestTimeline_Clear(t *testing.T) {
	tl := NewTimeline()
	tl.AddHistory([]Message{textMsg("m1", 1)})
	tl.Clear()

	require.Zero(t, tl.Len())
	tl.AddHistory([]Message{textMsg("m1", 1)})
	require.Equal(t, 1, tl.Len())
}
