package gateway

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"loqal/pkg/apiclient"
	"loqal/pkg/conversation"
	"loqal/pkg/offer"
	"loqal/pkg/pricing"
	"loqal/pkg/session"
	"loqal/pkg/transport"
)

type liveClient struct {
	controller *session.Controller
	channel    *transport.WSChannel
}

func connect(t *testing.T, srv *httptest.Server, tokens *TokenService, memberID string) *liveClient {
	t.Helper()

	token, err := tokens.Mint(memberID)
	require.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/chat"
	ch, err := transport.Dial(context.Background(), wsURL, token)
	require.NoError(t, err)
	t.Cleanup(func() { ch.Close() })

	api := apiclient.New(srv.URL)
	return &liveClient{
		controller: session.NewController(memberID, api, ch),
		channel:    ch,
	}
}

func startGateway(t *testing.T) (*httptest.Server, *Store, *TokenService) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := NewStore()
	tokens := NewTokenService("integration-secret", 0)
	handler := NewHandler(store, NewHub(), tokens)

	router := gin.New()
	handler.RegisterRoutes(router)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, store, tokens
}

func TestIntegration_ReconnectKeepsMemberOnline(t *testing.T) {
	gin.SetMode(gin.TestMode)

	store := NewStore()
	hub := NewHub()
	tokens := NewTokenService("integration-secret", 0)
	handler := NewHandler(store, hub, tokens)
	router := gin.New()
	handler.RegisterRoutes(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	token, err := tokens.Mint("alice")
	require.NoError(t, err)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/chat"

	first, err := transport.Dial(context.Background(), wsURL, token)
	require.NoError(t, err)
	t.Cleanup(func() { first.Close() })

	// A second dial for the same member displaces the first connection.
	second, err := transport.Dial(context.Background(), wsURL, token)
	require.NoError(t, err)
	t.Cleanup(func() { second.Close() })

	require.Eventually(t, func() bool {
		return first.State() == transport.StateDisconnected
	}, 2*time.Second, 20*time.Millisecond, "displaced connection should drop")

	// The displaced connection's teardown must not evict its replacement.
	require.Never(t, func() bool {
		return !hub.IsOnline("alice") || second.State() != transport.StateConnected
	}, 500*time.Millisecond, 20*time.Millisecond)
}

func TestIntegration_TextBothDirections(t *testing.T) {
	srv, store, tokens := startGateway(t)
	conv := store.CreateConversation(member("alice"), member("bob"), "alice")

	alice := connect(t, srv, tokens, "alice")
	bob := connect(t, srv, tokens, "bob")

	ctx := context.Background()
	alice.controller.Select(ctx, conv)
	bob.controller.Select(ctx, conv)

	require.Eventually(t, func() bool {
		return alice.channel.IsOnline("bob") && bob.channel.IsOnline("alice")
	}, 2*time.Second, 20*time.Millisecond, "presence should propagate")

	require.NoError(t, alice.controller.SendText(ctx, "hi, still available saturday?"))

	// Bob receives the push; Alice's echo resolves to the server copy.
	require.Eventually(t, func() bool {
		msgs := bob.controller.Snapshot().Messages
		return len(msgs) == 1 && msgs[0].Body == "hi, still available saturday?" && !msgs[0].IsOwnMessage
	}, 2*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		msgs := alice.controller.Snapshot().Messages
		return len(msgs) == 1 && !msgs[0].Echo && msgs[0].IsOwnMessage
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, bob.controller.SendText(ctx, "yes, saturday works"))

	require.Eventually(t, func() bool {
		return len(alice.controller.Snapshot().Messages) == 2
	}, 2*time.Second, 20*time.Millisecond)
}

func TestIntegration_OfferNegotiation(t *testing.T) {
	srv, store, tokens := startGateway(t)
	conv := store.CreateConversation(member("alice"), member("bob"), "alice")

	alice := connect(t, srv, tokens, "alice")
	bob := connect(t, srv, tokens, "bob")

	ctx := context.Background()
	alice.controller.Select(ctx, conv)
	bob.controller.Select(ctx, conv)

	require.NoError(t, alice.controller.SubmitOffer(ctx, offer.Draft{
		ConversationID: conv.ID,
		ProviderID:     "alice",
		CustomerID:     "bob",
		Description:    "garden tidy-up",
		Items: []pricing.Item{
			{Title: "Mowing", Quantity: 2, UnitPrice: 100},
			{Title: "Hedges", Quantity: 1, UnitPrice: 150},
		},
		DiscountAmount: 50,
	}))

	var offerID string
	require.Eventually(t, func() bool {
		for _, m := range bob.controller.Snapshot().Messages {
			if m.Kind == conversation.KindOffer && m.Offer != nil {
				offerID = m.Offer.ID
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond, "offer message should reach the customer")

	detail, err := bob.controller.OfferDetail(offerID)
	require.NoError(t, err)
	require.Equal(t, offer.StatusPending, detail.Status)
	require.InDelta(t, 300.0, detail.Total(), 1e-9)

	require.NoError(t, bob.controller.AcceptOffer(ctx, offerID, detail.Total()))

	// The provider learns of the acceptance over the channel.
	require.Eventually(t, func() bool {
		o, err := alice.controller.OfferDetail(offerID)
		return err == nil && o.Status == offer.StatusAccepted
	}, 2*time.Second, 20*time.Millisecond)

	got, err := store.Offer(offerID)
	require.NoError(t, err)
	require.Equal(t, offer.StatusAccepted, got.Status)
}

func TestIntegration_StaleCancelRefreshes(t *testing.T) {
	srv, store, tokens := startGateway(t)
	conv := store.CreateConversation(member("alice"), member("bob"), "alice")

	alice := connect(t, srv, tokens, "alice")
	ctx := context.Background()
	alice.controller.Select(ctx, conv)

	require.NoError(t, alice.controller.SubmitOffer(ctx, offer.Draft{
		ConversationID: conv.ID,
		ProviderID:     "alice",
		CustomerID:     "bob",
		Description:    "garden tidy-up",
		Items:          []pricing.Item{{Title: "Mowing", Quantity: 1, UnitPrice: 100}},
	}))

	var offerID string
	for _, m := range alice.controller.Snapshot().Messages {
		if m.Offer != nil {
			offerID = m.Offer.ID
		}
	}
	require.NotEmpty(t, offerID)

	// The customer accepts out of band; Alice's copy is now stale.
	_, err := store.SetOfferStatus(offerID, offer.StatusAccepted)
	require.NoError(t, err)

	err = alice.controller.CancelOffer(ctx, offerID)
	require.ErrorIs(t, err, offer.ErrStale)

	snap := alice.controller.Snapshot()
	require.NotEmpty(t, snap.Banner)

	refreshed, err := alice.controller.OfferDetail(offerID)
	require.NoError(t, err)
	require.Equal(t, offer.StatusAccepted, refreshed.Status, "stale copy must be replaced with the server's")
}
