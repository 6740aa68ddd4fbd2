package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"loqal/pkg/apiclient"
	"loqal/pkg/conversation"
	"loqal/pkg/offer"
	"loqal/pkg/response"
	"loqal/pkg/transport"
)

// Phase is the controller's coarse state.
type Phase string

const (
	PhaseNone    Phase = "none"
	PhaseLoading Phase = "loading"
	PhaseReady   Phase = "ready"
)

var (
	// ErrNoConversation rejects operations before a conversation is
	// selected and ready.
	ErrNoConversation = errors.New("no conversation selected")
	// ErrEmptyMessage rejects blank sends before anything is echoed.
	ErrEmptyMessage = errors.New("message body is empty")
	// ErrUnknownOffer means the referenced offer is not in the timeline.
	ErrUnknownOffer = errors.New("offer not found in conversation")
)

// API is what the controller needs from the request/response
// collaborator: paged history plus the offer endpoints.
type API interface {
	Messages(ctx context.Context, conversationID string, page, limit int) ([]conversation.Message, response.Meta, error)
	offer.API
}

const defaultPageSize = 50

// Controller owns the active conversation: it feeds transport events
// into the timeline, routes offer actions through the state machine,
// and exposes one observable snapshot to the UI. The timeline and offer
// state are mutated only through its methods.
type Controller struct {
	selfID   string
	api      API
	offers   offer.Service
	channel  transport.Channel
	pageSize int
	logger   *log.Logger

	mu       sync.Mutex
	phase    Phase
	active   *conversation.Conversation
	timeline *conversation.Timeline
	banner   string
	epoch    int // bumped on every Select; stale fetches check it and drop out
	page     int
	hasMore  bool
}

// Snapshot is the rendered view-state handed to the UI.
type Snapshot struct {
	Phase         Phase
	Conversation  *conversation.Conversation
	Messages      []conversation.Message
	Banner        string
	OnlineMembers []string
	HasMore       bool
	Connected     bool
}

func NewController(selfID string, api API, channel transport.Channel) *Controller {
	c := &Controller{
		selfID:   selfID,
		api:      api,
		offers:   offer.NewService(api),
		channel:  channel,
		pageSize: defaultPageSize,
		logger:   log.New(log.Writer(), "[session] ", log.LstdFlags),
		phase:    PhaseNone,
		timeline: conversation.NewTimeline(),
	}

	channel.On(transport.EventMessageReceived, c.onMessageReceived)
	channel.On(transport.EventOfferUpdated, c.onOfferUpdated)
	return c
}

// Select makes conv the active conversation: the timeline is cleared,
// page 1 of history is fetched, and the controller lands in ready. A
// failed fetch still yields a usable (empty) chat with a banner; a
// newer Select supersedes any in-flight fetch.
func (c *Controller) Select(ctx context.Context, conv conversation.Conversation) {
	c.mu.Lock()
	c.epoch++
	epoch := c.epoch
	cp := conv
	c.active = &cp
	c.timeline.Clear()
	c.banner = ""
	c.page = 1
	c.hasMore = false
	c.phase = PhaseLoading
	c.mu.Unlock()

	msgs, meta, err := c.api.Messages(ctx, conv.ID, 1, c.pageSize)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		// A newer selection won; drop this page.
		return
	}

	c.phase = PhaseReady
	if err != nil {
		c.logger.Printf("history fetch for %s failed: %v", conv.ID, err)
		c.banner = "history is unavailable right now, new messages will still appear"
		return
	}

	c.hasMore = meta.HasMore()
	c.timeline.AddHistory(c.markOwn(msgs))
}

// LoadOlderMessages fetches the next history page into the timeline.
func (c *Controller) LoadOlderMessages(ctx context.Context) error {
	c.mu.Lock()
	if c.phase != PhaseReady || c.active == nil {
		c.mu.Unlock()
		return ErrNoConversation
	}
	if !c.hasMore {
		c.mu.Unlock()
		return nil
	}
	epoch := c.epoch
	convID := c.active.ID
	next := c.page + 1
	c.mu.Unlock()

	msgs, meta, err := c.api.Messages(ctx, convID, next, c.pageSize)
	if err != nil {
		return c.asEngineError("load older messages", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		return nil
	}
	c.page = next
	c.hasMore = meta.HasMore()
	c.timeline.AddHistory(c.markOwn(msgs))
	return nil
}

// SendText appends a local echo and emits the message on the channel.
// A failed emit removes the echo so it is never left stuck.
func (c *Controller) SendText(ctx context.Context, body string) error {
	if strings.TrimSpace(body) == "" {
		return ErrEmptyMessage
	}

	c.mu.Lock()
	if c.phase != PhaseReady || c.active == nil {
		c.mu.Unlock()
		return ErrNoConversation
	}
	if c.channel.State() != transport.StateConnected {
		c.mu.Unlock()
		return fmt.Errorf("cannot send: %w", transport.ErrDisconnected)
	}

	echo := conversation.NewLocalEcho(c.active.ID, c.selfID, body)
	c.timeline.AddEcho(echo)
	convID := c.active.ID
	c.mu.Unlock()

	err := c.channel.Emit(transport.EventSendMessage, transport.OutboundMessage{
		ConversationID: convID,
		SenderID:       c.selfID,
		Body:           body,
		Kind:           string(conversation.KindText),
	})
	if err != nil {
		c.mu.Lock()
		c.timeline.RemoveEcho(echo.ID)
		c.mu.Unlock()
		return c.asEngineError("send text", err)
	}
	return nil
}

// SubmitOffer creates a new offer or edits a still-pending one (draft
// id set). On success the returned message/offer lands in the timeline;
// on failure nothing local changes.
func (c *Controller) SubmitOffer(ctx context.Context, draft offer.Draft) error {
	c.mu.Lock()
	if c.phase != PhaseReady || c.active == nil {
		c.mu.Unlock()
		return ErrNoConversation
	}
	if c.channel.State() != transport.StateConnected {
		c.mu.Unlock()
		return fmt.Errorf("cannot send: %w", transport.ErrDisconnected)
	}

	var current *offer.Offer
	if draft.ID != "" {
		if cur, ok := c.timeline.OfferByID(draft.ID); ok {
			current = &cur
		}
	}
	epoch := c.epoch
	c.mu.Unlock()

	o, err := c.offers.CreateOrUpdate(ctx, c.selfID, draft, current)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		return nil
	}
	if err != nil {
		if errors.Is(err, offer.ErrStale) && o.ID != "" {
			c.timeline.ApplyOffer(o)
			c.banner = "this offer was already handled"
		}
		return c.asEngineError("submit offer", err)
	}

	if draft.ID != "" {
		// Edit-in-place: the existing message keeps its id, only the
		// embedded offer changes.
		c.timeline.ApplyOffer(o)
		return nil
	}

	// The socket copy may also arrive; AddLive dedupes by message id.
	c.timeline.AddLive(conversation.Message{
		ID:             o.MessageID,
		ConversationID: o.ConversationID,
		SenderID:       c.selfID,
		Body:           o.Description,
		Kind:           conversation.KindOffer,
		Offer:          &o,
		IsOwnMessage:   true,
		CreatedAt:      o.CreatedAt,
	})
	return nil
}

// AcceptOffer accepts a pending offer as the customer. The embedded
// status is patched only after the server confirms.
func (c *Controller) AcceptOffer(ctx context.Context, offerID string, finalAmount float64) error {
	return c.actOnOffer(ctx, offerID, "accept offer", func(ctx context.Context, cur offer.Offer) (offer.Offer, error) {
		return c.offers.Accept(ctx, c.selfID, cur, finalAmount)
	})
}

// RejectOffer rejects a pending offer as the customer.
func (c *Controller) RejectOffer(ctx context.Context, offerID string) error {
	return c.actOnOffer(ctx, offerID, "reject offer", func(ctx context.Context, cur offer.Offer) (offer.Offer, error) {
		return c.offers.Reject(ctx, c.selfID, cur)
	})
}

// CancelOffer withdraws a pending offer as the provider.
func (c *Controller) CancelOffer(ctx context.Context, offerID string) error {
	return c.actOnOffer(ctx, offerID, "cancel offer", func(ctx context.Context, cur offer.Offer) (offer.Offer, error) {
		return c.offers.Cancel(ctx, c.selfID, cur)
	})
}

func (c *Controller) actOnOffer(ctx context.Context, offerID, op string, act func(context.Context, offer.Offer) (offer.Offer, error)) error {
	c.mu.Lock()
	if c.phase != PhaseReady || c.active == nil {
		c.mu.Unlock()
		return ErrNoConversation
	}
	cur, ok := c.timeline.OfferByID(offerID)
	if !ok {
		c.mu.Unlock()
		return ErrUnknownOffer
	}
	epoch := c.epoch
	c.mu.Unlock()

	o, err := act(ctx, cur)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		return nil
	}
	if err != nil {
		if errors.Is(err, offer.ErrStale) && o.ID != "" {
			// Replace wholesale with the server's copy, never patch fields.
			c.timeline.ApplyOffer(o)
			c.banner = "this offer was already handled"
		}
		return c.asEngineError(op, err)
	}

	c.timeline.ApplyOffer(o)
	return nil
}

// OfferDetail returns the current embedded offer for a detail view.
func (c *Controller) OfferDetail(offerID string) (offer.Offer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	o, ok := c.timeline.OfferByID(offerID)
	if !ok {
		return offer.Offer{}, ErrUnknownOffer
	}
	return o, nil
}

// Snapshot returns the rendered timeline and view-state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		Phase:         c.phase,
		Messages:      c.timeline.Messages(),
		Banner:        c.banner,
		OnlineMembers: c.channel.OnlineMembers(),
		HasMore:       c.hasMore,
		Connected:     c.channel.State() == transport.StateConnected,
	}
	if c.active != nil {
		cp := *c.active
		snap.Conversation = &cp
	}
	return snap
}

// ClearBanner dismisses the current notice.
func (c *Controller) ClearBanner() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.banner = ""
}

func (c *Controller) onMessageReceived(payload json.RawMessage) {
	var msg conversation.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.logger.Printf("bad message payload: %v", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil || msg.ConversationID != c.active.ID {
		return
	}
	msg.IsOwnMessage = msg.SenderID == c.selfID
	c.timeline.AddLive(msg)
}

// onOfferUpdated handles status or terms changes made by the peer. The
// carrying message keeps its id; only the embedded offer is replaced.
func (c *Controller) onOfferUpdated(payload json.RawMessage) {
	var o offer.Offer
	if err := json.Unmarshal(payload, &o); err != nil {
		c.logger.Printf("bad offer payload: %v", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil || o.ConversationID != c.active.ID {
		return
	}
	c.timeline.ApplyOffer(o)
}

func (c *Controller) markOwn(msgs []conversation.Message) []conversation.Message {
	for i := range msgs {
		msgs[i].IsOwnMessage = msgs[i].SenderID == c.selfID
	}
	return msgs
}

// asEngineError passes known error kinds through and degrades anything
// unexpected to the retryable network kind, after logging it.
func (c *Controller) asEngineError(op string, err error) error {
	known := []error{
		offer.ErrValidation,
		offer.ErrStale,
		offer.ErrNotPending,
		offer.ErrNotProvider,
		offer.ErrNotCustomer,
		offer.ErrAmountMismatch,
		transport.ErrDisconnected,
		apiclient.ErrUnavailable,
	}
	for _, k := range known {
		if errors.Is(err, k) {
			return err
		}
	}

	c.logger.Printf("%s: unexpected error: %v", op, err)
	return fmt.Errorf("%w: %s failed", apiclient.ErrUnavailable, op)
}
