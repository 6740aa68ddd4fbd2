package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"loqal/pkg/conversation"
	"loqal/pkg/offer"
	"loqal/pkg/response"
)

// ErrUnavailable wraps every transport-level failure: the request never
// completed, so local state must be left unchanged and the operation
// may be retried by the caller.
var ErrUnavailable = errors.New("api unavailable")

// Client speaks the gateway's REST surface. It satisfies offer.API so
// the negotiation service can be wired straight onto it.
type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// envelope mirrors response.APIResponse with the data left raw so each
// call can decode its own shape.
type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
	Meta    *response.Meta  `json:"meta,omitempty"`
}

// Conversations fetches a page of the inbox list.
func (c *Client) Conversations(ctx context.Context, page, limit int, search string) ([]conversation.Conversation, response.Meta, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	if search != "" {
		q.Set("search", search)
	}

	env, err := c.get(ctx, "/conversations", q)
	if err != nil {
		return nil, response.Meta{}, err
	}

	var convs []conversation.Conversation
	if err := json.Unmarshal(env.Data, &convs); err != nil {
		return nil, response.Meta{}, fmt.Errorf("decode conversations: %w", err)
	}
	return convs, metaOf(env), nil
}

// Messages fetches one page of a conversation's history, oldest first
// within the page.
func (c *Client) Messages(ctx context.Context, conversationID string, page, limit int) ([]conversation.Message, response.Meta, error) {
	q := url.Values{}
	q.Set("chat_id", conversationID)
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))

	env, err := c.get(ctx, "/messages", q)
	if err != nil {
		return nil, response.Meta{}, err
	}

	var msgs []conversation.Message
	if err := json.Unmarshal(env.Data, &msgs); err != nil {
		return nil, response.Meta{}, fmt.Errorf("decode messages: %w", err)
	}
	return msgs, metaOf(env), nil
}

// CreateOrUpdateOffer posts a draft; a populated draft id requests an
// update-in-place of the pending offer.
func (c *Client) CreateOrUpdateOffer(ctx context.Context, draft offer.Draft) (offer.Offer, error) {
	return c.postOffer(ctx, "/offer", draft)
}

// AcceptOffer asks the server to accept; a conflict comes back as
// offer.ErrStale with the authoritative copy.
func (c *Client) AcceptOffer(ctx context.Context, offerID string, amount float64) (offer.Offer, error) {
	return c.postOffer(ctx, "/offer/accept", map[string]any{
		"offer_id": offerID,
		"amount":   amount,
	})
}

func (c *Client) RejectOffer(ctx context.Context, offerID, customerID string) (offer.Offer, error) {
	return c.postOffer(ctx, "/offer/reject", map[string]any{
		"offer_id":    offerID,
		"customer_id": customerID,
	})
}

func (c *Client) CancelOffer(ctx context.Context, offerID, providerID string) (offer.Offer, error) {
	return c.postOffer(ctx, "/offer/cancel", map[string]any{
		"offer_id":    offerID,
		"provider_id": providerID,
	})
}

func (c *Client) get(ctx context.Context, path string, q url.Values) (envelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return envelope{}, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return envelope{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return envelope{}, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return envelope{}, fmt.Errorf("%w: %s", ErrUnavailable, env.Message)
	}
	return env, nil
}

func (c *Client) postOffer(ctx context.Context, path string, body any) (offer.Offer, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return offer.Offer{}, fmt.Errorf("encode body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return offer.Offer{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return offer.Offer{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return offer.Offer{}, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		var o offer.Offer
		if err := json.Unmarshal(env.Data, &o); err != nil {
			return offer.Offer{}, fmt.Errorf("decode offer: %w", err)
		}
		return o, nil

	case http.StatusConflict:
		// The offer advanced while we were looking at it. The body still
		// carries the server's authoritative copy for a forced refresh.
		var o offer.Offer
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &o); err != nil {
				return offer.Offer{}, fmt.Errorf("decode stale offer: %w", err)
			}
		}
		return o, fmt.Errorf("%w: %s", offer.ErrStale, env.Message)

	case http.StatusBadRequest, http.StatusForbidden:
		return offer.Offer{}, fmt.Errorf("%w: %s", offer.ErrValidation, env.Message)

	default:
		return offer.Offer{}, fmt.Errorf("%w: %s", ErrUnavailable, env.Message)
	}
}

func metaOf(env envelope) response.Meta {
	if env.Meta != nil {
		return *env.Meta
	}
	return response.Meta{}
}
