package offer

import (
	"context"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrValidation marks a malformed draft, caught before any network call.
	ErrValidation = errors.New("invalid offer draft")
	// ErrStale means the server reported the offer already advanced past
	// pending; callers must replace local state with the returned offer.
	ErrStale = errors.New("offer already handled")
	// ErrNotPending guards transitions attempted from draft or a terminal
	// status.
	ErrNotPending = errors.New("offer is not pending")
	// ErrNotProvider rejects create/edit/cancel by anyone but the offer's
	// provider.
	ErrNotProvider = errors.New("only the provider may modify an offer")
	// ErrNotCustomer rejects accept/reject by anyone but the customer.
	ErrNotCustomer = errors.New("only the customer may act on an offer")
	// ErrAmountMismatch means the locally computed total no longer matches
	// the amount the user confirmed, i.e. the quote went stale on screen.
	ErrAmountMismatch = errors.New("confirmed amount does not match offer total")
)

// API is the request/response collaborator the negotiation talks to.
// On a stale conflict implementations return the server's authoritative
// offer together with ErrStale.
type API interface {
	CreateOrUpdateOffer(ctx context.Context, draft Draft) (Offer, error)
	AcceptOffer(ctx context.Context, offerID string, amount float64) (Offer, error)
	RejectOffer(ctx context.Context, offerID, customerID string) (Offer, error)
	CancelOffer(ctx context.Context, offerID, providerID string) (Offer, error)
}

// Service drives the offer lifecycle. All role and status guards run
// client-side before the network call so an illegal transition never
// mutates anything; the server response is authoritative on success.
type Service interface {
	CreateOrUpdate(ctx context.Context, actorID string, draft Draft, current *Offer) (Offer, error)
	Accept(ctx context.Context, actorID string, current Offer, finalAmount float64) (Offer, error)
	Reject(ctx context.Context, actorID string, current Offer) (Offer, error)
	Cancel(ctx context.Context, actorID string, current Offer) (Offer, error)
}

type service struct {
	api API
}

func NewService(api API) Service {
	return &service{api: api}
}

// CreateOrUpdate sends a new draft (empty id) or an edit of a
// still-pending offer (id set, current required). Edits keep the offer
// pending with updated terms.
func (s *service) CreateOrUpdate(ctx context.Context, actorID string, draft Draft, current *Offer) (Offer, error) {
	if err := validateDraft(draft); err != nil {
		return Offer{}, err
	}

	if draft.ID != "" {
		if current == nil {
			return Offer{}, fmt.Errorf("%w: editing unknown offer %s", ErrStale, draft.ID)
		}
		if current.ProviderID != actorID {
			return Offer{}, ErrNotProvider
		}
		if current.Status != StatusPending {
			return Offer{}, ErrNotPending
		}
	} else if draft.ProviderID != actorID {
		return Offer{}, ErrNotProvider
	}

	return s.api.CreateOrUpdateOffer(ctx, draft)
}

// Accept transitions a pending offer to accepted on server
// confirmation. finalAmount is the figure the customer saw on screen;
// it must match the recomputed total.
func (s *service) Accept(ctx context.Context, actorID string, current Offer, finalAmount float64) (Offer, error) {
	if current.CustomerID != actorID {
		return Offer{}, ErrNotCustomer
	}
	if current.Status != StatusPending {
		return Offer{}, ErrNotPending
	}
	if math.Abs(finalAmount-current.Total()) > 1e-9 {
		return Offer{}, ErrAmountMismatch
	}

	return s.api.AcceptOffer(ctx, current.ID, finalAmount)
}

// Reject transitions a pending offer to rejected on server confirmation.
func (s *service) Reject(ctx context.Context, actorID string, current Offer) (Offer, error) {
	if current.CustomerID != actorID {
		return Offer{}, ErrNotCustomer
	}
	if current.Status != StatusPending {
		return Offer{}, ErrNotPending
	}

	return s.api.RejectOffer(ctx, current.ID, actorID)
}

// Cancel withdraws a pending offer; only its provider may do so.
func (s *service) Cancel(ctx context.Context, actorID string, current Offer) (Offer, error) {
	if current.ProviderID != actorID {
		return Offer{}, ErrNotProvider
	}
	if current.Status != StatusPending {
		return Offer{}, ErrNotPending
	}

	return s.api.CancelOffer(ctx, current.ID, actorID)
}

func validateDraft(draft Draft) error {
	if len(draft.Items) == 0 {
		return fmt.Errorf("%w: at least one item is required", ErrValidation)
	}
	for i, item := range draft.Items {
		if item.Title == "" {
			return fmt.Errorf("%w: item %d has no title", ErrValidation, i)
		}
	}
	if draft.ConversationID == "" {
		return fmt.Errorf("%w: conversation id is required", ErrValidation)
	}
	return nil
}
