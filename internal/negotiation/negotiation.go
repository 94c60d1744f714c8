// Package negotiation owns the offer/counter/accept lifecycle between a
// buyer and a seller for one listing.
//
// Flow:
//  1. Buyer opens a negotiation with an initial offer on a listing
//  2. Offers alternate between the parties (strict turn-taking)
//  3. The counterpart of the current offer accepts, freezing agreed terms
//  4. Acceptance opens an escrow account sized to price x quantity
//  5. Contract drafting runs in parallel; once a revision is accepted
//     and escrow is released the negotiation completes
//  6. Cancellation or expiry at any earlier point refunds funded escrow
package negotiation

import (
	"context"
	"errors"
	"time"

	"github.com/tradekite/dealcore/internal/contracts"
	"github.com/tradekite/dealcore/internal/escrow"
	"github.com/tradekite/dealcore/internal/events"
)

var (
	ErrNotFound       = errors.New("negotiation not found")
	ErrSelfDeal       = errors.New("buyer and seller must be different parties")
	ErrOutOfTurn      = errors.New("not this party's turn to make an offer")
	ErrClosed         = errors.New("negotiation is closed to further changes")
	ErrNotParticipant = errors.New("actor is not a party to this negotiation")
	ErrEmptyOffer     = errors.New("offer needs at least one of price or quantity")
	ErrInvalidOffer   = errors.New("offer price and quantity must be positive")
)

// Code returns the stable error code for a negotiation error, used in
// API responses so clients can branch without string matching.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrSelfDeal):
		return "SELF_DEAL"
	case errors.Is(err, ErrOutOfTurn):
		return "OUT_OF_TURN"
	case errors.Is(err, ErrClosed):
		return "NEGOTIATION_CLOSED"
	case errors.Is(err, ErrNotFound):
		return "NEGOTIATION_NOT_FOUND"
	case errors.Is(err, ErrNotParticipant):
		return "NOT_PARTICIPANT"
	case errors.Is(err, ErrEmptyOffer), errors.Is(err, ErrInvalidOffer):
		return "INVALID_OFFER"
	}
	return "INTERNAL"
}

// Status represents the state of a negotiation.
type Status string

const (
	StatusNegotiating     Status = "NEGOTIATING"
	StatusAccepted        Status = "ACCEPTED"
	StatusContractPending Status = "CONTRACT_PENDING"
	StatusCompleted       Status = "COMPLETED"
	StatusCancelled       Status = "CANCELLED"
	StatusExpired         Status = "EXPIRED"
)

// Role identifies which side of the deal an actor is on.
type Role string

const (
	RoleBuyer  Role = "BUYER"
	RoleSeller Role = "SELLER"
)

// Counterpart returns the opposite role.
func (r Role) Counterpart() Role {
	if r == RoleBuyer {
		return RoleSeller
	}
	return RoleBuyer
}

// OfferKind distinguishes how an offer entered the negotiation.
type OfferKind string

const (
	OfferKindInitial OfferKind = "INITIAL"
	OfferKindCounter OfferKind = "COUNTER"
	OfferKindAccept  OfferKind = "ACCEPT"
)

// Offer is one proposal in the negotiation's offer chain.
type Offer struct {
	ID            string    `json:"id"`
	NegotiationID string    `json:"negotiationId"`
	ProposedBy    Role      `json:"proposedBy"`
	Price         float64   `json:"price"`
	Quantity      float64   `json:"quantity"`
	Message       string    `json:"message,omitempty"`
	Kind          OfferKind `json:"kind"`
	CreatedAt     time.Time `json:"createdAt"`
}

// StatusChange is one entry in the append-only status history.
type StatusChange struct {
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	ChangedBy string    `json:"changedBy"`
	Reason    string    `json:"reason,omitempty"`
	ChangedAt time.Time `json:"changedAt"`
}

// Activity is one entry in the append-only human-readable timeline.
type Activity struct {
	ActorID   string    `json:"actorId"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"createdAt"`
}

// Negotiation is the aggregate for one buyer-seller-listing deal.
type Negotiation struct {
	ID              string         `json:"id"`
	ListingID       string         `json:"listingId"`
	BuyerID         string         `json:"buyerId"`
	SellerID        string         `json:"sellerId"`
	Status          Status         `json:"status"`
	Currency        string         `json:"currency"`
	ExpiresAt       *time.Time     `json:"expiresAt,omitempty"`
	CurrentOffer    *Offer         `json:"currentOffer,omitempty"`
	Offers          []*Offer       `json:"offers"`
	StatusHistory   []StatusChange `json:"statusHistory"`
	Activities      []Activity     `json:"activities"`
	EscrowAccountID string         `json:"escrowAccountId,omitempty"`
	ContractID      string         `json:"contractId,omitempty"`
	AgreedPrice     float64        `json:"agreedPrice,omitempty"`
	AgreedQuantity  float64        `json:"agreedQuantity,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// IsTerminal returns true if no further mutation is permitted.
func (n *Negotiation) IsTerminal() bool {
	switch n.Status {
	case StatusCompleted, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// RoleOf returns the role of the given party, or "" if the party is not
// the buyer or seller of this negotiation.
func (n *Negotiation) RoleOf(partyID string) Role {
	switch partyID {
	case n.BuyerID:
		return RoleBuyer
	case n.SellerID:
		return RoleSeller
	}
	return ""
}

// PartyFor returns the party id holding the given role.
func (n *Negotiation) PartyFor(role Role) string {
	if role == RoleBuyer {
		return n.BuyerID
	}
	return n.SellerID
}

// CreateRequest contains the parameters for opening a negotiation.
type CreateRequest struct {
	ListingID string     `json:"listingId" binding:"required"`
	BuyerID   string     `json:"buyerId" binding:"required"`
	SellerID  string     `json:"sellerId" binding:"required"`
	Currency  string     `json:"currency"`
	Price     float64    `json:"price" binding:"required"`
	Quantity  float64    `json:"quantity" binding:"required"`
	Message   string     `json:"message"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

// CounterOfferRequest contains the parameters for a counter-offer.
// At least one of Price/Quantity must be set; omitted fields carry over
// from the current offer.
type CounterOfferRequest struct {
	ActorID  string   `json:"actorId" binding:"required"`
	Price    *float64 `json:"price"`
	Quantity *float64 `json:"quantity"`
	Message  string   `json:"message"`
}

// AcceptRequest contains the parameters for accepting the current offer.
type AcceptRequest struct {
	ActorID        string   `json:"actorId" binding:"required"`
	AgreedPrice    *float64 `json:"agreedPrice"`
	AgreedQuantity *float64 `json:"agreedQuantity"`
}

// CancelNegotiationRequest contains the parameters for cancelling.
// Admin is set by the handler layer for operator-initiated
// cancellations; parties never set it themselves.
type CancelNegotiationRequest struct {
	ActorID string `json:"actorId" binding:"required"`
	Reason  string `json:"reason"`
	Admin   bool   `json:"-"`
}

// Tx is the unit of work handed to a Store.Transact callback. All
// read-then-write sequences against a negotiation happen through one Tx
// so the transaction boundary is the sole serialization point.
type Tx interface {
	Get(ctx context.Context, id string) (*Negotiation, error)
	Create(ctx context.Context, n *Negotiation) error
	Update(ctx context.Context, n *Negotiation) error

	// AppendEvent adds an event record to the outbox in the same
	// transaction as the change it reports, assigning the per-negotiation
	// sequence number.
	AppendEvent(ctx context.Context, rec *events.Record) error
}

// Store persists negotiations.
type Store interface {
	// Transact runs fn in one serializable transaction. The backing
	// implementation retries on serialization conflicts; fn must be safe
	// to re-run.
	Transact(ctx context.Context, fn func(tx Tx) error) error

	Get(ctx context.Context, id string) (*Negotiation, error)
	// ListByParty returns negotiations where the party participates.
	// An empty role matches both sides.
	ListByParty(ctx context.Context, partyID string, role Role, limit int) ([]*Negotiation, error)
	ListByListing(ctx context.Context, listingID string, limit int) ([]*Negotiation, error)
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*Negotiation, error)
	ListAwaitingEscrow(ctx context.Context, limit int) ([]*Negotiation, error)

	// ListEvents returns the negotiation's event stream in sequence
	// order, for the timeline view.
	ListEvents(ctx context.Context, negotiationID string) ([]*events.Record, error)
}

// EscrowService is the narrow slice of the escrow ledger this package
// drives. The concrete service is injected at construction time.
type EscrowService interface {
	// OpenAccount is idempotent per negotiation id; repeat calls return
	// the existing account.
	OpenAccount(ctx context.Context, negotiationID string, expectedAmount float64, currency string) (*escrow.Account, error)

	// RefundRemaining refunds whatever balance is still held for the
	// negotiation's account. A negotiation without funded escrow is a
	// no-op.
	RefundRemaining(ctx context.Context, negotiationID, reference string) error

	// IsReleased reports whether the negotiation's escrow account has
	// fully released.
	IsReleased(ctx context.Context, negotiationID string) (bool, error)

	GetByNegotiation(ctx context.Context, negotiationID string) (*escrow.Account, error)
}

// ContractService is the slice of the revision workshop consulted for
// completion checks and the snapshot view.
type ContractService interface {
	HasAcceptedRevision(ctx context.Context, negotiationID string) (bool, error)
	GetByNegotiation(ctx context.Context, negotiationID string) (*contracts.DealContract, error)
	GetCurrentRevision(ctx context.Context, contractID string) (*contracts.ContractRevision, error)
}

// Snapshot is the full aggregate the UI renders in one call.
type Snapshot struct {
	Negotiation     *Negotiation                `json:"negotiation"`
	EscrowAccount   *escrow.Account             `json:"escrowAccount,omitempty"`
	Contract        *contracts.DealContract     `json:"contract,omitempty"`
	CurrentRevision *contracts.ContractRevision `json:"currentRevision,omitempty"`
	Events          []*events.Record            `json:"events"`

	// Warnings surface conditions the UI should flag without blocking
	// reads: open disputes, partial releases, reconciliation mismatches.
	Warnings []string `json:"warnings,omitempty"`
}
