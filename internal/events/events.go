// Package events provides domain event definitions and fan-out to
// notification and timeline collaborators.
//
// Events are appended by the domain services in the same transaction as
// the change they report, then handed to the Publisher after commit.
// Delivery is fire-and-forget and at-least-once; ordering is preserved
// within a single negotiation's stream only.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tradekite/dealcore/internal/idgen"
)

// Type identifies a domain event.
type Type string

const (
	// Negotiation lifecycle.
	TypeOfferSubmitted       Type = "OFFER_SUBMITTED"
	TypeNegotiationAccepted  Type = "NEGOTIATION_ACCEPTED"
	TypeNegotiationCancelled Type = "NEGOTIATION_CANCELLED"
	TypeNegotiationExpired   Type = "NEGOTIATION_EXPIRED"

	// Escrow lifecycle.
	TypeEscrowFunded   Type = "ESCROW_FUNDED"
	TypeEscrowReleased Type = "ESCROW_RELEASED"
	TypeEscrowRefunded Type = "ESCROW_REFUNDED"
	TypeEscrowDisputed Type = "ESCROW_DISPUTED"

	// Contract revisions.
	TypeRevisionSubmitted Type = "CONTRACT_REVISION_SUBMITTED"
	TypeRevisionAccepted  Type = "CONTRACT_REVISION_ACCEPTED"
	TypeRevisionRejected  Type = "CONTRACT_REVISION_REJECTED"
	TypeRevisionCommented Type = "CONTRACT_REVISION_COMMENTED"
)

// Payload is the typed body of a domain event. Each category of event
// carries its own variant so publishers and consumers switch on concrete
// types instead of matching strings.
type Payload interface {
	Kind() Type
}

// Negotiation payloads.

type OfferSubmitted struct {
	OfferID    string   `json:"offerId"`
	ProposedBy string   `json:"proposedBy"`
	Price      *float64 `json:"price,omitempty"`
	Quantity   *float64 `json:"quantity,omitempty"`
	Message    string   `json:"message,omitempty"`
}

func (OfferSubmitted) Kind() Type { return TypeOfferSubmitted }

type NegotiationAccepted struct {
	OfferID    string  `json:"offerId"`
	AcceptedBy string  `json:"acceptedBy"`
	Price      float64 `json:"price"`
	Quantity   float64 `json:"quantity"`
}

func (NegotiationAccepted) Kind() Type { return TypeNegotiationAccepted }

type NegotiationCancelled struct {
	CancelledBy string `json:"cancelledBy"`
	Reason      string `json:"reason,omitempty"`
}

func (NegotiationCancelled) Kind() Type { return TypeNegotiationCancelled }

type NegotiationExpired struct {
	ExpiredAt time.Time `json:"expiredAt"`
}

func (NegotiationExpired) Kind() Type { return TypeNegotiationExpired }

// Escrow payloads.

type EscrowFunded struct {
	AccountID     string  `json:"accountId"`
	TransactionID string  `json:"transactionId"`
	Amount        float64 `json:"amount"`
	Currency      string  `json:"currency"`
}

func (EscrowFunded) Kind() Type { return TypeEscrowFunded }

type EscrowReleased struct {
	AccountID     string  `json:"accountId"`
	TransactionID string  `json:"transactionId"`
	Amount        float64 `json:"amount"`
}

func (EscrowReleased) Kind() Type { return TypeEscrowReleased }

type EscrowRefunded struct {
	AccountID     string  `json:"accountId"`
	TransactionID string  `json:"transactionId"`
	Amount        float64 `json:"amount"`
}

func (EscrowRefunded) Kind() Type { return TypeEscrowRefunded }

type EscrowDisputed struct {
	AccountID string `json:"accountId"`
	OpenedBy  string `json:"openedBy"`
	Reason    string `json:"reason,omitempty"`
}

func (EscrowDisputed) Kind() Type { return TypeEscrowDisputed }

// Revision payloads.

type RevisionSubmitted struct {
	ContractID string `json:"contractId"`
	RevisionID string `json:"revisionId"`
	Version    int    `json:"version"`
	AuthorID   string `json:"authorId"`
}

func (RevisionSubmitted) Kind() Type { return TypeRevisionSubmitted }

type RevisionAccepted struct {
	ContractID string `json:"contractId"`
	RevisionID string `json:"revisionId"`
	Version    int    `json:"version"`
	ActorID    string `json:"actorId"`
}

func (RevisionAccepted) Kind() Type { return TypeRevisionAccepted }

type RevisionRejected struct {
	ContractID string `json:"contractId"`
	RevisionID string `json:"revisionId"`
	Version    int    `json:"version"`
	ActorID    string `json:"actorId"`
}

func (RevisionRejected) Kind() Type { return TypeRevisionRejected }

type RevisionCommented struct {
	RevisionID string `json:"revisionId"`
	CommentID  string `json:"commentId"`
	AuthorID   string `json:"authorId"`
	Resolved   bool   `json:"resolved"`
}

func (RevisionCommented) Kind() Type { return TypeRevisionCommented }

// Record is a single published event. Records are appended to the
// deal_events outbox in the same transaction as the mutation they report,
// so Seq orders events within one negotiation's stream.
type Record struct {
	ID            string    `json:"id"`
	Type          Type      `json:"type"`
	NegotiationID string    `json:"negotiationId"`
	TriggeredBy   string    `json:"triggeredBy"`
	Seq           int64     `json:"seq"`
	Payload       Payload   `json:"payload"`
	CreatedAt     time.Time `json:"createdAt"`
}

// New builds a Record for the given payload. Seq is assigned by the
// store when the record is appended.
func New(negotiationID, triggeredBy string, payload Payload) *Record {
	return &Record{
		ID:            idgen.WithPrefix("evt_"),
		Type:          payload.Kind(),
		NegotiationID: negotiationID,
		TriggeredBy:   triggeredBy,
		Payload:       payload,
		CreatedAt:     time.Now().UTC(),
	}
}

// EncodePayload serializes a payload for outbox persistence.
func EncodePayload(p Payload) (json.RawMessage, error) {
	return json.Marshal(p)
}

// DecodePayload reconstructs the typed payload for a stored event.
func DecodePayload(t Type, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch t {
	case TypeOfferSubmitted:
		p = &OfferSubmitted{}
	case TypeNegotiationAccepted:
		p = &NegotiationAccepted{}
	case TypeNegotiationCancelled:
		p = &NegotiationCancelled{}
	case TypeNegotiationExpired:
		p = &NegotiationExpired{}
	case TypeEscrowFunded:
		p = &EscrowFunded{}
	case TypeEscrowReleased:
		p = &EscrowReleased{}
	case TypeEscrowRefunded:
		p = &EscrowRefunded{}
	case TypeEscrowDisputed:
		p = &EscrowDisputed{}
	case TypeRevisionSubmitted:
		p = &RevisionSubmitted{}
	case TypeRevisionAccepted:
		p = &RevisionAccepted{}
	case TypeRevisionRejected:
		p = &RevisionRejected{}
	case TypeRevisionCommented:
		p = &RevisionCommented{}
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return p, nil
}
