// Package escrow is the append-only ledger for deal funds.
//
// Money never moves here: the external provider is the system of record
// for movement, and this ledger records what the provider has confirmed.
// Every balance is derived from the transaction log, transactions are
// never mutated or deleted, and discrepancies against the provider's
// statement are recorded for operators rather than auto-corrected.
package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/tradekite/dealcore/internal/events"
)

// Epsilon is the tolerance for all monetary comparisons, in currency
// units.
const Epsilon = 0.01

var (
	ErrNotFound            = errors.New("escrow account not found")
	ErrInvalidStatus       = errors.New("invalid escrow status for this operation")
	ErrDisputed            = errors.New("escrow account is disputed; release and refund are blocked")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrInsufficientBalance = errors.New("amount exceeds available escrow balance")
	ErrProviderUnavailable = errors.New("escrow provider unavailable")
)

// Code returns the stable error code for an escrow error.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "ESCROW_ACCOUNT_MISSING"
	case errors.Is(err, ErrProviderUnavailable):
		return "PROVIDER_UNAVAILABLE"
	case errors.Is(err, ErrDisputed):
		return "ESCROW_DISPUTED"
	case errors.Is(err, ErrInsufficientBalance):
		return "INSUFFICIENT_BALANCE"
	case errors.Is(err, ErrInvalidAmount):
		return "INVALID_AMOUNT"
	case errors.Is(err, ErrInvalidStatus):
		return "INVALID_STATUS"
	}
	return "INTERNAL"
}

// AccountStatus represents the state of an escrow account.
type AccountStatus string

const (
	StatusPendingSetup  AccountStatus = "PENDING_SETUP"
	StatusAwaitingFunds AccountStatus = "AWAITING_FUNDS"
	StatusFunded        AccountStatus = "FUNDED"
	StatusReleased      AccountStatus = "RELEASED"
	StatusRefunded      AccountStatus = "REFUNDED"
	StatusDisputed      AccountStatus = "DISPUTED"
)

// TxType classifies ledger transactions.
type TxType string

const (
	TxFund       TxType = "FUND"
	TxRelease    TxType = "RELEASE"
	TxRefund     TxType = "REFUND"
	TxAdjustment TxType = "ADJUSTMENT"
)

// Account is a provider-backed holding account for one negotiation.
// ExpectedAmount is immutable after creation; the three derived amounts
// are recomputed from the transaction log on every append.
type Account struct {
	ID                string         `json:"id"`
	NegotiationID     string         `json:"negotiationId"`
	ProviderReference string         `json:"providerReference"`
	Status            AccountStatus  `json:"status"`
	Currency          string         `json:"currency"`
	ExpectedAmount    float64        `json:"expectedAmount"`
	FundedAmount      float64        `json:"fundedAmount"`
	ReleasedAmount    float64        `json:"releasedAmount"`
	RefundedAmount    float64        `json:"refundedAmount"`
	Transactions      []*Transaction `json:"transactions"`
	CreatedAt         time.Time      `json:"createdAt"`
	UpdatedAt         time.Time      `json:"updatedAt"`
}

// AvailableBalance is funded minus released minus refunded, clamped to
// zero.
func (a *Account) AvailableBalance() float64 {
	return math.Max(0, a.FundedAmount-a.ReleasedAmount-a.RefundedAmount)
}

// IsSettled returns true if the account has fully drained.
func (a *Account) IsSettled() bool {
	return a.Status == StatusReleased || a.Status == StatusRefunded
}

// LastReconciliation returns the most recent reconciliation result on the
// ledger, or nil if the account was never reconciled. Requires the
// transaction log to be loaded.
func (a *Account) LastReconciliation() *ReconciliationMeta {
	for i := len(a.Transactions) - 1; i >= 0; i-- {
		switch m := a.Transactions[i].Meta.(type) {
		case ReconciliationMeta:
			return &m
		case *ReconciliationMeta:
			return m
		}
	}
	return nil
}

// Transaction is one append-only ledger row.
type Transaction struct {
	ID                    string    `json:"id"`
	EscrowAccountID       string    `json:"escrowAccountId"`
	Type                  TxType    `json:"type"`
	Amount                float64   `json:"amount"`
	OccurredAt            time.Time `json:"occurredAt"`
	ExternalTransactionID string    `json:"externalTransactionId,omitempty"`
	Meta                  Meta      `json:"meta,omitempty"`
	CreatedAt             time.Time `json:"createdAt"`
}

// --- transaction metadata ---

// Meta is the typed metadata attached to a ledger transaction. Each
// transaction kind carries its own variant; the persisted form is a
// versioned JSON envelope so stored rows survive schema growth.
type Meta interface {
	MetaKind() string
}

// TransferMeta annotates FUND/RELEASE/REFUND transactions.
type TransferMeta struct {
	Reference string `json:"reference,omitempty"`
	Memo      string `json:"memo,omitempty"`
}

func (TransferMeta) MetaKind() string { return "transfer" }

// DisputeMeta annotates the ADJUSTMENT row recording a dispute.
type DisputeMeta struct {
	Reason           string  `json:"reason"`
	DisputeReference string  `json:"disputeReference,omitempty"`
	OpenedBy         string  `json:"openedBy,omitempty"`
	Amount           float64 `json:"amount,omitempty"`
}

func (DisputeMeta) MetaKind() string { return "dispute" }

// ReconciliationStatus is the outcome of one reconciliation check.
type ReconciliationStatus string

const (
	ReconciliationOK       ReconciliationStatus = "OK"
	ReconciliationMismatch ReconciliationStatus = "MISMATCH"
)

// ReconciliationMeta annotates the ADJUSTMENT row recording a
// reconciliation result. Delta is provider balance minus local balance.
type ReconciliationMeta struct {
	Status      ReconciliationStatus `json:"status"`
	Delta       float64              `json:"delta,omitempty"`
	StatementID string               `json:"statementId,omitempty"`
}

func (ReconciliationMeta) MetaKind() string { return "reconciliation" }

// metaEnvelope is the persisted form of transaction metadata.
type metaEnvelope struct {
	V    int             `json:"v"`
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// EncodeMeta serializes metadata into its versioned envelope. A nil meta
// encodes to nil.
func EncodeMeta(m Meta) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return json.Marshal(metaEnvelope{V: 1, Kind: m.MetaKind(), Data: data})
}

// DecodeMeta reconstructs typed metadata from its envelope.
func DecodeMeta(raw []byte) (Meta, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var env metaEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode meta envelope: %w", err)
	}
	var m Meta
	switch env.Kind {
	case "transfer":
		m = &TransferMeta{}
	case "dispute":
		m = &DisputeMeta{}
	case "reconciliation":
		m = &ReconciliationMeta{}
	default:
		return nil, fmt.Errorf("unknown meta kind %q", env.Kind)
	}
	if err := json.Unmarshal(env.Data, m); err != nil {
		return nil, fmt.Errorf("decode %s meta: %w", env.Kind, err)
	}
	return m, nil
}

// --- provider interface ---

// TransferType distinguishes provider money movements.
type TransferType string

const (
	TransferFund    TransferType = "FUND"
	TransferRelease TransferType = "RELEASE"
	TransferRefund  TransferType = "REFUND"
)

// CreateAccountRequest asks the provider to open a holding account.
type CreateAccountRequest struct {
	NegotiationID  string
	ExpectedAmount float64
	Currency       string
}

// CreateAccountResult is the provider's confirmation of a new account.
type CreateAccountResult struct {
	ProviderReference string
	Status            string
}

// TransferRequest asks the provider to move money. Reference makes the
// operation idempotent on the provider side: retrying with the same
// reference never moves money twice.
type TransferRequest struct {
	EscrowAccountID   string
	ProviderReference string
	Type              TransferType
	Amount            float64
	Currency          string
	Reference         string
	Memo              string
}

// TransferResult is the provider's confirmation of a movement.
type TransferResult struct {
	Status                string
	ExternalTransactionID string
	OccurredAt            time.Time
	Balance               float64
}

// DisputeRequest asks the provider to freeze an account.
type DisputeRequest struct {
	EscrowAccountID   string
	ProviderReference string
	Reason            string
	Amount            float64
	Reference         string
}

// DisputeResult is the provider's confirmation of a dispute.
type DisputeResult struct {
	Status           string
	DisputeReference string
}

// StatementTransaction is one row of a provider statement.
type StatementTransaction struct {
	ExternalTransactionID string       `json:"externalTransactionId"`
	Type                  TransferType `json:"type"`
	Amount                float64      `json:"amount"`
	OccurredAt            time.Time    `json:"occurredAt"`
}

// Statement is the provider's authoritative view of an account.
type Statement struct {
	StatementID       string                 `json:"statementId"`
	ProviderReference string                 `json:"providerReference"`
	Balance           float64                `json:"balance"`
	Disputed          bool                   `json:"disputed"`
	GeneratedAt       time.Time              `json:"generatedAt"`
	Transactions      []StatementTransaction `json:"transactions"`
}

// Provider is the narrow interface to the external settlement system.
// Implementations must make every operation idempotent per supplied
// reference and wrap transient failures in ErrProviderUnavailable.
type Provider interface {
	CreateAccount(ctx context.Context, req CreateAccountRequest) (*CreateAccountResult, error)
	Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error)
	Dispute(ctx context.Context, req DisputeRequest) (*DisputeResult, error)
	GetStatement(ctx context.Context, providerReference string) (*Statement, error)
}

// --- persistence ---

// Tx is the unit of work for one serializable transaction against the
// ledger. Provider calls never happen inside a Tx; the service calls the
// provider first and opens a short transaction to persist the confirmed
// result.
type Tx interface {
	Get(ctx context.Context, id string) (*Account, error)
	GetByNegotiation(ctx context.Context, negotiationID string) (*Account, error)
	Create(ctx context.Context, a *Account) error

	// UpdateDerived persists the account's status and derived amounts.
	UpdateDerived(ctx context.Context, a *Account) error

	// AppendTransaction adds one immutable ledger row.
	AppendTransaction(ctx context.Context, t *Transaction) error

	// HasExternalTransaction reports whether a ledger row with the given
	// external id already exists, for webhook replay protection.
	HasExternalTransaction(ctx context.Context, accountID, externalID string) (bool, error)

	AppendEvent(ctx context.Context, rec *events.Record) error
}

// Store persists escrow accounts and their ledgers.
type Store interface {
	Transact(ctx context.Context, fn func(tx Tx) error) error

	Get(ctx context.Context, id string) (*Account, error)
	GetByNegotiation(ctx context.Context, negotiationID string) (*Account, error)
	GetByProviderReference(ctx context.Context, providerReference string) (*Account, error)

	// ListOpen returns accounts that have not fully settled, for the
	// reconciliation sweep.
	ListOpen(ctx context.Context, limit int) ([]*Account, error)
}

// Notifier is told when an account fully releases, so the owning
// negotiation can check for completion.
type Notifier interface {
	EscrowReleased(ctx context.Context, negotiationID string)
}

// WebhookEnvelope is the asynchronous notification shape the provider
// posts to us.
type WebhookEnvelope struct {
	Event                 string          `json:"event" binding:"required"`
	ProviderReference     string          `json:"providerReference" binding:"required"`
	ExternalTransactionID string          `json:"externalTransactionId"`
	Amount                float64         `json:"amount"`
	Currency              string          `json:"currency"`
	OccurredAt            time.Time       `json:"occurredAt"`
	Metadata              json.RawMessage `json:"metadata"`
}

// Webhook event names used by the provider.
const (
	WebhookFundingConfirmed = "funding_confirmed"
	WebhookReleaseSettled   = "release_settled"
	WebhookRefundProcessed  = "refund_processed"
	WebhookDisputeOpened    = "dispute_opened"
	WebhookDisputeResolved  = "dispute_resolved"
	WebhookStatementReady   = "statement_ready"
)

// amountsEqual compares two monetary amounts within Epsilon.
func amountsEqual(a, b float64) bool {
	return math.Abs(a-b) <= Epsilon
}
