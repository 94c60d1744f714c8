package escrow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SimulatedProvider is an in-process escrow provider for development and
// tests. It keeps per-account balances and honors the reference-based
// idempotency contract: a transfer retried with the same reference
// returns the original result without moving money again.
type SimulatedProvider struct {
	mu       sync.Mutex
	accounts map[string]*simAccount // by provider reference
	byRef    map[string]*TransferResult
	byNeg    map[string]string // negotiation id -> provider reference
}

type simAccount struct {
	negotiationID string
	currency      string
	balance       float64
	disputed      bool
	transactions  []StatementTransaction
}

// NewSimulatedProvider creates an empty simulated provider.
func NewSimulatedProvider() *SimulatedProvider {
	return &SimulatedProvider{
		accounts: make(map[string]*simAccount),
		byRef:    make(map[string]*TransferResult),
		byNeg:    make(map[string]string),
	}
}

func (p *SimulatedProvider) CreateAccount(_ context.Context, req CreateAccountRequest) (*CreateAccountResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Idempotent per negotiation: same negotiation gets the same account.
	if ref, ok := p.byNeg[req.NegotiationID]; ok {
		return &CreateAccountResult{ProviderReference: ref, Status: "open"}, nil
	}

	ref := "sim_" + uuid.NewString()
	p.accounts[ref] = &simAccount{
		negotiationID: req.NegotiationID,
		currency:      req.Currency,
	}
	p.byNeg[req.NegotiationID] = ref
	return &CreateAccountResult{ProviderReference: ref, Status: "open"}, nil
}

func (p *SimulatedProvider) Transfer(_ context.Context, req TransferRequest) (*TransferResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if req.Reference != "" {
		if prev, ok := p.byRef[req.Reference]; ok {
			return prev, nil
		}
	}

	acct, ok := p.accounts[req.ProviderReference]
	if !ok {
		return nil, fmt.Errorf("%w: unknown account %s", ErrProviderUnavailable, req.ProviderReference)
	}
	if acct.disputed && req.Type != TransferFund {
		return nil, fmt.Errorf("account %s is frozen by dispute", req.ProviderReference)
	}

	switch req.Type {
	case TransferFund:
		acct.balance += req.Amount
	case TransferRelease, TransferRefund:
		if req.Amount > acct.balance+Epsilon {
			return nil, fmt.Errorf("insufficient provider balance: have %.2f, want %.2f", acct.balance, req.Amount)
		}
		acct.balance -= req.Amount
	default:
		return nil, fmt.Errorf("unknown transfer type %q", req.Type)
	}

	now := time.Now().UTC()
	res := &TransferResult{
		Status:                "settled",
		ExternalTransactionID: "simtx_" + uuid.NewString(),
		OccurredAt:            now,
		Balance:               acct.balance,
	}
	acct.transactions = append(acct.transactions, StatementTransaction{
		ExternalTransactionID: res.ExternalTransactionID,
		Type:                  req.Type,
		Amount:                req.Amount,
		OccurredAt:            now,
	})
	if req.Reference != "" {
		p.byRef[req.Reference] = res
	}
	return res, nil
}

func (p *SimulatedProvider) Dispute(_ context.Context, req DisputeRequest) (*DisputeResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	acct, ok := p.accounts[req.ProviderReference]
	if !ok {
		return nil, fmt.Errorf("%w: unknown account %s", ErrProviderUnavailable, req.ProviderReference)
	}
	acct.disputed = true
	return &DisputeResult{
		Status:           "disputed",
		DisputeReference: "simdsp_" + uuid.NewString(),
	}, nil
}

func (p *SimulatedProvider) GetStatement(_ context.Context, providerReference string) (*Statement, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	acct, ok := p.accounts[providerReference]
	if !ok {
		return nil, fmt.Errorf("%w: unknown account %s", ErrProviderUnavailable, providerReference)
	}
	txs := make([]StatementTransaction, len(acct.transactions))
	copy(txs, acct.transactions)
	return &Statement{
		StatementID:       "simstmt_" + uuid.NewString(),
		ProviderReference: providerReference,
		Balance:           acct.balance,
		Disputed:          acct.disputed,
		GeneratedAt:       time.Now().UTC(),
		Transactions:      txs,
	}, nil
}

// ResolveDispute unfreezes a simulated account. Test hook mirroring the
// provider's dispute_resolved webhook.
func (p *SimulatedProvider) ResolveDispute(providerReference string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if acct, ok := p.accounts[providerReference]; ok {
		acct.disputed = false
	}
}

// AdjustBalance shifts a simulated account's balance without a matching
// ledger row. Test hook for forcing reconciliation mismatches.
func (p *SimulatedProvider) AdjustBalance(providerReference string, delta float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if acct, ok := p.accounts[providerReference]; ok {
		acct.balance += delta
	}
}

var _ Provider = (*SimulatedProvider)(nil)
