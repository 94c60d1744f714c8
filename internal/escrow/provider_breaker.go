package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tradekite/dealcore/internal/circuitbreaker"
)

// Breaker keys, one circuit per provider operation.
const (
	breakerCreate    = "provider_create"
	breakerTransfer  = "provider_transfer"
	breakerDispute   = "provider_dispute"
	breakerStatement = "provider_statement"
)

// BreakerProvider wraps a Provider with a per-operation circuit breaker.
// When an operation's circuit is open, calls fail fast with
// ErrProviderUnavailable instead of waiting on a provider that is down.
type BreakerProvider struct {
	inner   Provider
	breaker *circuitbreaker.Breaker
}

// NewBreakerProvider wraps p. The circuit opens after 5 consecutive
// failures and probes again after 30 seconds.
func NewBreakerProvider(p Provider) *BreakerProvider {
	return &BreakerProvider{
		inner:   p,
		breaker: circuitbreaker.New(5, 30*time.Second),
	}
}

func (b *BreakerProvider) CreateAccount(ctx context.Context, req CreateAccountRequest) (*CreateAccountResult, error) {
	if !b.breaker.Allow(breakerCreate) {
		return nil, fmt.Errorf("%w: circuit open", ErrProviderUnavailable)
	}
	res, err := b.inner.CreateAccount(ctx, req)
	b.record(breakerCreate, err)
	return res, err
}

func (b *BreakerProvider) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	if !b.breaker.Allow(breakerTransfer) {
		return nil, fmt.Errorf("%w: circuit open", ErrProviderUnavailable)
	}
	res, err := b.inner.Transfer(ctx, req)
	b.record(breakerTransfer, err)
	return res, err
}

func (b *BreakerProvider) Dispute(ctx context.Context, req DisputeRequest) (*DisputeResult, error) {
	if !b.breaker.Allow(breakerDispute) {
		return nil, fmt.Errorf("%w: circuit open", ErrProviderUnavailable)
	}
	res, err := b.inner.Dispute(ctx, req)
	b.record(breakerDispute, err)
	return res, err
}

func (b *BreakerProvider) GetStatement(ctx context.Context, providerReference string) (*Statement, error) {
	if !b.breaker.Allow(breakerStatement) {
		return nil, fmt.Errorf("%w: circuit open", ErrProviderUnavailable)
	}
	res, err := b.inner.GetStatement(ctx, providerReference)
	b.record(breakerStatement, err)
	return res, err
}

func (b *BreakerProvider) record(key string, err error) {
	switch {
	case err == nil:
		b.breaker.RecordSuccess(key)
	case errors.Is(err, ErrProviderUnavailable):
		b.breaker.RecordFailure(key)
	default:
		// Domain rejections are not outages.
		b.breaker.RecordSuccess(key)
	}
}

var _ Provider = (*BreakerProvider)(nil)
