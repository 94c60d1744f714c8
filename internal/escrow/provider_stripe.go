package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/paymentintent"
	"github.com/stripe/stripe-go/v81/refund"
)

// StripeProvider backs escrow accounts with Stripe PaymentIntents using
// manual capture: funding confirms the intent, release captures toward
// the seller, refund returns money to the buyer. Reference-based
// idempotency maps onto Stripe idempotency keys.
type StripeProvider struct{}

// NewStripeProvider configures the Stripe client with the given secret
// key and returns the provider.
func NewStripeProvider(secretKey string) *StripeProvider {
	stripe.Key = secretKey
	return &StripeProvider{}
}

func (p *StripeProvider) CreateAccount(_ context.Context, req CreateAccountRequest) (*CreateAccountResult, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(toCents(req.ExpectedAmount)),
		Currency:      stripe.String(req.Currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	params.AddMetadata("negotiation_id", req.NegotiationID)
	// One intent per negotiation; retried creation returns the same intent.
	params.SetIdempotencyKey("escrow_open_" + req.NegotiationID)

	pi, err := paymentintent.New(params)
	if err != nil {
		return nil, wrapStripeErr("create payment intent", err)
	}
	return &CreateAccountResult{
		ProviderReference: pi.ID,
		Status:            string(pi.Status),
	}, nil
}

func (p *StripeProvider) Transfer(_ context.Context, req TransferRequest) (*TransferResult, error) {
	switch req.Type {
	case TransferFund:
		return p.fund(req)
	case TransferRelease:
		return p.release(req)
	case TransferRefund:
		return p.refund(req)
	}
	return nil, fmt.Errorf("unknown transfer type %q", req.Type)
}

func (p *StripeProvider) fund(req TransferRequest) (*TransferResult, error) {
	pi, err := paymentintent.Get(req.ProviderReference, nil)
	if err != nil {
		return nil, wrapStripeErr("get payment intent", err)
	}

	// Funding is driven by the buyer's client-side confirmation; here we
	// observe the intent's received amount.
	if pi.Status != stripe.PaymentIntentStatusRequiresCapture &&
		pi.Status != stripe.PaymentIntentStatusSucceeded {
		return nil, fmt.Errorf("payment intent %s not funded (status %s)", pi.ID, pi.Status)
	}

	return &TransferResult{
		Status:                "settled",
		ExternalTransactionID: chargeID(pi),
		OccurredAt:            time.Unix(pi.Created, 0).UTC(),
		Balance:               fromCents(pi.AmountReceived),
	}, nil
}

func (p *StripeProvider) release(req TransferRequest) (*TransferResult, error) {
	params := &stripe.PaymentIntentCaptureParams{
		AmountToCapture: stripe.Int64(toCents(req.Amount)),
	}
	if req.Reference != "" {
		params.SetIdempotencyKey("escrow_release_" + req.Reference)
	}

	pi, err := paymentintent.Capture(req.ProviderReference, params)
	if err != nil {
		return nil, wrapStripeErr("capture payment intent", err)
	}
	return &TransferResult{
		Status:                "settled",
		ExternalTransactionID: chargeID(pi),
		OccurredAt:            time.Now().UTC(),
		Balance:               fromCents(pi.AmountCapturable),
	}, nil
}

func (p *StripeProvider) refund(req TransferRequest) (*TransferResult, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.ProviderReference),
		Amount:        stripe.Int64(toCents(req.Amount)),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	if req.Reference != "" {
		params.SetIdempotencyKey("escrow_refund_" + req.Reference)
	}

	r, err := refund.New(params)
	if err != nil {
		return nil, wrapStripeErr("create refund", err)
	}
	return &TransferResult{
		Status:                string(r.Status),
		ExternalTransactionID: r.ID,
		OccurredAt:            time.Unix(r.Created, 0).UTC(),
	}, nil
}

func (p *StripeProvider) Dispute(_ context.Context, req DisputeRequest) (*DisputeResult, error) {
	// Stripe disputes originate from the cardholder's bank; our side of a
	// deal dispute is freezing the intent via metadata so operators and
	// webhooks can see it.
	params := &stripe.PaymentIntentParams{}
	params.AddMetadata("dispute_reason", req.Reason)
	params.AddMetadata("disputed_at", time.Now().UTC().Format(time.RFC3339))

	pi, err := paymentintent.Update(req.ProviderReference, params)
	if err != nil {
		return nil, wrapStripeErr("flag dispute", err)
	}
	return &DisputeResult{
		Status:           "disputed",
		DisputeReference: "dsp_" + pi.ID,
	}, nil
}

func (p *StripeProvider) GetStatement(_ context.Context, providerReference string) (*Statement, error) {
	pi, err := paymentintent.Get(providerReference, nil)
	if err != nil {
		return nil, wrapStripeErr("get payment intent", err)
	}

	// Held balance: received but not yet captured out.
	balance := fromCents(pi.AmountReceived)
	if pi.Status == stripe.PaymentIntentStatusRequiresCapture {
		balance = fromCents(pi.AmountCapturable)
	}

	return &Statement{
		StatementID:       "stmt_" + pi.ID,
		ProviderReference: pi.ID,
		Balance:           balance,
		Disputed:          pi.Metadata["dispute_reason"] != "",
		GeneratedAt:       time.Now().UTC(),
	}, nil
}

func chargeID(pi *stripe.PaymentIntent) string {
	if pi.LatestCharge != nil {
		return pi.LatestCharge.ID
	}
	return pi.ID
}

// wrapStripeErr classifies Stripe failures: connectivity and server-side
// errors are transient and safe to retry.
func wrapStripeErr(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		switch se.Type {
		case stripe.ErrorTypeAPI:
			return fmt.Errorf("%w: %s: %v", ErrProviderUnavailable, op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	// Non-stripe errors are network-level failures.
	return fmt.Errorf("%w: %s: %v", ErrProviderUnavailable, op, err)
}

func toCents(amount float64) int64 {
	return int64(amount*100 + 0.5)
}

func fromCents(cents int64) float64 {
	return float64(cents) / 100
}

var _ Provider = (*StripeProvider)(nil)
