package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/tradekite/dealcore/internal/events"
	"github.com/tradekite/dealcore/internal/idgen"
	"github.com/tradekite/dealcore/internal/metrics"
	"github.com/tradekite/dealcore/internal/traces"
)

// Service implements the escrow ledger. The provider is injected at
// construction time; there is no process-wide provider registry.
type Service struct {
	store     Store
	provider  Provider
	publisher *events.Publisher
	notifier  Notifier
	logger    *slog.Logger
}

// NewService creates the escrow service.
func NewService(store Store, provider Provider, publisher *events.Publisher, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		provider:  provider,
		publisher: publisher,
		logger:    logger,
	}
}

// WithNotifier wires the completion callback invoked when an account
// fully releases.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// OpenAccount opens (or returns the existing) escrow account for a
// negotiation. Idempotent per negotiation id: the provider account is
// created at most once.
func (s *Service) OpenAccount(ctx context.Context, negotiationID string, expectedAmount float64, currency string) (*Account, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.OpenAccount", traces.NegotiationID(negotiationID), traces.Amount(expectedAmount))
	defer span.End()

	if expectedAmount <= 0 {
		return nil, fmt.Errorf("%w: expected amount %.2f", ErrInvalidAmount, expectedAmount)
	}
	if currency == "" {
		currency = "USD"
	}

	if existing, err := s.store.GetByNegotiation(ctx, negotiationID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	// Provider call happens outside any transaction. The provider is
	// idempotent per negotiation, so a lost race below wastes nothing.
	res, err := s.provider.CreateAccount(ctx, CreateAccountRequest{
		NegotiationID:  negotiationID,
		ExpectedAmount: expectedAmount,
		Currency:       currency,
	})
	if err != nil {
		metrics.EscrowProviderErrorsTotal.WithLabelValues("create_account").Inc()
		return nil, err
	}

	now := time.Now().UTC()
	account := &Account{
		ID:                idgen.WithPrefix("esc_"),
		NegotiationID:     negotiationID,
		ProviderReference: res.ProviderReference,
		Status:            StatusPendingSetup,
		Currency:          currency,
		ExpectedAmount:    expectedAmount,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	err = s.store.Transact(ctx, func(tx Tx) error {
		if prior, err := tx.GetByNegotiation(ctx, negotiationID); err == nil {
			account = prior
			return nil
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		return tx.Create(ctx, account)
	})
	if err != nil {
		return nil, err
	}

	metrics.EscrowAccountsOpenedTotal.Inc()
	s.logger.Info("escrow account opened",
		"account_id", account.ID,
		"negotiation_id", negotiationID,
		"expected_amount", expectedAmount,
		"currency", currency)
	return account, nil
}

// Fund records money arriving into escrow. The provider confirms the
// movement first; only then is the FUND row appended and the funded
// amount recomputed from the ledger.
func (s *Service) Fund(ctx context.Context, accountID string, amount float64, reference string) (*Account, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Fund", traces.EscrowAccountID(accountID), traces.Amount(amount))
	defer span.End()

	account, err := s.store.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if account.IsSettled() {
		return nil, ErrInvalidStatus
	}
	if reference == "" {
		reference = "fund_" + idgen.Hex(12)
	}

	res, err := s.provider.Transfer(ctx, TransferRequest{
		EscrowAccountID:   account.ID,
		ProviderReference: account.ProviderReference,
		Type:              TransferFund,
		Amount:            amount,
		Currency:          account.Currency,
		Reference:         reference,
	})
	if err != nil {
		metrics.EscrowProviderErrorsTotal.WithLabelValues("fund").Inc()
		return nil, err
	}

	updated, applied, err := s.appendConfirmed(ctx, account.ID, &Transaction{
		Type:                  TxFund,
		Amount:                amount,
		OccurredAt:            res.OccurredAt,
		ExternalTransactionID: res.ExternalTransactionID,
		Meta:                  TransferMeta{Reference: reference},
	})
	if err != nil {
		return nil, err
	}
	if applied {
		metrics.EscrowTransactionsTotal.WithLabelValues(string(TxFund)).Inc()
	}
	return updated, nil
}

// Release moves escrow toward the seller. Permitted only while FUNDED;
// a release that leaves balance behind keeps the account FUNDED and
// returns a partial-release warning rather than an error.
func (s *Service) Release(ctx context.Context, accountID string, amount float64, reference string) (*Account, string, error) {
	return s.drain(ctx, accountID, TxRelease, amount, reference)
}

// Refund moves escrow back toward the buyer, symmetric to Release.
func (s *Service) Refund(ctx context.Context, accountID string, amount float64, reference string) (*Account, string, error) {
	return s.drain(ctx, accountID, TxRefund, amount, reference)
}

func (s *Service) drain(ctx context.Context, accountID string, txType TxType, amount float64, reference string) (*Account, string, error) {
	ctx, span := traces.StartSpan(ctx, "escrow."+string(txType), traces.EscrowAccountID(accountID), traces.Amount(amount))
	defer span.End()

	account, err := s.store.Get(ctx, accountID)
	if err != nil {
		return nil, "", err
	}
	if amount <= 0 {
		return nil, "", ErrInvalidAmount
	}
	if account.Status == StatusDisputed {
		return nil, "", ErrDisputed
	}
	if account.Status != StatusFunded {
		return nil, "", fmt.Errorf("%w: account is %s", ErrInvalidStatus, account.Status)
	}
	if amount > account.AvailableBalance()+Epsilon {
		return nil, "", fmt.Errorf("%w: available %.2f, requested %.2f",
			ErrInsufficientBalance, account.AvailableBalance(), amount)
	}
	if reference == "" {
		reference = fmt.Sprintf("%s_%s", map[TxType]string{TxRelease: "rel", TxRefund: "ref"}[txType], idgen.Hex(12))
	}

	transferType := TransferRelease
	if txType == TxRefund {
		transferType = TransferRefund
	}
	res, err := s.provider.Transfer(ctx, TransferRequest{
		EscrowAccountID:   account.ID,
		ProviderReference: account.ProviderReference,
		Type:              transferType,
		Amount:            amount,
		Currency:          account.Currency,
		Reference:         reference,
	})
	if err != nil {
		metrics.EscrowProviderErrorsTotal.WithLabelValues(string(transferType)).Inc()
		return nil, "", err
	}

	updated, applied, err := s.appendConfirmed(ctx, account.ID, &Transaction{
		Type:                  txType,
		Amount:                amount,
		OccurredAt:            res.OccurredAt,
		ExternalTransactionID: res.ExternalTransactionID,
		Meta:                  TransferMeta{Reference: reference},
	})
	if err != nil {
		return nil, "", err
	}
	if applied {
		metrics.EscrowTransactionsTotal.WithLabelValues(string(txType)).Inc()
	}

	warning := ""
	if updated.Status == StatusFunded {
		warning = fmt.Sprintf("partial %s: %.2f %s still held in escrow",
			map[TxType]string{TxRelease: "release", TxRefund: "refund"}[txType],
			updated.AvailableBalance(), updated.Currency)
	}
	return updated, warning, nil
}

// OpenDispute freezes the account: release and refund are blocked until
// the account is explicitly returned to FUNDED.
func (s *Service) OpenDispute(ctx context.Context, accountID, openedBy, reason string, amount float64) (*Account, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.OpenDispute", traces.EscrowAccountID(accountID))
	defer span.End()

	account, err := s.store.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.IsSettled() {
		return nil, ErrInvalidStatus
	}

	res, err := s.provider.Dispute(ctx, DisputeRequest{
		EscrowAccountID:   account.ID,
		ProviderReference: account.ProviderReference,
		Reason:            reason,
		Amount:            amount,
	})
	if err != nil {
		metrics.EscrowProviderErrorsTotal.WithLabelValues("dispute").Inc()
		return nil, err
	}

	var published []*events.Record
	err = s.store.Transact(ctx, func(tx Tx) error {
		published = published[:0]
		fresh, err := tx.Get(ctx, accountID)
		if err != nil {
			return err
		}
		if fresh.Status == StatusDisputed {
			account = fresh
			return nil // already disputed, nothing to append
		}

		now := time.Now().UTC()
		row := &Transaction{
			ID:              idgen.WithPrefix("etx_"),
			EscrowAccountID: fresh.ID,
			Type:            TxAdjustment,
			Amount:          0,
			OccurredAt:      now,
			Meta: DisputeMeta{
				Reason:           reason,
				DisputeReference: res.DisputeReference,
				OpenedBy:         openedBy,
				Amount:           amount,
			},
			CreatedAt: now,
		}
		if err := tx.AppendTransaction(ctx, row); err != nil {
			return err
		}
		fresh.Transactions = append(fresh.Transactions, row)
		fresh.Status = StatusDisputed
		fresh.UpdatedAt = now
		if err := tx.UpdateDerived(ctx, fresh); err != nil {
			return err
		}

		rec := events.New(fresh.NegotiationID, openedBy, EscrowDisputedPayload(fresh, openedBy, reason))
		if err := tx.AppendEvent(ctx, rec); err != nil {
			return err
		}
		published = append(published, rec)
		account = fresh
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publisher.Publish(published...)
	metrics.EscrowTransactionsTotal.WithLabelValues(string(TxAdjustment)).Inc()
	s.logger.Info("escrow dispute opened", "account_id", accountID, "reason", reason)
	return account, nil
}

// ReturnToFunded lifts a dispute, restoring the status derived from the
// ledger balances.
func (s *Service) ReturnToFunded(ctx context.Context, accountID, actorID string) (*Account, error) {
	var account *Account
	err := s.store.Transact(ctx, func(tx Tx) error {
		fresh, err := tx.Get(ctx, accountID)
		if err != nil {
			return err
		}
		if fresh.Status != StatusDisputed {
			return fmt.Errorf("%w: account is %s, not DISPUTED", ErrInvalidStatus, fresh.Status)
		}

		fresh.Status = deriveStatus(fresh, false)
		fresh.UpdatedAt = time.Now().UTC()
		if err := tx.UpdateDerived(ctx, fresh); err != nil {
			return err
		}
		account = fresh
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("escrow dispute lifted", "account_id", accountID, "actor_id", actorID, "status", account.Status)
	return account, nil
}

// ReconcileResult reports one reconciliation check.
type ReconcileResult struct {
	AccountID       string               `json:"accountId"`
	Status          ReconciliationStatus `json:"status"`
	LocalBalance    float64              `json:"localBalance"`
	ProviderBalance float64              `json:"providerBalance"`
	Delta           float64              `json:"delta"`
}

// Reconcile compares the provider's statement balance to the locally
// derived available balance. Differences beyond Epsilon are recorded as
// MISMATCH adjustments for operator follow-up; nothing is auto-corrected.
// An OK row is written only on the transition out of a prior mismatch.
func (s *Service) Reconcile(ctx context.Context, accountID string) (*ReconcileResult, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Reconcile", traces.EscrowAccountID(accountID))
	defer span.End()

	account, err := s.store.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}

	stmt, err := s.provider.GetStatement(ctx, account.ProviderReference)
	if err != nil {
		metrics.EscrowProviderErrorsTotal.WithLabelValues("statement").Inc()
		return nil, err
	}

	local := account.AvailableBalance()
	delta := stmt.Balance - local
	result := &ReconcileResult{
		AccountID:       accountID,
		LocalBalance:    local,
		ProviderBalance: stmt.Balance,
		Delta:           delta,
	}

	if math.Abs(delta) > Epsilon {
		result.Status = ReconciliationMismatch
	} else {
		result.Status = ReconciliationOK
	}

	meta := ReconciliationMeta{Status: result.Status, StatementID: stmt.StatementID}
	if result.Status == ReconciliationMismatch {
		meta.Delta = delta
	}

	err = s.store.Transact(ctx, func(tx Tx) error {
		fresh, err := tx.Get(ctx, accountID)
		if err != nil {
			return err
		}
		if result.Status == ReconciliationOK && lastReconciliation(fresh) != ReconciliationMismatch {
			return nil // agreement with no prior mismatch: record nothing
		}

		now := time.Now().UTC()
		row := &Transaction{
			ID:              idgen.WithPrefix("etx_"),
			EscrowAccountID: fresh.ID,
			Type:            TxAdjustment,
			Amount:          0,
			OccurredAt:      now,
			Meta:            meta,
			CreatedAt:       now,
		}
		return tx.AppendTransaction(ctx, row)
	})
	if err != nil {
		return nil, err
	}

	metrics.ReconciliationChecksTotal.WithLabelValues(string(result.Status)).Inc()
	if result.Status == ReconciliationMismatch {
		s.logger.Warn("escrow reconciliation mismatch",
			"account_id", accountID,
			"local_balance", local,
			"provider_balance", stmt.Balance,
			"delta", delta)
	}
	return result, nil
}

// ReconcileAll sweeps every unsettled account. Used by the timer.
func (s *Service) ReconcileAll(ctx context.Context, limit int) {
	if limit <= 0 {
		limit = 100
	}
	accounts, err := s.store.ListOpen(ctx, limit)
	if err != nil {
		s.logger.Error("reconcile sweep failed to list accounts", "error", err)
		return
	}
	for _, a := range accounts {
		if a.Status == StatusPendingSetup {
			continue // nothing to compare yet
		}
		if _, err := s.Reconcile(ctx, a.ID); err != nil {
			s.logger.Warn("reconcile failed", "account_id", a.ID, "error", err)
		}
	}
}

// HandleWebhook applies an asynchronous provider notification. Ledger
// updates are keyed by externalTransactionId, so duplicate delivery
// never double-applies.
func (s *Service) HandleWebhook(ctx context.Context, env WebhookEnvelope) error {
	account, err := s.store.GetByProviderReference(ctx, env.ProviderReference)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(env.Event, "unknown_account").Inc()
		return err
	}

	result := "applied"
	switch env.Event {
	case WebhookFundingConfirmed:
		_, applied, aerr := s.appendConfirmed(ctx, account.ID, &Transaction{
			Type:                  TxFund,
			Amount:                env.Amount,
			OccurredAt:            env.OccurredAt,
			ExternalTransactionID: env.ExternalTransactionID,
			Meta:                  TransferMeta{Memo: "provider webhook"},
		})
		err = aerr
		if aerr == nil && !applied {
			result = "duplicate"
		}
	case WebhookReleaseSettled:
		_, applied, aerr := s.appendConfirmed(ctx, account.ID, &Transaction{
			Type:                  TxRelease,
			Amount:                env.Amount,
			OccurredAt:            env.OccurredAt,
			ExternalTransactionID: env.ExternalTransactionID,
			Meta:                  TransferMeta{Memo: "provider webhook"},
		})
		err = aerr
		if aerr == nil && !applied {
			result = "duplicate"
		}
	case WebhookRefundProcessed:
		_, applied, aerr := s.appendConfirmed(ctx, account.ID, &Transaction{
			Type:                  TxRefund,
			Amount:                env.Amount,
			OccurredAt:            env.OccurredAt,
			ExternalTransactionID: env.ExternalTransactionID,
			Meta:                  TransferMeta{Memo: "provider webhook"},
		})
		err = aerr
		if aerr == nil && !applied {
			result = "duplicate"
		}
	case WebhookDisputeOpened:
		if account.Status == StatusDisputed {
			result = "duplicate"
			break
		}
		err = s.store.Transact(ctx, func(tx Tx) error {
			fresh, terr := tx.Get(ctx, account.ID)
			if terr != nil {
				return terr
			}
			if fresh.Status == StatusDisputed {
				return nil
			}
			fresh.Status = StatusDisputed
			fresh.UpdatedAt = time.Now().UTC()
			return tx.UpdateDerived(ctx, fresh)
		})
	case WebhookDisputeResolved:
		if account.Status != StatusDisputed {
			result = "duplicate"
			break
		}
		_, err = s.ReturnToFunded(ctx, account.ID, "provider")
	case WebhookStatementReady:
		_, err = s.Reconcile(ctx, account.ID)
	default:
		metrics.WebhookEventsTotal.WithLabelValues(env.Event, "unknown_event").Inc()
		return fmt.Errorf("unknown webhook event %q", env.Event)
	}

	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(env.Event, "error").Inc()
		return err
	}
	metrics.WebhookEventsTotal.WithLabelValues(env.Event, result).Inc()
	return nil
}

// RefundRemaining refunds whatever balance is still held for a
// negotiation's account. No account, or nothing held, is a no-op.
func (s *Service) RefundRemaining(ctx context.Context, negotiationID, reference string) error {
	account, err := s.store.GetByNegotiation(ctx, negotiationID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	remaining := account.AvailableBalance()
	if remaining <= Epsilon {
		return nil
	}
	if account.Status == StatusDisputed {
		return fmt.Errorf("%w: cannot refund negotiation %s", ErrDisputed, negotiationID)
	}
	_, _, err = s.Refund(ctx, account.ID, remaining, reference)
	return err
}

// IsReleased reports whether the negotiation's escrow has fully released.
func (s *Service) IsReleased(ctx context.Context, negotiationID string) (bool, error) {
	account, err := s.store.GetByNegotiation(ctx, negotiationID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return account.Status == StatusReleased, nil
}

// Get returns an account by id.
func (s *Service) Get(ctx context.Context, id string) (*Account, error) {
	return s.store.Get(ctx, id)
}

// GetByNegotiation returns the account for a negotiation.
func (s *Service) GetByNegotiation(ctx context.Context, negotiationID string) (*Account, error) {
	return s.store.GetByNegotiation(ctx, negotiationID)
}

// appendConfirmed appends a provider-confirmed transfer row in one
// transaction, recomputes derived amounts from the full ledger, and
// emits the matching lifecycle events. Returns applied=false when the
// external transaction id was already recorded.
func (s *Service) appendConfirmed(ctx context.Context, accountID string, row *Transaction) (*Account, bool, error) {
	var (
		account   *Account
		applied   bool
		published []*events.Record
	)
	err := s.store.Transact(ctx, func(tx Tx) error {
		applied = false
		published = published[:0]

		fresh, err := tx.Get(ctx, accountID)
		if err != nil {
			return err
		}

		if row.ExternalTransactionID != "" {
			dup, err := tx.HasExternalTransaction(ctx, accountID, row.ExternalTransactionID)
			if err != nil {
				return err
			}
			if dup {
				account = fresh
				return nil
			}
		}

		prevStatus := fresh.Status
		now := time.Now().UTC()
		stamped := *row
		stamped.ID = idgen.WithPrefix("etx_")
		stamped.EscrowAccountID = fresh.ID
		stamped.CreatedAt = now
		if stamped.OccurredAt.IsZero() {
			stamped.OccurredAt = now
		}

		fresh.Transactions = append(fresh.Transactions, &stamped)
		recomputeAmounts(fresh)
		if fresh.FundedAmount < fresh.ReleasedAmount+fresh.RefundedAmount-Epsilon {
			return fmt.Errorf("%w: ledger would go negative", ErrInsufficientBalance)
		}

		if err := tx.AppendTransaction(ctx, &stamped); err != nil {
			return err
		}
		fresh.Status = deriveStatus(fresh, fresh.Status == StatusDisputed)
		fresh.UpdatedAt = now
		if err := tx.UpdateDerived(ctx, fresh); err != nil {
			return err
		}

		for _, rec := range transferEvents(fresh, prevStatus, &stamped) {
			if err := tx.AppendEvent(ctx, rec); err != nil {
				return err
			}
			published = append(published, rec)
		}

		account = fresh
		applied = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	s.publisher.Publish(published...)
	if applied && account.Status == StatusReleased && s.notifier != nil {
		s.notifier.EscrowReleased(ctx, account.NegotiationID)
	}
	return account, applied, nil
}

// transferEvents maps one applied ledger row to its published events.
func transferEvents(a *Account, prev AccountStatus, row *Transaction) []*events.Record {
	switch row.Type {
	case TxFund:
		return []*events.Record{events.New(a.NegotiationID, "", events.EscrowFunded{
			AccountID:     a.ID,
			TransactionID: row.ID,
			Amount:        row.Amount,
			Currency:      a.Currency,
		})}
	case TxRelease:
		return []*events.Record{events.New(a.NegotiationID, "", events.EscrowReleased{
			AccountID:     a.ID,
			TransactionID: row.ID,
			Amount:        row.Amount,
		})}
	case TxRefund:
		return []*events.Record{events.New(a.NegotiationID, "", events.EscrowRefunded{
			AccountID:     a.ID,
			TransactionID: row.ID,
			Amount:        row.Amount,
		})}
	}
	_ = prev
	return nil
}

// EscrowDisputedPayload builds the dispute event payload.
func EscrowDisputedPayload(a *Account, openedBy, reason string) events.EscrowDisputed {
	return events.EscrowDisputed{
		AccountID: a.ID,
		OpenedBy:  openedBy,
		Reason:    reason,
	}
}

// recomputeAmounts derives the three running totals from the full
// transaction log.
func recomputeAmounts(a *Account) {
	var funded, released, refunded float64
	for _, t := range a.Transactions {
		switch t.Type {
		case TxFund:
			funded += t.Amount
		case TxRelease:
			released += t.Amount
		case TxRefund:
			refunded += t.Amount
		}
	}
	a.FundedAmount = funded
	a.ReleasedAmount = released
	a.RefundedAmount = refunded
}

// deriveStatus computes an account's status from its balances. A
// disputed account stays DISPUTED until explicitly returned to service.
func deriveStatus(a *Account, disputed bool) AccountStatus {
	if disputed {
		return StatusDisputed
	}
	if a.FundedAmount <= Epsilon {
		return StatusPendingSetup
	}
	if a.AvailableBalance() <= Epsilon && a.ReleasedAmount+a.RefundedAmount > Epsilon {
		if a.RefundedAmount > a.ReleasedAmount {
			return StatusRefunded
		}
		return StatusReleased
	}
	if a.FundedAmount < a.ExpectedAmount-Epsilon {
		return StatusAwaitingFunds
	}
	return StatusFunded
}

// lastReconciliation returns the status of the most recent
// reconciliation row, or "" if none exists.
func lastReconciliation(a *Account) ReconciliationStatus {
	for i := len(a.Transactions) - 1; i >= 0; i-- {
		if a.Transactions[i].Type != TxAdjustment {
			continue
		}
		if m, ok := a.Transactions[i].Meta.(*ReconciliationMeta); ok {
			return m.Status
		}
		if m, ok := a.Transactions[i].Meta.(ReconciliationMeta); ok {
			return m.Status
		}
	}
	return ""
}
