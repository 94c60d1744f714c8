package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tradekite/dealcore/internal/contracts"
	"github.com/tradekite/dealcore/internal/escrow"
	"github.com/tradekite/dealcore/internal/events"
	"github.com/tradekite/dealcore/internal/idgen"
	"github.com/tradekite/dealcore/internal/metrics"
	"github.com/tradekite/dealcore/internal/traces"
)

// Service implements the negotiation engine. It drives the escrow
// ledger on acceptance and cancellation, and consults both the ledger
// and the revision workshop when checking for completion.
type Service struct {
	store     Store
	publisher *events.Publisher
	escrow    EscrowService
	contracts ContractService
	logger    *slog.Logger
}

// NewService creates the negotiation service.
func NewService(store Store, publisher *events.Publisher, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		publisher: publisher,
		logger:    logger,
	}
}

// WithEscrow wires the escrow ledger dependency.
func (s *Service) WithEscrow(e EscrowService) *Service {
	s.escrow = e
	return s
}

// WithContracts wires the revision workshop dependency.
func (s *Service) WithContracts(c ContractService) *Service {
	s.contracts = c
	return s
}

// Create opens a negotiation with the buyer's initial offer.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Negotiation, error) {
	ctx, span := traces.StartSpan(ctx, "negotiation.Create")
	defer span.End()

	if req.BuyerID == req.SellerID {
		return nil, ErrSelfDeal
	}
	if req.Price <= 0 || req.Quantity <= 0 {
		return nil, ErrInvalidOffer
	}
	if req.Currency == "" {
		req.Currency = "USD"
	}

	now := time.Now().UTC()
	offer := &Offer{
		ID:         idgen.WithPrefix("off_"),
		ProposedBy: RoleBuyer,
		Price:      req.Price,
		Quantity:   req.Quantity,
		Message:    req.Message,
		Kind:       OfferKindInitial,
		CreatedAt:  now,
	}
	n := &Negotiation{
		ID:           idgen.WithPrefix("neg_"),
		ListingID:    req.ListingID,
		BuyerID:      req.BuyerID,
		SellerID:     req.SellerID,
		Status:       StatusNegotiating,
		Currency:     req.Currency,
		ExpiresAt:    req.ExpiresAt,
		CurrentOffer: offer,
		Offers:       []*Offer{offer},
		StatusHistory: []StatusChange{{
			To:        StatusNegotiating,
			ChangedBy: req.BuyerID,
			ChangedAt: now,
		}},
		Activities: []Activity{{
			ActorID:   req.BuyerID,
			Detail:    fmt.Sprintf("opened negotiation with offer %.2f x %.2f %s", req.Price, req.Quantity, req.Currency),
			CreatedAt: now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	offer.NegotiationID = n.ID

	var published []*events.Record
	err := s.store.Transact(ctx, func(tx Tx) error {
		published = published[:0]
		if err := tx.Create(ctx, n); err != nil {
			return err
		}
		rec := events.New(n.ID, req.BuyerID, events.OfferSubmitted{
			OfferID:    offer.ID,
			ProposedBy: string(RoleBuyer),
			Price:      &offer.Price,
			Quantity:   &offer.Quantity,
			Message:    offer.Message,
		})
		if err := tx.AppendEvent(ctx, rec); err != nil {
			return err
		}
		published = append(published, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publisher.Publish(published...)
	metrics.OffersSubmittedTotal.WithLabelValues(string(OfferKindInitial)).Inc()
	s.logger.Info("negotiation created",
		"negotiation_id", n.ID,
		"listing_id", n.ListingID,
		"buyer_id", n.BuyerID,
		"seller_id", n.SellerID)
	return n, nil
}

// SubmitCounterOffer appends a counter-offer, enforcing strict
// turn-taking: only the counterpart of the current offer's proposer may
// submit the next one.
func (s *Service) SubmitCounterOffer(ctx context.Context, negotiationID string, req CounterOfferRequest) (*Negotiation, error) {
	ctx, span := traces.StartSpan(ctx, "negotiation.SubmitCounterOffer", traces.NegotiationID(negotiationID))
	defer span.End()

	if req.Price == nil && req.Quantity == nil {
		return nil, ErrEmptyOffer
	}
	if (req.Price != nil && *req.Price <= 0) || (req.Quantity != nil && *req.Quantity <= 0) {
		return nil, ErrInvalidOffer
	}

	var (
		result    *Negotiation
		published []*events.Record
	)
	err := s.store.Transact(ctx, func(tx Tx) error {
		published = published[:0]

		n, err := tx.Get(ctx, negotiationID)
		if err != nil {
			return err
		}
		if n.Status != StatusNegotiating {
			return fmt.Errorf("%w: status is %s", ErrClosed, n.Status)
		}
		role := n.RoleOf(req.ActorID)
		if role == "" {
			return ErrNotParticipant
		}
		if n.CurrentOffer != nil && n.CurrentOffer.ProposedBy == role {
			return fmt.Errorf("%w: waiting on %s", ErrOutOfTurn, role.Counterpart())
		}

		// Omitted terms carry over from the offer being countered.
		price := n.CurrentOffer.Price
		quantity := n.CurrentOffer.Quantity
		if req.Price != nil {
			price = *req.Price
		}
		if req.Quantity != nil {
			quantity = *req.Quantity
		}

		now := time.Now().UTC()
		offer := &Offer{
			ID:            idgen.WithPrefix("off_"),
			NegotiationID: n.ID,
			ProposedBy:    role,
			Price:         price,
			Quantity:      quantity,
			Message:       req.Message,
			Kind:          OfferKindCounter,
			CreatedAt:     now,
		}
		n.CurrentOffer = offer
		n.Offers = append(n.Offers, offer)
		n.Activities = append(n.Activities, Activity{
			ActorID:   req.ActorID,
			Detail:    fmt.Sprintf("countered with %.2f x %.2f", price, quantity),
			CreatedAt: now,
		})
		n.UpdatedAt = now
		if err := tx.Update(ctx, n); err != nil {
			return err
		}

		rec := events.New(n.ID, req.ActorID, events.OfferSubmitted{
			OfferID:    offer.ID,
			ProposedBy: string(role),
			Price:      req.Price,
			Quantity:   req.Quantity,
			Message:    req.Message,
		})
		if err := tx.AppendEvent(ctx, rec); err != nil {
			return err
		}
		published = append(published, rec)
		result = n
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publisher.Publish(published...)
	metrics.OffersSubmittedTotal.WithLabelValues(string(OfferKindCounter)).Inc()
	return result, nil
}

// AcceptOffer closes the bargaining phase: the counterpart of the
// current offer accepts it, terms freeze, and an escrow account sized
// to price x quantity is opened.
func (s *Service) AcceptOffer(ctx context.Context, negotiationID string, req AcceptRequest) (*Negotiation, error) {
	ctx, span := traces.StartSpan(ctx, "negotiation.AcceptOffer", traces.NegotiationID(negotiationID))
	defer span.End()

	var (
		result    *Negotiation
		published []*events.Record
	)
	err := s.store.Transact(ctx, func(tx Tx) error {
		published = published[:0]

		n, err := tx.Get(ctx, negotiationID)
		if err != nil {
			return err
		}
		if n.Status != StatusNegotiating {
			return fmt.Errorf("%w: status is %s", ErrClosed, n.Status)
		}
		role := n.RoleOf(req.ActorID)
		if role == "" {
			return ErrNotParticipant
		}
		if n.CurrentOffer == nil || n.CurrentOffer.ProposedBy == role {
			return fmt.Errorf("%w: only the counterpart may accept", ErrOutOfTurn)
		}

		price := n.CurrentOffer.Price
		quantity := n.CurrentOffer.Quantity
		if req.AgreedPrice != nil {
			price = *req.AgreedPrice
		}
		if req.AgreedQuantity != nil {
			quantity = *req.AgreedQuantity
		}
		if price <= 0 || quantity <= 0 {
			return ErrInvalidOffer
		}

		now := time.Now().UTC()
		accept := &Offer{
			ID:            idgen.WithPrefix("off_"),
			NegotiationID: n.ID,
			ProposedBy:    role,
			Price:         price,
			Quantity:      quantity,
			Kind:          OfferKindAccept,
			CreatedAt:     now,
		}
		n.CurrentOffer = accept
		n.Offers = append(n.Offers, accept)
		n.AgreedPrice = price
		n.AgreedQuantity = quantity
		n.StatusHistory = append(n.StatusHistory, StatusChange{
			From:      StatusNegotiating,
			To:        StatusAccepted,
			ChangedBy: req.ActorID,
			ChangedAt: now,
		})
		n.Activities = append(n.Activities, Activity{
			ActorID:   req.ActorID,
			Detail:    fmt.Sprintf("accepted at %.2f x %.2f %s", price, quantity, n.Currency),
			CreatedAt: now,
		})
		n.Status = StatusAccepted
		n.UpdatedAt = now
		if err := tx.Update(ctx, n); err != nil {
			return err
		}

		rec := events.New(n.ID, req.ActorID, events.NegotiationAccepted{
			OfferID:    accept.ID,
			AcceptedBy: req.ActorID,
			Price:      price,
			Quantity:   quantity,
		})
		if err := tx.AppendEvent(ctx, rec); err != nil {
			return err
		}
		published = append(published, rec)
		result = n
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publisher.Publish(published...)
	metrics.OffersSubmittedTotal.WithLabelValues(string(OfferKindAccept)).Inc()
	metrics.TimeToAcceptSeconds.Observe(time.Since(result.CreatedAt).Seconds())

	// Escrow creation is idempotent per negotiation; a transient failure
	// here leaves the negotiation ACCEPTED without an account, and the
	// sweep keeps re-driving until one exists.
	if err := s.ensureEscrow(ctx, result); err != nil {
		s.logger.Warn("escrow account creation failed, will retry",
			"negotiation_id", result.ID,
			"error", err)
	}
	return result, nil
}

// ensureEscrow opens the negotiation's escrow account and stamps its id
// onto the aggregate. Safe to call repeatedly.
func (s *Service) ensureEscrow(ctx context.Context, n *Negotiation) error {
	if s.escrow == nil || n.EscrowAccountID != "" {
		return nil
	}

	account, err := s.escrow.OpenAccount(ctx, n.ID, n.AgreedPrice*n.AgreedQuantity, n.Currency)
	if err != nil {
		return err
	}

	err = s.store.Transact(ctx, func(tx Tx) error {
		fresh, err := tx.Get(ctx, n.ID)
		if err != nil {
			return err
		}
		if fresh.EscrowAccountID != "" {
			n.EscrowAccountID = fresh.EscrowAccountID
			return nil
		}
		fresh.EscrowAccountID = account.ID
		fresh.UpdatedAt = time.Now().UTC()
		if err := tx.Update(ctx, fresh); err != nil {
			return err
		}
		n.EscrowAccountID = account.ID
		return nil
	})
	return err
}

// EnsureEscrowAccounts re-drives escrow creation for accepted
// negotiations still missing an account. Used by the timer.
func (s *Service) EnsureEscrowAccounts(ctx context.Context, limit int) {
	if s.escrow == nil {
		return
	}
	pending, err := s.store.ListAwaitingEscrow(ctx, limit)
	if err != nil {
		s.logger.Error("escrow sweep failed to list negotiations", "error", err)
		return
	}
	for _, n := range pending {
		if err := s.ensureEscrow(ctx, n); err != nil {
			s.logger.Warn("escrow re-drive failed", "negotiation_id", n.ID, "error", err)
		}
	}
}

// Cancel transitions any non-terminal negotiation to CANCELLED and
// refunds whatever escrow is still held.
func (s *Service) Cancel(ctx context.Context, negotiationID string, req CancelNegotiationRequest) (*Negotiation, error) {
	ctx, span := traces.StartSpan(ctx, "negotiation.Cancel", traces.NegotiationID(negotiationID))
	defer span.End()

	var (
		result    *Negotiation
		published []*events.Record
	)
	err := s.store.Transact(ctx, func(tx Tx) error {
		published = published[:0]

		n, err := tx.Get(ctx, negotiationID)
		if err != nil {
			return err
		}
		if n.IsTerminal() {
			return fmt.Errorf("%w: status is %s", ErrClosed, n.Status)
		}
		if n.RoleOf(req.ActorID) == "" && !req.Admin {
			return ErrNotParticipant
		}

		now := time.Now().UTC()
		n.StatusHistory = append(n.StatusHistory, StatusChange{
			From:      n.Status,
			To:        StatusCancelled,
			ChangedBy: req.ActorID,
			Reason:    req.Reason,
			ChangedAt: now,
		})
		n.Activities = append(n.Activities, Activity{
			ActorID:   req.ActorID,
			Detail:    "cancelled the negotiation",
			CreatedAt: now,
		})
		n.Status = StatusCancelled
		n.UpdatedAt = now
		if err := tx.Update(ctx, n); err != nil {
			return err
		}

		rec := events.New(n.ID, req.ActorID, events.NegotiationCancelled{
			CancelledBy: req.ActorID,
			Reason:      req.Reason,
		})
		if err := tx.AppendEvent(ctx, rec); err != nil {
			return err
		}
		published = append(published, rec)
		result = n
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publisher.Publish(published...)
	metrics.NegotiationsClosedTotal.WithLabelValues(string(StatusCancelled)).Inc()

	if s.escrow != nil {
		if err := s.escrow.RefundRemaining(ctx, result.ID, "cancel_"+result.ID); err != nil {
			s.logger.Warn("refund on cancellation failed",
				"negotiation_id", result.ID,
				"error", err)
		}
	}
	return result, nil
}

// ExpireNegotiations sweeps non-terminal negotiations past their
// expiry. Idempotent: already-terminal negotiations are never
// re-processed. Returns the number expired.
func (s *Service) ExpireNegotiations(ctx context.Context, now time.Time, limit int) int {
	candidates, err := s.store.ListExpired(ctx, now, limit)
	if err != nil {
		s.logger.Error("expiry sweep failed to list negotiations", "error", err)
		return 0
	}

	expired := 0
	for _, candidate := range candidates {
		var published []*events.Record
		err := s.store.Transact(ctx, func(tx Tx) error {
			published = published[:0]

			n, err := tx.Get(ctx, candidate.ID)
			if err != nil {
				return err
			}
			// Re-check under the transaction: a racing accept/cancel or a
			// previous sweep run may have already closed it.
			if n.IsTerminal() || n.ExpiresAt == nil || n.ExpiresAt.After(now) {
				return nil
			}

			at := time.Now().UTC()
			n.StatusHistory = append(n.StatusHistory, StatusChange{
				From:      n.Status,
				To:        StatusExpired,
				ChangedBy: "system",
				Reason:    "negotiation expired",
				ChangedAt: at,
			})
			n.Status = StatusExpired
			n.UpdatedAt = at
			if err := tx.Update(ctx, n); err != nil {
				return err
			}

			rec := events.New(n.ID, "system", events.NegotiationExpired{ExpiredAt: at})
			if err := tx.AppendEvent(ctx, rec); err != nil {
				return err
			}
			published = append(published, rec)
			return nil
		})
		if err != nil {
			s.logger.Warn("expiry failed", "negotiation_id", candidate.ID, "error", err)
			continue
		}
		if len(published) == 0 {
			continue // lost the race, nothing expired
		}

		s.publisher.Publish(published...)
		metrics.NegotiationsClosedTotal.WithLabelValues(string(StatusExpired)).Inc()
		expired++

		if s.escrow != nil {
			if err := s.escrow.RefundRemaining(ctx, candidate.ID, "expire_"+candidate.ID); err != nil {
				s.logger.Warn("refund on expiry failed", "negotiation_id", candidate.ID, "error", err)
			}
		}
	}
	return expired
}

// Get returns a negotiation by id.
func (s *Service) Get(ctx context.Context, id string) (*Negotiation, error) {
	return s.store.Get(ctx, id)
}

// ListByParty returns negotiations where the party participates, optionally
// narrowed to one side of the table.
func (s *Service) ListByParty(ctx context.Context, partyID string, role Role, limit int) ([]*Negotiation, error) {
	return s.store.ListByParty(ctx, partyID, role, limit)
}

// ListByListing returns negotiations for one listing.
func (s *Service) ListByListing(ctx context.Context, listingID string, limit int) ([]*Negotiation, error) {
	return s.store.ListByListing(ctx, listingID, limit)
}

// ListEvents returns the negotiation's ordered event stream.
func (s *Service) ListEvents(ctx context.Context, negotiationID string) ([]*events.Record, error) {
	return s.store.ListEvents(ctx, negotiationID)
}

// GetSnapshot assembles the full aggregate for the UI in one call.
func (s *Service) GetSnapshot(ctx context.Context, negotiationID string) (*Snapshot, error) {
	n, err := s.store.Get(ctx, negotiationID)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{Negotiation: n}

	if s.escrow != nil {
		account, err := s.escrow.GetByNegotiation(ctx, negotiationID)
		if err != nil && !errors.Is(err, escrow.ErrNotFound) {
			return nil, err
		}
		snap.EscrowAccount = account
		snap.Warnings = append(snap.Warnings, escrowWarnings(account)...)
	}
	if s.contracts != nil {
		contract, err := s.contracts.GetByNegotiation(ctx, negotiationID)
		if err != nil && !errors.Is(err, contracts.ErrContractNotFound) {
			return nil, err
		}
		snap.Contract = contract
		if contract != nil && contract.CurrentRevisionID != "" {
			revision, err := s.contracts.GetCurrentRevision(ctx, contract.ID)
			if err != nil && !errors.Is(err, contracts.ErrRevisionNotFound) {
				return nil, err
			}
			snap.CurrentRevision = revision
		}
	}

	recs, err := s.store.ListEvents(ctx, negotiationID)
	if err != nil {
		return nil, err
	}
	snap.Events = recs
	return snap, nil
}

// escrowWarnings derives non-blocking flags from the account state.
func escrowWarnings(account *escrow.Account) []string {
	if account == nil {
		return nil
	}
	var warnings []string
	if account.Status == escrow.StatusDisputed {
		warnings = append(warnings, "escrow account is disputed")
	}
	if account.ReleasedAmount > 0 && account.Status != escrow.StatusReleased {
		warnings = append(warnings, "escrow is only partially released")
	}
	if recon := account.LastReconciliation(); recon != nil && recon.Status == escrow.ReconciliationMismatch {
		warnings = append(warnings, "escrow ledger does not match the provider statement")
	}
	return warnings
}

// --- callbacks from the other domains ---

// ContractDraftingStarted moves an ACCEPTED negotiation to
// CONTRACT_PENDING and stamps the contract id. Implements
// contracts.Notifier.
func (s *Service) ContractDraftingStarted(ctx context.Context, negotiationID, contractID string) {
	err := s.store.Transact(ctx, func(tx Tx) error {
		n, err := tx.Get(ctx, negotiationID)
		if err != nil {
			return err
		}
		if n.ContractID == "" {
			n.ContractID = contractID
		}
		now := time.Now().UTC()
		if n.Status == StatusAccepted {
			n.StatusHistory = append(n.StatusHistory, StatusChange{
				From:      StatusAccepted,
				To:        StatusContractPending,
				ChangedBy: "system",
				Reason:    "contract drafting started",
				ChangedAt: now,
			})
			n.Status = StatusContractPending
		}
		n.UpdatedAt = now
		return tx.Update(ctx, n)
	})
	if err != nil {
		s.logger.Warn("failed to record drafting start",
			"negotiation_id", negotiationID,
			"error", err)
	}
}

// RevisionAccepted runs the completion check from the contract side.
// Implements contracts.Notifier.
func (s *Service) RevisionAccepted(ctx context.Context, negotiationID string) {
	s.tryComplete(ctx, negotiationID)
}

// EscrowReleased runs the completion check from the escrow side.
// Implements escrow.Notifier.
func (s *Service) EscrowReleased(ctx context.Context, negotiationID string) {
	s.tryComplete(ctx, negotiationID)
}

// tryComplete transitions CONTRACT_PENDING to COMPLETED once a revision
// is accepted and escrow has fully released. Safe to call from either
// side; only the call that observes both conditions flips the status.
func (s *Service) tryComplete(ctx context.Context, negotiationID string) {
	if s.escrow == nil || s.contracts == nil {
		return
	}
	released, err := s.escrow.IsReleased(ctx, negotiationID)
	if err != nil || !released {
		if err != nil {
			s.logger.Warn("completion check failed", "negotiation_id", negotiationID, "error", err)
		}
		return
	}
	accepted, err := s.contracts.HasAcceptedRevision(ctx, negotiationID)
	if err != nil || !accepted {
		if err != nil {
			s.logger.Warn("completion check failed", "negotiation_id", negotiationID, "error", err)
		}
		return
	}

	completed := false
	err = s.store.Transact(ctx, func(tx Tx) error {
		completed = false
		n, err := tx.Get(ctx, negotiationID)
		if err != nil {
			return err
		}
		if n.Status != StatusContractPending {
			return nil
		}

		now := time.Now().UTC()
		n.StatusHistory = append(n.StatusHistory, StatusChange{
			From:      StatusContractPending,
			To:        StatusCompleted,
			ChangedBy: "system",
			Reason:    "contract accepted and escrow released",
			ChangedAt: now,
		})
		n.Status = StatusCompleted
		n.UpdatedAt = now
		if err := tx.Update(ctx, n); err != nil {
			return err
		}
		completed = true
		return nil
	})
	if err != nil {
		s.logger.Warn("completion transition failed", "negotiation_id", negotiationID, "error", err)
		return
	}
	if completed {
		metrics.NegotiationsClosedTotal.WithLabelValues(string(StatusCompleted)).Inc()
		s.logger.Info("negotiation completed", "negotiation_id", negotiationID)
	}
}
