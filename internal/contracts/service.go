package contracts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tradekite/dealcore/internal/events"
	"github.com/tradekite/dealcore/internal/idgen"
	"github.com/tradekite/dealcore/internal/metrics"
	"github.com/tradekite/dealcore/internal/traces"
)

// Service implements the contract revision workshop.
type Service struct {
	store     Store
	storage   StorageSync
	publisher *events.Publisher
	notifier  Notifier
	logger    *slog.Logger
	syncWg    sync.WaitGroup
}

// NewService creates the workshop service.
func NewService(store Store, storage StorageSync, publisher *events.Publisher, logger *slog.Logger) *Service {
	if storage == nil {
		storage = NoopStorageSync{}
	}
	return &Service{
		store:     store,
		storage:   storage,
		publisher: publisher,
		logger:    logger,
	}
}

// WithNotifier wires the drafting callbacks into the negotiation engine.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// CreateRevision drafts a new revision. The contract row is created
// lazily on the first revision; the version number is assigned inside
// the same transaction, so concurrent authors never collide.
func (s *Service) CreateRevision(ctx context.Context, req CreateRevisionRequest) (*ContractRevision, error) {
	ctx, span := traces.StartSpan(ctx, "contracts.CreateRevision", traces.NegotiationID(req.NegotiationID))
	defer span.End()

	if strings.TrimSpace(req.Body) == "" {
		return nil, ErrEmptyBody
	}

	var (
		revision        *ContractRevision
		contract        *DealContract
		contractCreated bool
		published       []*events.Record
	)
	err := s.store.Transact(ctx, func(tx Tx) error {
		contractCreated = false
		published = published[:0]

		now := time.Now().UTC()
		c, err := tx.GetContractByNegotiation(ctx, req.NegotiationID)
		if errors.Is(err, ErrContractNotFound) {
			c = &DealContract{
				ID:            idgen.WithPrefix("ctr_"),
				NegotiationID: req.NegotiationID,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if err := tx.CreateContract(ctx, c); err != nil {
				return err
			}
			contractCreated = true
		} else if err != nil {
			return err
		}

		version, err := tx.MaxVersion(ctx, c.ID)
		if err != nil {
			return err
		}

		status := RevisionDraft
		if req.Submit {
			status = RevisionInReview
		}
		r := &ContractRevision{
			ID:            idgen.WithPrefix("rev_"),
			ContractID:    c.ID,
			NegotiationID: req.NegotiationID,
			Version:       version + 1,
			Summary:       req.Summary,
			Body:          req.Body,
			Attachments:   req.Attachments,
			Status:        status,
			CreatedByID:   req.AuthorID,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := tx.CreateRevision(ctx, r); err != nil {
			return err
		}

		rec := events.New(req.NegotiationID, req.AuthorID, events.RevisionSubmitted{
			ContractID: c.ID,
			RevisionID: r.ID,
			Version:    r.Version,
			AuthorID:   req.AuthorID,
		})
		if err := tx.AppendEvent(ctx, rec); err != nil {
			return err
		}
		published = append(published, rec)

		revision = r
		contract = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publisher.Publish(published...)
	metrics.RevisionsCreatedTotal.Inc()
	s.logger.Info("contract revision created",
		"negotiation_id", req.NegotiationID,
		"contract_id", contract.ID,
		"revision_id", revision.ID,
		"version", revision.Version,
		"status", revision.Status)

	if contractCreated && s.notifier != nil {
		s.notifier.ContractDraftingStarted(ctx, req.NegotiationID, contract.ID)
	}
	if len(revision.Attachments) > 0 {
		s.syncAttachments(revision)
	}
	return revision, nil
}

// syncAttachments mirrors the revision's attachments into external
// storage on a goroutine. Failures are logged and recorded on the
// contract's lastError; they never roll back the revision.
func (s *Service) syncAttachments(r *ContractRevision) {
	s.syncWg.Add(1)
	go func() {
		defer s.syncWg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		err := s.storage.SyncRevisionAttachments(ctx, SyncRequest{
			NegotiationID: r.NegotiationID,
			ContractID:    r.ContractID,
			RevisionID:    r.ID,
			Attachments:   r.Attachments,
		})
		if err == nil {
			return
		}
		s.logger.Warn("attachment storage sync failed",
			"revision_id", r.ID,
			"contract_id", r.ContractID,
			"error", err)

		serr := s.store.Transact(ctx, func(tx Tx) error {
			c, terr := tx.GetContract(ctx, r.ContractID)
			if terr != nil {
				return terr
			}
			c.LastError = fmt.Sprintf("attachment sync for revision %d: %v", r.Version, err)
			c.UpdatedAt = time.Now().UTC()
			return tx.UpdateContract(ctx, c)
		})
		if serr != nil {
			s.logger.Warn("failed to record sync error", "contract_id", r.ContractID, "error", serr)
		}
	}()
}

// WaitForSync blocks until in-flight attachment syncs finish. Used on
// shutdown and in tests.
func (s *Service) WaitForSync() {
	s.syncWg.Wait()
}

// SetRevisionStatus moves a revision through review. ACCEPTED makes it
// the contract's single current revision and refreshes the contract's
// derived fields; REJECTED records the outcome and leaves the current
// pointer untouched.
func (s *Service) SetRevisionStatus(ctx context.Context, revisionID, actorID string, status RevisionStatus) (*ContractRevision, error) {
	ctx, span := traces.StartSpan(ctx, "contracts.SetRevisionStatus", traces.RevisionID(revisionID))
	defer span.End()

	switch status {
	case RevisionInReview, RevisionAccepted, RevisionRejected:
	default:
		return nil, fmt.Errorf("%w: cannot set status %s", ErrInvalidStatus, status)
	}

	var (
		revision  *ContractRevision
		published []*events.Record
	)
	err := s.store.Transact(ctx, func(tx Tx) error {
		published = published[:0]

		r, err := tx.GetRevision(ctx, revisionID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()

		var payload events.Payload
		switch status {
		case RevisionAccepted:
			if err := s.makeCurrent(ctx, tx, r, now); err != nil {
				return err
			}
			payload = events.RevisionAccepted{
				ContractID: r.ContractID,
				RevisionID: r.ID,
				Version:    r.Version,
				ActorID:    actorID,
			}
		case RevisionRejected:
			payload = events.RevisionRejected{
				ContractID: r.ContractID,
				RevisionID: r.ID,
				Version:    r.Version,
				ActorID:    actorID,
			}
		case RevisionInReview:
			payload = events.RevisionSubmitted{
				ContractID: r.ContractID,
				RevisionID: r.ID,
				Version:    r.Version,
				AuthorID:   actorID,
			}
		}

		r.Status = status
		r.UpdatedAt = now
		if err := tx.UpdateRevision(ctx, r); err != nil {
			return err
		}

		rec := events.New(r.NegotiationID, actorID, payload)
		if err := tx.AppendEvent(ctx, rec); err != nil {
			return err
		}
		published = append(published, rec)
		revision = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publisher.Publish(published...)
	metrics.RevisionStatusChangesTotal.WithLabelValues(string(status)).Inc()
	s.logger.Info("revision status changed",
		"revision_id", revisionID,
		"status", status,
		"actor_id", actorID)

	if status == RevisionAccepted && s.notifier != nil {
		s.notifier.RevisionAccepted(ctx, revision.NegotiationID)
	}
	return revision, nil
}

// makeCurrent clears isCurrent on every sibling, marks this revision
// current, and refreshes the contract's derived fields. Runs inside the
// caller's transaction so the one-current invariant holds under
// concurrency.
func (s *Service) makeCurrent(ctx context.Context, tx Tx, r *ContractRevision, now time.Time) error {
	siblings, err := tx.ListRevisionsByContract(ctx, r.ContractID)
	if err != nil {
		return err
	}
	for _, sib := range siblings {
		if sib.ID == r.ID || !sib.IsCurrent {
			continue
		}
		sib.IsCurrent = false
		sib.UpdatedAt = now
		if err := tx.UpdateRevision(ctx, sib); err != nil {
			return err
		}
	}
	r.IsCurrent = true

	c, err := tx.GetContract(ctx, r.ContractID)
	if err != nil {
		return err
	}
	c.CurrentRevisionID = r.ID
	c.DraftTerms = r.Summary
	if c.DraftTerms == "" {
		c.DraftTerms = r.Body
	}
	if url := documentURL(r.Attachments); url != "" {
		c.DocumentURL = url
	}
	c.UpdatedAt = now
	return tx.UpdateContract(ctx, c)
}

// documentURL prefers the first PDF attachment, then the first of any
// kind, then "" meaning leave the contract's documentUrl unchanged.
func documentURL(attachments []Attachment) string {
	for _, a := range attachments {
		if strings.Contains(strings.ToLower(a.MimeType), "pdf") {
			return a.URL
		}
	}
	if len(attachments) > 0 {
		return attachments[0].URL
	}
	return ""
}

// AddComment appends an OPEN comment anchored to a caller-supplied
// opaque position descriptor.
func (s *Service) AddComment(ctx context.Context, revisionID string, req AddCommentRequest) (*RevisionComment, error) {
	var (
		comment   *RevisionComment
		published []*events.Record
	)
	err := s.store.Transact(ctx, func(tx Tx) error {
		published = published[:0]

		r, err := tx.GetRevision(ctx, revisionID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		c := &RevisionComment{
			ID:         idgen.WithPrefix("cmt_"),
			RevisionID: r.ID,
			AuthorID:   req.AuthorID,
			Body:       req.Body,
			Anchor:     req.Anchor,
			Status:     CommentOpen,
			CreatedAt:  now,
		}
		if err := tx.CreateComment(ctx, c); err != nil {
			return err
		}

		rec := events.New(r.NegotiationID, req.AuthorID, events.RevisionCommented{
			RevisionID: r.ID,
			CommentID:  c.ID,
			AuthorID:   req.AuthorID,
		})
		if err := tx.AppendEvent(ctx, rec); err != nil {
			return err
		}
		published = append(published, rec)
		comment = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publisher.Publish(published...)
	return comment, nil
}

// ResolveComment toggles a comment between OPEN and RESOLVED, stamping
// or clearing the resolution fields.
func (s *Service) ResolveComment(ctx context.Context, commentID, actorID string, resolved bool) (*RevisionComment, error) {
	var (
		comment   *RevisionComment
		published []*events.Record
	)
	err := s.store.Transact(ctx, func(tx Tx) error {
		published = published[:0]

		c, err := tx.GetComment(ctx, commentID)
		if err != nil {
			return err
		}
		r, err := tx.GetRevision(ctx, c.RevisionID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		if resolved {
			c.Status = CommentResolved
			c.ResolvedAt = &now
			c.ResolvedByID = actorID
		} else {
			c.Status = CommentOpen
			c.ResolvedAt = nil
			c.ResolvedByID = ""
		}
		if err := tx.UpdateComment(ctx, c); err != nil {
			return err
		}

		rec := events.New(r.NegotiationID, actorID, events.RevisionCommented{
			RevisionID: r.ID,
			CommentID:  c.ID,
			AuthorID:   actorID,
			Resolved:   resolved,
		})
		if err := tx.AppendEvent(ctx, rec); err != nil {
			return err
		}
		published = append(published, rec)
		comment = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publisher.Publish(published...)
	return comment, nil
}

// ListRevisions returns a negotiation's revisions, newest first.
func (s *Service) ListRevisions(ctx context.Context, negotiationID string) ([]*ContractRevision, error) {
	return s.store.ListRevisionsByNegotiation(ctx, negotiationID)
}

// GetCurrentRevision returns the contract's single current revision.
func (s *Service) GetCurrentRevision(ctx context.Context, contractID string) (*ContractRevision, error) {
	return s.store.GetCurrentRevision(ctx, contractID)
}

// GetRevision returns one revision by id.
func (s *Service) GetRevision(ctx context.Context, id string) (*ContractRevision, error) {
	return s.store.GetRevision(ctx, id)
}

// GetByNegotiation returns the negotiation's contract.
func (s *Service) GetByNegotiation(ctx context.Context, negotiationID string) (*DealContract, error) {
	return s.store.GetContractByNegotiation(ctx, negotiationID)
}

// ListComments returns a revision's comments, oldest first.
func (s *Service) ListComments(ctx context.Context, revisionID string) ([]*RevisionComment, error) {
	return s.store.ListComments(ctx, revisionID)
}

// HasAcceptedRevision reports whether the negotiation's contract has an
// accepted current revision. A rejected or missing current revision
// does not count.
func (s *Service) HasAcceptedRevision(ctx context.Context, negotiationID string) (bool, error) {
	c, err := s.store.GetContractByNegotiation(ctx, negotiationID)
	if errors.Is(err, ErrContractNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if c.CurrentRevisionID == "" {
		return false, nil
	}
	r, err := s.store.GetRevision(ctx, c.CurrentRevisionID)
	if errors.Is(err, ErrRevisionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return r.Status == RevisionAccepted, nil
}
