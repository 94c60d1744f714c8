// Package contracts is the revision workshop: versioned contract drafts,
// review status, current-revision selection, and threaded comments.
package contracts

import (
	"context"
	"errors"
	"time"

	"github.com/tradekite/dealcore/internal/events"
)

var (
	ErrContractNotFound = errors.New("contract not found")
	ErrRevisionNotFound = errors.New("revision not found")
	ErrCommentNotFound  = errors.New("comment not found")
	ErrInvalidStatus    = errors.New("invalid revision status transition")
	ErrEmptyBody        = errors.New("revision body must not be empty")
)

// Code returns the stable error code for API responses.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrRevisionNotFound):
		return "REVISION_NOT_FOUND"
	case errors.Is(err, ErrContractNotFound):
		return "CONTRACT_NOT_FOUND"
	case errors.Is(err, ErrCommentNotFound):
		return "COMMENT_NOT_FOUND"
	case errors.Is(err, ErrInvalidStatus):
		return "INVALID_STATUS"
	case errors.Is(err, ErrEmptyBody):
		return "INVALID_REVISION"
	}
	return "INTERNAL"
}

// RevisionStatus is the review state of one revision.
type RevisionStatus string

const (
	RevisionDraft    RevisionStatus = "DRAFT"
	RevisionInReview RevisionStatus = "IN_REVIEW"
	RevisionAccepted RevisionStatus = "ACCEPTED"
	RevisionRejected RevisionStatus = "REJECTED"
)

// CommentStatus is the open/resolved state of a comment thread.
type CommentStatus string

const (
	CommentOpen     CommentStatus = "OPEN"
	CommentResolved CommentStatus = "RESOLVED"
)

// Attachment is one file linked to a revision. Files live in external
// storage; the workshop only tracks references.
type Attachment struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	MimeType string `json:"mimeType"`
}

// DealContract is the per-negotiation container for revisions.
type DealContract struct {
	ID                string    `json:"id"`
	NegotiationID     string    `json:"negotiationId"`
	CurrentRevisionID string    `json:"currentRevisionId,omitempty"`
	DraftTerms        string    `json:"draftTerms,omitempty"`
	DocumentURL       string    `json:"documentUrl,omitempty"`
	LastError         string    `json:"lastError,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// ContractRevision is one versioned draft of the contract terms.
// Versions are monotonic per contract starting at 1; at most one
// revision per contract has IsCurrent set.
type ContractRevision struct {
	ID            string         `json:"id"`
	ContractID    string         `json:"contractId"`
	NegotiationID string         `json:"negotiationId"`
	Version       int            `json:"version"`
	Summary       string         `json:"summary,omitempty"`
	Body          string         `json:"body"`
	Attachments   []Attachment   `json:"attachments,omitempty"`
	Status        RevisionStatus `json:"status"`
	IsCurrent     bool           `json:"isCurrent"`
	CreatedByID   string         `json:"createdById"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// RevisionComment is one threaded remark anchored to a revision. The
// anchor is an opaque position descriptor supplied by the caller.
type RevisionComment struct {
	ID           string        `json:"id"`
	RevisionID   string        `json:"revisionId"`
	AuthorID     string        `json:"authorId"`
	Body         string        `json:"body"`
	Anchor       string        `json:"anchor,omitempty"`
	Status       CommentStatus `json:"status"`
	ResolvedAt   *time.Time    `json:"resolvedAt,omitempty"`
	ResolvedByID string        `json:"resolvedById,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
}

// CreateRevisionRequest contains the parameters for drafting a revision.
// The contract row is created lazily on the first revision.
type CreateRevisionRequest struct {
	NegotiationID string       `json:"negotiationId" binding:"required"`
	AuthorID      string       `json:"authorId" binding:"required"`
	Body          string       `json:"body" binding:"required"`
	Summary       string       `json:"summary"`
	Attachments   []Attachment `json:"attachments"`
	Submit        bool         `json:"submit"`
}

// SetRevisionStatusRequest moves a revision through review.
type SetRevisionStatusRequest struct {
	ActorID string         `json:"actorId" binding:"required"`
	Status  RevisionStatus `json:"status" binding:"required"`
}

// AddCommentRequest appends an open comment to a revision.
type AddCommentRequest struct {
	AuthorID string `json:"authorId" binding:"required"`
	Body     string `json:"body" binding:"required"`
	Anchor   string `json:"anchor"`
}

// ResolveCommentRequest toggles a comment between OPEN and RESOLVED.
type ResolveCommentRequest struct {
	ActorID  string `json:"actorId" binding:"required"`
	Resolved bool   `json:"resolved"`
}

// Tx is the unit of work handed to Store.Transact. Version assignment
// and current-revision selection read-check-write through one Tx so the
// transaction boundary is the sole serialization point.
type Tx interface {
	GetContract(ctx context.Context, id string) (*DealContract, error)
	GetContractByNegotiation(ctx context.Context, negotiationID string) (*DealContract, error)
	CreateContract(ctx context.Context, c *DealContract) error
	UpdateContract(ctx context.Context, c *DealContract) error

	GetRevision(ctx context.Context, id string) (*ContractRevision, error)
	// MaxVersion returns the highest version number among the contract's
	// revisions, 0 when it has none.
	MaxVersion(ctx context.Context, contractID string) (int, error)
	CreateRevision(ctx context.Context, r *ContractRevision) error
	UpdateRevision(ctx context.Context, r *ContractRevision) error
	ListRevisionsByContract(ctx context.Context, contractID string) ([]*ContractRevision, error)

	GetComment(ctx context.Context, id string) (*RevisionComment, error)
	CreateComment(ctx context.Context, c *RevisionComment) error
	UpdateComment(ctx context.Context, c *RevisionComment) error

	AppendEvent(ctx context.Context, rec *events.Record) error
}

// Store persists contracts, revisions, and comments.
type Store interface {
	// Transact runs fn in one serializable transaction. The backing
	// implementation retries on serialization conflicts; fn must be safe
	// to re-run.
	Transact(ctx context.Context, fn func(tx Tx) error) error

	GetContract(ctx context.Context, id string) (*DealContract, error)
	GetContractByNegotiation(ctx context.Context, negotiationID string) (*DealContract, error)
	GetRevision(ctx context.Context, id string) (*ContractRevision, error)
	ListRevisionsByNegotiation(ctx context.Context, negotiationID string) ([]*ContractRevision, error)
	GetCurrentRevision(ctx context.Context, contractID string) (*ContractRevision, error)
	ListComments(ctx context.Context, revisionID string) ([]*RevisionComment, error)
}

// SyncRequest describes one revision's attachments to mirror into
// external storage.
type SyncRequest struct {
	NegotiationID string       `json:"negotiationId"`
	ContractID    string       `json:"contractId"`
	RevisionID    string       `json:"revisionId"`
	Attachments   []Attachment `json:"attachments"`
}

// StorageSync mirrors revision attachments into external storage.
// Callers treat it as fire-and-forget: failures are logged, never
// propagated into revision creation.
type StorageSync interface {
	SyncRevisionAttachments(ctx context.Context, req SyncRequest) error
}

// Notifier is implemented by the negotiation engine so the workshop can
// report drafting milestones without importing it.
type Notifier interface {
	// ContractDraftingStarted fires when the first revision creates the
	// contract row for a negotiation.
	ContractDraftingStarted(ctx context.Context, negotiationID, contractID string)

	// RevisionAccepted fires whenever a revision reaches ACCEPTED, so the
	// engine can check for negotiation completion.
	RevisionAccepted(ctx context.Context, negotiationID string)
}
