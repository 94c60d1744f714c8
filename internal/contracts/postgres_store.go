package contracts

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/tradekite/dealcore/internal/events"
	"github.com/tradekite/dealcore/internal/pgtx"
)

// PostgresStore persists contracts, revisions, and comments in
// PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed workshop store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const contractColumns = `id, negotiation_id, current_revision_id, draft_terms,
	document_url, last_error, created_at, updated_at`

const revisionColumns = `id, contract_id, negotiation_id, version, summary, body,
	attachments, status, is_current, created_by_id, created_at, updated_at`

const commentColumns = `id, revision_id, author_id, body, anchor, status,
	resolved_at, resolved_by_id, created_at`

type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (p *PostgresStore) Transact(ctx context.Context, fn func(tx Tx) error) error {
	return pgtx.Serializable(ctx, p.db, func(sqlTx *sql.Tx) error {
		return fn(&pgTx{q: sqlTx})
	})
}

type pgTx struct {
	q querier
}

func (t *pgTx) GetContract(ctx context.Context, id string) (*DealContract, error) {
	return getContract(ctx, t.q, `WHERE id = $1`, id)
}

func (t *pgTx) GetContractByNegotiation(ctx context.Context, negotiationID string) (*DealContract, error) {
	return getContract(ctx, t.q, `WHERE negotiation_id = $1`, negotiationID)
}

func (t *pgTx) CreateContract(ctx context.Context, c *DealContract) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO contracts (
			id, negotiation_id, current_revision_id, draft_terms,
			document_url, last_error, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ID, c.NegotiationID, nullStr(c.CurrentRevisionID), nullStr(c.DraftTerms),
		nullStr(c.DocumentURL), nullStr(c.LastError), c.CreatedAt, c.UpdatedAt,
	)
	return err
}

func (t *pgTx) UpdateContract(ctx context.Context, c *DealContract) error {
	result, err := t.q.ExecContext(ctx, `
		UPDATE contracts SET
			current_revision_id = $1, draft_terms = $2, document_url = $3,
			last_error = $4, updated_at = $5
		WHERE id = $6`,
		nullStr(c.CurrentRevisionID), nullStr(c.DraftTerms), nullStr(c.DocumentURL),
		nullStr(c.LastError), c.UpdatedAt, c.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrContractNotFound
	}
	return nil
}

func (t *pgTx) GetRevision(ctx context.Context, id string) (*ContractRevision, error) {
	return getRevision(ctx, t.q, `WHERE id = $1`, id)
}

func (t *pgTx) MaxVersion(ctx context.Context, contractID string) (int, error) {
	var max int
	err := t.q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM contract_revisions WHERE contract_id = $1`,
		contractID).Scan(&max)
	return max, err
}

func (t *pgTx) CreateRevision(ctx context.Context, r *ContractRevision) error {
	attachments, err := json.Marshal(r.Attachments)
	if err != nil {
		return err
	}
	_, err = t.q.ExecContext(ctx, `
		INSERT INTO contract_revisions (
			id, contract_id, negotiation_id, version, summary, body,
			attachments, status, is_current, created_by_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		r.ID, r.ContractID, r.NegotiationID, r.Version, nullStr(r.Summary), r.Body,
		attachments, string(r.Status), r.IsCurrent, r.CreatedByID, r.CreatedAt, r.UpdatedAt,
	)
	return err
}

func (t *pgTx) UpdateRevision(ctx context.Context, r *ContractRevision) error {
	result, err := t.q.ExecContext(ctx, `
		UPDATE contract_revisions SET
			status = $1, is_current = $2, updated_at = $3
		WHERE id = $4`,
		string(r.Status), r.IsCurrent, r.UpdatedAt, r.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrRevisionNotFound
	}
	return nil
}

func (t *pgTx) ListRevisionsByContract(ctx context.Context, contractID string) ([]*ContractRevision, error) {
	return listRevisions(ctx, t.q, `WHERE contract_id = $1 ORDER BY version ASC`, contractID)
}

func (t *pgTx) GetComment(ctx context.Context, id string) (*RevisionComment, error) {
	return getComment(ctx, t.q, id)
}

func (t *pgTx) CreateComment(ctx context.Context, c *RevisionComment) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO revision_comments (
			id, revision_id, author_id, body, anchor, status,
			resolved_at, resolved_by_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		c.ID, c.RevisionID, c.AuthorID, c.Body, nullStr(c.Anchor), string(c.Status),
		nullTime(c.ResolvedAt), nullStr(c.ResolvedByID), c.CreatedAt,
	)
	return err
}

func (t *pgTx) UpdateComment(ctx context.Context, c *RevisionComment) error {
	result, err := t.q.ExecContext(ctx, `
		UPDATE revision_comments SET
			status = $1, resolved_at = $2, resolved_by_id = $3
		WHERE id = $4`,
		string(c.Status), nullTime(c.ResolvedAt), nullStr(c.ResolvedByID), c.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrCommentNotFound
	}
	return nil
}

func (t *pgTx) AppendEvent(ctx context.Context, rec *events.Record) error {
	payload, err := events.EncodePayload(rec.Payload)
	if err != nil {
		return err
	}
	return t.q.QueryRowContext(ctx, `
		INSERT INTO deal_events (id, negotiation_id, type, triggered_by, seq, payload, created_at)
		VALUES ($1, $2, $3, $4,
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM deal_events WHERE negotiation_id = $2),
			$5, $6)
		RETURNING seq`,
		rec.ID, rec.NegotiationID, string(rec.Type), rec.TriggeredBy,
		payload, rec.CreatedAt,
	).Scan(&rec.Seq)
}

// --- non-transactional reads ---

func (p *PostgresStore) GetContract(ctx context.Context, id string) (*DealContract, error) {
	return getContract(ctx, p.db, `WHERE id = $1`, id)
}

func (p *PostgresStore) GetContractByNegotiation(ctx context.Context, negotiationID string) (*DealContract, error) {
	return getContract(ctx, p.db, `WHERE negotiation_id = $1`, negotiationID)
}

func (p *PostgresStore) GetRevision(ctx context.Context, id string) (*ContractRevision, error) {
	return getRevision(ctx, p.db, `WHERE id = $1`, id)
}

func (p *PostgresStore) ListRevisionsByNegotiation(ctx context.Context, negotiationID string) ([]*ContractRevision, error) {
	return listRevisions(ctx, p.db, `WHERE negotiation_id = $1 ORDER BY version DESC`, negotiationID)
}

func (p *PostgresStore) GetCurrentRevision(ctx context.Context, contractID string) (*ContractRevision, error) {
	return getRevision(ctx, p.db, `WHERE contract_id = $1 AND is_current = TRUE`, contractID)
}

func (p *PostgresStore) ListComments(ctx context.Context, revisionID string) ([]*RevisionComment, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+commentColumns+` FROM revision_comments
		WHERE revision_id = $1 ORDER BY created_at ASC`, revisionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*RevisionComment
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// --- scanners ---

type scanner interface {
	Scan(dest ...interface{}) error
}

func getContract(ctx context.Context, q querier, where string, arg interface{}) (*DealContract, error) {
	row := q.QueryRowContext(ctx, `SELECT `+contractColumns+` FROM contracts `+where, arg)
	c, err := scanContract(row)
	if err == sql.ErrNoRows {
		return nil, ErrContractNotFound
	}
	return c, err
}

func scanContract(sc scanner) (*DealContract, error) {
	c := &DealContract{}
	var currentRevisionID, draftTerms, documentURL, lastError sql.NullString
	err := sc.Scan(
		&c.ID, &c.NegotiationID, &currentRevisionID, &draftTerms,
		&documentURL, &lastError, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.CurrentRevisionID = currentRevisionID.String
	c.DraftTerms = draftTerms.String
	c.DocumentURL = documentURL.String
	c.LastError = lastError.String
	return c, nil
}

func getRevision(ctx context.Context, q querier, where string, arg interface{}) (*ContractRevision, error) {
	row := q.QueryRowContext(ctx, `SELECT `+revisionColumns+` FROM contract_revisions `+where, arg)
	r, err := scanRevision(row)
	if err == sql.ErrNoRows {
		return nil, ErrRevisionNotFound
	}
	return r, err
}

func listRevisions(ctx context.Context, q querier, where string, arg interface{}) ([]*ContractRevision, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+revisionColumns+` FROM contract_revisions `+where, arg)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*ContractRevision
	for rows.Next() {
		r, err := scanRevision(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func scanRevision(sc scanner) (*ContractRevision, error) {
	r := &ContractRevision{}
	var (
		summary     sql.NullString
		attachments []byte
		status      string
	)
	err := sc.Scan(
		&r.ID, &r.ContractID, &r.NegotiationID, &r.Version, &summary, &r.Body,
		&attachments, &status, &r.IsCurrent, &r.CreatedByID, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Summary = summary.String
	r.Status = RevisionStatus(status)
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &r.Attachments); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func getComment(ctx context.Context, q querier, id string) (*RevisionComment, error) {
	row := q.QueryRowContext(ctx, `SELECT `+commentColumns+` FROM revision_comments WHERE id = $1`, id)
	c, err := scanComment(row)
	if err == sql.ErrNoRows {
		return nil, ErrCommentNotFound
	}
	return c, err
}

func scanComment(sc scanner) (*RevisionComment, error) {
	c := &RevisionComment{}
	var (
		anchor, resolvedBy sql.NullString
		resolvedAt         sql.NullTime
		status             string
	)
	err := sc.Scan(
		&c.ID, &c.RevisionID, &c.AuthorID, &c.Body, &anchor, &status,
		&resolvedAt, &resolvedBy, &c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Anchor = anchor.String
	c.Status = CommentStatus(status)
	c.ResolvedByID = resolvedBy.String
	if resolvedAt.Valid {
		at := resolvedAt.Time
		c.ResolvedAt = &at
	}
	return c, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
