package negotiation

import (
	"context"
	"database/sql"
	"time"

	"github.com/tradekite/dealcore/internal/events"
	"github.com/tradekite/dealcore/internal/pgtx"
)

// PostgresStore persists negotiations in PostgreSQL. The aggregate
// spans four tables; offers, status history, and activities are
// append-only, so Update only writes their tails.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed negotiation store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const negotiationColumns = `id, listing_id, buyer_id, seller_id, status, currency,
	expires_at, current_offer_id, escrow_account_id, contract_id,
	agreed_price, agreed_quantity, created_at, updated_at`

const offerColumns = `id, negotiation_id, proposed_by, price, quantity, message,
	kind, created_at`

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

func (t *pgTx) Get(ctx context.Context, id string) (*Negotiation, error) {
	return getNegotiation(ctx, t.q, id)
}

func (t *pgTx) Create(ctx context.Context, n *Negotiation) error {
	var currentOfferID sql.NullString
	if n.CurrentOffer != nil {
		currentOfferID = nullStr(n.CurrentOffer.ID)
	}
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO negotiations (
			id, listing_id, buyer_id, seller_id, status, currency,
			expires_at, current_offer_id, escrow_account_id, contract_id,
			agreed_price, agreed_quantity, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11::NUMERIC(20,2), $12::NUMERIC(20,2), $13, $14
		)`,
		n.ID, n.ListingID, n.BuyerID, n.SellerID, string(n.Status), n.Currency,
		nullTimePtr(n.ExpiresAt), currentOfferID, nullStr(n.EscrowAccountID), nullStr(n.ContractID),
		n.AgreedPrice, n.AgreedQuantity, n.CreatedAt, n.UpdatedAt,
	)
	if err != nil {
		return err
	}
	return t.appendTails(ctx, n, 0, 0)
}

func (t *pgTx) Update(ctx context.Context, n *Negotiation) error {
	var currentOfferID sql.NullString
	if n.CurrentOffer != nil {
		currentOfferID = nullStr(n.CurrentOffer.ID)
	}
	result, err := t.q.ExecContext(ctx, `
		UPDATE negotiations SET
			status = $1, expires_at = $2, current_offer_id = $3,
			escrow_account_id = $4, contract_id = $5,
			agreed_price = $6::NUMERIC(20,2), agreed_quantity = $7::NUMERIC(20,2),
			updated_at = $8
		WHERE id = $9`,
		string(n.Status), nullTimePtr(n.ExpiresAt), currentOfferID,
		nullStr(n.EscrowAccountID), nullStr(n.ContractID),
		n.AgreedPrice, n.AgreedQuantity, n.UpdatedAt, n.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	var historyCount, activityCount int
	if err := t.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM negotiation_status_history WHERE negotiation_id = $1`,
		n.ID).Scan(&historyCount); err != nil {
		return err
	}
	if err := t.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM negotiation_activities WHERE negotiation_id = $1`,
		n.ID).Scan(&activityCount); err != nil {
		return err
	}
	return t.appendTails(ctx, n, historyCount, activityCount)
}

// appendTails inserts offers not yet persisted plus the new tail of the
// append-only history and activity logs.
func (t *pgTx) appendTails(ctx context.Context, n *Negotiation, historyFrom, activityFrom int) error {
	for _, o := range n.Offers {
		_, err := t.q.ExecContext(ctx, `
			INSERT INTO offers (
				id, negotiation_id, proposed_by, price, quantity, message, kind, created_at
			) VALUES ($1, $2, $3, $4::NUMERIC(20,2), $5::NUMERIC(20,2), $6, $7, $8)
			ON CONFLICT (id) DO NOTHING`,
			o.ID, n.ID, string(o.ProposedBy), o.Price, o.Quantity,
			nullStr(o.Message), string(o.Kind), o.CreatedAt,
		)
		if err != nil {
			return err
		}
	}
	for i := historyFrom; i < len(n.StatusHistory); i++ {
		h := n.StatusHistory[i]
		_, err := t.q.ExecContext(ctx, `
			INSERT INTO negotiation_status_history (
				negotiation_id, from_status, to_status, changed_by, reason, changed_at
			) VALUES ($1, $2, $3, $4, $5, $6)`,
			n.ID, nullStr(string(h.From)), string(h.To), h.ChangedBy,
			nullStr(h.Reason), h.ChangedAt,
		)
		if err != nil {
			return err
		}
	}
	for i := activityFrom; i < len(n.Activities); i++ {
		a := n.Activities[i]
		_, err := t.q.ExecContext(ctx, `
			INSERT INTO negotiation_activities (negotiation_id, actor_id, detail, created_at)
			VALUES ($1, $2, $3, $4)`,
			n.ID, a.ActorID, a.Detail, a.CreatedAt,
		)
		if err != nil {
			return err
		}
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

func (p *PostgresStore) Get(ctx context.Context, id string) (*Negotiation, error) {
	return getNegotiation(ctx, p.db, id)
}

func (p *PostgresStore) ListByParty(ctx context.Context, partyID string, role Role, limit int) ([]*Negotiation, error) {
	switch role {
	case RoleBuyer:
		return p.listWhere(ctx, `WHERE buyer_id = $1`, partyID, limit)
	case RoleSeller:
		return p.listWhere(ctx, `WHERE seller_id = $1`, partyID, limit)
	default:
		return p.listWhere(ctx, `WHERE buyer_id = $1 OR seller_id = $1`, partyID, limit)
	}
}

func (p *PostgresStore) ListByListing(ctx context.Context, listingID string, limit int) ([]*Negotiation, error) {
	return p.listWhere(ctx, `WHERE listing_id = $1`, listingID, limit)
}

func (p *PostgresStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Negotiation, error) {
	return p.listWhere(ctx,
		`WHERE status NOT IN ('COMPLETED', 'CANCELLED', 'EXPIRED')
		 AND expires_at IS NOT NULL AND expires_at < $1`, before, limit)
}

func (p *PostgresStore) ListAwaitingEscrow(ctx context.Context, limit int) ([]*Negotiation, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+negotiationColumns+` FROM negotiations
		WHERE status IN ('ACCEPTED', 'CONTRACT_PENDING') AND escrow_account_id IS NULL
		ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return p.collect(ctx, rows)
}

func (p *PostgresStore) ListEvents(ctx context.Context, negotiationID string) ([]*events.Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, negotiation_id, type, triggered_by, seq, payload, created_at
		FROM deal_events WHERE negotiation_id = $1 ORDER BY seq ASC`, negotiationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*events.Record
	for rows.Next() {
		rec := &events.Record{}
		var (
			typ     string
			payload []byte
		)
		if err := rows.Scan(&rec.ID, &rec.NegotiationID, &typ, &rec.TriggeredBy,
			&rec.Seq, &payload, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Type = events.Type(typ)
		p, err := events.DecodePayload(rec.Type, payload)
		if err != nil {
			return nil, err
		}
		rec.Payload = p
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (p *PostgresStore) listWhere(ctx context.Context, where string, arg interface{}, limit int) ([]*Negotiation, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+negotiationColumns+` FROM negotiations `+where+
			` ORDER BY created_at DESC LIMIT $2`, arg, limit)
	if err != nil {
		return nil, err
	}
	return p.collect(ctx, rows)
}

func (p *PostgresStore) collect(ctx context.Context, rows *sql.Rows) ([]*Negotiation, error) {
	defer func() { _ = rows.Close() }()

	var result []*Negotiation
	var currentOfferIDs []string
	for rows.Next() {
		n, currentOfferID, err := scanNegotiation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, n)
		currentOfferIDs = append(currentOfferIDs, currentOfferID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, n := range result {
		if err := loadAggregate(ctx, p.db, n, currentOfferIDs[i]); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// --- scanners ---

type scanner interface {
	Scan(dest ...interface{}) error
}

func getNegotiation(ctx context.Context, q querier, id string) (*Negotiation, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+negotiationColumns+` FROM negotiations WHERE id = $1`, id)
	n, currentOfferID, err := scanNegotiation(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := loadAggregate(ctx, q, n, currentOfferID); err != nil {
		return nil, err
	}
	return n, nil
}

func scanNegotiation(sc scanner) (*Negotiation, string, error) {
	n := &Negotiation{}
	var (
		status                                      string
		expiresAt                                   sql.NullTime
		currentOfferID, escrowAccountID, contractID sql.NullString
	)
	err := sc.Scan(
		&n.ID, &n.ListingID, &n.BuyerID, &n.SellerID, &status, &n.Currency,
		&expiresAt, &currentOfferID, &escrowAccountID, &contractID,
		&n.AgreedPrice, &n.AgreedQuantity, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return nil, "", err
	}
	n.Status = Status(status)
	n.EscrowAccountID = escrowAccountID.String
	n.ContractID = contractID.String
	if expiresAt.Valid {
		at := expiresAt.Time
		n.ExpiresAt = &at
	}
	return n, currentOfferID.String, nil
}

func loadAggregate(ctx context.Context, q querier, n *Negotiation, currentOfferID string) error {
	rows, err := q.QueryContext(ctx,
		`SELECT `+offerColumns+` FROM offers
		WHERE negotiation_id = $1 ORDER BY created_at ASC, id ASC`, n.ID)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		o := &Offer{}
		var proposedBy, kind string
		var message sql.NullString
		if err := rows.Scan(&o.ID, &o.NegotiationID, &proposedBy, &o.Price, &o.Quantity,
			&message, &kind, &o.CreatedAt); err != nil {
			return err
		}
		o.ProposedBy = Role(proposedBy)
		o.Kind = OfferKind(kind)
		o.Message = message.String
		n.Offers = append(n.Offers, o)
		if o.ID == currentOfferID {
			n.CurrentOffer = o
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	hrows, err := q.QueryContext(ctx,
		`SELECT from_status, to_status, changed_by, reason, changed_at
		FROM negotiation_status_history WHERE negotiation_id = $1 ORDER BY id ASC`, n.ID)
	if err != nil {
		return err
	}
	defer func() { _ = hrows.Close() }()
	for hrows.Next() {
		var h StatusChange
		var from, reason sql.NullString
		var to string
		if err := hrows.Scan(&from, &to, &h.ChangedBy, &reason, &h.ChangedAt); err != nil {
			return err
		}
		h.From = Status(from.String)
		h.To = Status(to)
		h.Reason = reason.String
		n.StatusHistory = append(n.StatusHistory, h)
	}
	if err := hrows.Err(); err != nil {
		return err
	}

	arows, err := q.QueryContext(ctx,
		`SELECT actor_id, detail, created_at
		FROM negotiation_activities WHERE negotiation_id = $1 ORDER BY id ASC`, n.ID)
	if err != nil {
		return err
	}
	defer func() { _ = arows.Close() }()
	for arows.Next() {
		var a Activity
		if err := arows.Scan(&a.ActorID, &a.Detail, &a.CreatedAt); err != nil {
			return err
		}
		n.Activities = append(n.Activities, a)
	}
	return arows.Err()
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
