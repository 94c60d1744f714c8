package escrow

import (
	"context"
	"database/sql"

	"github.com/tradekite/dealcore/internal/events"
	"github.com/tradekite/dealcore/internal/pgtx"
)

// PostgresStore persists escrow accounts and their ledgers in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// accountColumns is the SELECT column list for escrow accounts.
const accountColumns = `id, negotiation_id, provider_reference, status, currency,
	expected_amount, funded_amount, released_amount, refunded_amount,
	created_at, updated_at`

// txColumns is the SELECT column list for ledger transactions.
const txColumns = `id, escrow_account_id, type, amount, occurred_at,
	external_transaction_id, meta, created_at`

// querier covers both *sql.DB and *sql.Tx.
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

func (t *pgTx) Get(ctx context.Context, id string) (*Account, error) {
	return getAccount(ctx, t.q, `WHERE id = $1`, id)
}

func (t *pgTx) GetByNegotiation(ctx context.Context, negotiationID string) (*Account, error) {
	return getAccount(ctx, t.q, `WHERE negotiation_id = $1`, negotiationID)
}

func (t *pgTx) Create(ctx context.Context, a *Account) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO escrow_accounts (
			id, negotiation_id, provider_reference, status, currency,
			expected_amount, funded_amount, released_amount, refunded_amount,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6::NUMERIC(20,2), $7::NUMERIC(20,2), $8::NUMERIC(20,2), $9::NUMERIC(20,2),
			$10, $11
		)`,
		a.ID, a.NegotiationID, a.ProviderReference, string(a.Status), a.Currency,
		a.ExpectedAmount, a.FundedAmount, a.ReleasedAmount, a.RefundedAmount,
		a.CreatedAt, a.UpdatedAt,
	)
	return err
}

func (t *pgTx) UpdateDerived(ctx context.Context, a *Account) error {
	result, err := t.q.ExecContext(ctx, `
		UPDATE escrow_accounts SET
			status = $1, funded_amount = $2::NUMERIC(20,2),
			released_amount = $3::NUMERIC(20,2), refunded_amount = $4::NUMERIC(20,2),
			updated_at = $5
		WHERE id = $6`,
		string(a.Status), a.FundedAmount, a.ReleasedAmount, a.RefundedAmount,
		a.UpdatedAt, a.ID,
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
	return nil
}

func (t *pgTx) AppendTransaction(ctx context.Context, row *Transaction) error {
	meta, err := EncodeMeta(row.Meta)
	if err != nil {
		return err
	}
	_, err = t.q.ExecContext(ctx, `
		INSERT INTO escrow_transactions (
			id, escrow_account_id, type, amount, occurred_at,
			external_transaction_id, meta, created_at
		) VALUES (
			$1, $2, $3, $4::NUMERIC(20,2), $5,
			$6, $7, $8
		)`,
		row.ID, row.EscrowAccountID, string(row.Type), row.Amount, row.OccurredAt,
		nullStr(row.ExternalTransactionID), nullBytes(meta), row.CreatedAt,
	)
	return err
}

func (t *pgTx) HasExternalTransaction(ctx context.Context, accountID, externalID string) (bool, error) {
	var exists bool
	err := t.q.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM escrow_transactions
			WHERE escrow_account_id = $1 AND external_transaction_id = $2
		)`, accountID, externalID).Scan(&exists)
	return exists, err
}

func (t *pgTx) AppendEvent(ctx context.Context, rec *events.Record) error {
	return appendDealEvent(ctx, t.q, rec)
}

// appendDealEvent inserts into the shared deal_events outbox, assigning
// the per-negotiation sequence number inside the transaction.
func appendDealEvent(ctx context.Context, q querier, rec *events.Record) error {
	payload, err := events.EncodePayload(rec.Payload)
	if err != nil {
		return err
	}
	return q.QueryRowContext(ctx, `
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

func (p *PostgresStore) Get(ctx context.Context, id string) (*Account, error) {
	return getAccount(ctx, p.db, `WHERE id = $1`, id)
}

func (p *PostgresStore) GetByNegotiation(ctx context.Context, negotiationID string) (*Account, error) {
	return getAccount(ctx, p.db, `WHERE negotiation_id = $1`, negotiationID)
}

func (p *PostgresStore) GetByProviderReference(ctx context.Context, providerReference string) (*Account, error) {
	return getAccount(ctx, p.db, `WHERE provider_reference = $1`, providerReference)
}

func (p *PostgresStore) ListOpen(ctx context.Context, limit int) ([]*Account, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM escrow_accounts
		WHERE status NOT IN ('RELEASED', 'REFUNDED')
		ORDER BY created_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Transaction logs are loaded per account; the sweep needs them for
	// reconciliation history.
	for _, a := range result {
		if err := loadTransactions(ctx, p.db, a); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// --- scanners ---

type scanner interface {
	Scan(dest ...interface{}) error
}

func getAccount(ctx context.Context, q querier, where string, arg interface{}) (*Account, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM escrow_accounts `+where, arg)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := loadTransactions(ctx, q, a); err != nil {
		return nil, err
	}
	return a, nil
}

func scanAccount(sc scanner) (*Account, error) {
	a := &Account{}
	var status string
	err := sc.Scan(
		&a.ID, &a.NegotiationID, &a.ProviderReference, &status, &a.Currency,
		&a.ExpectedAmount, &a.FundedAmount, &a.ReleasedAmount, &a.RefundedAmount,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Status = AccountStatus(status)
	return a, nil
}

func loadTransactions(ctx context.Context, q querier, a *Account) error {
	rows, err := q.QueryContext(ctx,
		`SELECT `+txColumns+` FROM escrow_transactions
		WHERE escrow_account_id = $1 ORDER BY created_at ASC, id ASC`, a.ID)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		t := &Transaction{}
		var (
			txType     string
			externalID sql.NullString
			meta       []byte
		)
		if err := rows.Scan(
			&t.ID, &t.EscrowAccountID, &txType, &t.Amount, &t.OccurredAt,
			&externalID, &meta, &t.CreatedAt,
		); err != nil {
			return err
		}
		t.Type = TxType(txType)
		t.ExternalTransactionID = externalID.String
		if m, err := DecodeMeta(meta); err == nil {
			t.Meta = m
		}
		a.Transactions = append(a.Transactions, t)
	}
	return rows.Err()
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}

var _ Store = (*PostgresStore)(nil)
