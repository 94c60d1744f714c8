package escrow

import (
	"context"
	"sort"
	"sync"

	"github.com/tradekite/dealcore/internal/events"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
// One mutex serializes every transaction, which makes Transact trivially
// serializable; mutations are staged and applied only on commit.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]*Account        // by id, Transactions stripped
	txlog    map[string][]*Transaction  // by account id, append-only
	byNeg    map[string]string          // negotiation id -> account id
	byRef    map[string]string          // provider reference -> account id
	outbox   *events.MemoryOutbox
}

// NewMemoryStore creates a new in-memory escrow store. The outbox is
// shared with the other domain stores so every negotiation has one
// ordered event stream.
func NewMemoryStore(outbox *events.MemoryOutbox) *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		txlog:    make(map[string][]*Transaction),
		byNeg:    make(map[string]string),
		byRef:    make(map[string]string),
		outbox:   outbox,
	}
}

type memTx struct {
	store *MemoryStore

	created map[string]*Account
	updated map[string]*Account
	rows    []*Transaction
	events  []*events.Record
}

func (m *MemoryStore) Transact(_ context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{
		store:   m,
		created: make(map[string]*Account),
		updated: make(map[string]*Account),
	}
	if err := fn(tx); err != nil {
		return err
	}

	// Commit
	for id, a := range tx.created {
		m.accounts[id] = a
		m.byNeg[a.NegotiationID] = id
		m.byRef[a.ProviderReference] = id
	}
	for id, a := range tx.updated {
		m.accounts[id] = a
	}
	for _, row := range tx.rows {
		m.txlog[row.EscrowAccountID] = append(m.txlog[row.EscrowAccountID], row)
	}
	for _, rec := range tx.events {
		m.outbox.Append(rec)
	}
	return nil
}

// assemble returns a deep copy of the account with its transaction log
// attached, including rows staged in tx (if any).
func (m *MemoryStore) assemble(a *Account, tx *memTx) *Account {
	cp := *a
	rows := m.txlog[a.ID]
	cp.Transactions = make([]*Transaction, 0, len(rows))
	for _, r := range rows {
		rc := *r
		cp.Transactions = append(cp.Transactions, &rc)
	}
	if tx != nil {
		for _, r := range tx.rows {
			if r.EscrowAccountID == a.ID {
				rc := *r
				cp.Transactions = append(cp.Transactions, &rc)
			}
		}
	}
	return &cp
}

// lookup resolves an account id considering staged state.
func (t *memTx) lookup(id string) (*Account, bool) {
	if a, ok := t.updated[id]; ok {
		return a, true
	}
	if a, ok := t.created[id]; ok {
		return a, true
	}
	a, ok := t.store.accounts[id]
	return a, ok
}

func (t *memTx) Get(_ context.Context, id string) (*Account, error) {
	a, ok := t.lookup(id)
	if !ok {
		return nil, ErrNotFound
	}
	return t.store.assemble(a, t), nil
}

func (t *memTx) GetByNegotiation(_ context.Context, negotiationID string) (*Account, error) {
	for _, a := range t.created {
		if a.NegotiationID == negotiationID {
			return t.store.assemble(a, t), nil
		}
	}
	id, ok := t.store.byNeg[negotiationID]
	if !ok {
		return nil, ErrNotFound
	}
	a, ok := t.lookup(id)
	if !ok {
		return nil, ErrNotFound
	}
	return t.store.assemble(a, t), nil
}

func (t *memTx) Create(_ context.Context, a *Account) error {
	cp := *a
	cp.Transactions = nil
	t.created[a.ID] = &cp
	return nil
}

func (t *memTx) UpdateDerived(_ context.Context, a *Account) error {
	if _, ok := t.lookup(a.ID); !ok {
		return ErrNotFound
	}
	cp := *a
	cp.Transactions = nil
	if _, isNew := t.created[a.ID]; isNew {
		t.created[a.ID] = &cp
	} else {
		t.updated[a.ID] = &cp
	}
	return nil
}

func (t *memTx) AppendTransaction(_ context.Context, row *Transaction) error {
	rc := *row
	t.rows = append(t.rows, &rc)
	return nil
}

func (t *memTx) HasExternalTransaction(_ context.Context, accountID, externalID string) (bool, error) {
	for _, r := range t.store.txlog[accountID] {
		if r.ExternalTransactionID == externalID {
			return true, nil
		}
	}
	for _, r := range t.rows {
		if r.EscrowAccountID == accountID && r.ExternalTransactionID == externalID {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) AppendEvent(_ context.Context, rec *events.Record) error {
	t.events = append(t.events, rec)
	return nil
}

// --- non-transactional reads ---

func (m *MemoryStore) Get(_ context.Context, id string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.assemble(a, nil), nil
}

func (m *MemoryStore) GetByNegotiation(_ context.Context, negotiationID string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byNeg[negotiationID]
	if !ok {
		return nil, ErrNotFound
	}
	return m.assemble(m.accounts[id], nil), nil
}

func (m *MemoryStore) GetByProviderReference(_ context.Context, providerReference string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byRef[providerReference]
	if !ok {
		return nil, ErrNotFound
	}
	return m.assemble(m.accounts[id], nil), nil
}

func (m *MemoryStore) ListOpen(_ context.Context, limit int) ([]*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Account
	for _, a := range m.accounts {
		if a.Status == StatusReleased || a.Status == StatusRefunded {
			continue
		}
		result = append(result, m.assemble(a, nil))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
