package contracts

import (
	"context"
	"sort"
	"sync"

	"github.com/tradekite/dealcore/internal/events"
)

// MemoryStore is an in-memory workshop store for demo/development mode.
// One mutex serializes every transaction, which makes Transact trivially
// serializable; mutations are staged and applied only on commit.
type MemoryStore struct {
	mu        sync.Mutex
	contracts map[string]*DealContract
	revisions map[string]*ContractRevision
	comments  map[string]*RevisionComment
	byNeg     map[string]string // negotiation id -> contract id
	outbox    *events.MemoryOutbox
}

// NewMemoryStore creates a new in-memory workshop store. The outbox is
// shared with the other domain stores so every negotiation has one
// ordered event stream.
func NewMemoryStore(outbox *events.MemoryOutbox) *MemoryStore {
	return &MemoryStore{
		contracts: make(map[string]*DealContract),
		revisions: make(map[string]*ContractRevision),
		comments:  make(map[string]*RevisionComment),
		byNeg:     make(map[string]string),
		outbox:    outbox,
	}
}

type memTx struct {
	store *MemoryStore

	contracts map[string]*DealContract
	revisions map[string]*ContractRevision
	comments  map[string]*RevisionComment
	events    []*events.Record
}

func (m *MemoryStore) Transact(_ context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{
		store:     m,
		contracts: make(map[string]*DealContract),
		revisions: make(map[string]*ContractRevision),
		comments:  make(map[string]*RevisionComment),
	}
	if err := fn(tx); err != nil {
		return err
	}

	// Commit
	for id, c := range tx.contracts {
		m.contracts[id] = c
		m.byNeg[c.NegotiationID] = id
	}
	for id, r := range tx.revisions {
		m.revisions[id] = r
	}
	for id, c := range tx.comments {
		m.comments[id] = c
	}
	for _, rec := range tx.events {
		m.outbox.Append(rec)
	}
	return nil
}

func (t *memTx) GetContract(_ context.Context, id string) (*DealContract, error) {
	if c, ok := t.contracts[id]; ok {
		cp := *c
		return &cp, nil
	}
	if c, ok := t.store.contracts[id]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, ErrContractNotFound
}

func (t *memTx) GetContractByNegotiation(_ context.Context, negotiationID string) (*DealContract, error) {
	for _, c := range t.contracts {
		if c.NegotiationID == negotiationID {
			cp := *c
			return &cp, nil
		}
	}
	if id, ok := t.store.byNeg[negotiationID]; ok {
		cp := *t.store.contracts[id]
		return &cp, nil
	}
	return nil, ErrContractNotFound
}

func (t *memTx) CreateContract(_ context.Context, c *DealContract) error {
	cp := *c
	t.contracts[c.ID] = &cp
	return nil
}

func (t *memTx) UpdateContract(_ context.Context, c *DealContract) error {
	if _, staged := t.contracts[c.ID]; !staged {
		if _, ok := t.store.contracts[c.ID]; !ok {
			return ErrContractNotFound
		}
	}
	cp := *c
	t.contracts[c.ID] = &cp
	return nil
}

func (t *memTx) GetRevision(_ context.Context, id string) (*ContractRevision, error) {
	if r, ok := t.revisions[id]; ok {
		return copyRevision(r), nil
	}
	if r, ok := t.store.revisions[id]; ok {
		return copyRevision(r), nil
	}
	return nil, ErrRevisionNotFound
}

func (t *memTx) MaxVersion(_ context.Context, contractID string) (int, error) {
	max := 0
	for _, r := range t.store.revisions {
		if r.ContractID == contractID && r.Version > max {
			max = r.Version
		}
	}
	for _, r := range t.revisions {
		if r.ContractID == contractID && r.Version > max {
			max = r.Version
		}
	}
	return max, nil
}

func (t *memTx) CreateRevision(_ context.Context, r *ContractRevision) error {
	t.revisions[r.ID] = copyRevision(r)
	return nil
}

func (t *memTx) UpdateRevision(_ context.Context, r *ContractRevision) error {
	if _, staged := t.revisions[r.ID]; !staged {
		if _, ok := t.store.revisions[r.ID]; !ok {
			return ErrRevisionNotFound
		}
	}
	t.revisions[r.ID] = copyRevision(r)
	return nil
}

func (t *memTx) ListRevisionsByContract(_ context.Context, contractID string) ([]*ContractRevision, error) {
	seen := make(map[string]bool)
	var result []*ContractRevision
	for id, r := range t.revisions {
		if r.ContractID == contractID {
			result = append(result, copyRevision(r))
			seen[id] = true
		}
	}
	for id, r := range t.store.revisions {
		if r.ContractID == contractID && !seen[id] {
			result = append(result, copyRevision(r))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Version < result[j].Version })
	return result, nil
}

func (t *memTx) GetComment(_ context.Context, id string) (*RevisionComment, error) {
	if c, ok := t.comments[id]; ok {
		return copyComment(c), nil
	}
	if c, ok := t.store.comments[id]; ok {
		return copyComment(c), nil
	}
	return nil, ErrCommentNotFound
}

func (t *memTx) CreateComment(_ context.Context, c *RevisionComment) error {
	t.comments[c.ID] = copyComment(c)
	return nil
}

func (t *memTx) UpdateComment(_ context.Context, c *RevisionComment) error {
	if _, staged := t.comments[c.ID]; !staged {
		if _, ok := t.store.comments[c.ID]; !ok {
			return ErrCommentNotFound
		}
	}
	t.comments[c.ID] = copyComment(c)
	return nil
}

func (t *memTx) AppendEvent(_ context.Context, rec *events.Record) error {
	t.events = append(t.events, rec)
	return nil
}

// --- non-transactional reads ---

func (m *MemoryStore) GetContract(_ context.Context, id string) (*DealContract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contracts[id]
	if !ok {
		return nil, ErrContractNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) GetContractByNegotiation(_ context.Context, negotiationID string) (*DealContract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byNeg[negotiationID]
	if !ok {
		return nil, ErrContractNotFound
	}
	cp := *m.contracts[id]
	return &cp, nil
}

func (m *MemoryStore) GetRevision(_ context.Context, id string) (*ContractRevision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.revisions[id]
	if !ok {
		return nil, ErrRevisionNotFound
	}
	return copyRevision(r), nil
}

func (m *MemoryStore) ListRevisionsByNegotiation(_ context.Context, negotiationID string) ([]*ContractRevision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*ContractRevision
	for _, r := range m.revisions {
		if r.NegotiationID == negotiationID {
			result = append(result, copyRevision(r))
		}
	}
	// Newest first.
	sort.Slice(result, func(i, j int) bool { return result[i].Version > result[j].Version })
	return result, nil
}

func (m *MemoryStore) GetCurrentRevision(_ context.Context, contractID string) (*ContractRevision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.revisions {
		if r.ContractID == contractID && r.IsCurrent {
			return copyRevision(r), nil
		}
	}
	return nil, ErrRevisionNotFound
}

func (m *MemoryStore) ListComments(_ context.Context, revisionID string) ([]*RevisionComment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*RevisionComment
	for _, c := range m.comments {
		if c.RevisionID == revisionID {
			result = append(result, copyComment(c))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func copyRevision(r *ContractRevision) *ContractRevision {
	cp := *r
	cp.Attachments = append([]Attachment(nil), r.Attachments...)
	return &cp
}

func copyComment(c *RevisionComment) *RevisionComment {
	cp := *c
	if c.ResolvedAt != nil {
		at := *c.ResolvedAt
		cp.ResolvedAt = &at
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
