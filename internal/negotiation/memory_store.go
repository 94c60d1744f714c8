package negotiation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tradekite/dealcore/internal/events"
)

// MemoryStore is an in-memory negotiation store for demo/development
// mode. One mutex serializes every transaction, which makes Transact
// trivially serializable; mutations are staged and applied on commit.
type MemoryStore struct {
	mu           sync.Mutex
	negotiations map[string]*Negotiation
	outbox       *events.MemoryOutbox
}

// NewMemoryStore creates a new in-memory negotiation store. The outbox
// is shared with the other domain stores so every negotiation has one
// ordered event stream.
func NewMemoryStore(outbox *events.MemoryOutbox) *MemoryStore {
	return &MemoryStore{
		negotiations: make(map[string]*Negotiation),
		outbox:       outbox,
	}
}

type memTx struct {
	store *MemoryStore

	staged map[string]*Negotiation
	events []*events.Record
}

func (m *MemoryStore) Transact(_ context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{
		store:  m,
		staged: make(map[string]*Negotiation),
	}
	if err := fn(tx); err != nil {
		return err
	}

	// Commit
	for id, n := range tx.staged {
		m.negotiations[id] = n
	}
	for _, rec := range tx.events {
		m.outbox.Append(rec)
	}
	return nil
}

func (t *memTx) Get(_ context.Context, id string) (*Negotiation, error) {
	if n, ok := t.staged[id]; ok {
		return copyNegotiation(n), nil
	}
	if n, ok := t.store.negotiations[id]; ok {
		return copyNegotiation(n), nil
	}
	return nil, ErrNotFound
}

func (t *memTx) Create(_ context.Context, n *Negotiation) error {
	t.staged[n.ID] = copyNegotiation(n)
	return nil
}

func (t *memTx) Update(_ context.Context, n *Negotiation) error {
	if _, staged := t.staged[n.ID]; !staged {
		if _, ok := t.store.negotiations[n.ID]; !ok {
			return ErrNotFound
		}
	}
	t.staged[n.ID] = copyNegotiation(n)
	return nil
}

func (t *memTx) AppendEvent(_ context.Context, rec *events.Record) error {
	t.events = append(t.events, rec)
	return nil
}

// --- non-transactional reads ---

func (m *MemoryStore) Get(_ context.Context, id string) (*Negotiation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.negotiations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyNegotiation(n), nil
}

func (m *MemoryStore) ListByParty(_ context.Context, partyID string, role Role, limit int) ([]*Negotiation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list(limit, func(n *Negotiation) bool {
		switch role {
		case RoleBuyer:
			return n.BuyerID == partyID
		case RoleSeller:
			return n.SellerID == partyID
		default:
			return n.BuyerID == partyID || n.SellerID == partyID
		}
	}), nil
}

func (m *MemoryStore) ListByListing(_ context.Context, listingID string, limit int) ([]*Negotiation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list(limit, func(n *Negotiation) bool {
		return n.ListingID == listingID
	}), nil
}

func (m *MemoryStore) ListExpired(_ context.Context, before time.Time, limit int) ([]*Negotiation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list(limit, func(n *Negotiation) bool {
		return !n.IsTerminal() && n.ExpiresAt != nil && n.ExpiresAt.Before(before)
	}), nil
}

func (m *MemoryStore) ListAwaitingEscrow(_ context.Context, limit int) ([]*Negotiation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list(limit, func(n *Negotiation) bool {
		switch n.Status {
		case StatusAccepted, StatusContractPending:
			return n.EscrowAccountID == ""
		}
		return false
	}), nil
}

func (m *MemoryStore) ListEvents(_ context.Context, negotiationID string) ([]*events.Record, error) {
	return m.outbox.List(negotiationID), nil
}

// list filters under the held lock, newest first.
func (m *MemoryStore) list(limit int, match func(*Negotiation) bool) []*Negotiation {
	var result []*Negotiation
	for _, n := range m.negotiations {
		if match(n) {
			result = append(result, copyNegotiation(n))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

func copyNegotiation(n *Negotiation) *Negotiation {
	cp := *n
	if n.ExpiresAt != nil {
		at := *n.ExpiresAt
		cp.ExpiresAt = &at
	}
	if n.CurrentOffer != nil {
		o := *n.CurrentOffer
		cp.CurrentOffer = &o
	}
	cp.Offers = make([]*Offer, len(n.Offers))
	for i, o := range n.Offers {
		oc := *o
		cp.Offers[i] = &oc
	}
	cp.StatusHistory = append([]StatusChange(nil), n.StatusHistory...)
	cp.Activities = append([]Activity(nil), n.Activities...)
	return &cp
}

var _ Store = (*MemoryStore)(nil)
