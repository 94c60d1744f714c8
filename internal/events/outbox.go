package events

import "sync"

// MemoryOutbox is the in-memory event outbox shared by the memory-backed
// domain stores, mirroring the deal_events table: one append-only stream
// per negotiation with a per-negotiation sequence number.
type MemoryOutbox struct {
	mu    sync.Mutex
	byNeg map[string][]*Record
}

// NewMemoryOutbox creates an empty outbox.
func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{byNeg: make(map[string][]*Record)}
}

// Append assigns the record's sequence number within its negotiation's
// stream and stores it. Called by store transaction commits.
func (o *MemoryOutbox) Append(rec *Record) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec.Seq = int64(len(o.byNeg[rec.NegotiationID]) + 1)
	o.byNeg[rec.NegotiationID] = append(o.byNeg[rec.NegotiationID], rec)
}

// List returns a negotiation's event stream in sequence order.
func (o *MemoryOutbox) List(negotiationID string) []*Record {
	o.mu.Lock()
	defer o.mu.Unlock()
	recs := o.byNeg[negotiationID]
	out := make([]*Record, len(recs))
	copy(out, recs)
	return out
}
