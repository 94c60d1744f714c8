package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/tradekite/dealcore/internal/events"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	rec := events.New("neg_1", "buyer_1", events.OfferSubmitted{OfferID: "off_1"})
	if !h.shouldSend(client, rec) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []events.Type{events.TypeOfferSubmitted, events.TypeNegotiationAccepted},
	}}

	offer := events.New("neg_1", "buyer_1", events.OfferSubmitted{OfferID: "off_1"})
	accepted := events.New("neg_1", "seller_1", events.NegotiationAccepted{OfferID: "off_1", AcceptedBy: "seller_1"})
	funded := events.New("neg_1", "buyer_1", events.EscrowFunded{AccountID: "esc_1"})

	if !h.shouldSend(client, offer) {
		t.Error("Should receive OFFER_SUBMITTED events")
	}
	if !h.shouldSend(client, accepted) {
		t.Error("Should receive NEGOTIATION_ACCEPTED events")
	}
	if h.shouldSend(client, funded) {
		t.Error("Should NOT receive ESCROW_FUNDED events")
	}
}

func TestShouldSend_NegotiationFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		NegotiationIDs: []string{"neg_1"},
	}}

	matching := events.New("neg_1", "buyer_1", events.OfferSubmitted{OfferID: "off_1"})
	other := events.New("neg_2", "buyer_2", events.OfferSubmitted{OfferID: "off_2"})

	if !h.shouldSend(client, matching) {
		t.Error("Should match on negotiation id")
	}
	if h.shouldSend(client, other) {
		t.Error("Should NOT match unrelated negotiations")
	}
}

func TestShouldSend_PartyFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Parties: []string{"buyer_1"},
	}}

	matching := events.New("neg_1", "buyer_1", events.NegotiationCancelled{CancelledBy: "buyer_1"})
	other := events.New("neg_1", "seller_1", events.OfferSubmitted{OfferID: "off_1"})

	if !h.shouldSend(client, matching) {
		t.Error("Should match on triggering party")
	}
	if h.shouldSend(client, other) {
		t.Error("Should NOT match events from other parties")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()

	// No filters, not AllEvents
	client := &Client{sub: Subscription{}}

	rec := events.New("neg_1", "buyer_1", events.OfferSubmitted{OfferID: "off_1"})
	if !h.shouldSend(client, rec) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_DeliverAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	if err := h.Deliver(context.Background(), events.New("neg_1", "buyer_1", events.OfferSubmitted{OfferID: "off_1"})); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["totalEvents"].(int64) != 1 {
		t.Errorf("Expected 1 total event, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak 1, got %v", stats["peakClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	// Peak should still be 1
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_DeliverToClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.Deliver(context.Background(), events.New("neg_1", "buyer_1", events.EscrowFunded{
		AccountID: "esc_1", TransactionID: "etx_1", Amount: 500, Currency: "USD",
	}))

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for broadcast")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
		// Hub stopped
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_FilteredDelivery(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Client only wants revision activity
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []events.Type{events.TypeRevisionSubmitted}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	// Send an offer event (should be filtered out)
	h.Deliver(context.Background(), events.New("neg_1", "buyer_1", events.OfferSubmitted{OfferID: "off_1"}))
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive offer event")
	default:
		// Good - filtered out
	}

	// Send a revision event (should be received)
	h.Deliver(context.Background(), events.New("neg_1", "seller_1", events.RevisionSubmitted{
		ContractID: "ctr_1", RevisionID: "rev_1", Version: 1, AuthorID: "seller_1",
	}))

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive revision event")
	}
}
