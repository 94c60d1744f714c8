package events

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ---------------------------------------------------------------------------
// Payload round-trip tests
// ---------------------------------------------------------------------------

func TestDecodePayload_AllTypes(t *testing.T) {
	price := 42.5
	qty := 100.0
	payloads := []Payload{
		OfferSubmitted{OfferID: "off_1", ProposedBy: "buyer_1", Price: &price, Quantity: &qty},
		NegotiationAccepted{OfferID: "off_1", AcceptedBy: "seller_1", Price: 42.5, Quantity: 100},
		NegotiationCancelled{CancelledBy: "buyer_1", Reason: "changed mind"},
		NegotiationExpired{},
		EscrowFunded{AccountID: "esc_1", TransactionID: "etx_1", Amount: 4250, Currency: "USD"},
		EscrowReleased{AccountID: "esc_1", TransactionID: "etx_2", Amount: 4250},
		EscrowRefunded{AccountID: "esc_1", TransactionID: "etx_3", Amount: 4250},
		EscrowDisputed{AccountID: "esc_1", OpenedBy: "buyer_1", Reason: "short shipment"},
		RevisionSubmitted{ContractID: "ctr_1", RevisionID: "rev_1", Version: 1, AuthorID: "seller_1"},
		RevisionAccepted{ContractID: "ctr_1", RevisionID: "rev_1", Version: 1, ActorID: "buyer_1"},
		RevisionRejected{ContractID: "ctr_1", RevisionID: "rev_2", Version: 2, ActorID: "buyer_1"},
		RevisionCommented{RevisionID: "rev_1", CommentID: "cm_1", AuthorID: "buyer_1"},
	}

	for _, p := range payloads {
		raw, err := EncodePayload(p)
		if err != nil {
			t.Fatalf("encode %s: %v", p.Kind(), err)
		}
		got, err := DecodePayload(p.Kind(), raw)
		if err != nil {
			t.Fatalf("decode %s: %v", p.Kind(), err)
		}
		if got.Kind() != p.Kind() {
			t.Errorf("round-trip kind mismatch: got %s, want %s", got.Kind(), p.Kind())
		}
	}
}

func TestDecodePayload_UnknownType(t *testing.T) {
	_, err := DecodePayload("BOGUS_EVENT", json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected error for unknown event type")
	}
}

func TestNew_SetsTypeFromPayload(t *testing.T) {
	rec := New("neg_1", "buyer_1", EscrowFunded{AccountID: "esc_1", Amount: 10})
	if rec.Type != TypeEscrowFunded {
		t.Errorf("expected type %s, got %s", TypeEscrowFunded, rec.Type)
	}
	if rec.NegotiationID != "neg_1" {
		t.Errorf("expected negotiation neg_1, got %s", rec.NegotiationID)
	}
	if rec.ID == "" || rec.CreatedAt.IsZero() {
		t.Error("expected id and timestamp to be populated")
	}
}

// ---------------------------------------------------------------------------
// Signature tests
// ---------------------------------------------------------------------------

func TestSign(t *testing.T) {
	payload := []byte(`{"type":"ESCROW_FUNDED"}`)
	secret := "test_secret_key"

	sig := Sign(payload, secret)

	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	expected := hex.EncodeToString(h.Sum(nil))

	if sig != expected {
		t.Errorf("signature mismatch: got %s, want %s", sig, expected)
	}
	if !VerifySignature(payload, secret, sig) {
		t.Error("VerifySignature rejected a valid signature")
	}
	if VerifySignature(payload, "other_secret", sig) {
		t.Error("VerifySignature accepted signature from wrong secret")
	}
}

// ---------------------------------------------------------------------------
// Publisher tests
// ---------------------------------------------------------------------------

func TestPublish_FansOutToAllSinks(t *testing.T) {
	p := NewPublisher(testLogger())
	a := NewMemorySink()
	b := NewMemorySink()
	p.AddSink(a)
	p.AddSink(b)

	p.Publish(New("neg_1", "buyer_1", OfferSubmitted{OfferID: "off_1"}))
	p.Wait()

	if len(a.Records()) != 1 || len(b.Records()) != 1 {
		t.Errorf("expected 1 record per sink, got %d and %d", len(a.Records()), len(b.Records()))
	}
}

func TestPublish_SinkFailureDoesNotPropagate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer server.Close()

	p := NewPublisher(testLogger())
	p.AddSink(NewHTTPSink(server.URL, ""))
	ok := NewMemorySink()
	p.AddSink(ok)

	// Must not panic or surface the failure
	p.Publish(New("neg_1", "seller_1", NegotiationAccepted{OfferID: "off_1", AcceptedBy: "buyer_1"}))
	p.Wait()

	if len(ok.Records()) != 1 {
		t.Errorf("healthy sink should still receive the event, got %d records", len(ok.Records()))
	}
}

func TestMemorySink_ByType(t *testing.T) {
	p := NewPublisher(testLogger())
	sink := NewMemorySink()
	p.AddSink(sink)

	p.Publish(
		New("neg_1", "buyer_1", OfferSubmitted{OfferID: "off_1"}),
		New("neg_1", "seller_1", OfferSubmitted{OfferID: "off_2"}),
		New("neg_1", "buyer_1", NegotiationAccepted{OfferID: "off_2", AcceptedBy: "buyer_1"}),
	)
	p.Wait()

	if got := len(sink.ByType(TypeOfferSubmitted)); got != 2 {
		t.Errorf("expected 2 OFFER_SUBMITTED records, got %d", got)
	}
	if got := len(sink.ByType(TypeNegotiationAccepted)); got != 1 {
		t.Errorf("expected 1 NEGOTIATION_ACCEPTED record, got %d", got)
	}
}

// ---------------------------------------------------------------------------
// HTTPSink tests
// ---------------------------------------------------------------------------

func TestHTTPSink_SignsAndDelivers(t *testing.T) {
	secret := "sink_secret" //nolint:gosec // test credential

	var mu sync.Mutex
	var gotSig, gotType string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotSig = r.Header.Get("X-Dealcore-Signature")
		gotType = r.Header.Get("X-Dealcore-Event")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(200)
	}))
	defer server.Close()

	p := NewPublisher(testLogger())
	p.AddSink(NewHTTPSink(server.URL, secret))
	p.Publish(New("neg_1", "buyer_1", EscrowFunded{AccountID: "esc_1", TransactionID: "etx_1", Amount: 99.5, Currency: "USD"}))
	p.Wait()

	mu.Lock()
	defer mu.Unlock()

	if gotType != "ESCROW_FUNDED" {
		t.Errorf("expected ESCROW_FUNDED header, got %s", gotType)
	}
	if gotSig == "" {
		t.Fatal("expected signature header")
	}
	if !VerifySignature(gotBody, secret, gotSig) {
		t.Error("delivered signature does not verify against body")
	}

	var parsed struct {
		Type          Type   `json:"type"`
		NegotiationID string `json:"negotiationId"`
	}
	if err := json.Unmarshal(gotBody, &parsed); err != nil {
		t.Fatalf("failed to parse delivered body: %v", err)
	}
	if parsed.NegotiationID != "neg_1" {
		t.Errorf("expected negotiationId neg_1, got %s", parsed.NegotiationID)
	}
}

func TestHTTPSink_ErrorOnNon2xx(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(503)
	}))
	defer server.Close()

	sink := NewHTTPSink(server.URL, "")
	err := sink.Deliver(context.Background(), New("neg_1", "buyer_1", NegotiationExpired{}))
	if err == nil {
		t.Fatal("expected error for 503 response")
	}
	if calls.Load() != 1 {
		t.Errorf("expected exactly 1 call, got %d", calls.Load())
	}
}
