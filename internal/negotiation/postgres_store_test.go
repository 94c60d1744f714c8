package negotiation

import (
	"context"
	"testing"
	"time"

	"github.com/tradekite/dealcore/internal/events"
	"github.com/tradekite/dealcore/internal/logging"
	"github.com/tradekite/dealcore/internal/testutil"
)

// Integration test against a real Postgres. Skipped unless POSTGRES_URL is set.
func TestPostgresStore_DealLifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	logger := logging.New("error", "text")
	publisher := events.NewPublisher(logger)
	svc := NewService(NewPostgresStore(db), publisher, logger)

	n, err := svc.Create(ctx, CreateRequest{
		ListingID: "lst_pg",
		BuyerID:   "party_b",
		SellerID:  "party_s",
		Price:     100,
		Quantity:  10,
		Currency:  "EUR",
		Message:   "opening offer",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// The aggregate round-trips with its offer, history, and activity tails.
	loaded, err := svc.Get(ctx, n.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if loaded.Status != StatusNegotiating {
		t.Errorf("status = %s, want NEGOTIATING", loaded.Status)
	}
	if loaded.CurrentOffer == nil || loaded.CurrentOffer.Price != 100 {
		t.Fatalf("current offer not restored: %+v", loaded.CurrentOffer)
	}
	if len(loaded.StatusHistory) != 1 || len(loaded.Offers) != 1 {
		t.Errorf("history=%d offers=%d, want 1/1", len(loaded.StatusHistory), len(loaded.Offers))
	}

	if _, err := svc.SubmitCounterOffer(ctx, n.ID, CounterOfferRequest{
		ActorID: "party_s",
		Price:   floatPtr(120),
	}); err != nil {
		t.Fatalf("SubmitCounterOffer: %v", err)
	}

	accepted, err := svc.AcceptOffer(ctx, n.ID, AcceptRequest{ActorID: "party_b"})
	if err != nil {
		t.Fatalf("AcceptOffer: %v", err)
	}
	if accepted.Status != StatusAccepted {
		t.Errorf("status = %s, want ACCEPTED", accepted.Status)
	}
	if accepted.AgreedPrice != 120 || accepted.AgreedQuantity != 10 {
		t.Errorf("agreed terms = %v x %v, want 120 x 10", accepted.AgreedPrice, accepted.AgreedQuantity)
	}

	// Quantity carried over from the initial offer.
	reloaded, err := svc.Get(ctx, n.ID)
	if err != nil {
		t.Fatalf("Get after accept: %v", err)
	}
	if len(reloaded.Offers) != 3 {
		t.Errorf("offers = %d, want 3", len(reloaded.Offers))
	}

	// Event sequences are assigned by the database and stay monotonic.
	recs, err := svc.ListEvents(ctx, n.ID)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("events = %d, want 3", len(recs))
	}
	for i, rec := range recs {
		if rec.Seq != int64(i+1) {
			t.Errorf("event %d seq = %d, want %d", i, rec.Seq, i+1)
		}
	}

	publisher.Wait()
}

func TestPostgresStore_ExpirySweep(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	logger := logging.New("error", "text")
	publisher := events.NewPublisher(logger)
	svc := NewService(NewPostgresStore(db), publisher, logger)

	past := time.Now().UTC().Add(-time.Hour)
	n, err := svc.Create(ctx, CreateRequest{
		ListingID: "lst_exp",
		BuyerID:   "party_b",
		SellerID:  "party_s",
		Price:     50,
		Quantity:  1,
		ExpiresAt: &past,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if got := svc.ExpireNegotiations(ctx, time.Now().UTC(), 10); got != 1 {
		t.Fatalf("first sweep expired %d, want 1", got)
	}
	if got := svc.ExpireNegotiations(ctx, time.Now().UTC(), 10); got != 0 {
		t.Errorf("second sweep expired %d, want 0", got)
	}

	expired, err := svc.Get(ctx, n.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if expired.Status != StatusExpired {
		t.Errorf("status = %s, want EXPIRED", expired.Status)
	}

	publisher.Wait()
}
