package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/tradekite/dealcore/internal/events"
	"github.com/tradekite/dealcore/internal/logging"
	"github.com/tradekite/dealcore/internal/testutil"
)

// Integration test against a real Postgres. Skipped unless POSTGRES_URL is set.
func TestPostgresStore_FundingLifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	logger := logging.New("error", "text")
	publisher := events.NewPublisher(logger)
	svc := NewService(NewPostgresStore(db), NewSimulatedProvider(), publisher, logger)

	acct, err := svc.OpenAccount(ctx, "neg_pg_1", 500, "USD")
	if err != nil {
		t.Fatalf("OpenAccount: %v", err)
	}
	if acct.Status != StatusAwaitingFunds {
		t.Errorf("status = %s, want AWAITING_FUNDS", acct.Status)
	}

	// Opening again for the same negotiation returns the existing account.
	again, err := svc.OpenAccount(ctx, "neg_pg_1", 500, "USD")
	if err != nil {
		t.Fatalf("OpenAccount again: %v", err)
	}
	if again.ID != acct.ID {
		t.Errorf("second open created new account %s, want %s", again.ID, acct.ID)
	}

	funded, err := svc.Fund(ctx, acct.ID, 500, "wire-1")
	if err != nil {
		t.Fatalf("Fund: %v", err)
	}
	if funded.Status != StatusFunded {
		t.Errorf("status = %s, want FUNDED", funded.Status)
	}

	released, warning, err := svc.Release(ctx, acct.ID, 500, "payout-1")
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if warning != "" {
		t.Errorf("unexpected warning: %s", warning)
	}
	if released.Status != StatusReleased {
		t.Errorf("status = %s, want RELEASED", released.Status)
	}

	// Ledger rows and events round-trip through the database.
	loaded, err := svc.Get(ctx, acct.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(loaded.Transactions) != 2 {
		t.Errorf("transactions = %d, want 2", len(loaded.Transactions))
	}

	publisher.Wait()
}

func TestPostgresStore_WebhookDeduplication(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	logger := logging.New("error", "text")
	publisher := events.NewPublisher(logger)
	svc := NewService(NewPostgresStore(db), NewSimulatedProvider(), publisher, logger)

	acct, err := svc.OpenAccount(ctx, "neg_pg_2", 300, "USD")
	if err != nil {
		t.Fatalf("OpenAccount: %v", err)
	}

	env := WebhookEnvelope{
		Event:                 WebhookFundingConfirmed,
		ProviderReference:     acct.ProviderReference,
		ExternalTransactionID: "ext_dup_1",
		Amount:                300,
		Currency:              "USD",
		OccurredAt:            time.Now().UTC(),
	}

	for i := 0; i < 3; i++ {
		if err := svc.HandleWebhook(ctx, env); err != nil {
			t.Fatalf("HandleWebhook %d: %v", i, err)
		}
	}

	loaded, err := svc.Get(ctx, acct.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(loaded.Transactions) != 1 {
		t.Errorf("transactions = %d, want 1 after replayed deliveries", len(loaded.Transactions))
	}
	if loaded.FundedAmount != 300 {
		t.Errorf("funded = %v, want 300", loaded.FundedAmount)
	}
	if loaded.Status != StatusFunded {
		t.Errorf("status = %s, want FUNDED", loaded.Status)
	}

	publisher.Wait()
}
