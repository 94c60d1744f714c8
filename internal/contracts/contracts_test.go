package contracts

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/tradekite/dealcore/internal/events"
	"github.com/tradekite/dealcore/internal/logging"
)

type draftNotifierSpy struct {
	mu       sync.Mutex
	started  map[string]string // negotiation id -> contract id
	accepted []string
}

func (n *draftNotifierSpy) ContractDraftingStarted(_ context.Context, negotiationID, contractID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started == nil {
		n.started = make(map[string]string)
	}
	n.started[negotiationID] = contractID
}

func (n *draftNotifierSpy) RevisionAccepted(_ context.Context, negotiationID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.accepted = append(n.accepted, negotiationID)
}

type failingStorageSync struct {
	mu    sync.Mutex
	calls int
}

func (f *failingStorageSync) SyncRevisionAttachments(_ context.Context, _ SyncRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return errors.New("storage offline")
}

type workshopFixture struct {
	service  *Service
	store    *MemoryStore
	outbox   *events.MemoryOutbox
	notifier *draftNotifierSpy
}

func newWorkshopFixture(t *testing.T, storage StorageSync) *workshopFixture {
	t.Helper()
	logger := logging.New("error", "text")
	outbox := events.NewMemoryOutbox()
	publisher := events.NewPublisher(logger)

	store := NewMemoryStore(outbox)
	notifier := &draftNotifierSpy{}
	service := NewService(store, storage, publisher, logger).WithNotifier(notifier)

	return &workshopFixture{
		service:  service,
		store:    store,
		outbox:   outbox,
		notifier: notifier,
	}
}

func TestCreateRevision_LazyContractAndVersioning(t *testing.T) {
	f := newWorkshopFixture(t, nil)
	ctx := context.Background()

	r1, err := f.service.CreateRevision(ctx, CreateRevisionRequest{
		NegotiationID: "neg_1",
		AuthorID:      "buyer_1",
		Body:          "standard supply terms",
		Submit:        true,
	})
	if err != nil {
		t.Fatalf("CreateRevision: %v", err)
	}
	if r1.Version != 1 {
		t.Errorf("expected version 1, got %d", r1.Version)
	}
	if r1.Status != RevisionInReview {
		t.Errorf("expected IN_REVIEW with submit, got %s", r1.Status)
	}

	contract, err := f.service.GetByNegotiation(ctx, "neg_1")
	if err != nil {
		t.Fatalf("GetByNegotiation: %v", err)
	}
	if contract.ID != r1.ContractID {
		t.Errorf("revision points at wrong contract")
	}
	if got := f.notifier.started["neg_1"]; got != contract.ID {
		t.Errorf("drafting-started callback: expected %s, got %s", contract.ID, got)
	}

	r2, err := f.service.CreateRevision(ctx, CreateRevisionRequest{
		NegotiationID: "neg_1",
		AuthorID:      "seller_1",
		Body:          "revised delivery schedule",
	})
	if err != nil {
		t.Fatalf("second CreateRevision: %v", err)
	}
	if r2.Version != 2 {
		t.Errorf("expected version 2, got %d", r2.Version)
	}
	if r2.Status != RevisionDraft {
		t.Errorf("expected DRAFT without submit, got %s", r2.Status)
	}
	if r2.ContractID != r1.ContractID {
		t.Errorf("second revision created a second contract")
	}

	// Newest first.
	revisions, err := f.service.ListRevisions(ctx, "neg_1")
	if err != nil {
		t.Fatalf("ListRevisions: %v", err)
	}
	if len(revisions) != 2 || revisions[0].Version != 2 {
		t.Errorf("expected newest-first listing, got %+v", revisions)
	}
}

func TestCreateRevision_ConcurrentAuthorsGetDistinctVersions(t *testing.T) {
	f := newWorkshopFixture(t, nil)
	ctx := context.Background()

	const authors = 8
	results := make(chan int, authors)
	var wg sync.WaitGroup
	for i := 0; i < authors; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := f.service.CreateRevision(ctx, CreateRevisionRequest{
				NegotiationID: "neg_c",
				AuthorID:      fmt.Sprintf("author_%d", i),
				Body:          "terms",
			})
			if err != nil {
				t.Errorf("CreateRevision: %v", err)
				return
			}
			results <- r.Version
		}(i)
	}
	wg.Wait()
	close(results)

	var versions []int
	for v := range results {
		versions = append(versions, v)
	}
	sort.Ints(versions)
	if len(versions) != authors {
		t.Fatalf("expected %d revisions, got %d", authors, len(versions))
	}
	for i, v := range versions {
		if v != i+1 {
			t.Fatalf("expected versions 1..%d with no gaps, got %v", authors, versions)
		}
	}
}

func TestSetRevisionStatus_AcceptanceMovesCurrent(t *testing.T) {
	f := newWorkshopFixture(t, nil)
	ctx := context.Background()

	r1, _ := f.service.CreateRevision(ctx, CreateRevisionRequest{
		NegotiationID: "neg_2",
		AuthorID:      "buyer_1",
		Body:          "v1 terms",
		Summary:       "initial terms",
		Submit:        true,
		Attachments: []Attachment{
			{Name: "terms.docx", URL: "https://files/terms.docx", MimeType: "application/vnd.openxmlformats"},
			{Name: "terms.pdf", URL: "https://files/terms.pdf", MimeType: "application/pdf"},
		},
	})

	accepted, err := f.service.SetRevisionStatus(ctx, r1.ID, "seller_1", RevisionAccepted)
	if err != nil {
		t.Fatalf("SetRevisionStatus ACCEPTED: %v", err)
	}
	if !accepted.IsCurrent {
		t.Error("accepted revision should be current")
	}

	contract, _ := f.service.GetByNegotiation(ctx, "neg_2")
	if contract.CurrentRevisionID != r1.ID {
		t.Errorf("contract pointer: expected %s, got %s", r1.ID, contract.CurrentRevisionID)
	}
	if contract.DraftTerms != "initial terms" {
		t.Errorf("expected draftTerms from summary, got %q", contract.DraftTerms)
	}
	if contract.DocumentURL != "https://files/terms.pdf" {
		t.Errorf("expected PDF attachment preferred, got %q", contract.DocumentURL)
	}

	// v2 accepted: current pointer moves, v1 loses isCurrent.
	r2, _ := f.service.CreateRevision(ctx, CreateRevisionRequest{
		NegotiationID: "neg_2",
		AuthorID:      "buyer_1",
		Body:          "v2 terms body",
		Submit:        true,
	})
	if r2.Version != 2 {
		t.Fatalf("expected version 2, got %d", r2.Version)
	}
	if _, err := f.service.SetRevisionStatus(ctx, r2.ID, "seller_1", RevisionAccepted); err != nil {
		t.Fatalf("accept v2: %v", err)
	}

	contract, _ = f.service.GetByNegotiation(ctx, "neg_2")
	if contract.CurrentRevisionID != r2.ID {
		t.Errorf("expected pointer to move to v2")
	}
	if contract.DraftTerms != "v2 terms body" {
		t.Errorf("expected draftTerms fallback to body, got %q", contract.DraftTerms)
	}
	// No attachments on v2: documentUrl keeps the v1 value.
	if contract.DocumentURL != "https://files/terms.pdf" {
		t.Errorf("documentUrl should be unchanged, got %q", contract.DocumentURL)
	}

	old, _ := f.service.GetRevision(ctx, r1.ID)
	if old.IsCurrent {
		t.Error("v1 should have lost isCurrent")
	}
	if n := countCurrent(t, f, contract.ID); n != 1 {
		t.Errorf("expected exactly one current revision, got %d", n)
	}

	ok, err := f.service.HasAcceptedRevision(ctx, "neg_2")
	if err != nil || !ok {
		t.Errorf("expected HasAcceptedRevision true, got %v %v", ok, err)
	}
}

func TestSetRevisionStatus_RejectionLeavesPointer(t *testing.T) {
	f := newWorkshopFixture(t, nil)
	ctx := context.Background()

	r1, _ := f.service.CreateRevision(ctx, CreateRevisionRequest{
		NegotiationID: "neg_3", AuthorID: "buyer_1", Body: "v1", Submit: true,
	})
	if _, err := f.service.SetRevisionStatus(ctx, r1.ID, "seller_1", RevisionAccepted); err != nil {
		t.Fatalf("accept v1: %v", err)
	}

	r2, _ := f.service.CreateRevision(ctx, CreateRevisionRequest{
		NegotiationID: "neg_3", AuthorID: "seller_1", Body: "v2", Submit: true,
	})
	rejected, err := f.service.SetRevisionStatus(ctx, r2.ID, "buyer_1", RevisionRejected)
	if err != nil {
		t.Fatalf("reject v2: %v", err)
	}
	if rejected.Status != RevisionRejected {
		t.Errorf("expected REJECTED, got %s", rejected.Status)
	}
	if rejected.IsCurrent {
		t.Error("rejected revision must not become current")
	}

	contract, _ := f.service.GetByNegotiation(ctx, "neg_3")
	if contract.CurrentRevisionID != r1.ID {
		t.Errorf("rejection moved the current pointer: got %s", contract.CurrentRevisionID)
	}
}

func TestSetRevisionStatus_UnknownRevision(t *testing.T) {
	f := newWorkshopFixture(t, nil)

	_, err := f.service.SetRevisionStatus(context.Background(), "rev_missing", "actor", RevisionAccepted)
	if !errors.Is(err, ErrRevisionNotFound) {
		t.Errorf("expected ErrRevisionNotFound, got %v", err)
	}
	if Code(err) != "REVISION_NOT_FOUND" {
		t.Errorf("expected code REVISION_NOT_FOUND, got %s", Code(err))
	}
}

func TestComments_Lifecycle(t *testing.T) {
	f := newWorkshopFixture(t, nil)
	ctx := context.Background()

	r, _ := f.service.CreateRevision(ctx, CreateRevisionRequest{
		NegotiationID: "neg_4", AuthorID: "buyer_1", Body: "terms", Submit: true,
	})

	comment, err := f.service.AddComment(ctx, r.ID, AddCommentRequest{
		AuthorID: "seller_1",
		Body:     "clause 4 needs a delivery window",
		Anchor:   "sec-4",
	})
	if err != nil {
		t.Fatalf("AddComment: %v", err)
	}
	if comment.Status != CommentOpen {
		t.Errorf("expected OPEN, got %s", comment.Status)
	}

	resolved, err := f.service.ResolveComment(ctx, comment.ID, "buyer_1", true)
	if err != nil {
		t.Fatalf("ResolveComment: %v", err)
	}
	if resolved.Status != CommentResolved || resolved.ResolvedAt == nil || resolved.ResolvedByID != "buyer_1" {
		t.Errorf("resolution fields not stamped: %+v", resolved)
	}

	reopened, err := f.service.ResolveComment(ctx, comment.ID, "seller_1", false)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Status != CommentOpen || reopened.ResolvedAt != nil || reopened.ResolvedByID != "" {
		t.Errorf("resolution fields not cleared: %+v", reopened)
	}

	var commented int
	for _, rec := range f.outbox.List("neg_4") {
		if rec.Type == events.TypeRevisionCommented {
			commented++
		}
	}
	if commented != 3 {
		t.Errorf("expected 3 COMMENTED events, got %d", commented)
	}
}

func TestStorageSyncFailure_RecordsLastError(t *testing.T) {
	storage := &failingStorageSync{}
	f := newWorkshopFixture(t, storage)
	ctx := context.Background()

	r, err := f.service.CreateRevision(ctx, CreateRevisionRequest{
		NegotiationID: "neg_5",
		AuthorID:      "buyer_1",
		Body:          "terms",
		Attachments:   []Attachment{{Name: "a.pdf", URL: "https://files/a.pdf", MimeType: "application/pdf"}},
	})
	if err != nil {
		t.Fatalf("sync failure must not fail creation: %v", err)
	}
	f.service.WaitForSync()

	if storage.calls != 1 {
		t.Errorf("expected 1 sync call, got %d", storage.calls)
	}
	contract, _ := f.service.GetByNegotiation(ctx, "neg_5")
	if contract.LastError == "" {
		t.Error("expected lastError recorded after sync failure")
	}
	if got, _ := f.service.GetRevision(ctx, r.ID); got == nil {
		t.Error("revision should exist despite sync failure")
	}
}

func countCurrent(t *testing.T, f *workshopFixture, contractID string) int {
	t.Helper()
	revisions, err := f.store.ListRevisionsByNegotiation(context.Background(), "neg_2")
	if err != nil {
		t.Fatalf("list revisions: %v", err)
	}
	n := 0
	for _, r := range revisions {
		if r.ContractID == contractID && r.IsCurrent {
			n++
		}
	}
	return n
}
