package client_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/safetrip/idanchor/internal/anchor"
	"github.com/safetrip/idanchor/internal/audit"
	"github.com/safetrip/idanchor/internal/handler"
	"github.com/safetrip/idanchor/internal/ledger"
	"github.com/safetrip/idanchor/internal/platform/keylock"
	"github.com/safetrip/idanchor/internal/verification"
	"github.com/safetrip/idanchor/pkg/client"
)

// ── Test server ─────────────────────────────────────────────────────────

type server struct {
	*httptest.Server
	chain  *ledger.Simulated
	worker *anchor.Worker
}

// newServer runs the real HTTP surface over a simulated ledger that
// confirms on the first receipt poll.
func newServer(t *testing.T) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	chain := ledger.NewSimulated(ledger.WithConfirmAfter(1))
	locks := keylock.New(8)
	engine := anchor.NewEngine(anchor.NewMemoryStore(), chain, locks, anchor.Config{PollInterval: time.Millisecond}, zap.NewNop())
	rec := audit.NewReconciler(audit.NewMemoryStore(), engine, chain, locks, nil, audit.Config{}, zap.NewNop())
	svc := verification.NewService(engine, rec, verification.NewMemoryCache(time.Minute), nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	router := handler.NewRouter(ctx, handler.RouterConfig{}, handler.NewVerificationHandler(svc, zap.NewNop()), nil, zap.NewNop())
	srv := httptest.NewServer(router)

	worker := anchor.NewWorker(engine, zap.NewNop(), anchor.WithPollInterval(5*time.Millisecond))
	worker.Start()
	t.Cleanup(func() {
		worker.Stop(context.Background()) //nolint:errcheck
		srv.Close()
		cancel()
	})
	return &server{Server: srv, chain: chain, worker: worker}
}

func record(owner string) client.IdentityRecord {
	return client.IdentityRecord{
		OwnerID:        owner,
		TripID:         "trip-42",
		DocumentType:   "passport",
		DocumentNumber: "X1234567",
		ValidFrom:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		ValidUntil:     time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC),
		Itinerary: []client.ItineraryStop{
			{Location: "Queenstown", Arrive: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)},
		},
	}
}

// ── Tests ────────────────────────────────────────────────────────────────

func TestNew_invalidBase(t *testing.T) {
	if _, err := client.New("not a url"); err == nil {
		t.Error("expected error for invalid base URL")
	}
}

func TestAnchorAndVerify(t *testing.T) {
	srv := newServer(t)
	c := client.MustNew(srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hash, err := c.HashIdentity(ctx, record("tourist-1"))
	if err != nil {
		t.Fatalf("HashIdentity: %v", err)
	}

	res, err := c.AnchorIdentity(ctx, record("tourist-1"))
	if err != nil {
		t.Fatalf("AnchorIdentity: %v", err)
	}
	if res.Hash != hash {
		t.Errorf("anchored hash %s differs from computed hash %s", res.Hash, hash)
	}

	tx, err := c.WaitForConfirmation(ctx, res.Transaction.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForConfirmation: %v", err)
	}
	if tx.State != client.StateConfirmed {
		t.Fatalf("state = %s, want confirmed", tx.State)
	}

	entry, err := c.RecordAction(ctx, "kyc_verified", "tourist-1", res.Hash)
	if err != nil {
		t.Fatalf("RecordAction: %v", err)
	}
	out, err := c.VerifyEntry(ctx, entry.ID)
	if err != nil {
		t.Fatalf("VerifyEntry: %v", err)
	}
	if out.Result != client.ResultMatch {
		t.Errorf("result = %s, want match", out.Result)
	}

	st, err := c.VerificationStatus(ctx, "tourist-1")
	if err != nil {
		t.Fatalf("VerificationStatus: %v", err)
	}
	if !st.VerifiedOnChain || st.Hash != res.Hash {
		t.Errorf("unexpected status %+v", st)
	}

	state, err := c.AnchoringState(ctx, "tourist-1")
	if err != nil {
		t.Fatalf("AnchoringState: %v", err)
	}
	if state.TransactionID != res.Transaction.ID {
		t.Errorf("anchoring state points at %s", state.TransactionID)
	}

	history, err := c.AuditHistory(ctx, "tourist-1", 10)
	if err != nil || len(history) != 1 {
		t.Errorf("AuditHistory = %d entries, err %v", len(history), err)
	}
}

func TestAnchorIdentity_rejectedCarriesTransaction(t *testing.T) {
	srv := newServer(t)
	srv.chain.RejectNextSubmits(1)
	c := client.MustNew(srv.URL)

	_, err := c.AnchorIdentity(context.Background(), record("tourist-1"))
	if !errors.Is(err, client.ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.Transaction == nil {
		t.Fatal("expected the failed transaction on the error")
	}
	if apiErr.Transaction.State != client.StateFailed {
		t.Errorf("state = %s, want failed", apiErr.Transaction.State)
	}
}

func TestErrors_mapToSentinels(t *testing.T) {
	srv := newServer(t)
	c := client.MustNew(srv.URL)
	ctx := context.Background()

	if _, err := c.VerificationStatus(ctx, "nobody"); !errors.Is(err, client.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	bad := record("tourist-1")
	bad.DocumentNumber = ""
	if _, err := c.HashIdentity(ctx, bad); !errors.Is(err, client.ErrInvalid) {
		t.Errorf("expected ErrInvalid, got %v", err)
	}
}

func TestCancelAnchor(t *testing.T) {
	srv := newServer(t)
	srv.worker.Stop(context.Background()) //nolint:errcheck
	c := client.MustNew(srv.URL)
	ctx := context.Background()

	res, err := c.AnchorIdentity(ctx, record("tourist-1"))
	if err != nil {
		t.Fatal(err)
	}
	out, err := c.CancelAnchor(ctx, res.Transaction.ID)
	if err != nil {
		t.Fatalf("CancelAnchor: %v", err)
	}
	if !out.LedgerWriteDispatched || out.Transaction.State != client.StateSuperseded {
		t.Errorf("unexpected cancel result %+v", out)
	}
	if _, err := c.CancelAnchor(ctx, res.Transaction.ID); !errors.Is(err, client.ErrConflict) {
		t.Errorf("expected ErrConflict on second cancel, got %v", err)
	}
}

func TestHealth_degraded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"degraded","dependencies":{"ledger":"degraded"}}`)) //nolint:errcheck
	}))
	defer srv.Close()

	h, err := client.MustNew(srv.URL).Health(context.Background())
	if err == nil {
		t.Fatal("expected error for 503")
	}
	if h == nil || h.Dependencies["ledger"] != "degraded" {
		t.Errorf("expected dependency detail, got %+v", h)
	}
}

func TestBearerToken(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
	}))
	defer srv.Close()

	c := client.MustNew(srv.URL, client.WithBearerToken("tok"))
	if _, err := c.Health(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got != "Bearer tok" {
		t.Errorf("Authorization = %q", got)
	}
}
