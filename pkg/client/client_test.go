package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmerrifield20/EvidenceAnchor/pkg/client"
)

const (
	fpA = "0x1111111111111111111111111111111111111111111111111111111111111111"
	fpB = "0x2222222222222222222222222222222222222222222222222222222222222222"
)

// ── Stub server ─────────────────────────────────────────────────────────

type stubAPI struct {
	mu          sync.Mutex
	records     map[string]map[string]any
	getCalls    int
	verifyCalls int
	adminHeader string
	confirmOn   int // Get call that flips the record to confirmed
}

func newStubAPI(t *testing.T) (*stubAPI, *httptest.Server) {
	t.Helper()
	s := &stubAPI{records: map[string]map[string]any{}}
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/anchors", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Fingerprint string `json:"fingerprint"`
			Metadata    string `json:"metadata"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if !strings.HasPrefix(req.Fingerprint, "0x") {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]any{"error": "fingerprint must be 64 hex characters"})
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if rec, ok := s.records[req.Fingerprint]; ok {
			json.NewEncoder(w).Encode(map[string]any{"record": rec, "duplicate": true})
			return
		}
		rec := map[string]any{"fingerprint": req.Fingerprint, "metadata": req.Metadata, "status": "pending"}
		s.records[req.Fingerprint] = rec
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]any{"record": rec, "duplicate": false})
	})

	mux.HandleFunc("POST /api/v1/anchors/batch", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Fingerprints []string `json:"fingerprints"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		results := make([]map[string]any, len(req.Fingerprints))
		for i, fp := range req.Fingerprints {
			results[i] = map[string]any{"index": i, "record": map[string]any{"fingerprint": fp, "status": "pending"}}
		}
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]any{"results": results, "count": len(results)})
	})

	mux.HandleFunc("GET /api/v1/anchors/{fp}", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.getCalls++
		rec, ok := s.records[r.PathValue("fp")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]any{"error": "anchor record not found"})
			return
		}
		if s.confirmOn > 0 && s.getCalls >= s.confirmOn {
			rec["status"] = "confirmed"
			rec["chain_timestamp"] = 1700000000
		}
		json.NewEncoder(w).Encode(rec)
	})

	mux.HandleFunc("POST /api/v1/anchors/{fp}/resubmit", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.adminHeader = r.Header.Get("X-Admin-Secret")
		rec, ok := s.records[r.PathValue("fp")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if rec["status"] != "failed" {
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(map[string]any{"error": "record is not in a resubmittable state", "record": rec})
			return
		}
		rec["status"] = "pending"
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(rec)
	})

	mux.HandleFunc("GET /api/v1/verify/{fp}", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.verifyCalls++
		s.mu.Unlock()
		fp := r.PathValue("fp")
		anchored := fp == fpA
		json.NewEncoder(w).Encode(map[string]any{
			"fingerprint":      fp,
			"is_anchored":      anchored,
			"chain_timestamp":  map[bool]int{true: 1700000000}[anchored],
			"matches_expected": anchored && r.URL.Query().Get("expected_timestamp") == "1700000000",
			"disclaimer":       "read-only",
		})
	})

	mux.HandleFunc("POST /api/v1/verify/batch", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Items []client.VerifyRequest `json:"items"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		out := make([]map[string]any, len(req.Items))
		for i, it := range req.Items {
			if it.Fingerprint == fpA {
				out[i] = map[string]any{"index": i, "result": map[string]any{"fingerprint": fpA, "is_anchored": true}}
			} else {
				out[i] = map[string]any{"index": i, "error": "bad fingerprint"}
			}
		}
		json.NewEncoder(w).Encode(map[string]any{"results": out})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return s, srv
}

// ── Tests ───────────────────────────────────────────────────────────────

func TestSubmit_newThenDuplicate(t *testing.T) {
	_, srv := newStubAPI(t)
	c := client.MustNew(srv.URL)
	ctx := context.Background()

	res, err := c.Submit(ctx, fpA, "case-1")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Duplicate || res.Record.Status != client.StatusPending {
		t.Errorf("unexpected first result: %+v", res)
	}

	res, err = c.Submit(ctx, fpA, "case-1")
	if err != nil {
		t.Fatalf("second Submit: %v", err)
	}
	if !res.Duplicate {
		t.Error("expected duplicate on second submit")
	}
}

func TestSubmit_apiError(t *testing.T) {
	_, srv := newStubAPI(t)
	c := client.MustNew(srv.URL)

	_, err := c.Submit(context.Background(), "nothex", "")
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || !strings.Contains(apiErr.Message, "64 hex") {
		t.Errorf("unexpected error: %+v", apiErr)
	}
}

func TestSubmitBatch(t *testing.T) {
	_, srv := newStubAPI(t)
	c := client.MustNew(srv.URL)

	items, err := c.SubmitBatch(context.Background(), []string{fpA, fpB}, nil)
	if err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}
	if len(items) != 2 || items[1].Record.Fingerprint != fpB {
		t.Errorf("unexpected items: %+v", items)
	}
}

func TestGet_notFound(t *testing.T) {
	_, srv := newStubAPI(t)
	c := client.MustNew(srv.URL)

	if _, err := c.Get(context.Background(), fpB); !errors.Is(err, client.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestWaitConfirmed_polls(t *testing.T) {
	stub, srv := newStubAPI(t)
	stub.confirmOn = 3
	c := client.MustNew(srv.URL, client.WithPollInterval(5*time.Millisecond))
	ctx := context.Background()

	if _, err := c.Submit(ctx, fpA, ""); err != nil {
		t.Fatal(err)
	}
	rec, err := c.WaitConfirmed(ctx, fpA)
	if err != nil {
		t.Fatalf("WaitConfirmed: %v", err)
	}
	if rec.Status != client.StatusConfirmed || rec.ChainTimestamp == nil || *rec.ChainTimestamp != 1700000000 {
		t.Errorf("unexpected record: %+v", rec)
	}
	if stub.getCalls != 3 {
		t.Errorf("expected 3 polls, got %d", stub.getCalls)
	}
}

func TestWaitConfirmed_contextDone(t *testing.T) {
	_, srv := newStubAPI(t)
	c := client.MustNew(srv.URL, client.WithPollInterval(5*time.Millisecond))

	if _, err := c.Submit(context.Background(), fpA, ""); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	rec, err := c.WaitConfirmed(ctx, fpA)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
	if rec == nil || rec.Status != client.StatusPending {
		t.Errorf("expected last seen pending record, got %+v", rec)
	}
}

func TestResubmit(t *testing.T) {
	stub, srv := newStubAPI(t)
	c := client.MustNew(srv.URL, client.WithAdminSecret("s3cret"))
	ctx := context.Background()

	if _, err := c.Submit(ctx, fpA, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Resubmit(ctx, fpA); !errors.Is(err, client.ErrNotResubmittable) {
		t.Fatalf("pending record: expected ErrNotResubmittable, got %v", err)
	}
	if stub.adminHeader != "s3cret" {
		t.Errorf("admin secret not sent, got %q", stub.adminHeader)
	}

	stub.mu.Lock()
	stub.records[fpA]["status"] = "failed"
	stub.mu.Unlock()

	rec, err := c.Resubmit(ctx, fpA)
	if err != nil {
		t.Fatalf("Resubmit: %v", err)
	}
	if rec.Status != client.StatusPending {
		t.Errorf("expected pending, got %s", rec.Status)
	}
}

func TestVerify_cachesAnchoredOnly(t *testing.T) {
	stub, srv := newStubAPI(t)
	c := client.MustNew(srv.URL, client.WithCacheTTL(time.Minute))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		v, err := c.Verify(ctx, fpA, 1700000000)
		if err != nil {
			t.Fatalf("Verify: %v", err)
		}
		if !v.MatchesExpected {
			t.Errorf("expected match, got %+v", v)
		}
	}
	for i := 0; i < 2; i++ {
		if _, err := c.Verify(ctx, fpB, 0); err != nil {
			t.Fatal(err)
		}
	}

	if stub.verifyCalls != 3 {
		t.Errorf("expected 3 server calls (1 cached anchored + 2 absent), got %d", stub.verifyCalls)
	}
}

func TestVerifyBatch(t *testing.T) {
	_, srv := newStubAPI(t)
	c := client.MustNew(srv.URL)

	out, err := c.VerifyBatch(context.Background(), []client.VerifyRequest{
		{Fingerprint: fpA}, {Fingerprint: "junk"},
	})
	if err != nil {
		t.Fatalf("VerifyBatch: %v", err)
	}
	if len(out) != 2 || out[0].Result == nil || !out[0].Result.IsAnchored || out[1].Error == "" {
		t.Errorf("unexpected results: %+v", out)
	}
}

func TestNew_options(t *testing.T) {
	if _, err := client.New("http://x", client.WithCacheTTL(0)); err == nil {
		t.Error("expected error for zero cache TTL")
	}
	if _, err := client.New("http://x", client.WithPollInterval(-1)); err == nil {
		t.Error("expected error for negative poll interval")
	}

	var calls atomic.Int32
	hc := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		calls.Add(1)
		return nil, errors.New("offline")
	})}
	c := client.MustNew("http://x/", client.WithHTTPClient(hc))
	if _, err := c.Get(context.Background(), fpA); err == nil {
		t.Error("expected transport error")
	}
	if calls.Load() != 1 {
		t.Errorf("custom transport not used")
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
