package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/EvidenceAnchor/internal/anchoring/model"
	"github.com/jmerrifield20/EvidenceAnchor/internal/ledger"
)

var fp = ledger.MustParseFingerprint(strings.Repeat("ab", 32))

func newTestNotifier(url, secret string) *Notifier {
	n := NewNotifier(url, secret, zap.NewNop())
	n.delays = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	return n
}

func waitDone(t *testing.T, n *Notifier) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestNotifier_deliversSignedEvent(t *testing.T) {
	var (
		mu        sync.Mutex
		body      []byte
		signature string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		body, _ = io.ReadAll(r.Body)
		signature = r.Header.Get(SignatureHeader)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := newTestNotifier(srv.URL, "s3cret")
	var outcomes []bool
	n.SetMetricsRecorder(func(ok bool) { outcomes = append(outcomes, ok) })

	ts := uint64(1_700_000_000)
	n.Notify(context.Background(), &model.AnchorRecord{
		Fingerprint:    fp,
		Status:         model.StatusConfirmed,
		ChainTimestamp: &ts,
	})
	waitDone(t, n)

	mu.Lock()
	defer mu.Unlock()
	if !ValidSignature(body, "s3cret", signature) {
		t.Fatalf("signature %q does not match body", signature)
	}
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != EventConfirmed {
		t.Errorf("type = %q, want %q", ev.Type, EventConfirmed)
	}
	if ev.Record.Fingerprint != fp || ev.Record.ChainTimestamp == nil || *ev.Record.ChainTimestamp != ts {
		t.Errorf("record = %+v", ev.Record)
	}
	if len(outcomes) != 1 || !outcomes[0] {
		t.Errorf("outcomes = %v", outcomes)
	}
}

func TestNotifier_retriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := newTestNotifier(srv.URL, "")
	n.Notify(context.Background(), &model.AnchorRecord{
		Fingerprint:   fp,
		Status:        model.StatusFailed,
		FailureReason: model.ReasonPermanentFailure,
	})
	waitDone(t, n)

	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestNotifier_givesUpAfterThreeRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := newTestNotifier(srv.URL, "")
	n.Notify(context.Background(), &model.AnchorRecord{Fingerprint: fp, Status: model.StatusFailed})
	waitDone(t, n)

	if got := calls.Load(); got != 4 {
		t.Errorf("calls = %d, want 4", got)
	}
}

func TestNotifier_firstRetryUsesFirstDelay(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	n := newTestNotifier(srv.URL, "")
	n.delays = []time.Duration{time.Millisecond, time.Hour, time.Hour}
	n.Notify(context.Background(), &model.AnchorRecord{Fingerprint: fp, Status: model.StatusConfirmed})
	waitDone(t, n)

	if got := calls.Load(); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}
}

func TestNotifier_waitDeadlineCancelsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := newTestNotifier(srv.URL, "")
	n.delays = []time.Duration{time.Hour}
	n.Notify(context.Background(), &model.AnchorRecord{Fingerprint: fp, Status: model.StatusFailed})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := n.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait = %v, want DeadlineExceeded", err)
	}
	// The pending retry must give up rather than sleep out its hour.
	waitDone(t, n)
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestNotifier_ignoresNonTerminal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	n := newTestNotifier(srv.URL, "")
	n.Notify(context.Background(), &model.AnchorRecord{Fingerprint: fp, Status: model.StatusSubmitted})
	waitDone(t, n)

	if got := calls.Load(); got != 0 {
		t.Errorf("calls = %d, want 0", got)
	}
}

func TestNotifier_survivesCancelledContext(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n := newTestNotifier(srv.URL, "")
	n.Notify(ctx, &model.AnchorRecord{Fingerprint: fp, Status: model.StatusConfirmed})
	waitDone(t, n)

	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestValidSignature_rejectsTamperedBody(t *testing.T) {
	sig := Sign([]byte(`{"a":1}`), "k")
	if ValidSignature([]byte(`{"a":2}`), "k", sig) {
		t.Error("tampered body accepted")
	}
	if ValidSignature([]byte(`{"a":1}`), "other", sig) {
		t.Error("wrong secret accepted")
	}
}
