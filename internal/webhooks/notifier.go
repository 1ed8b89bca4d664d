// Package webhooks delivers signed terminal-transition events for anchor
// records to an HTTP endpoint.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/EvidenceAnchor/internal/anchoring/model"
)

// SignatureHeader carries the HMAC-SHA256 of the request body.
const SignatureHeader = "X-Anchor-Signature"

// Event types.
const (
	EventConfirmed = "anchor.confirmed"
	EventFailed    = "anchor.failed"
)

// Event is the JSON body POSTed to the endpoint.
type Event struct {
	Type      string             `json:"type"`
	Timestamp time.Time          `json:"timestamp"`
	Record    model.AnchorRecord `json:"record"`
}

// MetricsRecorder is an optional callback for recording delivery outcomes.
type MetricsRecorder func(success bool)

// Notifier POSTs an Event for every record reaching Confirmed or Failed.
// Deliveries run in the background; a failed delivery is retried after 1s,
// 5s and 25s.
type Notifier struct {
	url        string
	secret     string
	httpClient *http.Client
	delays     []time.Duration
	onMetrics  MetricsRecorder
	logger     *zap.Logger
	wg         sync.WaitGroup

	// ctx outlives the callers of Notify; Wait cancels it at its deadline.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewNotifier creates a Notifier for url. An empty secret sends unsigned events.
func NewNotifier(url, secret string, logger *zap.Logger) *Notifier {
	ctx, cancel := context.WithCancel(context.Background())
	return &Notifier{
		url:        url,
		secret:     secret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		delays:     []time.Duration{time.Second, 5 * time.Second, 25 * time.Second},
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SetMetricsRecorder configures the metrics callback.
func (n *Notifier) SetMetricsRecorder(fn MetricsRecorder) {
	n.onMetrics = fn
}

// Notify implements service.Notifier. It never blocks on the network, and
// cancelling the caller's context does not stop the delivery.
func (n *Notifier) Notify(_ context.Context, rec *model.AnchorRecord) {
	event := Event{Timestamp: time.Now().UTC(), Record: *rec}
	switch rec.Status {
	case model.StatusConfirmed:
		event.Type = EventConfirmed
	case model.StatusFailed:
		event.Type = EventFailed
	default:
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.deliver(n.ctx, event)
	}()
}

// Wait blocks until in-flight deliveries finish. When ctx is done first, the
// remaining deliveries are cancelled and ctx.Err is returned.
func (n *Notifier) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		n.cancel()
		return ctx.Err()
	}
}

func (n *Notifier) deliver(ctx context.Context, event Event) {
	body, err := json.Marshal(event)
	if err != nil {
		n.logger.Error("webhook: marshal event", zap.Error(err))
		return
	}

	var signature string
	if n.secret != "" {
		signature = Sign(body, n.secret)
	}

	for attempt := 1; ; attempt++ {
		err := n.post(ctx, body, signature)
		if n.onMetrics != nil {
			n.onMetrics(err == nil)
		}
		if err == nil {
			return
		}

		n.logger.Warn("webhook: delivery failed",
			zap.String("url", n.url),
			zap.String("event", event.Type),
			zap.String("fingerprint", event.Record.Fingerprint.String()),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		if attempt > len(n.delays) {
			n.logger.Error("webhook: giving up",
				zap.String("event", event.Type),
				zap.String("fingerprint", event.Record.Fingerprint.String()),
			)
			return
		}
		if err := sleepCtx(ctx, n.delays[attempt-1]); err != nil {
			n.logger.Warn("webhook: delivery abandoned",
				zap.String("event", event.Type),
				zap.String("fingerprint", event.Record.Fingerprint.String()),
				zap.Error(err),
			)
			return
		}
	}
}

func (n *Notifier) post(ctx context.Context, body []byte, signature string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sign computes the SignatureHeader value for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// ValidSignature reports whether signature matches body under secret.
func ValidSignature(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(body, secret)), []byte(signature))
}
