// Package notify implements the core's single outbound-only interface:
// notify-approver. The approval engine calls it fire-and-forget — a failed
// or rate-limited notification never blocks or fails the state machine, it
// only means the approver has to be told some other way (they can still
// open the approval directly).
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Contact is the delivery target for one approver's notifications: a
// webhook URL plus the shared secret used to sign the payload, the way
// services/escrow-gateway/webhook.go signs deliveries for its subscribers.
type Contact struct {
	ApproverID string
	WebhookURL string
	Secret     string
	RateLimit  int
}

// Notifier is the Notification interface named in the external-interfaces
// section: a single method, outbound only, no delivery confirmation.
type Notifier interface {
	NotifyApprover(ctx context.Context, contact Contact, intentID uuid.UUID, amountMinorUnit int64, destination, displayDigest, approvalURL string) error
}

// NoopNotifier discards every notification; useful for tests and for
// approvers with no configured delivery channel.
type NoopNotifier struct{}

func (NoopNotifier) NotifyApprover(context.Context, Contact, uuid.UUID, int64, string, string, string) error {
	return nil
}

// WebhookNotifier delivers notify-approver calls as signed HTTP POSTs,
// adapted from services/escrow-gateway/webhook.go's delivery shape but
// simplified to a single best-effort attempt: the core does not wait for
// confirmation or retry, per spec.
type WebhookNotifier struct {
	client  *http.Client
	limiter *RateLimiter
	now     func() time.Time
}

// Option configures a WebhookNotifier.
type Option func(*WebhookNotifier)

func WithHTTPClient(c *http.Client) Option  { return func(w *WebhookNotifier) { w.client = c } }
func WithClock(now func() time.Time) Option { return func(w *WebhookNotifier) { w.now = now } }
func WithRateLimiter(rl *RateLimiter) Option { return func(w *WebhookNotifier) { w.limiter = rl } }

// NewWebhookNotifier constructs a WebhookNotifier with a 5s HTTP timeout.
func NewWebhookNotifier(opts ...Option) *WebhookNotifier {
	w := &WebhookNotifier{
		client:  &http.Client{Timeout: 5 * time.Second},
		limiter: NewRateLimiter(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

type payload struct {
	IntentID        string `json:"intentId"`
	AmountMinorUnit int64  `json:"amountMinorUnit"`
	Destination     string `json:"destination"`
	DisplayDigest   string `json:"displayDigest"`
	ApprovalURL     string `json:"approvalUrl"`
	SentAt          string `json:"sentAt"`
}

// NotifyApprover sends one signed, best-effort webhook delivery. It neither
// retries nor queues: a non-nil error simply tells the caller the approver
// was not reached this time.
func (w *WebhookNotifier) NotifyApprover(ctx context.Context, contact Contact, intentID uuid.UUID, amountMinorUnit int64, destination, displayDigest, approvalURL string) error {
	if contact.WebhookURL == "" {
		return fmt.Errorf("notify: no webhook configured for approver %s", contact.ApproverID)
	}
	now := w.now()
	if !w.limiter.Allow(contact.ApproverID, contact.RateLimit, now) {
		return fmt.Errorf("notify: rate limit exceeded for approver %s", contact.ApproverID)
	}

	body, err := json.Marshal(payload{
		IntentID:        intentID.String(),
		AmountMinorUnit: amountMinorUnit,
		Destination:     destination,
		DisplayDigest:   displayDigest,
		ApprovalURL:     approvalURL,
		SentAt:          now.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("notify: encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, contact.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Custody-Signature", signPayload(contact.Secret, body))

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: deliver: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notify: approver endpoint returned %s", resp.Status)
	}
	return nil
}

func signPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

var _ Notifier = (*WebhookNotifier)(nil)
