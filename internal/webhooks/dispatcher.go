package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/mbd888/p2ptrade/internal/circuitbreaker"
	"github.com/mbd888/p2ptrade/internal/clock"
	"github.com/mbd888/p2ptrade/internal/retry"
	"github.com/mbd888/p2ptrade/internal/security"
)

const (
	HeaderEvent     = "X-P2PTrade-Event"
	HeaderDelivery  = "X-P2PTrade-Delivery"
	HeaderTimestamp = "X-P2PTrade-Timestamp"
	HeaderSignature = "X-P2PTrade-Signature"

	// DisableAfter consecutive failed deliveries deactivates a subscription.
	DisableAfter = 20
)

var (
	// ErrCircuitOpen means the endpoint is cooling down after repeated failures.
	ErrCircuitOpen = errors.New("webhooks: circuit open")

	errRetryable = errors.New("retryable")
)

// Dispatcher signs and posts deliveries.
type Dispatcher struct {
	store       Store
	client      *http.Client
	breaker     *circuitbreaker.Breaker
	clock       clock.Clock
	logger      *slog.Logger
	validate    func(string) error
	maxAttempts int
	baseDelay   time.Duration
}

func NewDispatcher(store Store) *Dispatcher {
	return &Dispatcher{
		store:       store,
		client:      &http.Client{Timeout: 10 * time.Second},
		breaker:     circuitbreaker.New(5, time.Minute),
		clock:       clock.Real{},
		logger:      slog.Default(),
		validate:    validateURL,
		maxAttempts: 3,
		baseDelay:   500 * time.Millisecond,
	}
}

func (d *Dispatcher) WithLogger(l *slog.Logger) *Dispatcher {
	d.logger = l
	return d
}

func (d *Dispatcher) WithClock(c clock.Clock) *Dispatcher {
	d.clock = c
	d.breaker.WithClock(c)
	return d
}

func (d *Dispatcher) WithBreaker(b *circuitbreaker.Breaker) *Dispatcher {
	d.breaker = b
	return d
}

// WithRetry sets the attempt budget per delivery.
func (d *Dispatcher) WithRetry(attempts int, baseDelay time.Duration) *Dispatcher {
	d.maxAttempts = attempts
	d.baseDelay = baseDelay
	return d
}

func validateURL(raw string) error {
	_, err := security.ValidateAttachmentURL(raw)
	return err
}

// Sign returns the hex HMAC-SHA256 of "<timestamp>.<body>".
func Sign(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Deliver posts one delivery to sub, retrying network errors and 5xx
// responses, and records the outcome on the subscription.
func (d *Dispatcher) Deliver(ctx context.Context, sub *Subscription, dl Delivery) error {
	if !d.breaker.Allow(sub.ID) {
		return ErrCircuitOpen
	}

	// Endpoints are re-checked on every send; a hostname may have been
	// registered before the rules tightened.
	if err := d.validate(sub.URL); err != nil {
		d.breaker.Failure(sub.ID)
		d.record(ctx, sub, fmt.Errorf("%w: %v", ErrInvalidURL, err))
		return err
	}

	body, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal delivery: %w", err)
	}

	err = retry.DoIf(ctx, d.maxAttempts, d.baseDelay,
		func(err error) bool { return errors.Is(err, errRetryable) },
		func() error { return d.post(ctx, sub, dl, body) })
	if err != nil {
		d.breaker.Failure(sub.ID)
	} else {
		d.breaker.Success(sub.ID)
	}
	d.record(ctx, sub, err)
	return err
}

func (d *Dispatcher) post(ctx context.Context, sub *Subscription, dl Delivery, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(err)
	}

	ts := d.clock.Now().Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(dl.Type))
	req.Header.Set(HeaderDelivery, dl.ID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	if sub.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(sub.Secret, ts, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", errRetryable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", errRetryable, resp.StatusCode)
	default:
		return fmt.Errorf("status %d", resp.StatusCode)
	}
}

func (d *Dispatcher) record(ctx context.Context, sub *Subscription, deliverErr error) {
	if deliverErr == nil {
		now := d.clock.Now()
		sub.LastSuccess = &now
		sub.LastError = ""
		sub.ConsecutiveFailures = 0
	} else {
		sub.LastError = deliverErr.Error()
		sub.ConsecutiveFailures++
		if sub.ConsecutiveFailures >= DisableAfter && sub.Active {
			sub.Active = false
			d.breaker.Forget(sub.ID)
			d.logger.Warn("webhook disabled after repeated failures",
				"webhookId", sub.ID, "userId", sub.UserID, "failures", sub.ConsecutiveFailures)
		}
	}
	if err := d.store.RecordResult(ctx, sub); err != nil && !errors.Is(err, ErrNotFound) {
		d.logger.Error("failed to record webhook result", "webhookId", sub.ID, "error", err)
	}
}
