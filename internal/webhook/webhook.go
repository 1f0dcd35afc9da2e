// Package webhook posts delivery-outcome notifications to a configured
// HTTP endpoint, per spec.md §4.9. A failed webhook delivery never
// affects the underlying message's queue state.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mailstackd/mailstackd/internal/store"
)

// EmailSummary is the common envelope summary included in every payload.
type EmailSummary struct {
	ID         int64    `json:"id"`
	Sender     string   `json:"sender"`
	Recipients []string `json:"recipients"`
	Subject    string   `json:"subject"`
	Status     string   `json:"status"`
	RetryCount int      `json:"retryCount"`
}

// AttemptDetail mirrors one sendAttempts[] entry.
type AttemptDetail struct {
	Timestamp string `json:"timestamp"`
	Success   bool   `json:"success"`
	Response  string `json:"response,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Payload is the JSON body posted to the success/failure URL.
type Payload struct {
	Event          string          `json:"event"` // "success" or "failure"
	Timestamp      string          `json:"timestamp"`
	Email          EmailSummary    `json:"email"`
	LastAttempt    AttemptDetail   `json:"lastAttempt"`
	AllAttempts    []AttemptDetail `json:"allAttempts,omitempty"`
	IsPermanent    bool            `json:"isPermanent,omitempty"`
}

// Dispatcher posts Payloads with exponential backoff, grounded on the
// teacher's rspamd.Checker use of a pooled http.Client for collaborator
// calls.
type Dispatcher struct {
	client     *http.Client
	successURL string
	failureURL string
	maxRetries int
	logger     *slog.Logger
}

// Config configures a Dispatcher.
type Config struct {
	SuccessURL string
	FailureURL string
	Timeout    time.Duration
	MaxRetries int
	Logger     *slog.Logger
}

// NewDispatcher builds a Dispatcher. A zero-value SuccessURL/FailureURL
// disables that notification direction.
func NewDispatcher(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	return &Dispatcher{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 50,
			},
		},
		successURL: cfg.SuccessURL,
		failureURL: cfg.FailureURL,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// Attempt is one send attempt's outcome, independent of internal/queue's
// own attempt type so neither package has to import the other.
type Attempt struct {
	Timestamp time.Time
	Success   bool
	Response  string
	Err       error
}

func attemptDetail(a Attempt) AttemptDetail {
	d := AttemptDetail{
		Timestamp: a.Timestamp.Format(time.RFC3339),
		Success:   a.Success,
		Response:  a.Response,
	}
	if a.Err != nil {
		d.Error = a.Err.Error()
	}
	return d
}

// NotifySuccess posts a "success" event for msg.
func (d *Dispatcher) NotifySuccess(ctx context.Context, msg *store.QueuedMessage, attempts []Attempt) {
	if d.successURL == "" {
		return
	}
	d.notify(ctx, d.successURL, d.buildPayload("success", msg, attempts, false))
}

// NotifyFailure posts a "failure" event for msg.
func (d *Dispatcher) NotifyFailure(ctx context.Context, msg *store.QueuedMessage, attempts []Attempt, permanent bool) {
	if d.failureURL == "" {
		return
	}
	d.notify(ctx, d.failureURL, d.buildPayload("failure", msg, attempts, permanent))
}

func (d *Dispatcher) buildPayload(event string, msg *store.QueuedMessage, attempts []Attempt, permanent bool) Payload {
	details := make([]AttemptDetail, len(attempts))
	for i, a := range attempts {
		details[i] = attemptDetail(a)
	}

	status := "delivered"
	if event == "failure" {
		status = "failed_transient"
		if permanent {
			status = "failed_permanent"
		}
	}

	var last AttemptDetail
	if len(details) > 0 {
		last = details[len(details)-1]
	}

	return Payload{
		Event:     event,
		Timestamp: time.Now().Format(time.RFC3339),
		Email: EmailSummary{
			ID:         msg.ID,
			Sender:     msg.From,
			Recipients: []string{msg.To},
			Status:     status,
			RetryCount: msg.Attempts,
		},
		LastAttempt: last,
		AllAttempts: details,
		IsPermanent: permanent,
	}
}

// notify posts payload to url, retrying with exponential backoff
// (1s, 2s, 4s, ... capped at 10s) up to maxRetries times. Delivery
// failure is logged and swallowed.
func (d *Dispatcher) notify(ctx context.Context, url string, payload Payload) {
	body, err := json.Marshal(payload)
	if err != nil {
		d.logger.Error("webhook: encoding payload failed", slog.String("error", err.Error()))
		return
	}

	backoff := 1 * time.Second
	var lastErr error

	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			backoff *= 2
			if backoff > 10*time.Second {
				backoff = 10 * time.Second
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return
		}
		lastErr = fmt.Errorf("webhook: %s returned %d", url, resp.StatusCode)
	}

	d.logger.Warn("webhook: delivery failed after retries",
		slog.String("url", url), slog.String("error", lastErr.Error()))
}
