// Package queue implements the outbound send-queue worker: DKIM signing,
// MX resolution, SMTP client delivery, retry with backoff, and
// webhook notification on terminal/transient outcomes.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mailstackd/mailstackd/internal/config"
	"github.com/mailstackd/mailstackd/internal/dkim"
	"github.com/mailstackd/mailstackd/internal/metrics"
	"github.com/mailstackd/mailstackd/internal/store"
	"github.com/mailstackd/mailstackd/internal/webhook"
)

// WebhookNotifier is the narrow interface Worker needs from
// internal/webhook; *webhook.Dispatcher satisfies it directly.
type WebhookNotifier interface {
	NotifySuccess(ctx context.Context, msg *store.QueuedMessage, attempts []webhook.Attempt)
	NotifyFailure(ctx context.Context, msg *store.QueuedMessage, attempts []webhook.Attempt, permanent bool)
}

func toWebhookAttempts(attempts []deliverAttempt) []webhook.Attempt {
	out := make([]webhook.Attempt, len(attempts))
	for i, a := range attempts {
		out[i] = webhook.Attempt(a)
	}
	return out
}

// Worker drains store.Mailstore's outbound queue with a bounded
// concurrent pool, matching spec.md §4.4.
type Worker struct {
	store       store.Mailstore
	signer      *dkim.Signer
	selector    Selector
	webhook     WebhookNotifier
	collector   metrics.Collector
	hostname    string
	maxRetries  int
	poolSize    int
	pollEvery   time.Duration
	logger      *slog.Logger
}

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	Store      store.Mailstore
	Signer     *dkim.Signer
	Selector   Selector
	Webhook    WebhookNotifier
	Collector  metrics.Collector
	Hostname   string
	MaxRetries int
	PoolSize   int
	PollEvery  time.Duration
	Logger     *slog.Logger
}

// NewWorker builds a Worker from cfg, filling in defaults the same way
// config.QueueConfig's own Get* accessors do.
func NewWorker(cfg WorkerConfig) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	selector := cfg.Selector
	if selector == nil {
		selector = NilSelector{}
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}
	pollEvery := cfg.PollEvery
	if pollEvery <= 0 {
		pollEvery = 10 * time.Second
	}

	return &Worker{
		store:      cfg.Store,
		signer:     cfg.Signer,
		selector:   selector,
		webhook:    cfg.Webhook,
		collector:  cfg.Collector,
		hostname:   cfg.Hostname,
		maxRetries: maxRetries,
		poolSize:   poolSize,
		pollEvery:  pollEvery,
		logger:     logger,
	}
}

// Run drives the worker loop until ctx is cancelled: wake on push
// notification (store.Mailstore.WatchQueue) or the polling ticker,
// whichever comes first, and drain everything currently due.
func (w *Worker) Run(ctx context.Context) error {
	wake, err := w.store.WatchQueue(ctx)
	if err != nil {
		w.logger.Warn("push notification unavailable, polling only", slog.String("error", err.Error()))
		wake = nil
	}

	ticker := time.NewTicker(w.pollEvery)
	defer ticker.Stop()

	sem := make(chan struct{}, w.poolSize)
	var wg sync.WaitGroup

	drain := func() {
		for {
			msg, err := w.store.DequeueOutbound(ctx)
			if err != nil {
				w.logger.Error("dequeue failed", slog.String("error", err.Error()))
				return
			}
			if msg == nil {
				return
			}

			sem <- struct{}{}
			wg.Add(1)
			go func(m *store.QueuedMessage) {
				defer wg.Done()
				defer func() { <-sem }()
				w.deliver(ctx, m)
			}(msg)
		}
	}

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			drain()
		case _, ok := <-wake:
			if !ok {
				wake = nil
				continue
			}
			drain()
		}

		if depth, err := w.store.QueueDepth(ctx); err == nil && w.collector != nil {
			w.collector.QueueDepth(depth)
		}
	}
}

// deliver runs one send attempt for msg and applies the retry/terminal
// state transition spec.md §4.4 describes.
func (w *Worker) deliver(ctx context.Context, msg *store.QueuedMessage) {
	domain := domainOf(msg.To)

	raw := msg.Raw
	if w.signer != nil {
		signed := w.signer.Sign(ctx, msg.From, raw)
		if w.collector != nil {
			w.collector.DKIMSignResult(domainOf(msg.From), len(signed) != len(raw))
		}
		raw = signed
	}

	hosts, err := mxLookup(ctx, domain)
	if err != nil {
		w.recordOutcome(ctx, msg, []deliverAttempt{{Timestamp: time.Now(), Err: err}}, false)
		return
	}

	addr, _ := w.selector.Select(ctx, IPSelectRequest{
		Sender:     msg.From,
		Recipients: []string{msg.To},
		Timestamp:  time.Now(),
	})

	heloName := w.hostname
	if heloName == "" {
		heloName, _ = os.Hostname()
	}

	var attempts []deliverAttempt
	for _, host := range hosts {
		attempt := sendToMX(ctx, host, heloName, addr, msg.From, msg.To, raw)
		attempts = append(attempts, attempt)
		if attempt.Success {
			w.recordOutcome(ctx, msg, attempts, false)
			return
		}
		if isPermanent(attempt.Err) {
			break
		}
	}

	permanent := len(attempts) > 0 && isPermanent(attempts[len(attempts)-1].Err)
	w.recordOutcome(ctx, msg, attempts, permanent)
}

func (w *Worker) recordOutcome(ctx context.Context, msg *store.QueuedMessage, attempts []deliverAttempt, permanent bool) {
	last := attempts[len(attempts)-1]
	domain := domainOf(msg.To)

	if last.Success {
		_ = w.store.UpdateQueueState(ctx, msg.ID, "sent", time.Time{}, "")
		if w.collector != nil {
			w.collector.QueueAttempt("sent")
			w.collector.DeliveryCompleted(domain, "sent")
		}
		if w.webhook != nil {
			w.webhook.NotifySuccess(ctx, msg, toWebhookAttempts(attempts))
		}
		return
	}

	nextAttempts := msg.Attempts + 1
	lastErr := joinErrs(attempts)

	if permanent || nextAttempts >= w.maxRetries {
		_ = w.store.UpdateQueueState(ctx, msg.ID, "failed_permanent", time.Time{}, lastErr)
		if w.collector != nil {
			w.collector.QueueAttempt("failed_permanent")
			w.collector.DeliveryCompleted(domain, "failed_permanent")
		}
		if w.webhook != nil {
			w.webhook.NotifyFailure(ctx, msg, toWebhookAttempts(attempts), true)
		}
		return
	}

	delay := retryDelay(nextAttempts)
	_ = w.store.UpdateQueueState(ctx, msg.ID, "pending", time.Now().Add(delay), lastErr)
	if w.collector != nil {
		w.collector.QueueAttempt("retry_scheduled")
	}
	if w.webhook != nil {
		w.webhook.NotifyFailure(ctx, msg, toWebhookAttempts(attempts), false)
	}
}

// retryDelay implements spec.md §4.4's schedule: 5m, 15m, 30m, 1h, then 1h
// thereafter.
func retryDelay(attemptNumber int) time.Duration {
	schedule := config.RetrySchedule
	if attemptNumber <= 0 {
		return schedule[0]
	}
	idx := attemptNumber - 1
	if idx >= len(schedule) {
		return schedule[len(schedule)-1]
	}
	return schedule[idx]
}

func joinErrs(attempts []deliverAttempt) string {
	var parts []string
	for _, a := range attempts {
		if a.Err != nil {
			parts = append(parts, fmt.Sprintf("%s: %v", a.Timestamp.Format(time.RFC3339), a.Err))
		}
	}
	return strings.Join(parts, "; ")
}
