// Package metrics provides interfaces and implementations for collecting
// mailstackd server metrics across the SMTP/LMTP, IMAP, send-queue, and
// webhook subsystems.
package metrics

import "context"

// Collector defines the interface for recording mailstackd metrics.
type Collector interface {
	// Connection metrics (SMTP/LMTP/IMAP all share these, distinguished by proto).
	ConnectionOpened(proto string)
	ConnectionClosed(proto string)
	TLSConnectionEstablished(proto string)

	// Message metrics.
	MessageReceived(recipientDomain string, sizeBytes int64)
	MessageRejected(recipientDomain string, reason string)

	// Authentication metrics.
	AuthAttempt(proto string, authDomain string, success bool)

	// Command metrics.
	CommandProcessed(proto string, command string)

	// Delivery / send-queue metrics.
	DeliveryCompleted(recipientDomain string, result string)
	QueueAttempt(result string)
	QueueDepth(n int)

	// Anti-spam metrics.
	RspamdCheckCompleted(senderDomain string, result string, score float64)

	// DKIM metrics.
	DKIMSignResult(domain string, success bool)

	// Webhook metrics.
	WebhookDelivered(event string, success bool)

	// IMAP operation metrics (SEARCH/SORT/THREAD/STORE/... usage).
	IMAPOperation(op string, result string)
}

// Server defines the interface for a metrics HTTP server.
type Server interface {
	// Start begins serving metrics. It blocks until the context is canceled
	// or an error occurs.
	Start(ctx context.Context) error

	// Shutdown gracefully stops the metrics server.
	Shutdown(ctx context.Context) error
}
