package metrics

// NoopCollector is a no-op implementation of the Collector interface.
// All methods are empty stubs that do nothing.
type NoopCollector struct{}

func (n *NoopCollector) ConnectionOpened(proto string)                             {}
func (n *NoopCollector) ConnectionClosed(proto string)                             {}
func (n *NoopCollector) TLSConnectionEstablished(proto string)                     {}
func (n *NoopCollector) MessageReceived(recipientDomain string, sizeBytes int64)   {}
func (n *NoopCollector) MessageRejected(recipientDomain string, reason string)     {}
func (n *NoopCollector) AuthAttempt(proto, authDomain string, success bool)        {}
func (n *NoopCollector) CommandProcessed(proto, command string)                   {}
func (n *NoopCollector) DeliveryCompleted(recipientDomain string, result string)   {}
func (n *NoopCollector) QueueAttempt(result string)                               {}
func (n *NoopCollector) QueueDepth(depth int)                                     {}
func (n *NoopCollector) RspamdCheckCompleted(senderDomain, result string, score float64) {}
func (n *NoopCollector) DKIMSignResult(domain string, success bool)               {}
func (n *NoopCollector) WebhookDelivered(event string, success bool)              {}
func (n *NoopCollector) IMAPOperation(op, result string)                          {}

var _ Collector = (*NoopCollector)(nil)
