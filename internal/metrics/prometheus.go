package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements the Collector interface using Prometheus metrics.
type PrometheusCollector struct {
	connectionsTotal   *prometheus.CounterVec
	connectionsActive  *prometheus.GaugeVec
	tlsConnectionTotal *prometheus.CounterVec

	messagesReceivedTotal *prometheus.CounterVec
	messagesRejectedTotal *prometheus.CounterVec
	messagesSizeBytes     prometheus.Histogram

	authAttemptsTotal *prometheus.CounterVec
	commandsTotal     *prometheus.CounterVec
	deliveriesTotal   *prometheus.CounterVec

	queueAttemptsTotal *prometheus.CounterVec
	queueDepth         prometheus.Gauge

	rspamdChecksTotal *prometheus.CounterVec
	rspamdScore       prometheus.Histogram

	dkimSignTotal *prometheus.CounterVec

	webhookDeliveredTotal *prometheus.CounterVec

	imapOperationsTotal *prometheus.CounterVec
}

// NewPrometheusCollector creates a new PrometheusCollector with all metrics registered.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailstackd_connections_total",
			Help: "Total number of connections opened, by protocol.",
		}, []string{"proto"}),
		connectionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mailstackd_connections_active",
			Help: "Number of currently active connections, by protocol.",
		}, []string{"proto"}),
		tlsConnectionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailstackd_tls_connections_total",
			Help: "Total number of TLS connections established, by protocol.",
		}, []string{"proto"}),

		messagesReceivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailstackd_messages_received_total",
			Help: "Total number of messages received.",
		}, []string{"recipient_domain"}),
		messagesRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailstackd_messages_rejected_total",
			Help: "Total number of messages rejected.",
		}, []string{"recipient_domain", "reason"}),
		messagesSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailstackd_messages_size_bytes",
			Help:    "Size of received messages in bytes.",
			Buckets: []float64{1024, 10240, 102400, 1048576, 10485760, 26214400, 52428800},
		}),

		authAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailstackd_auth_attempts_total",
			Help: "Total number of authentication attempts.",
		}, []string{"proto", "domain", "result"}),

		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailstackd_commands_total",
			Help: "Total number of protocol commands processed.",
		}, []string{"proto", "command"}),

		deliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailstackd_deliveries_total",
			Help: "Total number of inbound delivery attempts.",
		}, []string{"recipient_domain", "result"}),

		queueAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailstackd_queue_attempts_total",
			Help: "Total number of send-queue delivery attempts, by outcome.",
		}, []string{"result"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mailstackd_queue_depth",
			Help: "Number of messages currently pending in the send queue.",
		}),

		rspamdChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailstackd_spamcheck_total",
			Help: "Total number of spam checks performed, by outcome.",
		}, []string{"sender_domain", "result"}),
		rspamdScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailstackd_spamcheck_score",
			Help:    "Spam score distribution observed.",
			Buckets: []float64{0, 2, 4, 6, 8, 10, 15, 20, 30},
		}),

		dkimSignTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailstackd_dkim_sign_total",
			Help: "Total number of DKIM signing attempts, by domain and outcome.",
		}, []string{"domain", "result"}),

		webhookDeliveredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailstackd_webhook_delivered_total",
			Help: "Total number of webhook deliveries, by event and outcome.",
		}, []string{"event", "result"}),

		imapOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailstackd_imap_operations_total",
			Help: "Total number of IMAP operations processed, by op and outcome.",
		}, []string{"op", "result"}),
	}

	reg.MustRegister(
		c.connectionsTotal,
		c.connectionsActive,
		c.tlsConnectionTotal,
		c.messagesReceivedTotal,
		c.messagesRejectedTotal,
		c.messagesSizeBytes,
		c.authAttemptsTotal,
		c.commandsTotal,
		c.deliveriesTotal,
		c.queueAttemptsTotal,
		c.queueDepth,
		c.rspamdChecksTotal,
		c.rspamdScore,
		c.dkimSignTotal,
		c.webhookDeliveredTotal,
		c.imapOperationsTotal,
	)

	return c
}

func (c *PrometheusCollector) ConnectionOpened(proto string) {
	c.connectionsTotal.WithLabelValues(proto).Inc()
	c.connectionsActive.WithLabelValues(proto).Inc()
}

func (c *PrometheusCollector) ConnectionClosed(proto string) {
	c.connectionsActive.WithLabelValues(proto).Dec()
}

func (c *PrometheusCollector) TLSConnectionEstablished(proto string) {
	c.tlsConnectionTotal.WithLabelValues(proto).Inc()
}

func (c *PrometheusCollector) MessageReceived(recipientDomain string, sizeBytes int64) {
	c.messagesReceivedTotal.WithLabelValues(recipientDomain).Inc()
	c.messagesSizeBytes.Observe(float64(sizeBytes))
}

func (c *PrometheusCollector) MessageRejected(recipientDomain string, reason string) {
	c.messagesRejectedTotal.WithLabelValues(recipientDomain, reason).Inc()
}

func (c *PrometheusCollector) AuthAttempt(proto, authDomain string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.authAttemptsTotal.WithLabelValues(proto, authDomain, result).Inc()
}

func (c *PrometheusCollector) CommandProcessed(proto, command string) {
	c.commandsTotal.WithLabelValues(proto, command).Inc()
}

func (c *PrometheusCollector) DeliveryCompleted(recipientDomain string, result string) {
	c.deliveriesTotal.WithLabelValues(recipientDomain, result).Inc()
}

func (c *PrometheusCollector) QueueAttempt(result string) {
	c.queueAttemptsTotal.WithLabelValues(result).Inc()
}

func (c *PrometheusCollector) QueueDepth(depth int) {
	c.queueDepth.Set(float64(depth))
}

func (c *PrometheusCollector) RspamdCheckCompleted(senderDomain, result string, score float64) {
	c.rspamdChecksTotal.WithLabelValues(senderDomain, result).Inc()
	c.rspamdScore.Observe(score)
}

func (c *PrometheusCollector) DKIMSignResult(domain string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.dkimSignTotal.WithLabelValues(domain, result).Inc()
}

func (c *PrometheusCollector) WebhookDelivered(event string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.webhookDeliveredTotal.WithLabelValues(event, result).Inc()
}

func (c *PrometheusCollector) IMAPOperation(op, result string) {
	c.imapOperationsTotal.WithLabelValues(op, result).Inc()
}

var _ Collector = (*PrometheusCollector)(nil)
