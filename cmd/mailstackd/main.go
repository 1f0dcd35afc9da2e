// Command mailstackd runs the SMTP, LMTP and IMAP listeners, the outbound
// send-queue worker, and the metrics server in a single process.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/mailstackd/mailstackd/internal/auth"
	"github.com/mailstackd/mailstackd/internal/config"
	"github.com/mailstackd/mailstackd/internal/dkim"
	"github.com/mailstackd/mailstackd/internal/imap"
	"github.com/mailstackd/mailstackd/internal/logging"
	"github.com/mailstackd/mailstackd/internal/metrics"
	"github.com/mailstackd/mailstackd/internal/queue"
	"github.com/mailstackd/mailstackd/internal/rspamd"
	"github.com/mailstackd/mailstackd/internal/smtp"
	"github.com/mailstackd/mailstackd/internal/spamcheck"
	"github.com/mailstackd/mailstackd/internal/store"
	"github.com/mailstackd/mailstackd/internal/webhook"
)

func main() {
	flags := config.ParseFlags()

	cfg, err := config.LoadWithFlags(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.LogLevel)

	tlsConfig, err := loadTLSConfig(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading TLS certificate: %v\n", err)
		os.Exit(1)
	}

	collector, metricsServer := metrics.New(metrics.Config{
		Enabled: cfg.Metrics.Enabled,
		Address: cfg.Metrics.Address,
		Path:    cfg.Metrics.Path,
	})

	mailstore, err := store.Open(cfg.Database.URL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening mailstore: %v\n", err)
		os.Exit(1)
	}
	defer mailstore.Close()

	verifier := auth.NewBcryptVerifier(mailstore, 25)

	spamChecker, spamCfg := buildSpamChecker(cfg.SpamCheck, logger)

	backend := smtp.NewBackend(smtp.BackendConfig{
		Hostname:       cfg.Hostname,
		Store:          mailstore,
		Verifier:       verifier,
		SpamChecker:    spamChecker,
		SpamConfig:     spamCfg,
		Collector:      collector,
		MaxRecipients:  cfg.Limits.MaxRecipients,
		MaxMessageSize: int64(cfg.Limits.MaxMessageSize),
		StrictSenderMatch: cfg.Auth.StrictSenderMatch,
		Logger:         logger,
	})

	smtpServer, err := smtp.NewServer(smtp.ServerConfig{
		Backend:        backend,
		Listeners:      cfg.Listeners,
		Hostname:       cfg.Hostname,
		TLSConfig:      tlsConfig,
		ReadTimeout:    cfg.Timeouts.ConnectionTimeout(),
		WriteTimeout:   cfg.Timeouts.ConnectionTimeout(),
		MaxMessageSize: cfg.Limits.MaxMessageSize,
		MaxRecipients:  cfg.Limits.MaxRecipients,
		Logger:         logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating smtp server: %v\n", err)
		os.Exit(1)
	}

	var imapServer *imap.Server
	if cfg.IMAP.Enabled {
		imapServer, err = imap.NewServer(imap.ServerConfig{
			Store:     mailstore,
			Verifier:  verifier,
			Config:    cfg.IMAP,
			TLSConfig: tlsConfig,
			Logger:    logger,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "error creating imap server: %v\n", err)
			os.Exit(1)
		}
	}

	worker := buildQueueWorker(cfg, mailstore, collector, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	if cfg.Metrics.Enabled {
		go func() {
			if err := metricsServer.Start(ctx); err != nil && err != context.Canceled {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	go func() {
		if err := worker.Run(ctx); err != nil && err != context.Canceled {
			logger.Error("queue worker stopped", "error", err)
		}
	}()

	if imapServer != nil {
		go func() {
			if err := imapServer.Run(ctx); err != nil && err != context.Canceled {
				logger.Error("imap server error", "error", err)
			}
		}()
	}

	logger.Info("starting mailstackd", "hostname", cfg.Hostname, "listeners", len(cfg.Listeners), "imap", cfg.IMAP.Enabled)

	if err := smtpServer.Run(ctx); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

func loadTLSConfig(cfg config.Config) (*tls.Config, error) {
	if cfg.TLS.CertFile == "" || cfg.TLS.KeyFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   cfg.TLS.MinTLSVersion(),
	}, nil
}

func buildSpamChecker(cfg config.SpamCheckConfig, logger *slog.Logger) (spamcheck.Checker, config.SpamCheckConfig) {
	if !cfg.IsEnabled() {
		return nil, config.SpamCheckConfig{}
	}

	var checkers []spamcheck.Checker
	var names []string
	for _, checkerCfg := range cfg.Checkers {
		if !checkerCfg.IsEnabled() {
			continue
		}
		switch checkerCfg.Type {
		case "rspamd":
			checkers = append(checkers, rspamd.NewChecker(checkerCfg.URL, checkerCfg.Password, checkerCfg.GetTimeout()))
			names = append(names, "rspamd")
		default:
			logger.Warn("unknown spam checker type", "type", checkerCfg.Type)
		}
	}
	if len(checkers) == 0 {
		return nil, config.SpamCheckConfig{}
	}

	logger.Info("spam checking enabled", "checkers", names, "mode", cfg.Mode, "fail_mode", cfg.GetFailMode())

	if len(checkers) == 1 {
		return checkers[0], cfg
	}
	return spamcheck.NewMultiChecker(checkers, spamcheck.MultiConfig{
		Mode:              cfg.Mode,
		FailMode:          spamcheck.FailMode(cfg.FailMode),
		RejectThreshold:   cfg.RejectThreshold,
		TempFailThreshold: cfg.TempFailThreshold,
		AddHeaders:        cfg.AddHeaders,
	}), cfg
}

func buildQueueWorker(cfg config.Config, mailstore store.Mailstore, collector metrics.Collector, logger *slog.Logger) *queue.Worker {
	var signer *dkim.Signer
	if cfg.DKIM.Enabled {
		keys := dkim.NewFileKeySource(cfg.DKIM.KeyDir, cfg.DKIM.Selector)
		signer = dkim.NewSigner(keys, cfg.DKIM.SignedHeaders())
	}

	selector := buildIPSelector(cfg.IPSelect, cfg.Queue.RedisURL, logger)

	var notifier queue.WebhookNotifier
	if cfg.Webhook.Enabled {
		notifier = webhook.NewDispatcher(webhook.Config{
			SuccessURL: cfg.Webhook.SuccessURL,
			FailureURL: cfg.Webhook.FailureURL,
			Timeout:    cfg.Webhook.GetTimeout(),
			MaxRetries: cfg.Webhook.GetRetries(),
			Logger:     logger,
		})
	}

	return queue.NewWorker(queue.WorkerConfig{
		Store:      mailstore,
		Signer:     signer,
		Selector:   selector,
		Webhook:    notifier,
		Collector:  collector,
		Hostname:   cfg.Hostname,
		MaxRetries: cfg.Queue.GetMaxRetries(),
		PoolSize:   cfg.Queue.GetWorkerPoolSize(),
		PollEvery:  cfg.Queue.GetPollInterval(),
		Logger:     logger,
	})
}

func buildIPSelector(cfg config.IPSelectionConfig, redisURL string, logger *slog.Logger) queue.Selector {
	if !cfg.Enabled || cfg.APIURL == "" {
		return queue.NilSelector{}
	}

	fallback := queue.Selector(queue.NilSelector{})
	if cfg.FallbackIP != "" {
		fallback = queue.FixedSelector{IP: cfg.FallbackIP}
	}

	upstream := queue.NewHTTPSelector(cfg.APIURL, cfg.GetTimeout())

	if redisURL == "" {
		logger.Warn("ip_selection enabled without queue.redis_url; decisions will not be cached")
		return upstream
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Error("invalid redis url, falling back to uncached ip selection", "error", err)
		return upstream
	}
	client := redis.NewClient(opts)
	return queue.NewRedisCachedSelector(upstream, client, cfg.GetCacheTTL(), fallback)
}
