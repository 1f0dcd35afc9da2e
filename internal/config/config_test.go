package config

import "testing"

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestValidateRejectsMissingHostname(t *testing.T) {
	cfg := Default()
	cfg.Hostname = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing hostname")
	}
}

func TestValidateRejectsBadListenerMode(t *testing.T) {
	cfg := Default()
	cfg.Listeners = []ListenerConfig{{Address: ":25", Mode: "bogus"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid listener mode")
	}
}

func TestValidateRequiresDKIMSelectorWhenEnabled(t *testing.T) {
	cfg := Default()
	cfg.DKIM.Enabled = true
	cfg.DKIM.KeyDir = "/etc/mailstackd/dkim"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing dkim selector")
	}
	cfg.DKIM.Selector = "mail"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidateRequiresWebhookURL(t *testing.T) {
	cfg := Default()
	cfg.Webhook.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for webhook with no URLs configured")
	}
	cfg.Webhook.SuccessURL = "https://example.com/hook"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestSpamCheckDefaults(t *testing.T) {
	var sc SpamCheckConfig
	if !sc.InboundEnabled() {
		t.Error("inbound spam checking should default to enabled")
	}
	if sc.OutboundEnabled() {
		t.Error("outbound spam checking should default to disabled")
	}
	if sc.GetFailMode() != SpamCheckFailOpen {
		t.Errorf("expected default fail mode open, got %s", sc.GetFailMode())
	}
}
