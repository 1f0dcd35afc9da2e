package smtp

import "testing"

func TestBackend_ProtoName(t *testing.T) {
	mx := NewBackend(BackendConfig{IsSubmission: false})
	if got := mx.protoName(); got != "smtp" {
		t.Errorf("protoName() on MX backend = %q, want smtp", got)
	}

	submission := NewBackend(BackendConfig{IsSubmission: true})
	if got := submission.protoName(); got != "submission" {
		t.Errorf("protoName() on submission backend = %q, want submission", got)
	}
}

func TestExtractIPFromConn(t *testing.T) {
	if got := extractIPFromConn(nil); got != "" {
		t.Errorf("extractIPFromConn(nil) = %q, want empty", got)
	}
}
