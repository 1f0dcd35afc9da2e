package queue

import (
	"errors"
	"testing"
	"time"

	"github.com/mailstackd/mailstackd/internal/config"
)

func TestRetryDelay_MatchesSchedule(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 5 * time.Minute},
		{2, 15 * time.Minute},
		{3, 30 * time.Minute},
		{4, time.Hour},
		{5, time.Hour}, // beyond the named schedule, holds at the last step
	}
	for _, tt := range tests {
		if got := retryDelay(tt.attempt); got != tt.want {
			t.Errorf("retryDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestJoinErrs(t *testing.T) {
	now := time.Date(2026, 7, 29, 10, 0, 0, 0, time.UTC)
	attempts := []deliverAttempt{
		{Timestamp: now, Err: errors.New("connection refused")},
		{Timestamp: now.Add(time.Minute), Err: nil, Success: true},
	}
	got := joinErrs(attempts)
	if got == "" {
		t.Fatal("expected non-empty joined error string")
	}
}

func TestNewWorker_AppliesDefaults(t *testing.T) {
	w := NewWorker(WorkerConfig{})
	if w.maxRetries != 3 {
		t.Errorf("expected default maxRetries 3, got %d", w.maxRetries)
	}
	if w.poolSize != 4 {
		t.Errorf("expected default poolSize 4, got %d", w.poolSize)
	}
	if w.pollEvery != 10*time.Second {
		t.Errorf("expected default pollEvery 10s, got %v", w.pollEvery)
	}
	if _, ok := w.selector.(NilSelector); !ok {
		t.Errorf("expected NilSelector default, got %T", w.selector)
	}
}

func TestRetrySchedule_HasFourSteps(t *testing.T) {
	if len(config.RetrySchedule) != 4 {
		t.Fatalf("expected 4 retry steps, got %d", len(config.RetrySchedule))
	}
}
