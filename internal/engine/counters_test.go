package engine

import "testing"

func TestCountersMessagesSentMonotonic(t *testing.T) {
	c := NewCounters()
	if c.MessagesSent() != 0 {
		t.Fatalf("MessagesSent on fresh counters = %d, want 0", c.MessagesSent())
	}
	c.IncMessagesSent()
	c.IncMessagesSent()
	if c.MessagesSent() != 2 {
		t.Fatalf("MessagesSent = %d, want 2", c.MessagesSent())
	}
}

func TestCountersConsecutiveFailuresResets(t *testing.T) {
	c := NewCounters()
	c.IncConsecutiveFailures()
	c.IncConsecutiveFailures()
	if c.ConsecutiveFailures() != 2 {
		t.Fatalf("ConsecutiveFailures = %d, want 2", c.ConsecutiveFailures())
	}
	c.ResetConsecutiveFailures()
	if c.ConsecutiveFailures() != 0 {
		t.Fatalf("ConsecutiveFailures after reset = %d, want 0", c.ConsecutiveFailures())
	}
}

func TestCountersPublishAttempts(t *testing.T) {
	c := NewCounters()
	c.IncPublishAttempts()
	if c.PublishAttempts() != 1 {
		t.Fatalf("PublishAttempts = %d, want 1", c.PublishAttempts())
	}
}
