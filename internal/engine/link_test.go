package engine

import (
	"errors"
	"testing"
	"time"
)

func TestLinkSupervisorAttemptSuccessSetsConnectedAndResetsBackoff(t *testing.T) {
	f := NewFlags()
	l := NewLinkSupervisor(f, func() error { return nil }, nil, testLogger())
	wait, reboot := l.Attempt()
	if reboot {
		t.Fatalf("reboot requested on success")
	}
	if wait != l.MinBackoff {
		t.Fatalf("wait = %v, want MinBackoff %v", wait, l.MinBackoff)
	}
	if !f.Test(LinkConnected) {
		t.Fatalf("LinkConnected not set on success")
	}
	if f.Test(LinkFailed) {
		t.Fatalf("LinkFailed still set after success")
	}
}

func TestLinkSupervisorAttemptFailureDoublesBackoff(t *testing.T) {
	f := NewFlags()
	l := NewLinkSupervisor(f, func() error { return errors.New("no ap") }, nil, testLogger())
	l.MaxBackoff = time.Hour

	wait1, _ := l.Attempt()
	wait2, _ := l.Attempt()
	if wait2 != wait1*2 {
		t.Fatalf("wait2 = %v, want double wait1 = %v", wait2, wait1*2)
	}
	if !f.Test(LinkFailed) {
		t.Fatalf("LinkFailed not set after failure")
	}
	if f.Test(LinkConnected) {
		t.Fatalf("LinkConnected still set after failure")
	}
}

func TestLinkSupervisorBackoffCapsAtMax(t *testing.T) {
	f := NewFlags()
	l := NewLinkSupervisor(f, func() error { return errors.New("no ap") }, nil, testLogger())
	l.MaxBackoff = 5 * time.Second
	l.MinBackoff = 4 * time.Second
	l.backoff = 4 * time.Second

	var wait time.Duration
	for i := 0; i < 5; i++ {
		wait, _ = l.Attempt()
	}
	if wait > l.MaxBackoff {
		t.Fatalf("wait = %v, exceeds MaxBackoff %v", wait, l.MaxBackoff)
	}
}

func TestLinkSupervisorRequestsRebootAfterThreshold(t *testing.T) {
	f := NewFlags()
	rebootCalled := false
	l := NewLinkSupervisor(f, func() error { return errors.New("no ap") }, func() { rebootCalled = true }, testLogger())
	l.RebootAfterN = 3

	var reboot bool
	for i := 0; i < 3; i++ {
		_, reboot = l.Attempt()
	}
	if !reboot {
		t.Fatalf("reboot not requested at threshold")
	}
	if !rebootCalled {
		t.Fatalf("RequestReboot callback not invoked")
	}
}

func TestLinkSupervisorConsecutiveFailuresResetsOnSuccess(t *testing.T) {
	f := NewFlags()
	fail := true
	l := NewLinkSupervisor(f, func() error {
		if fail {
			return errors.New("no ap")
		}
		return nil
	}, nil, testLogger())

	l.Attempt()
	l.Attempt()
	if l.ConsecutiveFailures() != 2 {
		t.Fatalf("ConsecutiveFailures = %d, want 2", l.ConsecutiveFailures())
	}
	fail = false
	l.Attempt()
	if l.ConsecutiveFailures() != 0 {
		t.Fatalf("ConsecutiveFailures after success = %d, want 0", l.ConsecutiveFailures())
	}
}
