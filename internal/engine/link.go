package engine

import (
	"log/slog"
	"time"
)

// ConnectFunc attempts one station connect/join; the root package
// binds this to cyw43439's Wi-Fi join call.
type ConnectFunc func() error

// LinkSupervisor implements spec §2's "Link supervisor" row and the
// 20-consecutive-failure reboot trigger of §5/§7: connect, monitor,
// reconnect with exponential backoff, force a restart after sustained
// failure. Grounded on the teacher's main.go Wi-Fi bring-up and
// checkSystemHealth/fatalError reboot path, generalized from
// "schedule fetch failures" to "link reconnect failures".
type LinkSupervisor struct {
	Flags   *Flags
	Connect ConnectFunc
	Logger  *slog.Logger

	MinBackoff    time.Duration
	MaxBackoff    time.Duration
	RebootAfterN  uint32
	RequestReboot func()

	consecutiveFailures uint32
	backoff             time.Duration
}

// NewLinkSupervisor wires a link supervisor to its connect
// collaborator.
func NewLinkSupervisor(flags *Flags, connect ConnectFunc, requestReboot func(), logger *slog.Logger) *LinkSupervisor {
	return &LinkSupervisor{
		Flags:         flags,
		Connect:       connect,
		Logger:        logger,
		MinBackoff:    time.Second,
		MaxBackoff:    2 * time.Minute,
		RebootAfterN:  20,
		RequestReboot: requestReboot,
		backoff:       time.Second,
	}
}

// Attempt performs one connect attempt, updating LinkConnected/
// LinkFailed and the exponential backoff. Returns the backoff to wait
// before the next attempt, and whether a reboot was requested.
func (l *LinkSupervisor) Attempt() (wait time.Duration, rebootRequested bool) {
	if err := l.Connect(); err != nil {
		l.consecutiveFailures++
		l.Flags.Clear(LinkConnected)
		l.Flags.Set(LinkFailed)
		l.Logger.Warn("link: connect attempt failed", "error", err, "consecutive_failures", l.consecutiveFailures)

		if l.consecutiveFailures >= l.RebootAfterN {
			l.Logger.Error("link: sustained reconnect failure, requesting reboot", "consecutive_failures", l.consecutiveFailures)
			if l.RequestReboot != nil {
				l.RequestReboot()
			}
			return l.backoff, true
		}

		l.backoff *= 2
		if l.backoff > l.MaxBackoff {
			l.backoff = l.MaxBackoff
		}
		return l.backoff, false
	}

	l.consecutiveFailures = 0
	l.backoff = l.MinBackoff
	l.Flags.Clear(LinkFailed)
	l.Flags.Set(LinkConnected)
	return l.backoff, false
}

// ConsecutiveFailures reports the current run of failed attempts.
func (l *LinkSupervisor) ConsecutiveFailures() uint32 { return l.consecutiveFailures }
