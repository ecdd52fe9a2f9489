package engine

import "sync/atomic"

// Counters are the observable failure/throughput surface spec §7
// names explicitly: messages_sent, publish_attempts,
// consecutive_failures. backlog_count is not duplicated here — it is
// read directly from the RingBuffer's Count() so there is exactly one
// source of truth for it. Modeled as owned atomics per spec §9's
// "counters become owned atomics" design note, replacing the source's
// plain module-level globals.
type Counters struct {
	messagesSent        atomic.Uint32
	publishAttempts     atomic.Uint32
	consecutiveFailures atomic.Uint32
}

// NewCounters returns a zeroed counter set.
func NewCounters() *Counters {
	return &Counters{}
}

// MessagesSent returns the non-decreasing count of broker-acknowledged
// publishes (spec §8 item 2).
func (c *Counters) MessagesSent() uint32 { return c.messagesSent.Load() }

// IncMessagesSent is called from the broker supervisor's PUBLISHED
// event handler (spec §4.4), never at submission time.
func (c *Counters) IncMessagesSent() uint32 { return c.messagesSent.Add(1) }

// PublishAttempts returns the count of publish submissions (direct or
// backlog), whether or not they were ever acknowledged.
func (c *Counters) PublishAttempts() uint32 { return c.publishAttempts.Load() }

// IncPublishAttempts is called by the publisher on every submission.
func (c *Counters) IncPublishAttempts() uint32 { return c.publishAttempts.Add(1) }

// ConsecutiveFailures returns the broker supervisor's running count of
// consecutive disconnects/errors (spec §4.4).
func (c *Counters) ConsecutiveFailures() uint32 { return c.consecutiveFailures.Load() }

// IncConsecutiveFailures increments and returns the new value.
func (c *Counters) IncConsecutiveFailures() uint32 { return c.consecutiveFailures.Add(1) }

// ResetConsecutiveFailures zeroes the counter, called on a successful
// CONNECTED event or session re-init.
func (c *Counters) ResetConsecutiveFailures() { c.consecutiveFailures.Store(0) }
