//go:build tinygo

package main

import (
	"errors"
	"sync/atomic"
	"time"

	"openenterprise/datalogger/internal/engine"
)

// errNoSensor is returned by readSensorStub. This board carries no
// environmental sensor (the teacher device is a bin-collection LED
// indicator, not a datalogger); spec §1 already names "transient
// sensor read error" as a first-class case the sampler must handle by
// substituting a synthetic reading, so this stub exercises exactly
// that path on every tick rather than fabricating a fake driver.
var errNoSensor = errors.New("sampler: no sensor attached to this board")

func readSensorStub() (tempC, humidityPct float32, err error) {
	return 0, 0, errNoSensor
}

// samplerIntervalNS holds the sampler's tick interval as nanoseconds
// in an atomic so the console's "interval" command can retune it
// without a lock, the same lockless-read idiom engine.SystemState uses
// for system_ready.
var samplerIntervalNS atomic.Int64

// SetSamplerInterval overrides the sampling period at runtime (console
// "interval" command, replacing the teacher's debug "sleep" override).
func SetSamplerInterval(d time.Duration) {
	samplerIntervalNS.Store(int64(d))
}

// SamplerInterval reports the current sampling period.
func SamplerInterval() time.Duration {
	return time.Duration(samplerIntervalNS.Load())
}

// runSampler drives one Tick per interval for the process lifetime
// (spec §5's sampler thread), waiting up to 15s for an initial time
// sync per spec §4.1 before its first reading.
func runSampler(s *engine.Sampler, defaultInterval time.Duration, bootTime time.Time) {
	SetSamplerInterval(defaultInterval)
	s.WaitForInitialSync(15 * time.Second)

	for {
		now := time.Now()
		s.Tick(now, time.Since(bootTime), time.Second)
		sleepWithRefreshCheck(SamplerInterval(), refreshChan)
	}
}

// sleepWithRefreshCheck sleeps for duration but wakes early when a
// value arrives on refreshChan, same as the teacher's
// sleepWithRefreshCheck in main.go: the console's "publish-test"
// command sends on refreshChan to make the next sampler tick
// immediate instead of waiting out the full interval.
func sleepWithRefreshCheck(duration time.Duration, refreshChan chan struct{}) {
	checkInterval := 5 * time.Second
	if duration < checkInterval {
		checkInterval = duration
	}
	elapsed := time.Duration(0)

	for elapsed < duration {
		feedWatchdogIfHealthy()
		select {
		case <-refreshChan:
			return
		case <-time.After(checkInterval):
			elapsed += checkInterval
		}
	}
}
