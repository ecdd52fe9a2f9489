//go:build tinygo

package main

import (
	"log/slog"
	"machine"
)

// Status LED GPIO pin assignments, adapted from the teacher's
// led.go three-LED indicator: green for system state, amber
// for backlog pressure, red for broker connectivity.
const (
	pinSyncLED    = machine.GP2
	pinBacklogLED = machine.GP3
	pinErrorLED   = machine.GP4
)

// ledState persists across status refreshes so setLED only logs on
// real transitions.
var ledState struct {
	sync    bool
	backlog bool
	errLED  bool
}

var ledLogger *slog.Logger

// ledsPaused stops LED updates during OTA, matching the teacher's
// pause-during-flash-write precaution.
var ledsPaused bool

// SetLEDsPaused pauses/resumes status LED updates.
func SetLEDsPaused(p bool) {
	ledsPaused = p
}

// initLEDs configures the three status LEDs as outputs, all off.
func initLEDs() {
	pinSyncLED.Configure(machine.PinConfig{Mode: machine.PinOutput})
	pinBacklogLED.Configure(machine.PinConfig{Mode: machine.PinOutput})
	pinErrorLED.Configure(machine.PinConfig{Mode: machine.PinOutput})
	pinSyncLED.Low()
	pinBacklogLED.Low()
	pinErrorLED.Low()
}

// updateStatusLEDs reflects the engine's observable state on the
// three status LEDs: sync lit once the system is ready (link+time+
// broker all up), backlog lit while the ring buffer holds unsent
// measurements, error lit while the broker link is down.
func updateStatusLEDs(ready bool, backlogNonEmpty bool, brokerDown bool) {
	if ledsPaused {
		return
	}
	setLED(&ledState.sync, pinSyncLED, "sync", ready)
	setLED(&ledState.backlog, pinBacklogLED, "backlog", backlogNonEmpty)
	setLED(&ledState.errLED, pinErrorLED, "error", brokerDown)
}

func setLED(state *bool, pin machine.Pin, name string, on bool) {
	changed := *state != on
	if on {
		pin.High()
	} else {
		pin.Low()
	}
	*state = on
	if changed && ledLogger != nil {
		ledLogger.Info("led:changed", slog.String("led", name), slog.Bool("on", on))
	}
}
