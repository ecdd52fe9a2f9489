//go:build !tinygo

package main

// Stub definitions for the regular Go toolchain (staticcheck, go vet,
// go test). The actual GPIO implementation is in led.go (TinyGo only).

var ledState struct {
	sync    bool
	backlog bool
	errLED  bool
}

var ledsPaused bool

func SetLEDsPaused(p bool) {
	ledsPaused = p
}

func initLEDs() {}

func updateStatusLEDs(ready bool, backlogNonEmpty bool, brokerDown bool) {
	if ledsPaused {
		return
	}
	ledState.sync = ready
	ledState.backlog = backlogNonEmpty
	ledState.errLED = brokerDown
}
