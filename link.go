//go:build tinygo

package main

import (
	"net/netip"
	"time"

	"openenterprise/datalogger/credentials"
	"openenterprise/datalogger/internal/engine"

	"github.com/soypat/cyw43439"
	"github.com/soypat/cyw43439/examples/cywnet"
	"log/slog"
)

var requestedIP = [4]byte{192, 168, 1, 99}

// bringUpLink performs the one-time WiFi radio join, the way the
// teacher's original main.go did it inline. Everything after this is
// the LinkSupervisor's job (spec §4's link supervisor row).
func bringUpLink(appLogger, netLogger *slog.Logger) (*cywnet.Stack, error) {
	devcfg := cyw43439.DefaultWifiConfig()
	devcfg.Logger = netLogger
	return cywnet.NewConfiguredPicoWithStack(
		credentials.SSID(),
		credentials.Password(),
		devcfg,
		cywnet.StackConfig{
			Hostname:    "datalogger",
			MaxTCPPorts: 4, // broker session + console + OTA + HTTP status
		},
	)
}

// newLinkConnect returns the engine.ConnectFunc the LinkSupervisor
// drives every attempt cycle: request (or renew) a DHCP lease on the
// already-joined radio. A full AP re-join isn't exposed by the driver
// examples this module was grounded on, so sustained failure here
// escalates to LinkSupervisor's own reboot-after-N-failures policy
// instead, the same fallback the teacher's fatalError path uses for
// unrecoverable WiFi setup errors.
func newLinkConnect(cystack *cywnet.Stack, onLease func(cywnet.DHCPResults)) engine.ConnectFunc {
	return func() error {
		results, err := cystack.SetupWithDHCP(cywnet.DHCPConfig{
			RequestedAddr: netip.AddrFrom4(requestedIP),
		})
		if err != nil {
			return err
		}
		if onLease != nil {
			onLease(results)
		}
		return nil
	}
}

// loopForeverStack pumps the network stack's send/recv loop, identical
// in shape to the teacher's own loopForeverStack.
func loopForeverStack(cystack *cywnet.Stack, feedWatchdog func()) {
	const pollTime = 5 * time.Millisecond
	var count int
	for {
		send, recv, _ := cystack.RecvAndSend()
		if send == 0 && recv == 0 {
			time.Sleep(pollTime)
		}
		count++
		if count >= 100 {
			feedWatchdog()
			count = 0
		}
	}
}

// runLinkSupervisor drives one Attempt per iteration, sleeping for the
// returned backoff, for the process lifetime (spec §5's link
// supervisor thread).
func runLinkSupervisor(sup *engine.LinkSupervisor) {
	for {
		wait, rebooting := sup.Attempt()
		if rebooting {
			return
		}
		time.Sleep(wait)
	}
}
