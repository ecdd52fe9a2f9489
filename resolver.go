//go:build tinygo

package main

import (
	"errors"
	"net/netip"
	"time"

	"openenterprise/datalogger/internal/engine"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
)

// newLookupFunc binds engine.LookupFunc to the teacher's DNS
// resolution primitive (rstack.DoLookupIP, the same call main.go's
// original syncNTP used). A non-empty server parameter temporarily
// overrides the stack's configured resolver for the one lookup, then
// restores it — mirroring original_source/main/dns_manager.c's
// dns_setserver/dns_setserver(prev) save-and-restore dance, adapted to
// this stack's server-list setter instead of a global resolver slot.
func newLookupFunc(stack *xnet.StackAsync) engine.LookupFunc {
	return func(host, server string) (string, error) {
		if server != "" {
			addr, err := netip.ParseAddr(server)
			if err == nil {
				prev := stack.DNSServers()
				stack.SetDNSServers([]netip.Addr{addr})
				defer stack.SetDNSServers(prev)
			}
		}
		rstack := stack.StackRetrying(5 * time.Millisecond)
		addrs, err := rstack.DoLookupIP(host, 5*time.Second, 2)
		if err != nil {
			return "", err
		}
		if len(addrs) == 0 {
			return "", errors.New("resolver: lookup returned no addresses")
		}
		return addrs[0].String(), nil
	}
}

// newProbeFunc binds engine.ProbeFunc to a short-lived, non-blocking
// TCP dial: spec §4.7's last-resort reachability check for a cached
// broker IP before trusting it.
func newProbeFunc(stack *xnet.StackAsync) engine.ProbeFunc {
	return func(ip string, port int, timeout time.Duration) bool {
		addr, err := netip.ParseAddr(ip)
		if err != nil {
			return false
		}
		var conn tcp.Conn
		var rxBuf, txBuf [256]byte
		if err := conn.Configure(tcp.ConnConfig{
			RxBuf:             rxBuf[:],
			TxBuf:             txBuf[:],
			TxPacketQueueSize: 1,
		}); err != nil {
			return false
		}
		defer conn.Abort()

		rstack := stack.StackRetrying(5 * time.Millisecond)
		lport := uint16(stack.Prand32()>>17) + 1024
		err = rstack.DoDialTCP(&conn, lport, netip.AddrPortFrom(addr, uint16(port)), timeout, 1)
		return err == nil
	}
}

// runResolver re-resolves the broker address on a fixed interval
// (spec §5's name resolver thread), persisting the result to the DNS
// cache as a side effect of engine.Resolver.Resolve, and handing the
// winning IP to onResolved so the broker session/console can use it.
func runResolver(resolver *engine.Resolver, interval time.Duration, onResolved func(ip string, ok bool)) {
	for {
		ip, ok := resolver.Resolve(time.Now())
		if onResolved != nil {
			onResolved(ip, ok)
		}
		time.Sleep(interval)
	}
}
