//go:build tinygo

package main

import (
	"log/slog"
	"net"
	"net/netip"
	"time"

	"openenterprise/datalogger/internal/engine"
	"openenterprise/datalogger/version"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
)

const (
	httpStatusPort    = uint16(80)
	httpStatusBufSize = 512
)

var (
	httpStatusRxBuf [httpStatusBufSize]byte
	httpStatusTxBuf [httpStatusBufSize]byte
)

// statusView is everything the HTTP status endpoints report, gathered
// under one roof so httpStatusServer doesn't need direct references to
// every engine component.
type statusView struct {
	state    *engine.SystemState
	ring     *engine.RingBuffer
	counters *engine.Counters
	flags    *engine.Flags
	sampler  *engine.Sampler
	clientID string
	mac      [engine.MACLen]byte
}

// httpStatusServer accepts one connection at a time and serves spec
// §6's three read-only endpoints, grounded on console.go's accept loop
// but trimmed of telnet/auth since this port carries no credentials
// worth protecting (read-only status, same posture as the teacher's
// unauthenticated OTA status fields surfaced over the console).
func httpStatusServer(stack *xnet.StackAsync, view *statusView, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("httpstatus:panic-recovered")
		}
	}()

	var conn tcp.Conn
	if err := conn.Configure(tcp.ConnConfig{
		RxBuf:             httpStatusRxBuf[:],
		TxBuf:             httpStatusTxBuf[:],
		TxPacketQueueSize: 3,
	}); err != nil {
		logger.Error("httpstatus:configure-failed", slog.String("err", err.Error()))
		return
	}

	ourAddr := netip.AddrPortFrom(stack.Addr(), httpStatusPort)
	logger.Info("httpstatus:listening", slog.String("addr", ourAddr.String()))

	for {
		conn.Abort()
		time.Sleep(50 * time.Millisecond)

		if err := stack.ListenTCP(&conn, httpStatusPort); err != nil {
			logger.Error("httpstatus:listen-failed", slog.String("err", err.Error()))
			time.Sleep(3 * time.Second)
			continue
		}

		waitCount := 0
		for conn.State().IsPreestablished() && waitCount < 3000 {
			time.Sleep(10 * time.Millisecond)
			waitCount++
		}
		if !conn.State().IsSynchronized() {
			conn.Abort()
			continue
		}

		handleHTTPStatusRequest(&conn, view, logger)

		conn.Close()
		for i := 0; i < 20 && !conn.State().IsClosed(); i++ {
			time.Sleep(100 * time.Millisecond)
		}
		conn.Abort()
	}
}

func handleHTTPStatusRequest(conn *tcp.Conn, view *statusView, logger *slog.Logger) {
	var readBuf [256]byte
	n, err := conn.Read(readBuf[:])
	if err != nil && err != net.ErrClosed {
		return
	}
	req := readBuf[:n]

	path := requestPath(req)
	switch path {
	case "/data":
		writeHTTPResponse(conn, 200, "application/json", dataJSON(view))
	case "/status":
		writeHTTPResponse(conn, 200, "application/json", statusJSON(view))
	case "/", "":
		writeHTTPResponse(conn, 200, "text/html; charset=UTF-8", indexHTML(view))
	default:
		writeHTTPResponse(conn, 404, "text/plain", "not found\r\n")
	}
	conn.Flush()
}

// requestPath extracts the path from a minimal "GET /path HTTP/1.1"
// request line, tolerating anything else as "/".
func requestPath(req []byte) string {
	sp1 := -1
	sp2 := -1
	for i, b := range req {
		if b == ' ' {
			if sp1 == -1 {
				sp1 = i
			} else {
				sp2 = i
				break
			}
		}
	}
	if sp1 == -1 || sp2 == -1 || sp2 <= sp1+1 {
		return "/"
	}
	return string(req[sp1+1 : sp2])
}

func writeHTTPResponse(conn *tcp.Conn, code int, contentType, body string) {
	status := "200 OK"
	if code == 404 {
		status = "404 Not Found"
	}
	conn.Write([]byte("HTTP/1.0 " + status + "\r\n"))
	conn.Write([]byte("Content-Type: " + contentType + "\r\n"))
	conn.Write([]byte("Connection: close\r\n"))
	conn.Write([]byte("Cache-Control: no-store\r\n\r\n"))
	conn.Write([]byte(body))
}

// dataJSON implements spec §6's `GET /data`: JSON of the last
// measurement's sensor_id, timestamp, temperature, humidity only.
func dataJSON(view *statusView) string {
	m, ok := view.sampler.LastMeasurement()
	if !ok {
		return `{"error":"no measurement yet"}` + "\r\n"
	}
	buf := make([]byte, 0, 128)
	buf = append(buf, `{"sensor_id":"`...)
	buf = append(buf, m.SensorIDString()...)
	buf = append(buf, `","timestamp":`...)
	buf = appendUint(buf, uint64(m.Timestamp))
	buf = append(buf, `,"temperature":`...)
	buf = appendFloat2(buf, m.TempC)
	buf = append(buf, `,"humidity":`...)
	buf = appendFloat2(buf, m.HumidityPct)
	buf = append(buf, '}')
	return string(buf) + "\r\n"
}

// appendLastMeasurementBlock appends the "last_measurement" object
// spec §6's `GET /status` calls for, or null if the sampler hasn't
// produced one yet.
func appendLastMeasurementBlock(buf []byte, view *statusView) []byte {
	m, ok := view.sampler.LastMeasurement()
	if !ok {
		return append(buf, "null"...)
	}
	buf = append(buf, `{"sensor_id":"`...)
	buf = append(buf, m.SensorIDString()...)
	buf = append(buf, `","timestamp":`...)
	buf = appendUint(buf, uint64(m.Timestamp))
	buf = append(buf, `,"temperature":`...)
	buf = appendFloat2(buf, m.TempC)
	buf = append(buf, `,"humidity":`...)
	buf = appendFloat2(buf, m.HumidityPct)
	buf = append(buf, '}')
	return buf
}

// indexHTML implements spec §6's `GET /`: a self-refreshing HTML
// summary, grounded on original_source/main/http_server.c's
// <meta http-equiv='refresh' content='1'> page.
func indexHTML(view *statusView) string {
	buf := make([]byte, 0, 768)
	buf = append(buf, `<html><head><meta name='viewport' content='width=device-width, initial-scale=1'>`...)
	buf = append(buf, `<meta charset='UTF-8'><meta http-equiv='refresh' content='1'>`...)
	buf = append(buf, `<style>body{font-family:sans-serif;background:#f4f4f4;margin:0;padding:0;}`...)
	buf = append(buf, `.container{max-width:400px;margin:40px auto;background:#fff;padding:24px;`...)
	buf = append(buf, `border-radius:8px;box-shadow:0 2px 8px #ccc;}`...)
	buf = append(buf, `h1{color:#2196F3;} .data{font-size:1.2em;margin:12px 0;`...)
	buf = append(buf, `display:flex;justify-content:space-between;} .label{color:#888;}`...)
	buf = append(buf, `@media(max-width:500px){.container{margin:10px;padding:10px;}}</style></head><body>`...)
	buf = append(buf, `<div class='container'><h1>Openenterprise Datalogger</h1>`...)

	m, ok := view.sampler.LastMeasurement()
	if ok {
		buf = append(buf, `<div class='data'><span class='label'>Temperatura:</span><span>`...)
		buf = appendFloat2(buf, m.TempC)
		buf = append(buf, `&deg;C</span></div>`...)
		buf = append(buf, `<div class='data'><span class='label'>Umidade:</span><span>`...)
		buf = appendFloat2(buf, m.HumidityPct)
		buf = append(buf, `%</span></div>`...)
		buf = append(buf, `<div class='data'><span class='label'>Timestamp:</span><span>`...)
		buf = appendUint(buf, uint64(m.Timestamp))
		buf = append(buf, `</span></div>`...)
		buf = append(buf, `<div class='data'><span class='label'>Sensor ID:</span><span>`...)
		buf = append(buf, m.SensorIDString()...)
		buf = append(buf, `</span></div>`...)
	} else {
		buf = append(buf, `<div class='data'><span class='label'>Status:</span><span>no measurement yet</span></div>`...)
	}

	buf = append(buf, `<div class='data'><span class='label'>MAC:</span><span>`...)
	buf = appendMAC(buf, view.mac)
	buf = append(buf, `</span></div>`...)
	buf = append(buf, `<div class='data'><span class='label'>Firmware:</span><span>`...)
	buf = append(buf, version.Version...)
	buf = append(buf, `</span></div>`...)
	buf = append(buf, `<div class='data'><span class='label'>State:</span><span>`...)
	buf = append(buf, view.state.Get().String()...)
	buf = append(buf, `</span></div>`...)
	buf = append(buf, `</div></body></html>`...)
	return string(buf)
}

// statusJSON implements spec §6's `GET /status`: firmware version,
// MAC, link/broker connection flags, messages_sent, backlog_count,
// and the last-measurement block.
func statusJSON(view *statusView) string {
	idx := view.ring.Index()
	buf := make([]byte, 0, 384)
	buf = append(buf, `{"firmware_version":"`...)
	buf = append(buf, version.Version...)
	buf = append(buf, `","mac":"`...)
	buf = appendMAC(buf, view.mac)
	buf = append(buf, `","state":"`...)
	buf = append(buf, view.state.Get().String()...)
	buf = append(buf, `","ready":`...)
	if view.state.Ready() {
		buf = append(buf, "true"...)
	} else {
		buf = append(buf, "false"...)
	}
	buf = append(buf, `,"link_connected":`...)
	if view.flags.Test(engine.LinkConnected) {
		buf = append(buf, "true"...)
	} else {
		buf = append(buf, "false"...)
	}
	buf = append(buf, `,"broker_connected":`...)
	if view.flags.Test(engine.BrokerConnected) {
		buf = append(buf, "true"...)
	} else {
		buf = append(buf, "false"...)
	}
	buf = append(buf, `,"messages_sent":`...)
	buf = appendUint(buf, uint64(view.counters.MessagesSent()))
	buf = append(buf, `,"publish_attempts":`...)
	buf = appendUint(buf, uint64(view.counters.PublishAttempts()))
	buf = append(buf, `,"consecutive_failures":`...)
	buf = appendUint(buf, uint64(view.counters.ConsecutiveFailures()))
	buf = append(buf, `,"backlog_count":`...)
	buf = appendUint(buf, uint64(idx.Count))
	buf = append(buf, `,"last_measurement":`...)
	buf = appendLastMeasurementBlock(buf, view)
	buf = append(buf, '}')
	return string(buf) + "\r\n"
}
