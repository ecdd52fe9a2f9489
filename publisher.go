//go:build tinygo

package main

import (
	"time"

	"openenterprise/datalogger/config"
	"openenterprise/datalogger/internal/engine"

	mqtt "github.com/soypat/natiu-mqtt"
)

// publishBuf is reused across calls to stay allocation-free on the hot
// path, the same pre-allocated-buffer idiom broker.go's TCP/MQTT
// buffers use.
var publishBuf [384]byte

// newPublishFunc binds engine.PublishFunc to one mqttSession,
// rendering the measurement as the JSON payload spec §6 describes
// before submitting it on the fixed data topic at QoS1.
func newPublishFunc(session *mqttSession, clientID string) engine.PublishFunc {
	return func(m engine.Measurement) (uint16, bool) {
		payload := appendMeasurementJSON(publishBuf[:0], clientID, m)
		return session.publish(config.DataTopic, payload, mqtt.QoS1, false)
	}
}

// newHeartbeatFunc binds engine.HeartbeatFunc to the same session, at
// QoS0 per spec §4.2 step 3.
func newHeartbeatFunc(session *mqttSession) engine.HeartbeatFunc {
	return func() (uint16, bool) {
		return session.publish(config.StatusTopic, []byte("heartbeat"), mqtt.QoS0, false)
	}
}

// runPublisher drives one RunOnce iteration per poll for the process
// lifetime (spec §5's publisher thread).
func runPublisher(p *engine.Publisher, bootTime time.Time) {
	for {
		p.RunOnce(time.Now(), time.Since(bootTime))
	}
}
