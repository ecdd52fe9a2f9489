package main

import (
	"openenterprise/datalogger/internal/engine"
)

// appendMeasurementJSON renders m as the single-line JSON payload
// described in spec §6, in the fixed key order client_id, sensor_id,
// mac, timestamp, temperature, humidity, measurement_id, appending to
// buf. Built the way the teacher's parse.go builds its CSV fields:
// byte-level, without encoding/json, so it runs allocation-free on the
// wire-encode hot path.
func appendMeasurementJSON(buf []byte, clientID string, m engine.Measurement) []byte {
	buf = append(buf, `{"client_id":"`...)
	buf = append(buf, clientID...)
	buf = append(buf, `","sensor_id":"`...)
	buf = append(buf, m.SensorIDString()...)
	buf = append(buf, `","mac":"`...)
	buf = appendMAC(buf, m.MAC)
	buf = append(buf, `","timestamp":`...)
	buf = appendUint(buf, uint64(m.Timestamp))
	buf = append(buf, `,"temperature":`...)
	buf = appendFloat2(buf, m.TempC)
	buf = append(buf, `,"humidity":`...)
	buf = appendFloat2(buf, m.HumidityPct)
	buf = append(buf, `,"measurement_id":`...)
	buf = appendUint(buf, uint64(m.ID))
	buf = append(buf, '}')
	return buf
}

// appendMAC appends "aa:bb:cc:dd:ee:ff" without allocation.
func appendMAC(buf []byte, mac [6]byte) []byte {
	const hexDigits = "0123456789abcdef"
	for i, b := range mac {
		if i > 0 {
			buf = append(buf, ':')
		}
		buf = append(buf, hexDigits[b>>4], hexDigits[b&0xf])
	}
	return buf
}

// appendUint appends the decimal form of v without allocation.
func appendUint(buf []byte, v uint64) []byte {
	if v == 0 {
		return append(buf, '0')
	}
	var tmp [20]byte
	i := len(tmp)
	for v > 0 {
		i--
		tmp[i] = byte('0' + v%10)
		v /= 10
	}
	return append(buf, tmp[i:]...)
}

// appendFloat2 appends v rounded to exactly two decimal places, e.g.
// "23.45" or "-4.00". Rounding is half away from zero on the float32
// value at the cent boundary, done in integer math to avoid pulling in fmt's
// float formatter on the hot path.
func appendFloat2(buf []byte, v float32) []byte {
	neg := v < 0
	if neg {
		v = -v
	}
	hundredths := uint64(v*100 + 0.5)
	whole := hundredths / 100
	frac := hundredths % 100
	if neg && hundredths != 0 {
		buf = append(buf, '-')
	}
	buf = appendUint(buf, whole)
	buf = append(buf, '.')
	if frac < 10 {
		buf = append(buf, '0')
	}
	return appendUint(buf, frac)
}
