package client

import (
	"bytes"
	"strings"
	"testing"
)

func TestConnMetricsCounters(t *testing.T) {
	m := newConnMetrics()

	m.recordSent(10)
	m.recordSent(15)
	m.recordReceived(100)
	m.decodeFailures.Inc()
	m.framesDecompressed.Inc()

	snap := m.snapshot()
	want := ConnectionMetrics{
		MessagesSent:       2,
		MessagesReceived:   1,
		BytesSent:          25,
		BytesReceived:      100,
		DecodeFailures:     1,
		FramesDecompressed: 1,
	}
	if snap != want {
		t.Fatalf("snapshot = %+v, want %+v", snap, want)
	}
}

func TestConnMetricsSetsAreIndependent(t *testing.T) {
	a := newConnMetrics()
	b := newConnMetrics()

	a.recordSent(1)
	if got := b.snapshot().MessagesSent; got != 0 {
		t.Fatalf("second connection saw %d sends", got)
	}
}

func TestConnMetricsPrometheusOutput(t *testing.T) {
	m := newConnMetrics()
	m.recordSent(10)

	var buf bytes.Buffer
	m.writePrometheus(&buf)
	out := buf.String()

	if !strings.Contains(out, "stdb_messages_sent_total 1") {
		t.Fatalf("output missing sent counter:\n%s", out)
	}
	if !strings.Contains(out, "stdb_bytes_sent_total 10") {
		t.Fatalf("output missing byte counter:\n%s", out)
	}
}
