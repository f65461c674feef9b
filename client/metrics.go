package client

import (
	"io"

	"github.com/VictoriaMetrics/metrics"
)

// connMetrics aggregates one connection's wire counters on a dedicated
// metrics set, so several connections in one process stay separable.
type connMetrics struct {
	set *metrics.Set

	messagesSent       *metrics.Counter
	messagesReceived   *metrics.Counter
	bytesSent          *metrics.Counter
	bytesReceived      *metrics.Counter
	decodeFailures     *metrics.Counter
	framesDecompressed *metrics.Counter
}

func newConnMetrics() *connMetrics {
	set := metrics.NewSet()
	return &connMetrics{
		set:                set,
		messagesSent:       set.NewCounter("stdb_messages_sent_total"),
		messagesReceived:   set.NewCounter("stdb_messages_received_total"),
		bytesSent:          set.NewCounter("stdb_bytes_sent_total"),
		bytesReceived:      set.NewCounter("stdb_bytes_received_total"),
		decodeFailures:     set.NewCounter("stdb_decode_failures_total"),
		framesDecompressed: set.NewCounter("stdb_frames_decompressed_total"),
	}
}

func (m *connMetrics) recordSent(bytes int) {
	m.messagesSent.Inc()
	m.bytesSent.Add(bytes)
}

func (m *connMetrics) recordReceived(bytes int) {
	m.messagesReceived.Inc()
	m.bytesReceived.Add(bytes)
}

func (m *connMetrics) snapshot() ConnectionMetrics {
	return ConnectionMetrics{
		MessagesSent:       m.messagesSent.Get(),
		MessagesReceived:   m.messagesReceived.Get(),
		BytesSent:          m.bytesSent.Get(),
		BytesReceived:      m.bytesReceived.Get(),
		DecodeFailures:     m.decodeFailures.Get(),
		FramesDecompressed: m.framesDecompressed.Get(),
	}
}

func (m *connMetrics) writePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
}

// ConnectionMetrics is a point-in-time snapshot of a connection's wire
// counters.
type ConnectionMetrics struct {
	MessagesSent       uint64
	MessagesReceived   uint64
	BytesSent          uint64
	BytesReceived      uint64
	DecodeFailures     uint64
	FramesDecompressed uint64
}
