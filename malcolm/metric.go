package malcolm

import (
	"sync/atomic"
)

// ConnectionMetrics contains atomic metrics for a connection.
// Metrics can be used as the value of a prometheus CounterFunc or GaugeFunc.
type ConnectionMetrics struct {
	// RequestSendCount indicates the number of requests published.
	RequestSendCount atomic.Uint64
	// RequestErrCount indicates the number of requests that failed to encode or publish.
	RequestErrCount atomic.Uint64
	// ReplyRecvCount indicates the number of replies that resolved a pending call.
	ReplyRecvCount atomic.Uint64
	// StaleReplyCount indicates the number of replies matching no pending call.
	StaleReplyCount atomic.Uint64
	// TimeoutCount indicates the number of calls that timed out.
	TimeoutCount atomic.Uint64
	// PushRecvCount indicates the number of UPDATE messages received.
	PushRecvCount atomic.Uint64
	// DecodeErrCount indicates the number of inbound payloads that failed to decode.
	DecodeErrCount atomic.Uint64
	// InflightCount indicates the number of pending calls.
	InflightCount atomic.Int64
}

func (m *ConnectionMetrics) incRequestSendCount() {
	m.RequestSendCount.Add(1)
}

func (m *ConnectionMetrics) incRequestErrCount() {
	m.RequestErrCount.Add(1)
}

func (m *ConnectionMetrics) incReplyRecvCount() {
	m.ReplyRecvCount.Add(1)
}

func (m *ConnectionMetrics) incStaleReplyCount() {
	m.StaleReplyCount.Add(1)
}

func (m *ConnectionMetrics) incTimeoutCount() {
	m.TimeoutCount.Add(1)
}

func (m *ConnectionMetrics) incPushRecvCount() {
	m.PushRecvCount.Add(1)
}

func (m *ConnectionMetrics) incDecodeErrCount() {
	m.DecodeErrCount.Add(1)
}

func (m *ConnectionMetrics) incInflightCount() {
	m.InflightCount.Add(1)
}

func (m *ConnectionMetrics) decInflightCount() {
	m.InflightCount.Add(-1)
}
