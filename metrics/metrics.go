// Package metrics holds the Prometheus collectors shared by connections and brokers.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	framesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portrpc_frames_sent_total",
			Help: "Protocol frames sent, by frame type",
		},
		[]string{"type"},
	)

	framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portrpc_frames_received_total",
			Help: "Protocol frames accepted, by frame type",
		},
		[]string{"type"},
	)

	framesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portrpc_frames_dropped_total",
			Help: "Inbound messages dropped before dispatch, by reason",
		},
		[]string{"reason"},
	)

	pendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "portrpc_pending_requests",
			Help: "Requests sent and still waiting for a reply, across all connections",
		},
	)

	channelsEstablished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portrpc_broker_channels_established_total",
			Help: "Broker channels that completed their handshake, by channel type",
		},
		[]string{"channel_type"},
	)

	channelsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portrpc_broker_channel_failures_total",
			Help: "Broker channel negotiations or setups that failed, by channel type",
		},
		[]string{"channel_type"},
	)
)

// Drop reasons.
const (
	DropUntagged     = "untagged"
	DropKeyMismatch  = "key_mismatch"
	DropUndecodable  = "undecodable"
	DropUnknownReply = "unknown_reply"
)

// Register registers all collectors with r.
func Register(r prometheus.Registerer) {
	r.MustRegister(framesSent, framesReceived, framesDropped, pendingRequests, channelsEstablished, channelsFailed)
}

func FrameSent(frameType string)     { framesSent.WithLabelValues(frameType).Inc() }
func FrameReceived(frameType string) { framesReceived.WithLabelValues(frameType).Inc() }
func FrameDropped(reason string)     { framesDropped.WithLabelValues(reason).Inc() }

func PendingAdded()   { pendingRequests.Inc() }
func PendingRemoved() { pendingRequests.Dec() }

func ChannelEstablished(channelType string) { channelsEstablished.WithLabelValues(channelType).Inc() }
func ChannelFailed(channelType string)      { channelsFailed.WithLabelValues(channelType).Inc() }
