package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wellness",
			Subsystem: "chat",
			Name:      "messages_sent_total",
			Help:      "Messages recorded, by kind",
		},
		[]string{"kind"},
	)

	AttachmentUploads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wellness",
			Subsystem: "chat",
			Name:      "attachment_uploads_total",
			Help:      "Attachment upload attempts, by outcome",
		},
		[]string{"status"},
	)

	ConversationsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wellness",
			Subsystem: "chat",
			Name:      "conversations_created_total",
			Help:      "Conversations created, by kind",
		},
		[]string{"kind"},
	)

	PresenceWrites = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "wellness",
			Subsystem: "presence",
			Name:      "writes_total",
			Help:      "Presence rows written after debounce",
		},
	)

	PresenceCoalesced = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "wellness",
			Subsystem: "presence",
			Name:      "coalesced_total",
			Help:      "Presence updates absorbed by the debounce window",
		},
	)

	BridgeEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wellness",
			Subsystem: "bridge",
			Name:      "events_total",
			Help:      "Change events received from the feed, by table",
		},
		[]string{"table"},
	)

	BridgeResubscribes = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "wellness",
			Subsystem: "bridge",
			Name:      "resubscribes_total",
			Help:      "Feed resubscriptions after transport failures",
		},
	)

	SocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "wellness",
			Subsystem: "ws",
			Name:      "connections",
			Help:      "Open WebSocket connections",
		},
	)
)

func Handler() http.Handler {
	return promhttp.Handler()
}
