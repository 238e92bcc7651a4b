package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	sessionsActive       *prometheus.GaugeVec
	signalConnections    *prometheus.GaugeVec
	messagesForwarded    *prometheus.CounterVec
	joinsRejected        *prometheus.CounterVec
	processTransitions   *prometheus.CounterVec
	segmentRequests      *prometheus.CounterVec
	tunnelBindsAttempted prometheus.Counter
	tunnelBindsSucceeded prometheus.Counter
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		sessionsActive: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "castrelay_sessions_active",
			Help: "Number of live sessions by mode",
		}, []string{"mode"}),

		signalConnections: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "castrelay_signal_connections",
			Help: "Number of open signaling connections by role",
		}, []string{"role"}),

		messagesForwarded: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "castrelay_signal_messages_forwarded_total",
			Help: "Signaling messages forwarded by type",
		}, []string{"type"}),

		joinsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "castrelay_signal_joins_rejected_total",
			Help: "Join attempts rejected by reason",
		}, []string{"reason"}),

		processTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "castrelay_stream_process_transitions_total",
			Help: "Capture process state transitions",
		}, []string{"status"}),

		segmentRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "castrelay_stream_requests_total",
			Help: "Stream endpoint requests by outcome",
		}, []string{"outcome"}),

		tunnelBindsAttempted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "castrelay_tunnel_binds_attempted_total",
			Help: "Tunnel bind attempts",
		}),

		tunnelBindsSucceeded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "castrelay_tunnel_binds_succeeded_total",
			Help: "Tunnel binds that produced a public URL",
		}),
	}
}

func (p *PrometheusCollector) SessionOpened(mode string) {
	p.sessionsActive.WithLabelValues(mode).Inc()
}

func (p *PrometheusCollector) SessionClosed(mode string) {
	p.sessionsActive.WithLabelValues(mode).Dec()
}

func (p *PrometheusCollector) ConnectionOpened(role string) {
	p.signalConnections.WithLabelValues(role).Inc()
}

func (p *PrometheusCollector) ConnectionClosed(role string) {
	p.signalConnections.WithLabelValues(role).Dec()
}

func (p *PrometheusCollector) MessageForwarded(msgType string) {
	p.messagesForwarded.WithLabelValues(msgType).Inc()
}

func (p *PrometheusCollector) JoinRejected(reason string) {
	p.joinsRejected.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) ProcessTransition(status string) {
	p.processTransitions.WithLabelValues(status).Inc()
}

func (p *PrometheusCollector) SegmentRequest(outcome string) {
	p.segmentRequests.WithLabelValues(outcome).Inc()
}

func (p *PrometheusCollector) TunnelBindAttempted() {
	p.tunnelBindsAttempted.Inc()
}

func (p *PrometheusCollector) TunnelBindSucceeded() {
	p.tunnelBindsSucceeded.Inc()
}
