package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	GateDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eduface", Name: "gate_decisions_total", Help: "Attendance gate outcomes",
	}, []string{"outcome"})
	Meetings = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eduface", Name: "meetings_total", Help: "Meeting lifecycle events",
	}, []string{"event"})
	Notifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eduface", Name: "notifications_total", Help: "Absence notification attempts",
	}, []string{"channel", "result"})
	NotifyDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "eduface", Name: "notify_duration_seconds", Help: "Absentee notification batch latency",
		Buckets: prometheus.DefBuckets,
	})
	QueueMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eduface", Name: "queue_messages_total", Help: "Queue messages consumed",
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(GateDecisions, Meetings, Notifications, NotifyDuration, QueueMessages)
}

func Handler() http.Handler { return promhttp.Handler() }

func ObserveNotify(d time.Duration) { NotifyDuration.Observe(d.Seconds()) }
