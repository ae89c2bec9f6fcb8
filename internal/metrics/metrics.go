package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels ticks and deliveries that completed.
	OutcomeSuccess = "success"
	// OutcomeError labels ticks and deliveries that failed.
	OutcomeError = "error"
)

var (
	pollTicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "otsentry",
			Name:      "poll_ticks_total",
			Help:      "Total number of polling ticks, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	pollTickSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "otsentry",
			Name:      "poll_tick_seconds",
			Help:      "Polling tick latency in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
	)

	readingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "otsentry",
			Name:      "readings_total",
			Help:      "Readings persisted, partitioned by parameter and status.",
		},
		[]string{"parameter", "status"},
	)

	alertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "otsentry",
			Name:      "alerts_total",
			Help:      "Alerts recorded, partitioned by severity.",
		},
		[]string{"severity"},
	)

	deviceErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "otsentry",
			Name:      "device_errors_total",
			Help:      "Per-device processing failures.",
		},
	)

	broadcastsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "otsentry",
			Name:      "broadcast_messages_total",
			Help:      "Messages fanned out to real-time subscribers, partitioned by type.",
		},
		[]string{"type"},
	)

	droppedSubscribersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "otsentry",
			Name:      "broadcast_dropped_subscribers_total",
			Help:      "Subscribers dropped because they were closed or could not keep up.",
		},
	)

	subscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "otsentry",
			Name:      "broadcast_subscribers",
			Help:      "Currently registered real-time subscribers.",
		},
	)

	bridgeResubscribesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "otsentry",
			Name:      "mqtt_bridge_resubscribes_total",
			Help:      "Times the MQTT bridge re-registered after the hub dropped it.",
		},
	)

	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "otsentry",
			Name:      "notifications_total",
			Help:      "External notifications attempted, partitioned by outcome.",
		},
		[]string{"outcome"},
	)
)

// Register attaches otsentry collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		pollTicksTotal,
		pollTickSeconds,
		readingsTotal,
		alertsTotal,
		deviceErrorsTotal,
		broadcastsTotal,
		droppedSubscribersTotal,
		subscribers,
		bridgeResubscribesTotal,
		notificationsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveTick records a polling tick duration and outcome label.
func ObserveTick(duration time.Duration, outcome string) {
	pollTicksTotal.WithLabelValues(normalizeOutcome(outcome)).Inc()
	if duration < 0 {
		duration = 0
	}
	pollTickSeconds.Observe(duration.Seconds())
}

// IncReading counts a persisted reading.
func IncReading(parameter, status string) {
	readingsTotal.WithLabelValues(parameter, status).Inc()
}

// IncAlert counts a recorded alert.
func IncAlert(severity string) {
	alertsTotal.WithLabelValues(severity).Inc()
}

// IncDeviceError counts a failed device task.
func IncDeviceError() {
	deviceErrorsTotal.Inc()
}

// IncBroadcast counts a fanned-out message.
func IncBroadcast(msgType string) {
	broadcastsTotal.WithLabelValues(msgType).Inc()
}

// IncDroppedSubscriber counts a subscriber removed during fan-out.
func IncDroppedSubscriber() {
	droppedSubscribersTotal.Inc()
}

// SetSubscribers records the current subscriber count.
func SetSubscribers(n int) {
	subscribers.Set(float64(n))
}

// IncBridgeResubscribe counts a bridge re-registration.
func IncBridgeResubscribe() {
	bridgeResubscribesTotal.Inc()
}

// IncNotification counts an external notification attempt.
func IncNotification(outcome string) {
	notificationsTotal.WithLabelValues(normalizeOutcome(outcome)).Inc()
}

func normalizeOutcome(outcome string) string {
	if outcome != OutcomeError {
		return OutcomeSuccess
	}
	return outcome
}
