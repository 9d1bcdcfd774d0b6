package teleop

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/paperthrow/lerobot/pkg/robot"
)

// Metrics tracks control loop health. A nil *Metrics records nothing.
type Metrics struct {
	iterations prometheus.Counter
	errors     *prometheus.CounterVec
	loopTime   prometheus.Histogram
	positions  *prometheus.GaugeVec
}

// NewMetrics creates the loop metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lerobot_teleop_iterations_total",
			Help: "Completed leader-to-follower forwarding iterations",
		}),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lerobot_teleop_errors_total",
				Help: "Failed iterations by the step that failed",
			},
			[]string{"stage"},
		),
		loopTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lerobot_teleop_loop_seconds",
			Help:    "Time to observe, read the leader and command the follower",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
		}),
		positions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "lerobot_teleop_action_position",
				Help: "Last normalized position sent to the follower",
			},
			[]string{"key"},
		),
	}

	reg.MustRegister(m.iterations, m.errors, m.loopTime, m.positions)
	return m
}

func (m *Metrics) observe(action robot.Action, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.iterations.Inc()
	m.loopTime.Observe(elapsed.Seconds())
	for key, pos := range action {
		m.positions.WithLabelValues(key).Set(pos)
	}
}

func (m *Metrics) failed(stage string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(stage).Inc()
}

type healthResponse struct {
	Status    string    `json:"status"`
	Running   bool      `json:"running"`
	Iteration uint64    `json:"iteration"`
	Failures  uint64    `json:"failures"`
	LastError string    `json:"last_error,omitempty"`
	Updated   time.Time `json:"updated,omitempty"`
}

// NewRouter serves /metrics from gatherer and /health from the controller state.
func NewRouter(ctrl *Controller, gatherer prometheus.Gatherer) *mux.Router {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		s := ctrl.LastState()
		resp := healthResponse{
			Status:    "healthy",
			Running:   ctrl.Running(),
			Iteration: s.Iteration,
			Failures:  s.Failures,
			Updated:   s.Timestamp,
		}
		code := http.StatusOK
		if s.Error != nil {
			resp.Status = "degraded"
			resp.LastError = s.Error.Error()
		}
		if !resp.Running {
			resp.Status = "stopped"
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(resp)
	}).Methods("GET")
	return router
}
