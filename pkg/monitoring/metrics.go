// Package monitoring exposes Prometheus metrics for the simulator: update
// ticks, tick failures, MQTT publishes, and running-device gauges.
package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// DeviceTicks counts generator update ticks per protocol.
	DeviceTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plantsim_device_ticks_total",
		Help: "Number of device data update ticks.",
	}, []string{"protocol"})

	// TickErrors counts failed update ticks per protocol.
	TickErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plantsim_tick_errors_total",
		Help: "Number of device update ticks that failed.",
	}, []string{"protocol"})

	// Publishes counts MQTT messages published by the gateway.
	Publishes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plantsim_mqtt_publishes_total",
		Help: "Number of MQTT messages published.",
	})

	// RunningDevices tracks currently running devices per protocol.
	RunningDevices = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "plantsim_running_devices",
		Help: "Number of devices currently in the running state.",
	}, []string{"protocol"})
)

// Serve starts the metrics endpoint on addr. It returns the server so the
// caller can shut it down; errors after startup are logged, not fatal.
func Serve(addr string, log zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Str("addr", addr).Msg("metrics endpoint failed")
		}
	}()
	log.Info().Str("addr", addr).Msg("metrics endpoint listening")
	return srv
}
