// Package exporters serves the driver metrics over HTTP and SSE.
package exporters

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/smazurov/cxcap/internal/logging"
)

// HTTPHandler serves every registered collector, the promauto device
// counters and the /proc/interrupts collector alike. A collector that fails
// to gather is logged and the others are still served.
func HTTPHandler() http.Handler {
	return promhttp.InstrumentMetricHandler(prometheus.DefaultRegisterer,
		promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
			ErrorLog:      gatherLog{},
			ErrorHandling: promhttp.ContinueOnError,
		}))
}

// gatherLog routes promhttp errors to the collectors logger.
type gatherLog struct{}

func (gatherLog) Println(v ...any) {
	logging.GetLogger("collectors").Warn("Metrics gathering failed", "error", fmt.Sprint(v...))
}
