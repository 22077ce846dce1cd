package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusHandler returns an HTTP handler for the collector's registry.
// Process and Go runtime collectors are added on first use.
func (c *Collector) PrometheusHandler() http.Handler {
	if c == nil || c.registry == nil {
		return promhttp.Handler()
	}
	c.registerRuntimeCollectors()
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) registerRuntimeCollectors() {
	for _, rc := range []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		// AlreadyRegisteredError on repeated calls is expected
		_ = c.registry.Register(rc)
	}
}
