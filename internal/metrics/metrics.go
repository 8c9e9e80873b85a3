// Package metrics exposes an endpoint's completion/error/backoff
// counters (spec §4.9) as Prometheus metrics. Grounded on the custom-
// Collector idiom in pkg/exporter/exporter.go (runZeroInc-sockstats):
// Collect calls back into the live source (there, a live TCP socket;
// here, the endpoint's counter snapshot) instead of mirroring gauges
// eagerly.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/efa-rdm/rdmcore/pkg/rdm"
)

// Collector adapts an *rdm.Endpoint to prometheus.Collector.
type Collector struct {
	ep *rdm.Endpoint

	completions *prometheus.Desc
	errors      *prometheus.Desc
	rnrEntered  *prometheus.Desc
	rnrExited   *prometheus.Desc
}

// NewCollector wraps ep for registration with a prometheus.Registry.
func NewCollector(ep *rdm.Endpoint) *Collector {
	return &Collector{
		ep: ep,
		completions: prometheus.NewDesc(
			"rdm_completions_total", "Total successful completions written to the CQ.", nil, nil),
		errors: prometheus.NewDesc(
			"rdm_errors_total", "Total error completions, by kind.", []string{"kind"}, nil),
		rnrEntered: prometheus.NewDesc(
			"rdm_rnr_backoff_entered_total", "Total times a peer entered RNR backoff.", nil, nil),
		rnrExited: prometheus.NewDesc(
			"rdm_rnr_backoff_exited_total", "Total times a peer's RNR backoff window expired.", nil, nil),
	}
}

func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.completions
	descs <- c.errors
	descs <- c.rnrEntered
	descs <- c.rnrExited
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	completions, errs, rnrEntered, rnrExited := c.ep.Counters()

	ch <- prometheus.MustNewConstMetric(c.completions, prometheus.CounterValue, float64(completions))
	for kind, n := range errs {
		ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(n), kind.String())
	}
	ch <- prometheus.MustNewConstMetric(c.rnrEntered, prometheus.CounterValue, float64(rnrEntered))
	ch <- prometheus.MustNewConstMetric(c.rnrExited, prometheus.CounterValue, float64(rnrExited))
}
