// MIT License
//
// Copyright (c) 2023 TTBT Enterprises LLC
// Copyright (c) 2023 Robin Thellend <rthellend@rthellend.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	requests *prometheus.CounterVec
	reloads  *prometheus.CounterVec
	hosts    prometheus.Gauge
	issuance *prometheus.CounterVec
	upgrades prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "acceptit_requests_total",
			Help: "Requests by listener and outcome.",
		}, []string{"listener", "outcome"}),
		reloads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "acceptit_config_reloads_total",
			Help: "Configuration load attempts by result.",
		}, []string{"result"}),
		hosts: f.NewGauge(prometheus.GaugeOpts{
			Name: "acceptit_config_hosts",
			Help: "Number of hosts in the active configuration.",
		}),
		issuance: f.NewCounterVec(prometheus.CounterOpts{
			Name: "acceptit_certificate_issuance_total",
			Help: "Certificate provider calls by result.",
		}, []string{"result"}),
		upgrades: f.NewGauge(prometheus.GaugeOpts{
			Name: "acceptit_upgrades_active",
			Help: "Number of upgraded connections currently open.",
		}),
	}
}

// gauges registers the gauges whose values are computed on demand.
func (m *metrics) gauges(reg prometheus.Registerer, sessions, certs func() int) {
	f := promauto.With(reg)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "acceptit_sessions",
		Help: "Number of live sessions.",
	}, func() float64 { return float64(sessions()) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "acceptit_certificates_cached",
		Help: "Number of cached certificates.",
	}, func() float64 { return float64(certs()) })
}

func (m *metrics) request(listener, outcome string) {
	m.requests.WithLabelValues(listener, outcome).Inc()
}

func (m *metrics) certIssued(result string) {
	m.issuance.WithLabelValues(result).Inc()
}

func (m *metrics) configLoaded(t *routingTable, err error) {
	if err != nil {
		m.reloads.WithLabelValues("rejected").Inc()
		return
	}
	m.reloads.WithLabelValues("ok").Inc()
	m.hosts.Set(float64(len(t.order)))
}
