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
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetrics(reg)
	sessions, certs := 3, 5
	m.gauges(reg, func() int { return sessions }, func() int { return certs })

	m.configLoaded(&routingTable{order: make([]*Host, 4)}, nil)
	m.configLoaded(nil, errors.New("bad"))
	m.request("https", "forward")
	m.request("https", "forward")
	m.request("http", "not_found")
	m.certIssued("ok")

	expected := `
# HELP acceptit_certificates_cached Number of cached certificates.
# TYPE acceptit_certificates_cached gauge
acceptit_certificates_cached 5
# HELP acceptit_config_hosts Number of hosts in the active configuration.
# TYPE acceptit_config_hosts gauge
acceptit_config_hosts 4
# HELP acceptit_config_reloads_total Configuration load attempts by result.
# TYPE acceptit_config_reloads_total counter
acceptit_config_reloads_total{result="ok"} 1
acceptit_config_reloads_total{result="rejected"} 1
# HELP acceptit_requests_total Requests by listener and outcome.
# TYPE acceptit_requests_total counter
acceptit_requests_total{listener="http",outcome="not_found"} 1
acceptit_requests_total{listener="https",outcome="forward"} 2
# HELP acceptit_sessions Number of live sessions.
# TYPE acceptit_sessions gauge
acceptit_sessions 3
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"acceptit_certificates_cached",
		"acceptit_config_hosts",
		"acceptit_config_reloads_total",
		"acceptit_requests_total",
		"acceptit_sessions",
	); err != nil {
		t.Error(err)
	}
	if got, want := testutil.ToFloat64(m.issuance.WithLabelValues("ok")), 1.0; got != want {
		t.Errorf("issuance ok = %v, want %v", got, want)
	}
}

func TestShouldLog(t *testing.T) {
	yes, no := true, false
	for _, tc := range []struct {
		typ    logType
		filter LogFilter
		want   bool
	}{
		{logRequest, LogFilter{}, true},
		{logRequest, LogFilter{Requests: &no}, false},
		{logRequest, LogFilter{Connections: &no}, true},
		{logConnection, LogFilter{Connections: &no}, false},
		{logError, LogFilter{Errors: &yes, Requests: &no}, true},
	} {
		if got := shouldLog(tc.typ, tc.filter); got != tc.want {
			t.Errorf("shouldLog(%d, %+v) = %v, want %v", tc.typ, tc.filter, got, tc.want)
		}
	}
}
