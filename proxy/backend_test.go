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
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/go-test/deep"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c2FmZQ/acceptit/proxy/internal/session"
)

type echoReply struct {
	Host    string      `json:"host"`
	URI     string      `json:"uri"`
	Headers http.Header `json:"headers"`
}

func newEchoServer(t *testing.T) *httptest.Server {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("content-type", "application/json")
		w.Header().Set("Connection", "X-Private")
		w.Header().Set("X-Private", "secret")
		w.Header().Set("X-Public", "hello")
		json.NewEncoder(w).Encode(echoReply{
			Host:    req.Host,
			URI:     req.RequestURI,
			Headers: req.Header,
		})
	}))
	t.Cleanup(s.Close)
	return s
}

func mustParseURL(t *testing.T, s string) *url.URL {
	t.Helper()
	u, err := url.Parse(s)
	if err != nil {
		t.Fatalf("url.Parse(%q): %v", s, err)
	}
	return u
}

func forwardRecorded(t *testing.T, f *forwarder, req *http.Request, upstream string, secure bool) (*http.Response, error) {
	t.Helper()
	rec := httptest.NewRecorder()
	host := &Host{Hostname: "www.example.com", Upstream: upstream}
	err := f.forward(rec, req, host, mustParseURL(t, upstream), secure)
	return rec.Result(), err
}

func TestForwardHeaders(t *testing.T) {
	be := newEchoServer(t)
	f := newForwarder(nil, newMetrics(prometheus.NewRegistry()))

	req := httptest.NewRequest("GET", "https://www.example.com/foo?q=1", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	req.Header.Set("X-Forwarded-For", "198.51.100.7")
	req.Header.Set("X-Real-Ip", "203.0.113.9")
	req.Header.Set("Connection", "keep-alive, X-Hop")
	req.Header.Set("X-Hop", "1")
	req.Header.Set("Keep-Alive", "timeout=5")
	req.Header.Add("Cookie", session.CookieName+"=abc")
	req.Header.Add("Cookie", "theme=dark")

	resp, err := forwardRecorded(t, f, req, be.URL+"/base", true)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	var got echoReply
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if want := strings.TrimPrefix(be.URL, "http://"); got.Host != want {
		t.Errorf("upstream Host = %q, want %q", got.Host, want)
	}
	if want := "/base/foo?q=1"; got.URI != want {
		t.Errorf("upstream URI = %q, want %q", got.URI, want)
	}
	for _, tc := range []struct {
		name string
		want []string
	}{
		{"X-Forwarded-For", []string{"198.51.100.7, 192.0.2.1"}},
		{"X-Real-Ip", []string{"192.0.2.1"}},
		{"X-Client-Ip", []string{"192.0.2.1"}},
		{"X-Forwarded-Host", []string{"www.example.com"}},
		{"X-Forwarded-Proto", []string{"https"}},
		{"X-Forwarded-Scheme", []string{"https"}},
		{"Cookie", []string{"theme=dark"}},
		{"X-Hop", nil},
		{"Keep-Alive", nil},
	} {
		if diff := deep.Equal(got.Headers.Values(tc.name), tc.want); diff != nil {
			t.Errorf("%s: %v", tc.name, diff)
		}
	}
	if got, want := resp.Header.Get("X-Public"), "hello"; got != want {
		t.Errorf("X-Public = %q, want %q", got, want)
	}
	if v := resp.Header.Get("X-Private"); v != "" {
		t.Errorf("X-Private = %q, want it removed", v)
	}
}

func TestForwardTrustedClientIP(t *testing.T) {
	be := newEchoServer(t)
	nets, err := parseCIDRs([]string{"192.0.2.0/24", "2001:db8::1"})
	if err != nil {
		t.Fatalf("parseCIDRs: %v", err)
	}
	f := newForwarder(nets, newMetrics(prometheus.NewRegistry()))

	for _, tc := range []struct {
		remote, realIP, clientIP, want string
	}{
		{"192.0.2.1:1234", "203.0.113.9", "", "203.0.113.9"},
		{"192.0.2.1:1234", "", "203.0.113.10", "203.0.113.10"},
		{"192.0.2.1:1234", "garbage", "", "192.0.2.1"},
		{"[2001:db8::1]:1234", "203.0.113.9", "", "203.0.113.9"},
		{"198.51.100.1:1234", "203.0.113.9", "", "198.51.100.1"},
	} {
		req := httptest.NewRequest("GET", "http://www.example.com/", nil)
		req.RemoteAddr = tc.remote
		if tc.realIP != "" {
			req.Header.Set("X-Real-Ip", tc.realIP)
		}
		if tc.clientIP != "" {
			req.Header.Set("X-Client-Ip", tc.clientIP)
		}
		resp, err := forwardRecorded(t, f, req, be.URL, false)
		if err != nil {
			t.Fatalf("forward: %v", err)
		}
		var got echoReply
		if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if v := got.Headers.Get("X-Real-Ip"); v != tc.want {
			t.Errorf("[%s] X-Real-Ip = %q, want %q", tc.remote, v, tc.want)
		}
		if v := got.Headers.Get("X-Forwarded-Proto"); v != "http" {
			t.Errorf("[%s] X-Forwarded-Proto = %q, want http", tc.remote, v)
		}
	}
}

func TestForwardBasicAuth(t *testing.T) {
	var user, pass string
	be := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		user, pass, _ = req.BasicAuth()
	}))
	defer be.Close()
	f := newForwarder(nil, newMetrics(prometheus.NewRegistry()))

	u := mustParseURL(t, be.URL)
	u.User = url.UserPassword("bob", "hunter2")
	req := httptest.NewRequest("GET", "http://www.example.com/", nil)
	if _, err := forwardRecorded(t, f, req, u.String(), false); err != nil {
		t.Fatalf("forward: %v", err)
	}
	if user != "bob" || pass != "hunter2" {
		t.Errorf("BasicAuth = %q, %q", user, pass)
	}
}

func TestForwardErrors(t *testing.T) {
	f := newForwarder(nil, newMetrics(prometheus.NewRegistry()))

	req := httptest.NewRequest("GET", "http://www.example.com/", nil)
	if _, err := forwardRecorded(t, f, req, "ftp://127.0.0.1:21", false); !errors.Is(err, errUnknownScheme) {
		t.Errorf("forward(ftp) = %v, want %v", err, errUnknownScheme)
	}

	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	if _, err := forwardRecorded(t, f, req, "http://"+addr, false); !errors.Is(err, errUpstream) {
		t.Errorf("forward(closed port) = %v, want %v", err, errUpstream)
	}

	be := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Length", "1000")
		w.Write([]byte("partial"))
		http.NewResponseController(w).Flush()
		panic(http.ErrAbortHandler)
	}))
	defer be.Close()
	resp, err := forwardRecorded(t, f, req, be.URL, false)
	if !errors.Is(err, errAbortedByUpstream) {
		t.Errorf("forward(abort) = %v, want %v", err, errAbortedByUpstream)
	}
	if !isAborted(err) {
		t.Errorf("isAborted(%v) = false", err)
	}
	if body, _ := io.ReadAll(resp.Body); string(body) != "partial" {
		t.Errorf("body = %q, want %q", body, "partial")
	}
}

// failingReader returns some data and then fails.
type failingReader struct {
	data []byte
}

func (r *failingReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.ErrUnexpectedEOF
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

// cancelingWriter cancels the request after the first chunk of the
// response is written.
type cancelingWriter struct {
	*httptest.ResponseRecorder
	cancel context.CancelFunc
}

func (w *cancelingWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseRecorder.Write(b)
	w.cancel()
	return n, err
}

func TestForwardAbortedByClient(t *testing.T) {
	f := newForwarder(nil, newMetrics(prometheus.NewRegistry()))

	be := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		io.ReadAll(req.Body)
	}))
	defer be.Close()

	req := httptest.NewRequest("POST", "http://www.example.com/upload", &failingReader{data: []byte("abc")})
	_, err := forwardRecorded(t, f, req, be.URL, false)
	if !errors.Is(err, errAbortedByClient) {
		t.Fatalf("forward(request body) = %v, want %v", err, errAbortedByClient)
	}
	if got := strings.Count(err.Error(), errAbortedByClient.Error()); got != 1 {
		t.Errorf("forward(request body) = %q, want %q once", err, errAbortedByClient)
	}
	if !isAborted(err) {
		t.Errorf("isAborted(%v) = false", err)
	}
}

func TestForwardClientGoneMidResponse(t *testing.T) {
	f := newForwarder(nil, newMetrics(prometheus.NewRegistry()))

	stop := make(chan struct{})
	be := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte("first"))
		http.NewResponseController(w).Flush()
		select {
		case <-req.Context().Done():
		case <-stop:
		}
	}))
	defer be.Close()
	defer close(stop)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest("GET", "http://www.example.com/stream", nil).WithContext(ctx)
	w := &cancelingWriter{ResponseRecorder: httptest.NewRecorder(), cancel: cancel}
	err := f.forward(w, req, &Host{Hostname: "www.example.com", Upstream: be.URL}, mustParseURL(t, be.URL), false)
	if !errors.Is(err, errAbortedByClient) {
		t.Errorf("forward(canceled) = %v, want %v", err, errAbortedByClient)
	}
	if errors.Is(err, errAbortedByUpstream) {
		t.Errorf("forward(canceled) = %v, blamed the upstream", err)
	}
	if got := w.Body.String(); got == "" || !strings.HasPrefix("first", got) {
		t.Errorf("body = %q, want a prefix of %q", got, "first")
	}
}

func TestFilterSessionCookie(t *testing.T) {
	for _, tc := range []struct {
		in   []string
		want []string
	}{
		{nil, nil},
		{[]string{session.CookieName + "=x"}, nil},
		{[]string{"a=1; " + session.CookieName + "=x; b=2"}, []string{"a=1; b=2"}},
		{[]string{"a=1", "b=2"}, []string{"a=1; b=2"}},
	} {
		h := http.Header{}
		for _, v := range tc.in {
			h.Add("Cookie", v)
		}
		filterSessionCookie(h)
		if diff := deep.Equal(h.Values("Cookie"), tc.want); diff != nil {
			t.Errorf("filterSessionCookie(%q): %v", tc.in, diff)
		}
	}
}

func TestIsUpgrade(t *testing.T) {
	for _, tc := range []struct {
		connection, upgrade string
		want                bool
	}{
		{"Upgrade", "websocket", true},
		{"keep-alive, upgrade", "websocket", true},
		{"keep-alive", "websocket", false},
		{"Upgrade", "", false},
		{"", "", false},
	} {
		req := httptest.NewRequest("GET", "/", nil)
		if tc.connection != "" {
			req.Header.Set("Connection", tc.connection)
		}
		if tc.upgrade != "" {
			req.Header.Set("Upgrade", tc.upgrade)
		}
		if got := isUpgrade(req); got != tc.want {
			t.Errorf("isUpgrade(%q, %q) = %v, want %v", tc.connection, tc.upgrade, got, tc.want)
		}
	}
}
