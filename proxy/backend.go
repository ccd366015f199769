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
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http/httpguts"

	"github.com/c2FmZQ/acceptit/proxy/internal/session"
)

// Hop-by-hop headers. They apply to one connection and are never forwarded,
// except Connection and Upgrade on upgrade requests.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 32*1024)
		return &b
	},
}

// forwarder relays requests to upstream servers.
type forwarder struct {
	dialer           *net.Dialer
	transport        *http.Transport
	tlsConfig        *tls.Config
	trusted          []*net.IPNet
	halfCloseTimeout time.Duration
	metrics          *metrics

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

func newForwarder(trusted []*net.IPNet, m *metrics) *forwarder {
	f := &forwarder{
		dialer: &net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		},
		tlsConfig:        &tls.Config{},
		trusted:          trusted,
		halfCloseTimeout: time.Minute,
		metrics:          m,
		conns:            make(map[net.Conn]struct{}),
	}
	f.transport = &http.Transport{
		DialContext:           f.dialer.DialContext,
		TLSClientConfig:       f.tlsConfig,
		TLSNextProto:          map[string]func(string, *tls.Conn) http.RoundTripper{},
		DisableCompression:    true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	return f
}

// forward sends req to upstream and streams the response back to w.
func (f *forwarder) forward(w http.ResponseWriter, req *http.Request, host *Host, upstream *url.URL, secure bool) error {
	if err := checkScheme(upstream); err != nil {
		return err
	}
	start := time.Now()
	out := f.outgoingRequest(req, upstream, secure)
	removeHopHeaders(out.Header)

	resp, err := f.transport.RoundTrip(out)
	if err != nil {
		if errors.Is(err, errAbortedByClient) {
			return err
		}
		if req.Context().Err() != nil {
			return fmt.Errorf("%w: %w", errAbortedByClient, err)
		}
		return fmt.Errorf("%w: %s: %w", errUpstream, upstream.Host, err)
	}
	defer resp.Body.Close()

	removeHopHeaders(resp.Header)
	copyHeader(w.Header(), resp.Header)
	for k := range resp.Trailer {
		w.Header().Add("Trailer", k)
	}
	w.WriteHeader(resp.StatusCode)
	host.logRequestF("PRX %s ➔ %s %s ➔ %s ➔ status:%d (%s)", req.RemoteAddr, req.Method, req.URL.RequestURI(), upstream.Host, resp.StatusCode, time.Since(start).Round(time.Millisecond))

	if err := copyBody(req.Context(), w, resp.Body); err != nil {
		return err
	}
	for k, vv := range resp.Trailer {
		for _, v := range vv {
			w.Header().Add(http.TrailerPrefix+k, v)
		}
	}
	return nil
}

func (f *forwarder) outgoingRequest(req *http.Request, upstream *url.URL, secure bool) *http.Request {
	out := req.Clone(req.Context())
	out.URL.Scheme = upstream.Scheme
	out.URL.Host = upstream.Host
	if upstream.Path != "" && upstream.Path != "/" {
		out.URL.Path = strings.TrimSuffix(upstream.Path, "/") + "/" + strings.TrimPrefix(req.URL.Path, "/")
		out.URL.RawPath = ""
	}
	if upstream.RawQuery != "" {
		if out.URL.RawQuery == "" {
			out.URL.RawQuery = upstream.RawQuery
		} else {
			out.URL.RawQuery = upstream.RawQuery + "&" + out.URL.RawQuery
		}
	}
	out.Host = ""
	out.RequestURI = ""
	out.Close = false
	if req.Body == nil || req.Body == http.NoBody || req.ContentLength == 0 {
		out.Body = nil
	} else {
		out.Body = clientBody{req.Body}
	}
	if upstream.User != nil {
		pw, _ := upstream.User.Password()
		out.SetBasicAuth(upstream.User.Username(), pw)
	}
	filterSessionCookie(out.Header)
	f.rewriteHeaders(out.Header, req, secure)
	return out
}

// rewriteHeaders adds the X-Forwarded-* family of headers.
func (f *forwarder) rewriteHeaders(h http.Header, req *http.Request, secure bool) {
	if h.Get("X-Forwarded-Host") == "" {
		h.Set("X-Forwarded-Host", req.Host)
	}
	ip := f.clientIP(req)
	h.Set("X-Real-Ip", ip)
	h.Set("X-Client-Ip", ip)
	if prior := h.Values("X-Forwarded-For"); len(prior) > 0 {
		h.Set("X-Forwarded-For", strings.Join(prior, ", ")+", "+ip)
	} else {
		h.Set("X-Forwarded-For", ip)
	}
	proto := "http"
	if secure {
		proto = "https"
	}
	h.Set("X-Forwarded-Proto", proto)
	h.Set("X-Forwarded-Scheme", proto)
	if h.Get("X-Forwarded-Port") == "" {
		if port := localPort(req); port != "" {
			h.Set("X-Forwarded-Port", port)
		}
	}
	h.Del("Host")
}

// clientIP returns the address of the client. The X-Real-Ip and X-Client-Ip
// headers are only believed when they come from a trusted proxy.
func (f *forwarder) clientIP(req *http.Request) string {
	peer, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		peer = req.RemoteAddr
	}
	if ip := net.ParseIP(peer); ip != nil && trusted(f.trusted, ip) {
		for _, name := range []string{"X-Real-Ip", "X-Client-Ip"} {
			if v := strings.TrimSpace(req.Header.Get(name)); net.ParseIP(v) != nil {
				return v
			}
		}
	}
	return peer
}

func trusted(nets []*net.IPNet, ip net.IP) bool {
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func localPort(req *http.Request) string {
	addr, ok := req.Context().Value(http.LocalAddrContextKey).(net.Addr)
	if !ok {
		return ""
	}
	_, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return ""
	}
	return port
}

func checkScheme(u *url.URL) error {
	switch u.Scheme {
	case "http", "https":
		return nil
	}
	return fmt.Errorf("%w %q", errUnknownScheme, u.Scheme)
}

func removeHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = textproto.TrimString(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func filterSessionCookie(h http.Header) {
	cookies := (&http.Request{Header: h}).Cookies()
	h.Del("Cookie")
	var keep []string
	for _, c := range cookies {
		if c.Name != session.CookieName {
			keep = append(keep, c.String())
		}
	}
	if len(keep) > 0 {
		h.Set("Cookie", strings.Join(keep, "; "))
	}
}

func isUpgrade(req *http.Request) bool {
	return req.Header.Get("Upgrade") != "" && httpguts.HeaderValuesContainsToken(req.Header["Connection"], "upgrade")
}

// clientBody marks errors reading the request body as coming from the
// client.
type clientBody struct {
	io.ReadCloser
}

func (b clientBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err != nil && err != io.EOF {
		err = fmt.Errorf("%w: %w", errAbortedByClient, err)
	}
	return n, err
}

// copyBody streams body to w, flushing after every chunk.
func copyBody(ctx context.Context, w http.ResponseWriter, body io.Reader) error {
	rc := http.NewResponseController(w)
	bp := bufPool.Get().(*[]byte)
	defer bufPool.Put(bp)
	buf := *bp
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return fmt.Errorf("%w: %w", errAbortedByClient, err)
			}
			if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
				return fmt.Errorf("%w: %w", errAbortedByClient, err)
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %w", errAbortedByClient, rerr)
			}
			return fmt.Errorf("%w: %w", errAbortedByUpstream, rerr)
		}
	}
}

func (f *forwarder) track(c net.Conn, add bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if add {
		f.conns[c] = struct{}{}
	} else {
		delete(f.conns, c)
	}
}

// closeAll closes the upgraded connections.
func (f *forwarder) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.conns {
		c.Close()
	}
	if len(f.conns) > 0 {
		log.Printf("INF Closed %d upgraded connections", len(f.conns))
	}
	f.transport.CloseIdleConnections()
}
