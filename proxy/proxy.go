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

// Package proxy implements a multi-tenant HTTP and HTTPS reverse proxy. It
// obtains TLS certificates on demand, can restrict websites to the members of
// a GitHub organization, and reloads its routing configuration without
// interrupting traffic.
package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c2FmZQ/acceptit/certmanager"
	"github.com/c2FmZQ/acceptit/proxy/internal/acmeclient"
	"github.com/c2FmZQ/acceptit/proxy/internal/github"
	"github.com/c2FmZQ/acceptit/proxy/internal/session"
)

// Options are the process-level settings of the proxy.
type Options struct {
	// HTTPAddr is the address of the plain HTTP listener. It must be
	// reachable on port 80 for ACME HTTP-01 challenges to work.
	HTTPAddr string
	// TLSAddr is the address of the HTTPS listener.
	TLSAddr string
	// HTTPPort and HTTPSPort are the ports that clients use to reach the
	// listeners. They are used in scheme-changing redirects and omitted
	// when they are the default ports.
	HTTPPort  int
	HTTPSPort int
	// Email is the contact address given to the certificate authority.
	Email string
	// Debug adds debug logs and error details in responses.
	Debug bool
	// AcceptProxyHeaderFrom is a list of IP addresses or CIDRs that are
	// trusted to send a PROXY protocol header and X-Real-Ip / X-Client-Ip.
	AcceptProxyHeaderFrom []string
	// RenewBefore is how long before expiration certificates are renewed.
	RenewBefore time.Duration
	// CertTimeout bounds each certificate provider call.
	CertTimeout time.Duration
	// ACMEDirectory is the ACME directory URL. The default is Let's
	// Encrypt.
	ACMEDirectory string
	// IDPRetries is the number of times failed GitHub API calls are
	// retried.
	IDPRetries int
	// Registry receives the metrics. Nil means a private registry.
	Registry prometheus.Registerer
}

// Proxy receives HTTP and HTTPS requests and forwards them to the upstream
// servers.
type Proxy struct {
	opts     Options
	store    *ConfigStore
	certs    *certResolver
	sessions *session.Store
	gate     *accessGate
	fwd      *forwarder
	metrics  *metrics

	mu           sync.Mutex
	httpServer   *http.Server
	tlsServer    *http.Server
	httpListener net.Listener
	tlsListener  net.Listener
}

// New returns a new Proxy that gets its certificates from an ACME
// certificate authority.
func New(store *ConfigStore, opts Options) (*Proxy, error) {
	if opts.Email == "" {
		return nil, errors.New("email must be set")
	}
	p, err := newProxy(store, opts, nil)
	if err != nil {
		return nil, err
	}
	dir := opts.ACMEDirectory
	if dir == "" {
		dir = acmeclient.LetsEncryptURL
	}
	provider, err := acmeclient.New(dir, p.certs.challenges, log.Printf)
	if err != nil {
		return nil, err
	}
	p.certs.provider = provider
	return p, nil
}

// NewTestProxy returns a new Proxy that uses an ephemeral certificate
// authority. This is only useful for testing.
func NewTestProxy(store *ConfigStore, opts Options) (*Proxy, error) {
	cm, err := certmanager.New("root-ca.acceptit.example", log.Printf)
	if err != nil {
		return nil, err
	}
	log.Printf("INF Ephemeral root CA:\n%s", cm.RootCAPEM())
	return newProxy(store, opts, cm)
}

func newProxy(store *ConfigStore, opts Options, provider CertificateProvider) (*Proxy, error) {
	if store == nil {
		return nil, errors.New("nil config store")
	}
	if opts.HTTPAddr == "" {
		opts.HTTPAddr = ":80"
	}
	if opts.TLSAddr == "" {
		opts.TLSAddr = ":443"
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	trusted, err := parseCIDRs(opts.AcceptProxyHeaderFrom)
	if err != nil {
		return nil, fmt.Errorf("AcceptProxyHeaderFrom: %w", err)
	}
	sessions, err := session.NewStore(session.DefaultTTL, session.DefaultMaxSessions)
	if err != nil {
		return nil, err
	}
	m := newMetrics(opts.Registry)
	p := &Proxy{
		opts:     opts,
		store:    store,
		certs:    newCertResolver(store, provider, opts, m),
		sessions: sessions,
		fwd:      newForwarder(trusted, m),
		metrics:  m,
	}
	p.gate = newAccessGate(sessions, func(gp GithubPolicy) identityProvider {
		cfg := github.Config{
			ClientID:     gp.ClientID,
			ClientSecret: gp.ClientSecret,
			Retries:      opts.IDPRetries,
		}
		if opts.Debug {
			cfg.Logger = retryLogger{}
		}
		return github.New(cfg)
	})
	m.gauges(opts.Registry, sessions.Len, p.certs.cached)
	m.hosts.Set(float64(len(store.table().order)))
	store.observe(func(t *routingTable, err error) {
		m.configLoaded(t, err)
		if t != nil {
			p.certs.purge(t)
		}
	})
	return p, nil
}

// Start opens the listeners and starts serving.
func (p *Proxy) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.certs.provider == nil {
		return errors.New("no certificate provider")
	}
	hl, err := listen(p.opts.HTTPAddr, p.fwd.trusted)
	if err != nil {
		return err
	}
	tl, err := listen(p.opts.TLSAddr, p.fwd.trusted)
	if err != nil {
		hl.Close()
		return err
	}
	if err := p.certs.start(ctx); err != nil {
		hl.Close()
		tl.Close()
		return err
	}
	p.httpListener = hl
	p.tlsListener = tl

	p.httpServer = newServer(recoverHandler(p.certs.HTTPHandler(p.handler(false))))
	p.tlsServer = newServer(recoverHandler(p.handler(true)))
	p.tlsServer.TLSConfig = &tls.Config{
		GetCertificate: p.certs.GetCertificate,
		MinVersion:     tls.VersionTLS12,
		NextProtos:     []string{"http/1.1"},
	}
	p.tlsServer.TLSNextProto = map[string]func(*http.Server, *tls.Conn, http.Handler){}

	go serveHTTP(p.httpServer, hl)
	go serveHTTP(p.tlsServer, tls.NewListener(tl, p.tlsServer.TLSConfig))
	log.Printf("INF Accepting HTTP connections on %s", hl.Addr())
	log.Printf("INF Accepting TLS connections on %s", tl.Addr())
	return nil
}

// Stop closes all connections immediately.
func (p *Proxy) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range []*http.Server{p.httpServer, p.tlsServer} {
		if s != nil {
			s.Close()
		}
	}
	p.fwd.closeAll()
}

// Shutdown stops accepting new connections and waits for the active
// requests to finish, or for ctx to be done.
func (p *Proxy) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	servers := []*http.Server{p.httpServer, p.tlsServer}
	p.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, len(servers))
	for i, s := range servers {
		if s == nil {
			continue
		}
		i, s := i, s
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.Shutdown(ctx)
		}()
	}
	wg.Wait()
	p.fwd.closeAll()
	return errors.Join(errs...)
}

func (p *Proxy) handler(secure bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		p.serve(w, req, secure)
	})
}

// serve routes one request. The routing table snapshot taken here is used
// for the whole request.
func (p *Proxy) serve(w http.ResponseWriter, req *http.Request, secure bool) {
	listener := "http"
	if secure {
		listener = "https"
	}
	host := p.store.table().lookup(hostFromReq(req))
	if host == nil {
		p.metrics.request(listener, "not_found")
		log.Printf("BAD %s ➔ %s %s%s ➔ %v (%q)", req.RemoteAddr, req.Method, req.Host, req.URL.RequestURI(), errNoWebsite, userAgent(req))
		p.serveError(w, req, listener, nil, errNoWebsite)
		return
	}
	host.logRequestF("REQ %s ➔ %s %s%s (%q)", req.RemoteAddr, req.Method, req.Host, req.URL.RequestURI(), userAgent(req))

	if isUpgrade(req) {
		p.serveUpgrade(w, req, host, secure, listener)
		return
	}

	switch {
	case host.Redirect != "":
		p.metrics.request(listener, "redirect")
		w.Header().Set("Location", host.Redirect)
		w.Header().Set("content-type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusFound)
		fmt.Fprintf(w, "Page temporarily moved to: %s\n", host.Redirect)
		return
	case !secure && !host.AllowInsecure:
		p.metrics.request(listener, "redirect")
		http.Redirect(w, req, p.schemeURL(req, "https"), http.StatusFound)
		return
	case secure && host.NoSecure:
		p.metrics.request(listener, "redirect")
		http.Redirect(w, req, p.schemeURL(req, "http"), http.StatusFound)
		return
	}

	decision, err := p.gate.enforce(w, req, host)
	if err != nil {
		p.serveError(w, req, listener, host, err)
		return
	}
	if decision != decisionForward {
		p.debugF("%s ➔ %s %s ➔ %s", req.RemoteAddr, req.Method, req.Host, decision)
		p.metrics.request(listener, decision.String())
		return
	}
	if err := p.fwd.forward(w, req, host, host.upstreamFor(req.URL.Path), secure); err != nil {
		p.serveError(w, req, listener, host, err)
		return
	}
	p.metrics.request(listener, "forward")
}

// serveUpgrade handles protocol upgrade requests. There is no page to show
// on a raw connection, so refusals simply close it.
func (p *Proxy) serveUpgrade(w http.ResponseWriter, req *http.Request, host *Host, secure bool, listener string) {
	var reason string
	switch {
	case host.Redirect != "":
		reason = "host is a static redirect"
	case !secure && !host.AllowInsecure:
		reason = "plain HTTP not allowed"
	case !secure && host.SecuredByGithub != nil:
		reason = "plain HTTP on a gated host"
	case secure && host.NoSecure:
		reason = "HTTPS not allowed"
	case !p.gate.authorized(host, req):
		reason = "no authorized session"
	}
	if reason != "" {
		p.metrics.request(listener, "refused")
		host.logErrorF("BAD %s ➔ %s %s%s ➔ upgrade refused: %s", req.RemoteAddr, req.Method, req.Host, req.URL.RequestURI(), reason)
		refuseConn(w)
		return
	}
	if err := p.fwd.forwardUpgrade(w, req, host, host.upstreamFor(req.URL.Path), secure); err != nil {
		p.serveError(w, req, listener, host, err)
		return
	}
	p.metrics.request(listener, "upgrade")
}

func refuseConn(w http.ResponseWriter) {
	if hj, ok := w.(http.Hijacker); ok {
		if conn, _, err := hj.Hijack(); err == nil {
			conn.Close()
			return
		}
	}
	http.Error(w, "Forbidden", http.StatusForbidden)
}

// serveError sends the response that corresponds to err. Exchanges that
// were aborted mid-stream are torn down without a response.
func (p *Proxy) serveError(w http.ResponseWriter, req *http.Request, listener string, host *Host, err error) {
	logf := log.Printf
	if host != nil {
		logf = host.logErrorF
	}
	switch {
	case isAborted(err):
		p.metrics.request(listener, "aborted")
		logf("ERR %s ➔ %s %s%s ➔ %v", req.RemoteAddr, req.Method, req.Host, req.URL.RequestURI(), err)
		panic(http.ErrAbortHandler)
	case errors.Is(err, errNoWebsite):
		http.Error(w, "no website found", http.StatusNotFound)
		return
	case errors.Is(err, errAccessDenied):
		p.metrics.request(listener, "deny")
		logf("BAD %s ➔ %s %s%s ➔ %v", req.RemoteAddr, req.Method, req.Host, req.URL.RequestURI(), err)
		http.Error(w, "Access denied.", http.StatusForbidden)
		return
	case errors.Is(err, errInvalidState):
		p.metrics.request(listener, "deny")
		logf("BAD %s ➔ %s %s%s ➔ %v", req.RemoteAddr, req.Method, req.Host, req.URL.RequestURI(), err)
		http.Error(w, "Invalid login state. Please try again.", http.StatusBadRequest)
		return
	case errors.Is(err, errUpstream):
		p.metrics.request(listener, "upstream_error")
		logf("ERR %s ➔ %s %s%s ➔ %v", req.RemoteAddr, req.Method, req.Host, req.URL.RequestURI(), err)
		msg := "Bad Gateway"
		if p.opts.Debug {
			msg = err.Error()
		}
		http.Error(w, msg, http.StatusBadGateway)
		return
	}
	p.metrics.request(listener, "error")
	logf("ERR %s ➔ %s %s%s ➔ %v", req.RemoteAddr, req.Method, req.Host, req.URL.RequestURI(), err)
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

// schemeURL returns the URL of req with a different scheme.
func (p *Proxy) schemeURL(req *http.Request, scheme string) string {
	host := hostFromReq(req)
	port, def := p.opts.HTTPSPort, 443
	if scheme == "http" {
		port, def = p.opts.HTTPPort, 80
	}
	if port != 0 && port != def {
		host = net.JoinHostPort(host, strconv.Itoa(port))
	}
	return scheme + "://" + host + req.URL.RequestURI()
}
