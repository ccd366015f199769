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
	"crypto/x509"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/c2FmZQ/acceptit/proxy/internal/challenge"
)

const (
	defaultRenewBefore = 10 * 24 * time.Hour
	defaultCertTimeout = 2 * time.Minute
	renewalSchedule    = "@every 12h"
)

// CertificateProvider issues certificates, e.g. an ACME client.
type CertificateProvider interface {
	Issue(ctx context.Context, hostname, email string) (*tls.Certificate, error)
}

type cachedCert struct {
	cert     *tls.Certificate
	issuedAt time.Time
	notAfter time.Time
}

func (c *cachedCert) needsRenewal(now time.Time, renewBefore time.Duration) bool {
	return !now.Add(renewBefore).Before(c.notAfter)
}

func (c *cachedCert) expired(now time.Time) bool {
	return !now.Before(c.notAfter)
}

// certResolver selects the certificate to present during TLS handshakes and
// gets new ones from the provider when needed.
type certResolver struct {
	store       *ConfigStore
	provider    CertificateProvider
	challenges  *challenge.Set
	email       string
	renewBefore time.Duration
	timeout     time.Duration
	metrics     *metrics
	now         func() time.Time

	mu    sync.Mutex
	certs map[string]*cachedCert
	group singleflight.Group
	cron  *cron.Cron
}

func newCertResolver(store *ConfigStore, provider CertificateProvider, opts Options, m *metrics) *certResolver {
	r := &certResolver{
		store:       store,
		provider:    provider,
		challenges:  challenge.New(store.HasHost),
		email:       opts.Email,
		renewBefore: opts.RenewBefore,
		timeout:     opts.CertTimeout,
		metrics:     m,
		now:         time.Now,
		certs:       make(map[string]*cachedCert),
	}
	if r.renewBefore <= 0 {
		r.renewBefore = defaultRenewBefore
	}
	if r.timeout <= 0 {
		r.timeout = defaultCertTimeout
	}
	return r
}

// GetCertificate is used as tls.Config.GetCertificate.
func (r *certResolver) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	name, err := normalizeHostname(hello.ServerName)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", errUnknownServerName, hello.ServerName)
	}
	ctx, cancel := context.WithTimeout(hello.Context(), r.timeout)
	defer cancel()
	cert, err := r.resolve(ctx, name)
	if err != nil {
		var remote string
		if hello.Conn != nil {
			remote = hello.Conn.RemoteAddr().String()
		}
		log.Printf("BAD %s ➔ %q TLS handshake refused: %v", remote, name, err)
		return nil, err
	}
	return cert, nil
}

func (r *certResolver) resolve(ctx context.Context, name string) (*tls.Certificate, error) {
	if !r.store.HasHost(name) {
		return nil, fmt.Errorf("%w: %q", errUnknownServerName, name)
	}
	r.mu.Lock()
	c := r.certs[name]
	r.mu.Unlock()

	now := r.now()
	if c != nil && !c.needsRenewal(now, r.renewBefore) {
		return c.cert, nil
	}
	cert, err := r.issue(ctx, name)
	if err != nil {
		if c != nil && !c.expired(now) {
			log.Printf("ERR Renewing certificate for %q: %v (still valid until %s)", name, err, c.notAfter.Format(time.RFC3339))
			return c.cert, nil
		}
		return nil, err
	}
	return cert, nil
}

// issue gets a new certificate from the provider. Concurrent calls for the
// same name share one provider call, which isn't canceled when one of the
// callers gives up.
func (r *certResolver) issue(ctx context.Context, name string) (*tls.Certificate, error) {
	ch := r.group.DoChan(name, func() (any, error) {
		ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		cert, err := r.provider.Issue(ictx, name, r.email)
		if err != nil {
			r.metrics.certIssued("error")
			return nil, fmt.Errorf("%w: %q: %v", errCertificate, name, err)
		}
		if cert.Leaf == nil && len(cert.Certificate) > 0 {
			if cert.Leaf, err = x509.ParseCertificate(cert.Certificate[0]); err != nil {
				r.metrics.certIssued("error")
				return nil, fmt.Errorf("%w: %q: %v", errCertificate, name, err)
			}
		}
		if cert.Leaf == nil {
			r.metrics.certIssued("error")
			return nil, fmt.Errorf("%w: %q: empty certificate", errCertificate, name)
		}
		// purge runs under r.mu after the table is swapped.
		r.mu.Lock()
		if !r.store.HasHost(name) {
			r.mu.Unlock()
			r.metrics.certIssued("discarded")
			return nil, fmt.Errorf("%w: %q was removed", errUnknownServerName, name)
		}
		r.certs[name] = &cachedCert{
			cert:     cert,
			issuedAt: r.now(),
			notAfter: cert.Leaf.NotAfter,
		}
		r.mu.Unlock()
		r.metrics.certIssued("ok")
		log.Printf("INF Certificate for %q issued, valid until %s", name, cert.Leaf.NotAfter.Format(time.RFC3339))
		return cert, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*tls.Certificate), nil
	}
}

// purge forgets the certificates of hosts that are not in t.
func (r *certResolver) purge(t *routingTable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name := range r.certs {
		if t.lookup(name) == nil {
			delete(r.certs, name)
			log.Printf("INF Certificate for %q dropped", name)
		}
	}
}

func (r *certResolver) cached() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.certs)
}

// renewDue renews the cached certificates that are inside the renewal
// window.
func (r *certResolver) renewDue(ctx context.Context) {
	now := r.now()
	var due []string
	r.mu.Lock()
	for name, c := range r.certs {
		if c.needsRenewal(now, r.renewBefore) {
			due = append(due, name)
		}
	}
	r.mu.Unlock()

	for _, name := range due {
		if !r.store.HasHost(name) {
			continue
		}
		if _, err := r.issue(ctx, name); err != nil {
			log.Printf("ERR Renewing certificate for %q: %v", name, err)
		}
	}
}

func (r *certResolver) start(ctx context.Context) error {
	r.cron = cron.New()
	if _, err := r.cron.AddFunc(renewalSchedule, func() { r.renewDue(ctx) }); err != nil {
		return err
	}
	r.cron.Start()
	go func() {
		<-ctx.Done()
		r.cron.Stop()
	}()
	return nil
}

// HTTPHandler answers ACME HTTP-01 challenges and passes all other requests
// to fallback.
func (r *certResolver) HTTPHandler(fallback http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		token, ok := strings.CutPrefix(req.URL.Path, challenge.PathPrefix)
		if !ok || token == "" {
			fallback.ServeHTTP(w, req)
			return
		}
		value, ok := r.challenges.Fetch(hostFromReq(req), token)
		if !ok {
			fallback.ServeHTTP(w, req)
			return
		}
		r.metrics.request("http", "challenge")
		log.Printf("REQ %s ➔ %s %s ➔ acme challenge", req.RemoteAddr, req.Host, req.URL.Path)
		w.Header().Set("content-type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(value))
	})
}
