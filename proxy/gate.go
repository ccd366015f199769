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
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/c2FmZQ/acceptit/proxy/internal/github"
	"github.com/c2FmZQ/acceptit/proxy/internal/session"
)

type identityProvider interface {
	AuthCodeURL(state, redirectURI string) string
	ExchangeCode(ctx context.Context, code, redirectURI string) (string, error)
	FetchUser(ctx context.Context, accessToken string) (*github.User, error)
	FetchOrganizations(ctx context.Context, accessToken string) ([]github.Organization, error)
}

// gateState is where a request stands in the login flow of a gated host.
type gateState int

const (
	stateNoPolicy gateState = iota
	stateUnauthenticated
	stateExchanging
	stateAuthenticatedNoOrg
	stateAuthenticated
)

func (s gateState) String() string {
	switch s {
	case stateNoPolicy:
		return "NoPolicy"
	case stateUnauthenticated:
		return "Unauthenticated"
	case stateExchanging:
		return "Exchanging"
	case stateAuthenticatedNoOrg:
		return "AuthenticatedNoOrg"
	case stateAuthenticated:
		return "Authenticated"
	}
	return fmt.Sprintf("gateState(%d)", int(s))
}

type gateDecision int

const (
	decisionForward gateDecision = iota
	decisionRedirectToProvider
	decisionRedirectHome
	decisionDeny
)

func (d gateDecision) String() string {
	switch d {
	case decisionForward:
		return "forward"
	case decisionRedirectToProvider:
		return "login"
	case decisionRedirectHome:
		return "redirect_home"
	case decisionDeny:
		return "deny"
	}
	return fmt.Sprintf("gateDecision(%d)", int(d))
}

// accessGate enforces the securedByGithub policies.
type accessGate struct {
	sessions *session.Store
	newIDP   func(GithubPolicy) identityProvider

	mu        sync.Mutex
	providers map[GithubPolicy]identityProvider
}

func newAccessGate(sessions *session.Store, newIDP func(GithubPolicy) identityProvider) *accessGate {
	return &accessGate{
		sessions:  sessions,
		newIDP:    newIDP,
		providers: make(map[GithubPolicy]identityProvider),
	}
}

func (g *accessGate) provider(p *GithubPolicy) identityProvider {
	g.mu.Lock()
	defer g.mu.Unlock()
	idp, ok := g.providers[*p]
	if !ok {
		idp = g.newIDP(*p)
		g.providers[*p] = idp
	}
	return idp
}

func (g *accessGate) state(host *Host, sess *session.Session, req *http.Request) gateState {
	policy := host.SecuredByGithub
	if policy == nil {
		return stateNoPolicy
	}
	if sess == nil {
		return stateUnauthenticated
	}
	snap := sess.Snapshot()
	if snap.User == "" {
		if req.URL.Path == "/" && req.URL.Query().Get("code") != "" {
			return stateExchanging
		}
		return stateUnauthenticated
	}
	if snap.Org == "" || !strings.EqualFold(snap.Org, policy.Org) {
		return stateAuthenticatedNoOrg
	}
	return stateAuthenticated
}

// authorized reports whether req may be forwarded without any interaction
// with the user. It never creates a session.
func (g *accessGate) authorized(host *Host, req *http.Request) bool {
	switch g.state(host, g.sessions.Get(req), req) {
	case stateNoPolicy, stateAuthenticated:
		return true
	}
	return false
}

// enforce runs the login flow for one request. Unless the decision is
// decisionForward, the response has already been written or an error is
// returned.
func (g *accessGate) enforce(w http.ResponseWriter, req *http.Request, host *Host) (gateDecision, error) {
	policy := host.SecuredByGithub
	if policy == nil {
		return decisionForward, nil
	}
	sess, err := g.sessions.GetOrCreate(w, req)
	if err != nil {
		return decisionDeny, err
	}
	idp := g.provider(policy)
	redirectURI := origin(req) + "/"

	switch st := g.state(host, sess, req); st {
	case stateAuthenticated:
		return decisionForward, nil

	case stateAuthenticatedNoOrg:
		return decisionDeny, fmt.Errorf("%w: %s is not a member of %s", errAccessDenied, sess.Snapshot().User, policy.Org)

	case stateExchanging:
		q := req.URL.Query()
		if q.Get("state") != sess.ID {
			return decisionDeny, errInvalidState
		}
		if err := g.exchange(req.Context(), idp, sess, policy, q.Get("code"), redirectURI); err != nil {
			return decisionDeny, err
		}
		target := sess.TakeRedirectURL()
		if target == "" {
			target = "/"
		}
		snap := sess.Snapshot()
		log.Printf("INF %s logged in to %s as %s (org %q)", req.RemoteAddr, host.Hostname, snap.User, snap.Org)
		http.Redirect(w, req, origin(req)+target, http.StatusFound)
		return decisionRedirectHome, nil

	default:
		if acceptsHTML(req) {
			sess.SetRedirectURL(req.URL.RequestURI())
		}
		http.Redirect(w, req, idp.AuthCodeURL(sess.ID, redirectURI), http.StatusFound)
		return decisionRedirectToProvider, nil
	}
}

func (g *accessGate) exchange(ctx context.Context, idp identityProvider, sess *session.Session, policy *GithubPolicy, code, redirectURI string) error {
	token, err := idp.ExchangeCode(ctx, code, redirectURI)
	if err != nil {
		return err
	}
	var user *github.User
	var orgs []github.Organization
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		var err error
		user, err = idp.FetchUser(ctx, token)
		return err
	})
	eg.Go(func() error {
		var err error
		orgs, err = idp.FetchOrganizations(ctx, token)
		return err
	})
	if err := eg.Wait(); err != nil {
		return err
	}
	var org string
	for _, o := range orgs {
		if strings.EqualFold(o.Login, policy.Org) {
			org = policy.Org
			break
		}
	}
	sess.SetIdentity(token, user.Login, org)
	return nil
}

func acceptsHTML(req *http.Request) bool {
	return strings.Contains(strings.ToLower(req.Header.Get("accept")), "text/html")
}

func origin(req *http.Request) string {
	scheme := "http"
	if req.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + req.Host
}
