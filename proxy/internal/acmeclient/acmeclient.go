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

// Package acmeclient obtains certificates from an ACME certificate authority
// using HTTP-01 challenges.
package acmeclient

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/acme"
	"golang.org/x/time/rate"
)

// LetsEncryptURL is the production directory of Let's Encrypt.
const LetsEncryptURL = acme.LetsEncryptURL

// ChallengeStore receives the HTTP-01 tokens while they are being validated.
type ChallengeStore interface {
	Store(host, token, value string) error
	Clear(host, token string)
}

// Provider issues certificates. It is safe for concurrent use.
type Provider struct {
	client     *acme.Client
	challenges ChallengeStore
	limiter    *rate.Limiter
	logger     func(string, ...any)

	mu         sync.Mutex
	registered bool
}

// New returns a new Provider using the ACME directory at directoryURL.
func New(directoryURL string, challenges ChallengeStore, logger func(string, ...any)) (*Provider, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("account key: %w", err)
	}
	if logger == nil {
		logger = func(string, ...any) {}
	}
	return &Provider{
		client: &acme.Client{
			Key:          key,
			DirectoryURL: directoryURL,
			UserAgent:    "acceptit",
		},
		challenges: challenges,
		// Let's Encrypt allows 300 new orders per account every 3 hours.
		limiter: rate.NewLimiter(rate.Every(36*time.Second), 20),
		logger:  logger,
	}, nil
}

// Issue obtains a new certificate for host. The account is registered with
// email as contact on first use.
func (p *Provider) Issue(ctx context.Context, host, email string) (*tls.Certificate, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	if err := p.register(ctx, email); err != nil {
		return nil, err
	}
	order, err := p.client.AuthorizeOrder(ctx, acme.DomainIDs(host))
	if err != nil {
		return nil, fmt.Errorf("AuthorizeOrder: %w", err)
	}
	for _, zurl := range order.AuthzURLs {
		if err := p.authorize(ctx, host, zurl); err != nil {
			return nil, err
		}
	}
	if order, err = p.client.WaitOrder(ctx, order.URI); err != nil {
		return nil, fmt.Errorf("WaitOrder: %w", err)
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("certificate key: %w", err)
	}
	csr, err := newCSR(host, key)
	if err != nil {
		return nil, err
	}
	der, _, err := p.client.CreateOrderCert(ctx, order.FinalizeURL, csr, true)
	if err != nil {
		return nil, fmt.Errorf("CreateOrderCert: %w", err)
	}
	return certificate(host, der, key)
}

func (p *Provider) register(ctx context.Context, email string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.registered {
		return nil
	}
	acct := &acme.Account{}
	if email != "" {
		acct.Contact = []string{"mailto:" + email}
	}
	if _, err := p.client.Register(ctx, acct, acme.AcceptTOS); err != nil && !errors.Is(err, acme.ErrAccountAlreadyExists) {
		return fmt.Errorf("Register: %w", err)
	}
	p.logger("INF ACME account registered with %s", p.client.DirectoryURL)
	p.registered = true
	return nil
}

func (p *Provider) authorize(ctx context.Context, host, zurl string) error {
	z, err := p.client.GetAuthorization(ctx, zurl)
	if err != nil {
		return fmt.Errorf("GetAuthorization: %w", err)
	}
	if z.Status == acme.StatusValid {
		return nil
	}
	chal := http01(z)
	if chal == nil {
		return fmt.Errorf("%s: no http-01 challenge offered", host)
	}
	value, err := p.client.HTTP01ChallengeResponse(chal.Token)
	if err != nil {
		return fmt.Errorf("HTTP01ChallengeResponse: %w", err)
	}
	if err := p.challenges.Store(host, chal.Token, value); err != nil {
		return fmt.Errorf("%s: %w", host, err)
	}
	defer p.challenges.Clear(host, chal.Token)

	if _, err := p.client.Accept(ctx, chal); err != nil {
		return fmt.Errorf("Accept: %w", err)
	}
	if _, err := p.client.WaitAuthorization(ctx, z.URI); err != nil {
		return fmt.Errorf("WaitAuthorization: %w", err)
	}
	return nil
}

func http01(z *acme.Authorization) *acme.Challenge {
	for _, c := range z.Challenges {
		if c.Type == "http-01" {
			return c
		}
	}
	return nil
}

func newCSR(host string, key crypto.Signer) ([]byte, error) {
	csr, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: host},
		DNSNames: []string{host},
	}, key)
	if err != nil {
		return nil, fmt.Errorf("x509.CreateCertificateRequest: %w", err)
	}
	return csr, nil
}

func certificate(host string, der [][]byte, key crypto.Signer) (*tls.Certificate, error) {
	if len(der) == 0 {
		return nil, errors.New("empty certificate chain")
	}
	leaf, err := x509.ParseCertificate(der[0])
	if err != nil {
		return nil, fmt.Errorf("x509.ParseCertificate: %w", err)
	}
	if err := leaf.VerifyHostname(host); err != nil {
		return nil, err
	}
	return &tls.Certificate{
		Certificate: der,
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}
