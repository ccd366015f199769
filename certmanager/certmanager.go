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

// Package certmanager is a throwaway certificate authority that issues
// certificates on demand. It plays the role of the ACME certificate provider in
// tests and on development machines.
//
// Nothing it issues should be trusted outside of those settings.
package certmanager

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/idna"
)

// DefaultValidity mirrors the lifetime of certificates issued by public ACME
// authorities.
const DefaultValidity = 90 * 24 * time.Hour

// CertManager is an ephemeral certificate authority.
type CertManager struct {
	name      string
	key       *ecdsa.PrivateKey
	caCert    *x509.Certificate
	caCertPEM []byte
	pool      *x509.CertPool
	logger    func(string, ...any)

	mu       sync.Mutex
	validity time.Duration
	issued   map[string]int
	failNext error
}

// New returns a new ephemeral certificate authority whose root certificate
// has name as its common name.
func New(name string, logger func(string, ...any)) (*CertManager, error) {
	if logger == nil {
		logger = func(string, ...any) {}
	}
	key, caCert, err := createRootKeyAndCert(name, 24*365*time.Hour)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(caCert)

	return &CertManager{
		name:   name,
		key:    key,
		caCert: caCert,
		caCertPEM: pem.EncodeToMemory(&pem.Block{
			Type:  "CERTIFICATE",
			Bytes: caCert.Raw,
		}),
		pool:     pool,
		logger:   logger,
		validity: DefaultValidity,
		issued:   make(map[string]int),
	}, nil
}

func createRootKeyAndCert(name string, d time.Duration) (*ecdsa.PrivateKey, *x509.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("ecdsa.GenerateKey: %w", err)
	}
	sn, _ := rand.Int(rand.Reader, big.NewInt(1<<32))
	now := time.Now()
	templ := &x509.Certificate{
		SerialNumber:          sn,
		Issuer:                pkix.Name{CommonName: name},
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(d),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	b, err := x509.CreateCertificate(rand.Reader, templ, templ, key.Public(), key)
	if err != nil {
		return nil, nil, fmt.Errorf("x509.CreateCertificate: %w", err)
	}
	caCert, err := x509.ParseCertificate(b)
	if err != nil {
		return nil, nil, fmt.Errorf("x509.ParseCertificate: %w", err)
	}
	return key, caCert, nil
}

// RootCAPEM returns the root certificate in PEM format.
func (cm *CertManager) RootCAPEM() string {
	return string(cm.caCertPEM)
}

// RootCACertPool returns a CertPool that contains the root certificate.
func (cm *CertManager) RootCACertPool() *x509.CertPool {
	return cm.pool
}

// SetValidity changes the lifetime of certificates issued after the call.
func (cm *CertManager) SetValidity(d time.Duration) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.validity = d
}

// FailNext makes the next call to Issue return err.
func (cm *CertManager) FailNext(err error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.failNext = err
}

// Issued returns the number of certificates issued for name so far.
func (cm *CertManager) Issued(name string) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.issued[strings.ToLower(name)]
}

// Issue returns a new certificate for name, signed by the root certificate.
// The contact email is only logged.
func (cm *CertManager) Issue(ctx context.Context, name, email string) (*tls.Certificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, errors.New("empty name")
	}
	if n, err := idna.Lookup.ToASCII(name); err == nil {
		name = n
	}
	cm.mu.Lock()
	validity := cm.validity
	if err := cm.failNext; err != nil {
		cm.failNext = nil
		cm.mu.Unlock()
		return nil, err
	}
	cm.issued[name]++
	cm.mu.Unlock()

	cm.logger("[%s] Issue(%q, %q)", cm.name, name, email)
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ecdsa.GenerateKey: %w", err)
	}
	sn, _ := rand.Int(rand.Reader, big.NewInt(1<<32))
	now := time.Now()
	templ := &x509.Certificate{
		SerialNumber:          sn,
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{name},
	}
	b, err := x509.CreateCertificate(rand.Reader, templ, cm.caCert, key.Public(), cm.key)
	if err != nil {
		return nil, fmt.Errorf("x509.CreateCertificate: %w", err)
	}
	cert, err := x509.ParseCertificate(b)
	if err != nil {
		return nil, fmt.Errorf("x509.ParseCertificate: %w", err)
	}
	return &tls.Certificate{
		Certificate: [][]byte{b, cm.caCert.Raw},
		PrivateKey:  key,
		Leaf:        cert,
	}, nil
}
