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

package acmeclient

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"golang.org/x/crypto/acme"
)

type nopChallenges struct{}

func (nopChallenges) Store(host, token, value string) error { return nil }
func (nopChallenges) Clear(host, token string)              {}

func TestCSR(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("ecdsa.GenerateKey: %v", err)
	}
	b, err := newCSR("www.example.com", key)
	if err != nil {
		t.Fatalf("newCSR: %v", err)
	}
	csr, err := x509.ParseCertificateRequest(b)
	if err != nil {
		t.Fatalf("x509.ParseCertificateRequest: %v", err)
	}
	if err := csr.CheckSignature(); err != nil {
		t.Errorf("CheckSignature: %v", err)
	}
	if got, want := csr.DNSNames, []string{"www.example.com"}; len(got) != 1 || got[0] != want[0] {
		t.Errorf("DNSNames = %v, want %v", got, want)
	}
}

func TestCertificate(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("ecdsa.GenerateKey: %v", err)
	}
	templ := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "www.example.com"},
		DNSNames:     []string{"www.example.com"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, templ, templ, key.Public(), key)
	if err != nil {
		t.Fatalf("x509.CreateCertificate: %v", err)
	}
	cert, err := certificate("www.example.com", [][]byte{der}, key)
	if err != nil {
		t.Fatalf("certificate: %v", err)
	}
	if cert.Leaf == nil || cert.Leaf.Subject.CommonName != "www.example.com" {
		t.Errorf("Leaf = %v", cert.Leaf)
	}
	if _, err := certificate("other.example.com", [][]byte{der}, key); err == nil {
		t.Error("certificate(other.example.com) succeeded")
	}
	if _, err := certificate("www.example.com", nil, key); err == nil {
		t.Error("certificate(nil) succeeded")
	}
}

func TestHTTP01(t *testing.T) {
	z := &acme.Authorization{
		Challenges: []*acme.Challenge{
			{Type: "dns-01", Token: "a"},
			{Type: "http-01", Token: "b"},
		},
	}
	if c := http01(z); c == nil || c.Token != "b" {
		t.Errorf("http01() = %v, want token b", c)
	}
	if c := http01(&acme.Authorization{}); c != nil {
		t.Errorf("http01() = %v, want nil", c)
	}
}

func TestIssueCanceled(t *testing.T) {
	p, err := New("https://acme.invalid/directory", nopChallenges{}, t.Logf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Issue(ctx, "www.example.com", "admin@example.com"); err == nil {
		t.Error("Issue() with canceled context succeeded")
	}
}
