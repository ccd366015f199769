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

package certmanager_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"testing"
	"time"

	"github.com/c2FmZQ/acceptit/certmanager"
)

func TestCertsAreValid(t *testing.T) {
	cm, err := certmanager.New("test", t.Logf)
	if err != nil {
		t.Fatalf("certmanager.New: %v", err)
	}
	block, _ := pem.Decode([]byte(cm.RootCAPEM()))
	rootCert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("x509.ParseCertificate: %v", err)
	}
	if got, want := rootCert.Subject.String(), "CN=test"; got != want {
		t.Errorf("Subject = %q, want %q", got, want)
	}

	cert, err := cm.Issue(context.Background(), "hello.example.com", "admin@example.com")
	if err != nil {
		t.Fatalf("cm.Issue: %v", err)
	}
	if got, want := cert.Leaf.Subject.String(), "CN=hello.example.com"; got != want {
		t.Errorf("Subject = %q, want %q", got, want)
	}
	if _, err := cert.Leaf.Verify(x509.VerifyOptions{
		DNSName: "hello.example.com",
		Roots:   cm.RootCACertPool(),
	}); err != nil {
		t.Errorf("Verify: %v", err)
	}
	if !cert.PrivateKey.(*ecdsa.PrivateKey).PublicKey.Equal(cert.Leaf.PublicKey) {
		t.Error("Cert public key doesn't match the private key")
	}
	if got, want := cm.Issued("hello.example.com"), 1; got != want {
		t.Errorf("Issued = %d, want %d", got, want)
	}
}

func TestValidityAndFailures(t *testing.T) {
	cm, err := certmanager.New("test", t.Logf)
	if err != nil {
		t.Fatalf("certmanager.New: %v", err)
	}
	cm.SetValidity(time.Hour)
	cert, err := cm.Issue(context.Background(), "www.example.com", "")
	if err != nil {
		t.Fatalf("cm.Issue: %v", err)
	}
	if d := time.Until(cert.Leaf.NotAfter); d > time.Hour || d < 55*time.Minute {
		t.Errorf("NotAfter in %v, want about 1h", d)
	}

	boom := errors.New("boom")
	cm.FailNext(boom)
	if _, err := cm.Issue(context.Background(), "www.example.com", ""); !errors.Is(err, boom) {
		t.Errorf("cm.Issue() = %v, want %v", err, boom)
	}
	if _, err := cm.Issue(context.Background(), "www.example.com", ""); err != nil {
		t.Errorf("cm.Issue() = %v", err)
	}
	if got, want := cm.Issued("WWW.example.com"), 2; got != want {
		t.Errorf("Issued = %d, want %d", got, want)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := cm.Issue(ctx, "www.example.com", ""); err == nil {
		t.Error("cm.Issue() with canceled context succeeded")
	}
}
