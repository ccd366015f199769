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

// Package challenge holds the ACME HTTP-01 tokens that are waiting to be
// fetched by a certificate authority.
package challenge

import (
	"errors"
	"strings"
	"sync"
)

// PathPrefix is where certificate authorities look for HTTP-01 tokens.
const PathPrefix = "/.well-known/acme-challenge/"

// ErrUnknownHost is returned when a token is stored for a hostname that the
// proxy doesn't serve.
var ErrUnknownHost = errors.New("unknown host")

// Set maps hostname -> token -> key authorization. It is safe for concurrent
// use.
type Set struct {
	known func(host string) bool

	mu     sync.Mutex
	values map[string]map[string]string
}

// New returns a new Set. known reports whether a hostname is currently in the
// routing table.
func New(known func(host string) bool) *Set {
	return &Set{
		known:  known,
		values: make(map[string]map[string]string),
	}
}

// Store records the value to serve for token under host.
func (s *Set) Store(host, token, value string) error {
	host = strings.ToLower(host)
	if s.known != nil && !s.known(host) {
		return ErrUnknownHost
	}
	if token == "" {
		return errors.New("empty token")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.values[host]
	if m == nil {
		m = make(map[string]string)
		s.values[host] = m
	}
	m[token] = value
	return nil
}

// Fetch returns the value stored for token under host. Tokens of hosts that
// have left the routing table are never returned.
func (s *Set) Fetch(host, token string) (string, bool) {
	host = strings.ToLower(host)
	if s.known != nil && !s.known(host) {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[host][token]
	return v, ok
}

// Clear removes token from host.
func (s *Set) Clear(host, token string) {
	host = strings.ToLower(host)
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.values[host]
	delete(m, token)
	if len(m) == 0 {
		delete(s.values, host)
	}
}

// Len returns the number of pending tokens.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for _, m := range s.values {
		n += len(m)
	}
	return n
}
