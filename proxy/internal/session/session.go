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

// Package session keeps the short-lived, in-memory sessions that carry the
// state of the OAuth login dance between requests.
package session

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// CookieName is the name of the session cookie.
	CookieName = "acceptit_session_id"
	// DefaultTTL is how long a session lives after it is created.
	DefaultTTL = 7 * 24 * time.Hour
	// DefaultMaxSessions bounds memory use. The oldest sessions are evicted
	// first.
	DefaultMaxSessions = 100000

	issuer = "acceptit"
)

// Session is the server-side record associated with a session cookie.
type Session struct {
	ID      string
	Created time.Time

	mu          sync.Mutex
	accessToken string
	user        string
	org         string
	redirectURL string
}

// Snapshot is a point-in-time copy of a Session's fields.
type Snapshot struct {
	ID          string
	Created     time.Time
	AccessToken string
	User        string
	Org         string
	RedirectURL string
}

// Snapshot returns a copy of the session's fields.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:          s.ID,
		Created:     s.Created,
		AccessToken: s.accessToken,
		User:        s.user,
		Org:         s.org,
		RedirectURL: s.redirectURL,
	}
}

// SetRedirectURL remembers where to send the user after login.
func (s *Session) SetRedirectURL(u string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.redirectURL = u
}

// TakeRedirectURL returns the post-login URL and forgets it.
func (s *Session) TakeRedirectURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.redirectURL
	s.redirectURL = ""
	return u
}

// SetIdentity records the outcome of a login. org must only be non-empty
// when membership of the required organization was verified.
func (s *Session) SetIdentity(accessToken, user, org string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessToken = accessToken
	s.user = user
	s.org = org
}

// Store holds the sessions. It is safe for concurrent use.
type Store struct {
	ttl   time.Duration
	key   []byte
	cache *expirable.LRU[string, *Session]
}

// NewStore returns a new Store. A ttl <= 0 means DefaultTTL, and maxSessions
// <= 0 means DefaultMaxSessions.
func NewStore(ttl time.Duration, maxSessions int) (*Store, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("session key: %w", err)
	}
	return &Store{
		ttl:   ttl,
		key:   key,
		cache: expirable.NewLRU[string, *Session](maxSessions, nil, ttl),
	}, nil
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	return s.cache.Len()
}

// Get returns the session referenced by the request's cookie, or nil. It
// never creates a session.
func (s *Store) Get(req *http.Request) *Session {
	cookie, err := req.Cookie(CookieName)
	if err != nil {
		return nil
	}
	id, err := s.parse(cookie.Value)
	if err != nil {
		return nil
	}
	sess, ok := s.cache.Get(id)
	if !ok {
		return nil
	}
	return sess
}

// GetOrCreate returns the session referenced by the request's cookie. If
// there is none, a new session is created and its cookie is set on w.
func (s *Store) GetOrCreate(w http.ResponseWriter, req *http.Request) (*Session, error) {
	if sess := s.Get(req); sess != nil {
		return sess, nil
	}
	now := time.Now()
	sess := &Session{
		ID:      uuid.NewString(),
		Created: now,
	}
	value, err := s.sign(sess.ID, now)
	if err != nil {
		return nil, err
	}
	s.cache.Add(sess.ID, sess)
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		Expires:  now.Add(s.ttl),
		MaxAge:   int(s.ttl / time.Second),
		Secure:   req.TLS != nil,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return sess, nil
}

func (s *Store) sign(id string, now time.Time) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ID:        id,
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	})
	return tok.SignedString(s.key)
}

func (s *Store) parse(value string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(value, &claims, func(*jwt.Token) (any, error) {
		return s.key, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithIssuer(issuer), jwt.WithExpirationRequired())
	if err != nil {
		return "", err
	}
	if claims.ID == "" {
		return "", errors.New("missing session id")
	}
	return claims.ID, nil
}
