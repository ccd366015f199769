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

// Package github implements the GitHub OAuth login flow and the two API calls
// needed to check organization membership.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
)

const (
	defaultAPIURL = "https://api.github.com"
	userAgent     = "acceptit"
	maxBodySize   = 1 << 20
	maxPages      = 10
)

// Scopes are the OAuth scopes requested at login.
var Scopes = []string{"read:user", "read:org"}

var nextLinkRE = regexp.MustCompile(`<([^>]+)>\s*;\s*rel="next"`)

// Config contains the parameters of a GitHub OAuth application.
type Config struct {
	// ClientID is the OAuth application's client ID.
	ClientID string
	// ClientSecret is the OAuth application's client secret.
	ClientSecret string
	// AuthURL overrides the authorization endpoint.
	AuthURL string
	// TokenURL overrides the token endpoint.
	TokenURL string
	// APIURL overrides https://api.github.com.
	APIURL string
	// Retries is the number of times API calls are retried. The code
	// exchange is never retried since codes are single use.
	Retries int
	// HTTPClient is used for all outgoing requests.
	HTTPClient *http.Client
	// Logger receives the retry logs. Nil means silent.
	Logger retryablehttp.Logger
}

// User is the subset of the GitHub user profile that we use.
type User struct {
	Login string `json:"login"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Organization is one of the user's organization memberships.
type Organization struct {
	Login string `json:"login"`
}

// Client talks to GitHub on behalf of one OAuth application.
type Client struct {
	oauth  oauth2.Config
	api    string
	plain  *http.Client
	client *retryablehttp.Client
}

// New returns a new Client.
func New(cfg Config) *Client {
	endpoint := github.Endpoint
	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	endpoint.AuthStyle = oauth2.AuthStyleInParams
	api := cfg.APIURL
	if api == "" {
		api = defaultAPIURL
	}
	plain := cfg.HTTPClient
	if plain == nil {
		plain = &http.Client{Timeout: 30 * time.Second}
	}
	client := retryablehttp.NewClient()
	client.HTTPClient = plain
	client.RetryMax = cfg.Retries
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.Logger = nil
	if cfg.Logger != nil {
		client.Logger = cfg.Logger
	}
	return &Client{
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoint,
			Scopes:       Scopes,
		},
		api:    strings.TrimSuffix(api, "/"),
		plain:  plain,
		client: client,
	}
}

// AuthCodeURL returns the URL of GitHub's authorization page.
func (c *Client) AuthCodeURL(state, redirectURI string) string {
	cfg := c.oauth
	cfg.RedirectURL = redirectURI
	return cfg.AuthCodeURL(state)
}

// ExchangeCode exchanges an authorization code for an access token.
func (c *Client) ExchangeCode(ctx context.Context, code, redirectURI string) (string, error) {
	cfg := c.oauth
	cfg.RedirectURL = redirectURI
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.plain)
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return "", fmt.Errorf("code exchange: %w", err)
	}
	if tok.AccessToken == "" {
		return "", errors.New("code exchange: empty access token")
	}
	return tok.AccessToken, nil
}

// FetchUser returns the profile of the access token's owner.
func (c *Client) FetchUser(ctx context.Context, accessToken string) (*User, error) {
	var user User
	if _, err := c.get(ctx, c.api+"/user", accessToken, &user); err != nil {
		return nil, err
	}
	if user.Login == "" {
		return nil, errors.New("/user: empty login")
	}
	return &user, nil
}

// FetchOrganizations returns the organizations that the access token's owner
// belongs to.
func (c *Client) FetchOrganizations(ctx context.Context, accessToken string) ([]Organization, error) {
	var all []Organization
	next := c.api + "/user/orgs?per_page=100"
	for i := 0; next != "" && i < maxPages; i++ {
		var page []Organization
		resp, err := c.get(ctx, next, accessToken, &page)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		next = ""
		if m := nextLinkRE.FindStringSubmatch(resp.Header.Get("link")); m != nil {
			next = m[1]
		}
	}
	return all, nil
}

func (c *Client) get(ctx context.Context, url, accessToken string, out any) (*http.Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("authorization", "Bearer "+accessToken)
	req.Header.Set("accept", "application/vnd.github+json")
	req.Header.Set("user-agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(&io.LimitedReader{R: resp.Body, N: maxBodySize})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", req.URL.Path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: status %d: %s", req.URL.Path, resp.StatusCode, apiMessage(body))
	}
	if mt, _, _ := mime.ParseMediaType(resp.Header.Get("content-type")); mt != "application/json" {
		return nil, fmt.Errorf("%s: unexpected content-type %q", req.URL.Path, mt)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return nil, fmt.Errorf("%s: %w", req.URL.Path, err)
	}
	return resp, nil
}

func apiMessage(body []byte) string {
	var e struct {
		Message          string `json:"message"`
		ErrorDescription string `json:"error_description"`
	}
	if json.Unmarshal(body, &e) == nil {
		if e.ErrorDescription != "" {
			return e.ErrorDescription
		}
		if e.Message != "" {
			return e.Message
		}
	}
	if len(body) > 200 {
		body = body[:200]
	}
	return string(body)
}
