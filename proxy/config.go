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
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"golang.org/x/net/idna"
	yaml "gopkg.in/yaml.v3"
)

// Config is the routing configuration. It is usually read from a YAML, JSON,
// or TOML file.
type Config struct {
	// Hosts is the list of websites served by the proxy.
	Hosts []*Host `yaml:"hosts" toml:"hosts"`
}

// Host is one website.
type Host struct {
	// Hostname is the name of the website, e.g. www.example.com. It is
	// matched case-insensitively against the TLS server name and the Host
	// header.
	Hostname string `yaml:"hostname" toml:"hostname"`
	// Upstream is the URL of the backend server, e.g. http://10.0.0.1:8080.
	Upstream string `yaml:"upstream" toml:"upstream"`
	// AllowInsecure indicates that requests received over plain HTTP are
	// served instead of being redirected to HTTPS.
	AllowInsecure bool `yaml:"allowInsecure,omitempty" toml:"allowInsecure,omitempty"`
	// NoSecure indicates that requests received over HTTPS are redirected
	// to plain HTTP. It implies AllowInsecure.
	NoSecure bool `yaml:"noSecure,omitempty" toml:"noSecure,omitempty"`
	// Redirect, when set, is the location to which all requests are
	// redirected. Nothing is forwarded to the upstream.
	Redirect string `yaml:"redirect,omitempty" toml:"redirect,omitempty"`
	// SecuredByGithub restricts access to members of a GitHub organization.
	SecuredByGithub *GithubPolicy `yaml:"securedByGithub,omitempty" toml:"securedByGithub,omitempty"`
	// Paths are optional upstreams for specific path prefixes. The longest
	// matching prefix wins. Requests that match no prefix go to Upstream.
	Paths []*PathRoute `yaml:"paths,omitempty" toml:"paths,omitempty"`
	// LogFilter controls what gets logged for this host.
	LogFilter LogFilter `yaml:"logFilter,omitempty" toml:"logFilter,omitempty"`

	upstreamURL *url.URL
	routes      []*PathRoute
}

// GithubPolicy contains the GitHub OAuth application and the organization
// whose members are allowed in.
type GithubPolicy struct {
	ClientID     string `yaml:"clientId" toml:"clientId"`
	ClientSecret string `yaml:"clientSecret" toml:"clientSecret"`
	Org          string `yaml:"org" toml:"org"`
}

// PathRoute sends requests whose path starts with Prefix to Upstream.
type PathRoute struct {
	Prefix   string `yaml:"prefix" toml:"prefix"`
	Upstream string `yaml:"upstream" toml:"upstream"`

	upstreamURL *url.URL
}

// LogFilter controls what gets logged.
type LogFilter struct {
	Connections *bool `yaml:"connections,omitempty" toml:"connections,omitempty"`
	Requests    *bool `yaml:"requests,omitempty" toml:"requests,omitempty"`
	Errors      *bool `yaml:"errors,omitempty" toml:"errors,omitempty"`
}

func (cfg *Config) clone() *Config {
	b, _ := yaml.Marshal(cfg)
	var out Config
	yaml.Unmarshal(b, &out)
	if cfg.Hosts == nil {
		out.Hosts = nil
	}
	return &out
}

// Check checks that the Config is valid, normalizes hostnames, and
// initializes internal data structures.
func (cfg *Config) Check() error {
	if cfg.Hosts == nil {
		return errors.New("hosts: value must be set")
	}
	seen := make(map[string]int)
	for i, h := range cfg.Hosts {
		if h == nil {
			return fmt.Errorf("hosts[%d]: empty entry", i)
		}
		if h.Hostname == "" {
			return fmt.Errorf("hosts[%d].hostname: value must be set", i)
		}
		name, err := normalizeHostname(h.Hostname)
		if err != nil {
			return fmt.Errorf("hosts[%d].hostname: %w", i, err)
		}
		h.Hostname = name
		if j, exists := seen[name]; exists {
			return fmt.Errorf("hosts[%d].hostname: duplicate hostname %q, also in hosts[%d]", i, name, j)
		}
		seen[name] = i

		if h.Upstream == "" {
			return fmt.Errorf("hosts[%d].upstream: value must be set", i)
		}
		if h.upstreamURL, err = parseUpstream(h.Upstream); err != nil {
			return fmt.Errorf("hosts[%d].upstream: %w", i, err)
		}
		if h.Redirect != "" {
			if u, err := url.Parse(h.Redirect); err != nil || !u.IsAbs() {
				return fmt.Errorf("hosts[%d].redirect: must be an absolute URL", i)
			}
		}
		if h.NoSecure {
			h.AllowInsecure = true
		}
		if p := h.SecuredByGithub; p != nil {
			if p.ClientID == "" {
				return fmt.Errorf("hosts[%d].securedByGithub.clientId: value must be set", i)
			}
			if p.ClientSecret == "" {
				return fmt.Errorf("hosts[%d].securedByGithub.clientSecret: value must be set", i)
			}
			if p.Org == "" {
				return fmt.Errorf("hosts[%d].securedByGithub.org: value must be set", i)
			}
		}
		h.routes = nil
		for j, pr := range h.Paths {
			if pr == nil || !strings.HasPrefix(pr.Prefix, "/") {
				return fmt.Errorf("hosts[%d].paths[%d].prefix: must start with /", i, j)
			}
			if pr.Upstream == "" {
				return fmt.Errorf("hosts[%d].paths[%d].upstream: value must be set", i, j)
			}
			if pr.upstreamURL, err = parseUpstream(pr.Upstream); err != nil {
				return fmt.Errorf("hosts[%d].paths[%d].upstream: %w", i, j, err)
			}
			h.routes = append(h.routes, pr)
		}
		// Later declarations come first so that the stable sort lets
		// them win ties.
		for a, b := 0, len(h.routes)-1; a < b; a, b = a+1, b-1 {
			h.routes[a], h.routes[b] = h.routes[b], h.routes[a]
		}
		sort.SliceStable(h.routes, func(a, b int) bool {
			return len(h.routes[a].Prefix) > len(h.routes[b].Prefix)
		})
	}
	return nil
}

// upstreamFor returns the upstream that serves path.
func (h *Host) upstreamFor(path string) *url.URL {
	for _, r := range h.routes {
		if matchPrefix(path, r.Prefix) {
			return r.upstreamURL
		}
	}
	return h.upstreamURL
}

func matchPrefix(path, prefix string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || strings.HasSuffix(prefix, "/") || path[len(prefix)] == '/'
}

func parseUpstream(s string) (*url.URL, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%q is not an absolute URL", s)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	return u, nil
}

func normalizeHostname(name string) (string, error) {
	name = strings.TrimSuffix(strings.TrimSpace(name), ".")
	if name == "" || strings.ContainsAny(name, "/:@ \t") {
		return "", fmt.Errorf("invalid hostname %q", name)
	}
	ascii, err := idna.Lookup.ToASCII(name)
	if err != nil {
		return "", fmt.Errorf("invalid hostname %q: %w", name, err)
	}
	return strings.ToLower(ascii), nil
}

// ReadConfig reads and validates a config file. Files with a .toml extension
// are decoded as TOML, everything else as YAML, which includes JSON.
func ReadConfig(filename string) (*Config, error) {
	var cfg Config
	if strings.EqualFold(filepath.Ext(filename), ".toml") {
		md, err := toml.DecodeFile(filename, &cfg)
		if err != nil {
			return nil, err
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown fields: %v", undecoded)
		}
	} else {
		f, err := os.Open(filename)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, errors.New("empty config file")
			}
			return nil, err
		}
	}
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
