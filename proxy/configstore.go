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
	"log"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/c2FmZQ/acceptit/proxy/internal/watcher"
)

// routingTable is an immutable snapshot of the configuration.
type routingTable struct {
	version int64
	hosts   map[string]*Host
	order   []*Host
}

func newRoutingTable(cfg *Config, version int64) *routingTable {
	t := &routingTable{
		version: version,
		hosts:   make(map[string]*Host, len(cfg.Hosts)),
		order:   cfg.Hosts,
	}
	for _, h := range cfg.Hosts {
		t.hosts[h.Hostname] = h
	}
	return t
}

func (t *routingTable) lookup(name string) *Host {
	if h, ok := t.hosts[name]; ok {
		return h
	}
	n, err := normalizeHostname(name)
	if err != nil {
		return nil
	}
	return t.hosts[n]
}

func (t *routingTable) hostnames() []string {
	out := make([]string, 0, len(t.order))
	for _, h := range t.order {
		out = append(out, h.Hostname)
	}
	return out
}

// ConfigStore owns the routing table. Readers get immutable snapshots and
// every successful load replaces the snapshot atomically.
type ConfigStore struct {
	path    string
	current atomic.Pointer[routingTable]

	mu        sync.Mutex
	version   int64
	observers []func(*routingTable, error)
}

// NewConfigStore returns a ConfigStore for the config file at path. The
// routing table is empty until Load or Reconfigure succeeds.
func NewConfigStore(path string) *ConfigStore {
	s := &ConfigStore{path: path}
	s.current.Store(newRoutingTable(&Config{}, 0))
	return s
}

// Load reads the config file and, if it is valid, makes it the active
// configuration.
func (s *ConfigStore) Load() error {
	cfg, err := ReadConfig(s.path)
	if err != nil {
		err = &ConfigError{Path: s.path, Err: err}
		s.notify(nil, err)
		return err
	}
	return s.Reconfigure(cfg)
}

// Reconfigure validates cfg and makes it the active configuration. cfg
// is copied.
func (s *ConfigStore) Reconfigure(cfg *Config) error {
	cfg = cfg.clone()
	if err := cfg.Check(); err != nil {
		err = &ConfigError{Path: s.path, Err: err}
		s.notify(nil, err)
		return err
	}
	s.mu.Lock()
	s.version++
	t := newRoutingTable(cfg, s.version)
	s.current.Store(t)
	s.mu.Unlock()

	log.Printf("INF Configuration version %d loaded: %s", t.version, strings.Join(t.hostnames(), ", "))
	s.notify(t, nil)
	return nil
}

// Watch reloads the config file every time it changes, until ctx is
// canceled. Rejected reloads are logged and the active configuration stays
// in place.
func (s *ConfigStore) Watch(ctx context.Context) error {
	return watcher.Watch(ctx, s.path, watcher.DefaultDebounce, func() {
		if err := s.Load(); err != nil {
			log.Printf("ERR Configuration reload rejected, keeping version %d: %v", s.Version(), err)
		}
	})
}

// HasHost reports whether name is in the active routing table.
func (s *ConfigStore) HasHost(name string) bool {
	return s.table().lookup(name) != nil
}

// Version returns the version of the active routing table. It starts at 1
// and increases with every successful load.
func (s *ConfigStore) Version() int64 {
	return s.table().version
}

func (s *ConfigStore) table() *routingTable {
	return s.current.Load()
}

// observe registers f to be called after every load attempt, with either
// the new table or the reason it was rejected.
func (s *ConfigStore) observe(f func(*routingTable, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, f)
}

func (s *ConfigStore) notify(t *routingTable, err error) {
	s.mu.Lock()
	observers := s.observers
	s.mu.Unlock()
	for _, f := range observers {
		f(t, err)
	}
}
