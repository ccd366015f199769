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
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func writeConfig(t *testing.T, fn, content string) {
	t.Helper()
	tmp := fn + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.Rename(tmp, fn); err != nil {
		t.Fatalf("Rename: %v", err)
	}
}

func TestConfigStoreLoad(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "config.yaml")
	store := NewConfigStore(fn)
	if got := store.Version(); got != 0 {
		t.Errorf("Version() = %d, want 0", got)
	}
	if store.HasHost("www.example.com") {
		t.Error("empty store has www.example.com")
	}

	var mu sync.Mutex
	var events []error
	store.observe(func(tbl *routingTable, err error) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, err)
	})

	if err := store.Load(); err == nil {
		t.Fatal("Load() with missing file should fail")
	}

	writeConfig(t, fn, "hosts:\n- hostname: www.example.com\n  upstream: http://10.0.0.1\n")
	if err := store.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := store.Version(); got != 1 {
		t.Errorf("Version() = %d, want 1", got)
	}
	if !store.HasHost("WWW.EXAMPLE.COM") {
		t.Error("HasHost should be case-insensitive")
	}
	before := store.table()

	// Invalid configs are rejected and the active table stays in place.
	writeConfig(t, fn, "hosts:\n- hostname: a.example.com\n  upstream: http://10.0.0.1\n- hostname: a.example.com\n  upstream: http://10.0.0.2\n")
	err := store.Load()
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Load() = %v, want ConfigError", err)
	}
	if cfgErr.Path != fn {
		t.Errorf("ConfigError.Path = %q, want %q", cfgErr.Path, fn)
	}
	if store.table() != before || store.Version() != 1 {
		t.Error("rejected config replaced the routing table")
	}
	if !store.HasHost("www.example.com") || store.HasHost("a.example.com") {
		t.Error("unexpected routing table after rejected reload")
	}

	// A file without a host list doesn't drop the active routes.
	for _, content := range []string{"{}\n", "hosts: null\n"} {
		writeConfig(t, fn, content)
		if err := store.Load(); !errors.As(err, &cfgErr) {
			t.Fatalf("Load(%q) = %v, want ConfigError", content, err)
		}
		if !store.HasHost("www.example.com") || store.Version() != 1 {
			t.Errorf("Load(%q) replaced the routing table", content)
		}
	}

	// An explicit empty list is accepted.
	writeConfig(t, fn, "hosts: []\n")
	if err := store.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if store.HasHost("www.example.com") || store.Version() != 2 {
		t.Errorf("HasHost = true, Version() = %d after loading empty host list", store.Version())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 6 || events[0] == nil || events[1] != nil || events[2] == nil || events[3] == nil || events[4] == nil || events[5] != nil {
		t.Errorf("observer events = %v", events)
	}
}

func TestConfigStoreSnapshot(t *testing.T) {
	store := NewConfigStore("")
	cfg := &Config{Hosts: []*Host{{Hostname: "www.example.com", Upstream: "http://10.0.0.1"}}}
	if err := store.Reconfigure(cfg); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}
	// The caller's copy isn't shared with the store.
	cfg.Hosts[0].Upstream = "http://10.9.9.9"

	snapshot := store.table()
	if err := store.Reconfigure(&Config{Hosts: []*Host{{Hostname: "other.example.com", Upstream: "http://10.0.0.2"}}}); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}
	h := snapshot.lookup("www.example.com")
	if h == nil {
		t.Fatal("snapshot lost www.example.com")
	}
	if got, want := h.upstreamURL.Host, "10.0.0.1"; got != want {
		t.Errorf("upstream = %q, want %q", got, want)
	}
	if snapshot.lookup("other.example.com") != nil {
		t.Error("snapshot sees the new table")
	}
	if store.HasHost("www.example.com") || !store.HasHost("other.example.com") {
		t.Error("unexpected active table")
	}
	if got := store.Version(); got != 2 {
		t.Errorf("Version() = %d, want 2", got)
	}
	if err := store.Reconfigure(&Config{}); err == nil {
		t.Error("Reconfigure() without hosts should fail")
	}
	if !store.HasHost("other.example.com") {
		t.Error("rejected config replaced the routing table")
	}
}

func TestConfigStoreWatch(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, fn, "hosts:\n- hostname: www.example.com\n  upstream: http://10.0.0.1\n")
	store := NewConfigStore(fn)
	if err := store.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	loaded := make(chan error, 10)
	store.observe(func(_ *routingTable, err error) {
		loaded <- err
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error)
	go func() {
		done <- store.Watch(ctx)
	}()
	// Give the watcher time to start.
	time.Sleep(100 * time.Millisecond)

	writeConfig(t, fn, "hosts:\n- hostname: new.example.com\n  upstream: http://10.0.0.1\n")
	select {
	case err := <-loaded:
		if err != nil {
			t.Fatalf("reload: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("config wasn't reloaded")
	}
	if !store.HasHost("new.example.com") {
		t.Error("new.example.com not found after reload")
	}

	writeConfig(t, fn, "hosts: [")
	timeout := time.After(5 * time.Second)
	for rejected := false; !rejected; {
		select {
		case err := <-loaded:
			rejected = err != nil
		case <-timeout:
			t.Fatal("bad config wasn't rejected")
		}
	}
	if !store.HasHost("new.example.com") {
		t.Error("rejected reload changed the routing table")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch: %v", err)
	}
}
