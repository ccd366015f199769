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

// acceptit is a multi-tenant HTTP and HTTPS reverse proxy. It gets TLS
// certificates on demand from Let's Encrypt, can restrict websites to the
// members of a GitHub organization, and reloads its configuration file
// without dropping traffic.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/c2FmZQ/acceptit/proxy"
)

// Version is set with -ldflags="-X main.Version=${VERSION}"
var Version = "dev"

// settings are the process settings. Every field can be set with an
// environment variable, or in a .env file, and overridden with a flag.
type settings struct {
	Bind                  string        `env:"ACCEPTIT_BIND"`
	HTTPPort              int           `env:"ACCEPTIT_HTTP_PORT" envDefault:"80"`
	HTTPSPort             int           `env:"ACCEPTIT_HTTPS_PORT" envDefault:"443"`
	Email                 string        `env:"ACCEPTIT_EMAIL"`
	Config                string        `env:"ACCEPTIT_CONFIG"`
	Debug                 bool          `env:"ACCEPTIT_DEBUG"`
	MetricsAddr           string        `env:"ACCEPTIT_METRICS_ADDR"`
	ACMEDirectory         string        `env:"ACCEPTIT_ACME_DIRECTORY"`
	AcceptProxyHeaderFrom []string      `env:"ACCEPTIT_ACCEPT_PROXY_HEADER_FROM" envSeparator:","`
	IDPRetries            int           `env:"ACCEPTIT_IDP_RETRIES"`
	ShutdownGracePeriod   time.Duration `env:"ACCEPTIT_SHUTDOWN_GRACE_PERIOD" envDefault:"1m"`
	Ephemeral             bool          `env:"ACCEPTIT_USE_EPHEMERAL_CERTIFICATE_MANAGER"`
	Stdout                bool          `env:"ACCEPTIT_STDOUT"`
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	// .env is optional.
	_ = godotenv.Load()
	var s settings
	envErr := env.Parse(&s)
	var versionFlag bool

	cmd := &cobra.Command{
		Use:   "acceptit",
		Short: "Multi-tenant reverse proxy with on-demand TLS certificates",
		Long: `acceptit receives HTTP and HTTPS requests for the hostnames in its
configuration file and forwards them to their upstream servers. TLS
certificates are obtained from Let's Encrypt the first time a hostname is
used. Websites can be restricted to the members of a GitHub organization.

The configuration file is reloaded automatically when it changes.`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if versionFlag {
				fmt.Fprintln(cmd.OutOrStdout(), Version+" "+runtime.Version()+" "+runtime.GOOS+"/"+runtime.GOARCH)
				return nil
			}
			if envErr != nil {
				return envErr
			}
			return run(cmd.Context(), s)
		},
	}
	f := cmd.Flags()
	f.StringVar(&s.Bind, "bind", s.Bind, "The address to bind the listeners to.")
	f.IntVar(&s.HTTPPort, "http-port", s.HTTPPort, "The HTTP port.")
	f.IntVar(&s.HTTPSPort, "https-port", s.HTTPSPort, "The HTTPS port.")
	f.StringVar(&s.Email, "email", s.Email, "The contact email address for Let's Encrypt.")
	f.StringVar(&s.Config, "config", s.Config, "The config file name.")
	f.BoolVar(&s.Debug, "debug", s.Debug, "Enable debug logs and error details in responses.")
	f.StringVar(&s.MetricsAddr, "metrics-addr", s.MetricsAddr, "The address of the prometheus metrics endpoint. Disabled when empty.")
	f.StringVar(&s.ACMEDirectory, "acme-directory", s.ACMEDirectory, "The ACME directory URL. The default is Let's Encrypt.")
	f.StringSliceVar(&s.AcceptProxyHeaderFrom, "accept-proxy-header-from", s.AcceptProxyHeaderFrom, "The IP addresses or CIDRs allowed to send PROXY protocol and X-Real-Ip headers.")
	f.IntVar(&s.IDPRetries, "idp-retries", s.IDPRetries, "The number of times failed GitHub API requests are retried.")
	f.DurationVar(&s.ShutdownGracePeriod, "shutdown-grace-period", s.ShutdownGracePeriod, "The shutdown grace period.")
	f.BoolVar(&s.Ephemeral, "use-ephemeral-certificate-manager", s.Ephemeral, "Use an ephemeral certificate manager. This is for testing purposes only.")
	f.BoolVar(&s.Stdout, "stdout", s.Stdout, "Log to STDOUT.")
	f.BoolVarP(&versionFlag, "version", "v", false, "Show the version.")
	return cmd
}

func (s settings) options(reg prometheus.Registerer) (proxy.Options, error) {
	if s.Config == "" {
		return proxy.Options{}, errors.New("--config must be set")
	}
	if s.Email == "" && !s.Ephemeral {
		return proxy.Options{}, errors.New("--email must be set")
	}
	return proxy.Options{
		HTTPAddr:              net.JoinHostPort(s.Bind, strconv.Itoa(s.HTTPPort)),
		TLSAddr:               net.JoinHostPort(s.Bind, strconv.Itoa(s.HTTPSPort)),
		HTTPPort:              s.HTTPPort,
		HTTPSPort:             s.HTTPSPort,
		Email:                 s.Email,
		Debug:                 s.Debug,
		AcceptProxyHeaderFrom: s.AcceptProxyHeaderFrom,
		ACMEDirectory:         s.ACMEDirectory,
		IDPRetries:            s.IDPRetries,
		Registry:              reg,
	}, nil
}

func run(ctx context.Context, s settings) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.Stdout {
		log.SetOutput(os.Stdout)
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	opts, err := s.options(reg)
	if err != nil {
		return err
	}
	log.Printf("INF acceptit %s %s %s/%s", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	if err := raiseOpenFileLimit(); err != nil {
		log.Printf("ERR RLIMIT_NOFILE: %v", err)
	}

	store := proxy.NewConfigStore(s.Config)
	if err := store.Load(); err != nil {
		log.Printf("ERR %v", err)
		return err
	}
	var p *proxy.Proxy
	if s.Ephemeral {
		log.Print("INF Using ephemeral certificate manager")
		p, err = proxy.NewTestProxy(store, opts)
	} else {
		p, err = proxy.New(store, opts)
	}
	if err != nil {
		return err
	}
	if err := p.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return store.Watch(gctx)
	})
	if s.MetricsAddr != "" {
		ms := &http.Server{
			Addr:              s.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			log.Printf("INF Serving metrics on %s", s.MetricsAddr)
			if err := ms.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return ms.Close()
		})
	}
	g.Go(func() error {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(ch)
		select {
		case sig := <-ch:
			log.Printf("INF Received signal %d (%s)", sig, sig)
			cancel()
		case <-gctx.Done():
		}
		return nil
	})
	err = g.Wait()

	sctx, scancel := context.WithTimeout(context.Background(), s.ShutdownGracePeriod)
	defer scancel()
	if serr := p.Shutdown(sctx); serr != nil {
		log.Printf("ERR Shutdown: %v", serr)
	}
	return err
}

func raiseOpenFileLimit() error {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		return err
	}
	if rl.Cur == rl.Max {
		return nil
	}
	rl.Cur = rl.Max
	return unix.Setrlimit(unix.RLIMIT_NOFILE, &rl)
}
