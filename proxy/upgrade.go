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
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

// forwardUpgrade relays a protocol upgrade request, e.g. websocket. Once the
// upstream switches protocols, the client and upstream connections are
// bridged until one of them closes. Errors returned before the client
// connection is hijacked can still be reported with an HTTP response.
func (f *forwarder) forwardUpgrade(w http.ResponseWriter, req *http.Request, host *Host, upstream *url.URL, secure bool) error {
	if err := checkScheme(upstream); err != nil {
		return err
	}
	hj, ok := w.(http.Hijacker)
	if !ok {
		return errors.New("connection doesn't support hijacking")
	}
	out := f.outgoingRequest(req, upstream, secure)
	out.Header.Set("Connection", "Upgrade")

	upConn, err := f.dialUpstream(req.Context(), upstream)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", errUpstream, upstream.Host, err)
	}
	if err := out.Write(upConn); err != nil {
		upConn.Close()
		return fmt.Errorf("%w: %s: %w", errUpstream, upstream.Host, err)
	}
	upReader := bufio.NewReader(upConn)
	resp, err := http.ReadResponse(upReader, out)
	if err != nil {
		upConn.Close()
		return fmt.Errorf("%w: %s: %w", errUpstream, upstream.Host, err)
	}
	host.logRequestF("PRX %s ➔ %s %s ➔ %s ➔ status:%d (upgrade %s)", req.RemoteAddr, req.Method, req.URL.RequestURI(), upstream.Host, resp.StatusCode, req.Header.Get("Upgrade"))

	if resp.StatusCode != http.StatusSwitchingProtocols {
		defer upConn.Close()
		defer resp.Body.Close()
		removeHopHeaders(resp.Header)
		copyHeader(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		return copyBody(req.Context(), w, resp.Body)
	}

	conn, brw, err := hj.Hijack()
	if err != nil {
		upConn.Close()
		return err
	}
	conn.SetDeadline(time.Time{})
	f.track(conn, true)
	defer f.track(conn, false)
	f.metrics.upgrades.Inc()
	defer f.metrics.upgrades.Dec()

	if err := writeResponseHead(conn, resp); err != nil {
		conn.Close()
		upConn.Close()
		host.logErrorF("ERR %s ➔ upgrade: %v", req.RemoteAddr, err)
		return nil
	}
	// Bytes that arrived early on either side are still in the buffers.
	if err := flushBuffered(upConn, brw.Reader); err != nil {
		conn.Close()
		upConn.Close()
		return nil
	}
	if err := flushBuffered(conn, upReader); err != nil {
		conn.Close()
		upConn.Close()
		return nil
	}
	start := time.Now()
	host.logConnF("CON %s ➔ %s ➔ %s upgraded connection opened", req.RemoteAddr, host.Hostname, upstream.Host)
	if err := bridgeConns(conn, upConn, f.halfCloseTimeout); err != nil {
		host.logErrorF("ERR %s ➔ %s upgraded connection: %v", req.RemoteAddr, upstream.Host, err)
	}
	host.logConnF("CON %s ➔ %s ➔ %s upgraded connection closed after %s", req.RemoteAddr, host.Hostname, upstream.Host, time.Since(start).Round(time.Second))
	return nil
}

func (f *forwarder) dialUpstream(ctx context.Context, u *url.URL) (net.Conn, error) {
	addr := u.Host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "https" {
			port = "443"
		}
		addr = net.JoinHostPort(u.Hostname(), port)
	}
	if u.Scheme == "https" {
		tc := f.tlsConfig.Clone()
		tc.ServerName = u.Hostname()
		tc.NextProtos = []string{"http/1.1"}
		d := &tls.Dialer{NetDialer: f.dialer, Config: tc}
		return d.DialContext(ctx, "tcp", addr)
	}
	return f.dialer.DialContext(ctx, "tcp", addr)
}

func writeResponseHead(w io.Writer, resp *http.Response) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "HTTP/%d.%d %s\r\n", resp.ProtoMajor, resp.ProtoMinor, resp.Status)
	if err := resp.Header.Write(bw); err != nil {
		return err
	}
	bw.WriteString("\r\n")
	return bw.Flush()
}

func flushBuffered(w io.Writer, r *bufio.Reader) error {
	n := r.Buffered()
	if n == 0 {
		return nil
	}
	b, err := r.Peek(n)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// bridgeConns copies bytes in both directions. When the upstream closes,
// the whole connection ends. When the client closes its side, the upstream
// gets a half-close and has halfClosedTimeout to finish.
func bridgeConns(client, server net.Conn, halfClosedTimeout time.Duration) error {
	ch := make(chan error)
	go func() {
		ch <- forward(client, server, true, halfClosedTimeout)
	}()
	var retErr error
	if err := forward(server, client, false, halfClosedTimeout); err != nil && !errors.Is(err, net.ErrClosed) {
		retErr = fmt.Errorf("[ext➔ int]: %w", unwrapErr(err))
	}
	if err := <-ch; err != nil && !errors.Is(err, net.ErrClosed) {
		retErr = fmt.Errorf("[int➔ ext]: %w", unwrapErr(err))
	}
	return retErr
}

func forward(out net.Conn, in net.Conn, closeWhenDone bool, halfClosedTimeout time.Duration) error {
	if _, err := io.Copy(out, in); err != nil || closeWhenDone {
		out.Close()
		in.Close()
		return err
	}
	if err := closeWrite(out); err != nil {
		out.Close()
		in.Close()
		return nil
	}
	if err := closeRead(in); err != nil {
		out.Close()
		in.Close()
		return nil
	}
	// Some clients never close their end of a half-closed connection.
	out.SetReadDeadline(time.Now().Add(halfClosedTimeout))
	return nil
}

type rawConn interface {
	Raw() net.Conn
}

func closeWrite(c net.Conn) error {
	type closeWriter interface {
		CloseWrite() error
	}
	if cc, ok := c.(closeWriter); ok {
		return cc.CloseWrite()
	}
	if cc, ok := c.(rawConn); ok {
		return closeWrite(cc.Raw())
	}
	return fmt.Errorf("unexpected type: %T", c)
}

func closeRead(c net.Conn) error {
	type closeReader interface {
		CloseRead() error
	}
	if cc, ok := c.(closeReader); ok {
		return cc.CloseRead()
	}
	if cc, ok := c.(rawConn); ok {
		return closeRead(cc.Raw())
	}
	return nil
}

func unwrapErr(err error) error {
	if e, ok := err.(*net.OpError); ok {
		return unwrapErr(e.Err)
	}
	return err
}
