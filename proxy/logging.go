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
	"log"
)

type logType int

const (
	logConnection logType = iota
	logRequest
	logError
)

func (h *Host) logConnF(format string, args ...any) {
	if !shouldLog(logConnection, h.LogFilter) {
		return
	}
	log.Printf(format, args...)
}

func (h *Host) logRequestF(format string, args ...any) {
	if !shouldLog(logRequest, h.LogFilter) {
		return
	}
	log.Printf(format, args...)
}

func (h *Host) logErrorF(format string, args ...any) {
	if !shouldLog(logError, h.LogFilter) {
		return
	}
	log.Printf(format, args...)
}

func (p *Proxy) debugF(format string, args ...any) {
	if !p.opts.Debug {
		return
	}
	log.Printf("DBG "+format, args...)
}

func shouldLog(typ logType, f ...LogFilter) bool {
	for _, ff := range f {
		var v *bool
		switch typ {
		case logConnection:
			v = ff.Connections
		case logRequest:
			v = ff.Requests
		case logError:
			v = ff.Errors
		}
		if v != nil {
			return *v
		}
	}
	return true
}

// retryLogger sends the identity provider's retry messages to the log.
type retryLogger struct{}

func (retryLogger) Printf(format string, args ...any) {
	log.Printf("INF github: "+format, args...)
}
