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
)

var (
	errNoWebsite         = errors.New("no website found")
	errUnknownScheme     = errors.New("unknown upstream scheme")
	errUnknownServerName = errors.New("unknown server name")
	errCertificate       = errors.New("certificate provider failure")
	errAccessDenied      = errors.New("access denied")
	errInvalidState      = errors.New("invalid oauth state")
	errUpstream          = errors.New("upstream error")
	errAbortedByClient   = errors.New("aborted by client")
	errAbortedByUpstream = errors.New("aborted by upstream")
)

// ConfigError is returned when a configuration is rejected. The previous
// configuration, if any, remains in effect.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Path == "" {
		return "config: " + e.Err.Error()
	}
	return e.Path + ": " + e.Err.Error()
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func isAborted(err error) bool {
	return errors.Is(err, errAbortedByClient) || errors.Is(err, errAbortedByUpstream)
}
