// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tracehttp logs HTTP traffic for debugging.
package tracehttp

import (
	"net/http"
	"net/http/httputil"

	"github.com/sirupsen/logrus"
)

// MaxBody is the largest body, in bytes, included in a dump.  Raw
// messages and attachment uploads are far larger and would drown the
// log.
const MaxBody = 4096

// traceTransport is an http.RoundTripper that logs the request and
// response while delegating the real work to another
// http.RoundTripper.
type traceTransport struct {
	delegate http.RoundTripper
	log      logrus.FieldLogger
}

// RoundTrip logs a dump of the request and response while delegating
// the round trip to the delegate.
func (t *traceTransport) RoundTrip(req *http.Request) (resp *http.Response, err error) {
	body := req.ContentLength >= 0 && req.ContentLength <= MaxBody
	if dump, dumpErr := httputil.DumpRequestOut(req, body); dumpErr == nil {
		t.log.WithField("direction", "request").Debug(string(dump))
	}
	resp, err = t.delegate.RoundTrip(req)
	if err != nil {
		t.log.WithError(err).WithField("url", req.URL.String()).Debug("round trip failed")
		return resp, err
	}
	body = resp.ContentLength >= 0 && resp.ContentLength <= MaxBody
	if dump, dumpErr := httputil.DumpResponse(resp, body); dumpErr == nil {
		t.log.WithField("direction", "response").Debug(string(dump))
	}
	return resp, err
}

// Wrap returns a RoundTripper logging every exchange of d at debug
// level.  A nil d wraps http.DefaultTransport.
func Wrap(d http.RoundTripper, log logrus.FieldLogger) http.RoundTripper {
	if d == nil {
		d = http.DefaultTransport
	}
	return &traceTransport{delegate: d, log: log}
}
