// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

// Package httplog renders HTTP requests for the access logs without leaking
// credentials.
package httplog

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const redacted = "[...]"

// Redactor hides confidential headers and query values.
type Redactor struct {
	queries map[string]struct{}
	headers map[string]struct{}
}

// NewRedactor returns a Redactor hiding the credentials of the rate limiter
// and the given extra headers, e.g. policy bypass headers.
func NewRedactor(extraHeaders ...string) *Redactor {
	r := &Redactor{
		queries: map[string]struct{}{
			"token":        {},
			"access_token": {},
			"api_key":      {},
		},
		headers: map[string]struct{}{
			"Authorization":       {},
			"Proxy-Authorization": {},
			"Cookie":              {},
			"Set-Cookie":          {},
		},
	}
	for _, h := range extraHeaders {
		if h != "" {
			r.headers[http.CanonicalHeaderKey(h)] = struct{}{}
		}
	}
	return r
}

// Headers returns a log object of headers.
func (r *Redactor) Headers(headers http.Header) HeadersLogObject {
	return HeadersLogObject{Headers: headers, redactor: r}
}

// Query returns a log object of query.
func (r *Redactor) Query(query url.Values) RequestQueryLogObject {
	return RequestQueryLogObject{Query: query, redactor: r}
}

func (r *Redactor) query(k string, vals []string) string {
	if r != nil {
		if _, ok := r.queries[strings.ToLower(k)]; ok {
			return redacted
		}
	}
	return strings.Join(vals, ",")
}

func (r *Redactor) header(k string, vals []string) string {
	if r != nil {
		if _, ok := r.headers[http.CanonicalHeaderKey(k)]; ok {
			return redacted
		}
	}
	return strings.Join(vals, ",")
}

// StatusLevel takes an HTTP status and returns an appropriate log level.
func StatusLevel(status int) zapcore.Level {
	switch {
	case status == http.StatusNotImplemented:
		return zap.WarnLevel
	case status >= 500:
		return zap.ErrorLevel
	case status >= 400:
		return zap.InfoLevel
	default:
		return zap.DebugLevel
	}
}

// RequestQueryLogObject encodes a URL query string into a zap logging object.
type RequestQueryLogObject struct {
	Query url.Values

	redactor *Redactor
}

// MarshalLogObject implements the zapcore.ObjectMarshaler interface.
func (o RequestQueryLogObject) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	for k, v := range o.Query {
		enc.AddString(k, o.redactor.query(k, v))
	}
	return nil
}

// MarshalJSON implements json.Marshal.
func (o RequestQueryLogObject) MarshalJSON() ([]byte, error) {
	data := make(map[string]string)
	for k, v := range o.Query {
		data[k] = o.redactor.query(k, v)
	}
	return json.Marshal(data)
}

// HeadersLogObject encodes an http.Header into a zap logging object.
type HeadersLogObject struct {
	Headers http.Header

	redactor *Redactor
}

// MarshalLogObject implements the zapcore.ObjectMarshaler interface.
func (o HeadersLogObject) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	for k, v := range o.Headers {
		enc.AddString(k, o.redactor.header(k, v))
	}
	return nil
}

// MarshalJSON implements json.Marshal.
func (o HeadersLogObject) MarshalJSON() ([]byte, error) {
	data := make(map[string]string)
	for k, v := range o.Headers {
		data[k] = o.redactor.header(k, v)
	}
	return json.Marshal(data)
}
