// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package httpserver

import (
	"net/http"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/webhelp.v1/whmon"
	"gopkg.in/webhelp.v1/whroute"

	"storj.io/common/http/requestid"
	"storj.io/ratekeeper/pkg/httplog"
	"storj.io/ratekeeper/pkg/trustedip"
)

// requestLog is the httpRequest object of the access logs.
type requestLog struct {
	r        *http.Request
	redactor *httplog.Redactor
}

func (l requestLog) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("requestMethod", l.r.Method)
	enc.AddString("host", l.r.Host)
	enc.AddString("path", l.r.URL.Path)
	enc.AddString("protocol", l.r.Proto)
	enc.AddString("userAgent", l.r.UserAgent())
	enc.AddString("remoteIp", remoteIP(l.r))
	if id := requestid.FromContext(l.r.Context()); id != "" {
		enc.AddString("requestId", id)
	}
	if err := enc.AddObject("query", l.redactor.Query(l.r.URL.Query())); err != nil {
		return err
	}
	return enc.AddObject("headers", l.redactor.Headers(l.r.Header))
}

func logRequests(log *zap.Logger, redactor *httplog.Redactor, h http.Handler) http.Handler {
	return whroute.HandlerFunc(h, func(w http.ResponseWriter, r *http.Request) {
		log.Debug("access", zap.Object("httpRequest", requestLog{r: r, redactor: redactor}))
		h.ServeHTTP(w, r)
	})
}

func logResponses(log *zap.Logger, h http.Handler) http.Handler {
	return whmon.MonitorResponse(whroute.HandlerFunc(h,
		func(w http.ResponseWriter, r *http.Request) {
			method, host := r.Method, r.Host
			rw := w.(whmon.ResponseWriter)
			start := time.Now()

			defer func() {
				rec := recover()
				if rec != nil {
					log.Error("panic", zap.Any("recover", rec))
					panic(rec)
				}
			}()
			h.ServeHTTP(rw, r)

			if !rw.WroteHeader() {
				rw.WriteHeader(http.StatusOK)
			}

			code := rw.StatusCode()

			if ce := log.Check(httplog.StatusLevel(code), "response"); ce != nil {
				ce.Write(
					zap.String("method", method),
					zap.String("host", host),
					zap.String("path", r.URL.Path),
					zap.Int("code", code),
					zap.String("request-id", requestid.FromContext(r.Context())),
					zap.String("user-agent", r.UserAgent()),
					zap.String("remote-ip", remoteIP(r)),
					zap.Int64("content-length", r.ContentLength),
					zap.Int64("written", rw.Written()),
					zap.Duration("duration", time.Since(start)))
			}
		}))
}

// remoteIP is only used for logging, so forwarding headers are trusted.
func remoteIP(r *http.Request) string {
	return trustedip.GetClientIP(trustedip.NewListTrustAll(), r)
}
