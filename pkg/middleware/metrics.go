// Copyright (C) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"gopkg.in/webhelp.v1/whmon"
	"gopkg.in/webhelp.v1/whroute"
)

var mon = monkit.Package()

// Metrics records how long requests took, tagged by method and status code.
// Denied requests are also counted per status so 429s stand out.
func Metrics(next http.Handler) http.Handler {
	return whmon.MonitorResponse(whroute.HandlerFunc(next, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		status := w.(whmon.ResponseWriter).StatusCode()
		mon.DurationVal("request_times",
			monkit.NewSeriesTag("method", r.Method),
			monkit.NewSeriesTag("status_code", strconv.Itoa(status)),
		).Observe(time.Since(start))

		if status == http.StatusTooManyRequests {
			mon.Counter("requests_denied").Inc(1)
		}
	}))
}
