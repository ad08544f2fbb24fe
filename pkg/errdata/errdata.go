// Copyright (C) 2020 Storj Labs, Inc.
// See LICENSE for copying information.

// Package errdata annotates errors with the HTTP status they are reported as.
package errdata

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/zeebo/errs"
)

// HTTPStatusClientClosedRequest is used when the client closes the request without
// waiting for the full answer. There's no standard for such status, however, nginx
// does define a custom one, which is common enough to warrant using it.
// See https://httpstatuses.com/499.
const HTTPStatusClientClosedRequest = 499

type statusError struct {
	error
	status int
}

var _ errs.Namer = statusError{}

func (e statusError) Unwrap() error { return e.error }

// Name keeps the class name of the wrapped error visible to monkit.
func (e statusError) Name() (string, bool) {
	var namer errs.Namer
	if errors.As(e.error, &namer) {
		return namer.Name()
	}
	return "", false
}

// WithStatus annotates err with a status. If err is nil, does nothing.
func WithStatus(err error, status int) error {
	if err == nil {
		return nil
	}
	return statusError{error: err, status: status}
}

// GetStatus returns the most recent status annotation on err. If none is
// found, defValue is returned instead.
func GetStatus(err error, defValue int) int {
	var se statusError
	if errors.As(err, &se) {
		return se.status
	}
	return defValue
}

// Upstream annotates an error of a forwarded request: requests abandoned by
// the client are 499, timeouts are 504 and anything else is 502.
func Upstream(err error) error {
	var netErr net.Error
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return WithStatus(err, HTTPStatusClientClosedRequest)
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return WithStatus(err, http.StatusGatewayTimeout)
	default:
		return WithStatus(err, http.StatusBadGateway)
	}
}
