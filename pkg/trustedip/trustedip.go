// Copyright (C) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

// Package trustedip resolves the IP of the client that originated a request
// that may have traversed a CDN and reverse proxies.
package trustedip

import (
	"net"
	"net/http"
	"regexp"
	"strings"
)

// Headers consulted when the peer is trusted, by precedence.
const (
	// HeaderCDN is set by the CDN edge to the connecting client IP.
	HeaderCDN = "CF-Connecting-IP"
	// HeaderRealIP is set by reverse proxies such as NGINX.
	HeaderRealIP = "X-Real-Ip"
	// HeaderForwardedFor carries the proxy chain, client first.
	HeaderForwardedFor = "X-Forwarded-For"
	// HeaderForwarded is the standard form of HeaderForwardedFor (RFC 7239).
	HeaderForwarded = "Forwarded"
	// HeaderCDNCountry is set by the CDN edge to the client's country code.
	HeaderCDNCountry = "CF-IPCountry"
)

// List is a list of trusted IPs for conveniently verifying if an IP is trusted.
type List struct {
	// ips is the list of trusted IPs. It's used when untrustAll is false. When
	// empty it trusts any IP.
	ips        map[string]struct{}
	untrustAll bool
}

// NewListUntrustAll creates a new List which doesn't trust in any IP.
func NewListUntrustAll() List {
	return List{untrustAll: true}
}

// NewListTrustAll creates a new List which trusts any IP.
func NewListTrustAll() List {
	return List{}
}

// NewListTrustIPs creates a new List which trusts the passed ips.
//
// NOTE: ips are not checked to be well formatted and their values are what they
// kept in the list.
func NewListTrustIPs(ips ...string) List {
	l := List{ips: make(map[string]struct{}, len(ips))}

	for _, ip := range ips {
		l.ips[ip] = struct{}{}
	}

	return l
}

// IsTrusted returns true if ip is trusted, otherwise false. A port in ip is
// ignored.
func (l List) IsTrusted(ip string) bool {
	if l.untrustAll {
		return false
	}

	if len(l.ips) == 0 {
		return true
	}

	_, ok := l.ips[stripPort(ip)]
	return ok
}

// Addrs are the client IP candidates carried by a request.
//
// The header candidates are only filled when the peer is trusted, so a
// client can't spoof its identity by sending the headers itself.
type Addrs struct {
	CDN          string
	RealIP       string
	ForwardedFor string
	Remote       string
}

var forwardForClientIPRegExp = regexp.MustCompile(`for=([^,; ]+)`)

// FromRequest collects the IP candidates of r. It panics if r is nil.
func FromRequest(l List, r *http.Request) Addrs {
	addrs := Addrs{Remote: r.RemoteAddr}
	if !l.IsTrusted(r.RemoteAddr) {
		return addrs
	}

	addrs.CDN = strings.TrimSpace(r.Header.Get(HeaderCDN))
	addrs.RealIP = strings.TrimSpace(r.Header.Get(HeaderRealIP))
	addrs.ForwardedFor = r.Header.Get(HeaderForwardedFor)

	if addrs.ForwardedFor == "" {
		// Get the first value of the 'for' identifier present in the header
		// because it's the one that contains the client IP.
		// See https://datatracker.ietf.org/doc/html/rfc7239
		matches := forwardForClientIPRegExp.FindStringSubmatch(r.Header.Get(HeaderForwarded))
		if len(matches) > 1 {
			addrs.ForwardedFor = strings.Trim(matches[1], `"`)
		}
	}

	return addrs
}

// ClientIP returns the client IP by precedence: the CDN header, the real IP
// header, the first address of the forwarded chain and finally the remote
// address without its port.
//
// NOTE: it doesn't check that the value is a well formatted IP v4 nor v6.
func (a Addrs) ClientIP() string {
	if a.CDN != "" {
		return a.CDN
	}
	if a.RealIP != "" {
		return a.RealIP
	}
	if a.ForwardedFor != "" {
		// Header syntax: X-Forwarded-For: <client>, <proxy1>, <proxy2>
		first := strings.TrimSpace(strings.SplitN(a.ForwardedFor, ",", 2)[0])
		if first != "" {
			return stripPort(first)
		}
	}
	return stripPort(a.Remote)
}

// GetClientIP gets the IP of the client of r, using the forwarding headers
// only when r.RemoteAddr is trusted by l. It panics if r is nil.
func GetClientIP(l List, r *http.Request) string {
	return FromRequest(l, r).ClientIP()
}

// GetCountry returns the country code set by a trusted CDN, or an empty
// string.
func GetCountry(l List, r *http.Request) string {
	if !l.IsTrusted(r.RemoteAddr) {
		return ""
	}
	country := strings.ToUpper(strings.TrimSpace(r.Header.Get(HeaderCDNCountry)))
	// XX is used by CDNs for unknown origins.
	if len(country) != 2 || country == "XX" {
		return ""
	}
	return country
}

// stripPort removes the port from addr when it has one. IPv6 brackets are
// removed too.
func stripPort(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return strings.TrimSuffix(strings.TrimPrefix(addr, "["), "]")
	}
	return host
}
