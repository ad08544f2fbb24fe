// Copyright (C) 2020 Storj Labs, Inc.
// See LICENSE for copying information.

// Package geoip resolves the country of client IP addresses from a maxmind
// database.
package geoip

import (
	"context"
	"net"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/oschwald/maxminddb-golang"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var mon = monkit.Package()

// Error is the default error class for geoip.
var Error = errs.Class("geoip")

// Config configures the country database.
type Config struct {
	Database  string `help:"path to a maxmind country (or city) database; countries are only taken from the CDN header when empty" default:""`
	CacheSize int    `help:"number of resolved IPs kept in memory" default:"65536" testDefault:"16"`
}

// Record is the part of a maxmind record we decode.
type Record struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// Reader is a maxmind database reader interface.
type Reader interface {
	Lookup(ip net.IP, result interface{}) error
	Close() error
}

// IPDB looks up countries and caches the results, lookup failures included.
//
// architecture: Database
type IPDB struct {
	reader Reader
	cached *lru.Cache[string, string]
}

// Open opens the database at config.Database.
func Open(config Config) (*IPDB, error) {
	reader, err := maxminddb.Open(config.Database)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return NewIPDB(reader, config.CacheSize), nil
}

// NewIPDB creates a new IPDB reading from reader.
func NewIPDB(reader Reader, cacheSize int) *IPDB {
	if cacheSize <= 0 {
		cacheSize = 65536
	}
	// New only fails on a non-positive size.
	cached, _ := lru.New[string, string](cacheSize)
	return &IPDB{
		reader: reader,
		cached: cached,
	}
}

// Close closes the reader.
func (db *IPDB) Close() (err error) {
	if db.reader != nil {
		return Error.Wrap(db.reader.Close())
	}
	return nil
}

// Country returns the upper-case ISO code of the country of ip, or an empty
// string when it is unknown.
func (db *IPDB) Country(ctx context.Context, ip string) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	if country, ok := db.cached.Get(ip); ok {
		return country, nil
	}

	parsed, err := parseIP(ip)
	if err != nil {
		return "", Error.Wrap(err)
	}

	var record Record
	if err := db.reader.Lookup(parsed, &record); err != nil {
		mon.Event("geoip_lookup_failed")
		// failed lookups are cached as unknown.
		record = Record{}
	}
	country := strings.ToUpper(record.Country.ISOCode)
	db.cached.Add(ip, country)

	return country, nil
}

// parseIP validates ip and removes its port.
func parseIP(ip string) (net.IP, error) {
	host, _, err := net.SplitHostPort(ip)
	if err != nil {
		host = ip // assume it had no port
	}

	parsed := net.ParseIP(strings.Trim(host, "[]"))
	if parsed == nil {
		return nil, errs.New("invalid IP address: %s", ip)
	}
	return parsed, nil
}
