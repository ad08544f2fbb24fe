// Copyright (C) 2020 Storj Labs, Inc.
// See LICENSE for copying information.

package geoip

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// fixedReader resolves a fixed set of IPs.
type fixedReader map[string]string

func (r fixedReader) Lookup(ip net.IP, result interface{}) error {
	country, ok := r[ip.String()]
	if !ok {
		return errors.New("not found")
	}
	result.(*Record).Country.ISOCode = country
	return nil
}

func (fixedReader) Close() error { return nil }

func newFixedReader() Reader {
	return fixedReader{
		"172.146.10.1":  "de",
		"2001:db8::1":   "KP",
		"198.51.100.20": "US",
	}
}

func TestIPDBCountry(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		desc        string
		ip          string
		expected    string
		expectedErr bool
	}{
		{desc: "invalid IP", ip: "999.999.999.999", expectedErr: true},
		{desc: "invalid (IP:PORT)", ip: "999.999.999.999:42", expectedErr: true},
		{desc: "valid IP", ip: "172.146.10.1", expected: "DE"},
		{desc: "valid (IP:PORT)", ip: "172.146.10.1:4545", expected: "DE"},
		{desc: "IPv6", ip: "2001:db8::1", expected: "KP"},
		{desc: "IPv6 with port", ip: "[2001:db8::1]:443", expected: "KP"},
		{desc: "bracketed IPv6", ip: "[2001:db8::1]", expected: "KP"},
		{desc: "not found", ip: "1.1.1.1", expected: ""},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			db := NewIPDB(newFixedReader(), 0)

			got, err := db.Country(ctx, tt.ip)
			if tt.expectedErr {
				require.Error(t, err)
				require.True(t, Error.Has(err))
				return
			}

			require.NoError(t, err)
			require.Equal(t, tt.expected, got)
			require.Equal(t, 1, db.cached.Len())
		})
	}
}

func TestIPDBCacheIsBounded(t *testing.T) {
	ctx := context.Background()
	db := NewIPDB(newFixedReader(), 4)

	for i := 0; i < 10; i++ {
		_, err := db.Country(ctx, fmt.Sprintf("10.0.0.%d", i))
		require.NoError(t, err)
		require.LessOrEqual(t, db.cached.Len(), 4)
	}
}

func TestIPDBConcurrent(t *testing.T) {
	ctx := context.Background()
	db := NewIPDB(newFixedReader(), 0)

	var group errgroup.Group
	for i := 0; i < 10; i++ {
		ip := fmt.Sprintf("172.146.10.%d:4545", i+1)
		for j := 0; j < 2; j++ {
			group.Go(func() error {
				_, err := db.Country(ctx, ip)
				assert.NoError(t, err)
				return nil
			})
		}
	}
	require.NoError(t, group.Wait())
	require.Equal(t, 10, db.cached.Len())

	country, err := db.Country(ctx, "172.146.10.1:4545")
	require.NoError(t, err)
	require.Equal(t, "DE", country)
}

func TestOpenMissingDatabase(t *testing.T) {
	_, err := Open(Config{Database: "testdata/does-not-exist.mmdb"})
	require.Error(t, err)
	require.True(t, Error.Has(err))
}
