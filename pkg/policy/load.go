// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package policy

import (
	"bytes"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the on-disk layout of a policy file.
//
//	endpoints:
//	  default:
//	    tiers:
//	      anonymous: {window: 1m, max-requests: 60, burst-limit: 12}
//	      ...
//	  /api/sse:
//	    policy: {window: 1m, max-requests: 10}
//	geo:
//	  KP: {blocked: true}
//	  CN: {multiplier: 0.5}
type File struct {
	Endpoints EndpointTable `yaml:"endpoints"`
	Geo       GeoTable      `yaml:"geo"`
}

// Parse decodes and validates a policy file.
func Parse(data []byte) (*Tables, error) {
	var file File

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil {
		return nil, Error.Wrap(err)
	}

	return NewTables(file.Endpoints, file.Geo)
}

// LoadFile reads the policy file at path. An empty path returns the
// built-in defaults.
func LoadFile(path string) (*Tables, error) {
	if path == "" {
		return Defaults(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	return Parse(data)
}
