// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package policy

import (
	"regexp"
	"strings"
)

// IDPlaceholder replaces identifier segments in normalized endpoints.
const IDPlaceholder = ":id"

var (
	versionSegment = regexp.MustCompile(`^v[0-9]+$`)
	uuidSegment    = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	numericSegment = regexp.MustCompile(`^[0-9]+$`)
)

// NormalizeEndpoint turns a request path into its policy lookup form.
//
// The query string and trailing slashes are dropped, a leading API version
// segment ("/v2/..." or "/api/v1/...") is removed, and UUID or numeric
// segments become IDPlaceholder, e.g. "/api/v1/users/42" becomes
// "/api/users/:id".
func NormalizeEndpoint(path string) string {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}

	segments := make([]string, 0, 8)
	for _, segment := range strings.Split(path, "/") {
		if segment != "" {
			segments = append(segments, segment)
		}
	}

	switch {
	case len(segments) > 0 && versionSegment.MatchString(segments[0]):
		segments = segments[1:]
	case len(segments) > 1 && segments[0] == "api" && versionSegment.MatchString(segments[1]):
		segments = append(segments[:1], segments[2:]...)
	}

	for i, segment := range segments {
		if numericSegment.MatchString(segment) || uuidSegment.MatchString(segment) {
			segments[i] = IDPlaceholder
		}
	}

	return "/" + strings.Join(segments, "/")
}
