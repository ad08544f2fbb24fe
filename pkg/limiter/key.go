// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package limiter

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"

	"github.com/zeebo/blake3"

	"storj.io/ratekeeper/pkg/policy"
)

const keyContext = "storj.io/ratekeeper 2025-03 client key"

// maxUserAgentLength bounds the user agent bytes mixed into a key.
const maxUserAgentLength = 128

// keyer derives the opaque client keys. The digest is keyed so that a
// leaked key can't be brute-forced back to an IP address.
type keyer struct {
	secret [32]byte
}

// newKeyer derives the hashing key from secret. An empty secret generates a
// random one, so keys are only stable for the life of the process.
func newKeyer(secret string) (*keyer, error) {
	k := &keyer{}
	if secret == "" {
		if _, err := rand.Read(k.secret[:]); err != nil {
			return nil, Error.Wrap(err)
		}
		return k, nil
	}
	blake3.DeriveKey(keyContext, []byte(secret), k.secret[:])
	return k, nil
}

// Key returns the hex digest of the client identity.
func (k *keyer) Key(ip string, tier policy.Tier, endpoint, userAgent string) string {
	if len(userAgent) > maxUserAgentLength {
		userAgent = userAgent[:maxUserAgentLength]
	}

	h, err := blake3.NewKeyed(k.secret[:])
	if err != nil {
		// only possible with a key of the wrong size.
		panic(err)
	}
	_, _ = h.WriteString(ip)
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(tier.String())
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(endpoint)
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(userAgent)

	return hex.EncodeToString(h.Sum(nil))
}

func secretEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
