// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package scauth

import (
	"crypto"
	encoding_asn1 "encoding/asn1"
	"fmt"
	"io"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

// DefaultHash is the digest algorithm used when none is configured.
const DefaultHash = crypto.SHA256

// Algorithm identifiers of the hashes which may be used for challenges.
var hashOIDs = map[crypto.Hash]encoding_asn1.ObjectIdentifier{
	crypto.SHA1:   {1, 3, 14, 3, 2, 26},
	crypto.SHA224: {2, 16, 840, 1, 101, 3, 4, 2, 4},
	crypto.SHA256: {2, 16, 840, 1, 101, 3, 4, 2, 1},
	crypto.SHA384: {2, 16, 840, 1, 101, 3, 4, 2, 2},
	crypto.SHA512: {2, 16, 840, 1, 101, 3, 4, 2, 3},
}

// SupportedHash reports whether h may be used for challenges.
func SupportedHash(h crypto.Hash) bool {
	_, ok := hashOIDs[h]
	return ok
}

// NewChallenge reads a challenge of one h digest length from rand.
func NewChallenge(rand io.Reader, h crypto.Hash) ([]byte, error) {
	if !SupportedHash(h) {
		return nil, fmt.Errorf("unsupported challenge hash %v", h)
	}
	challenge := make([]byte, h.Size())
	if _, err := io.ReadFull(rand, challenge); err != nil {
		return nil, fmt.Errorf("generating challenge: %w", err)
	}
	return challenge, nil
}

// DigestInfo encodes the PKCS #1 DigestInfo of digest, which must be of h's
// length.
//
//	DigestInfo ::= SEQUENCE {
//	    digestAlgorithm AlgorithmIdentifier,
//	    digest OCTET STRING
//	}
func DigestInfo(h crypto.Hash, digest []byte) ([]byte, error) {
	oid, ok := hashOIDs[h]
	if !ok {
		return nil, fmt.Errorf("unsupported digest algorithm %v", h)
	}
	if len(digest) != h.Size() {
		return nil, fmt.Errorf("digest length %d does not match %v", len(digest), h)
	}

	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(oid)
			b.AddASN1NULL()
		})
		b.AddASN1OctetString(digest)
	})
	return b.Bytes()
}
