//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

// Package hashutil implements the SHA-256 digests and text encodings used to
// address evidence content, attachments, and deduplication keys.
package hashutil

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
)

// Size is the length in bytes of every hash produced by this package.
const Size = sha256.Size

// Encoding selects the text form of a hash.
type Encoding int

const (
	// Base64 is standard, padded base64.
	Base64 Encoding = iota
	// Base64Url is URL-safe base64 without padding.
	Base64Url
)

func (e Encoding) String() string {
	switch e {
	case Base64:
		return "base64"
	case Base64Url:
		return "base64url"
	default:
		return fmt.Sprintf("Encoding(%d)", int(e))
	}
}

// Sum returns the raw SHA-256 digest of input.
func Sum(input []byte) []byte {
	out := sha256.Sum256(input)
	return out[:]
}

// Hash returns the SHA-256 digest of input in the requested encoding.
func Hash(input []byte, enc Encoding) string {
	return Encode(Sum(input), enc)
}

// HashString hashes the UTF-8 bytes of s.
func HashString(s string, enc Encoding) string {
	return Hash([]byte(s), enc)
}

// Encode converts raw hash bytes to text.
func Encode(raw []byte, enc Encoding) string {
	if enc == Base64Url {
		return base64.RawURLEncoding.EncodeToString(raw)
	}
	return base64.StdEncoding.EncodeToString(raw)
}

// Decode parses a hash in either encoding. Padding is optional for the URL
// form.
func Decode(s string) ([]byte, error) {
	if strings.ContainsAny(s, "-_") || !strings.HasSuffix(s, "=") && len(s)%4 != 0 {
		return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	}
	return base64.StdEncoding.DecodeString(s)
}
