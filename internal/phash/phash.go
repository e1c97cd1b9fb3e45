// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package phash derives the fingerprints used to recognise repeated images:
// an exact token taken from the image URL and a 64-bit difference hash
// computed from decoded pixels.
package phash

import (
	"errors"
	"fmt"
	"image"
	"math/bits"
	"net/url"
	"strings"

	"github.com/corona10/goimagehash"
)

const (
	// SegmentCount is how many index keys a perceptual hash is split into.
	SegmentCount = 4

	// HashLength is the hex length of a rendered 64-bit hash.
	HashLength = 16

	// tokenParam is the URL query parameter carrying the provider file id.
	tokenParam = "fileid"
)

var (
	ErrLengthMismatch    = errors.New("phash: hashes differ in length")
	ErrInvalidHex        = errors.New("phash: invalid hex digit")
	ErrInvalidHashLength = errors.New("phash: hash length is not a positive multiple of 4")
)

// ExactToken extracts the provider file identifier from an image URL.
// A malformed URL or a missing parameter yields ok == false.
func ExactToken(rawURL string) (token string, ok bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	token = u.Query().Get(tokenParam)
	if token == "" {
		return "", false
	}
	return token, true
}

// Perceptual returns the difference hash of img as 16 lower-case hex digits.
func Perceptual(img image.Image) (string, error) {
	h, err := goimagehash.DifferenceHash(img)
	if err != nil {
		return "", fmt.Errorf("difference hash: %w", err)
	}
	return fmt.Sprintf("%0*x", HashLength, h.GetHash()), nil
}

// Segment splits hash into SegmentCount equal contiguous chunks, in order.
func Segment(hash string) ([SegmentCount]string, error) {
	var out [SegmentCount]string
	if len(hash) == 0 || len(hash)%SegmentCount != 0 {
		return out, ErrInvalidHashLength
	}
	n := len(hash) / SegmentCount
	for i := range out {
		out[i] = hash[i*n : (i+1)*n]
	}
	return out, nil
}

// HammingDistance counts the differing bits of two equal-length hex strings.
func HammingDistance(a, b string) (int, error) {
	if len(a) != len(b) {
		return 0, ErrLengthMismatch
	}
	a, b = strings.ToLower(a), strings.ToLower(b)

	dist := 0
	for i := 0; i < len(a); i++ {
		x, ok := nibble(a[i])
		if !ok {
			return 0, fmt.Errorf("%w: %q", ErrInvalidHex, a[i])
		}
		y, ok := nibble(b[i])
		if !ok {
			return 0, fmt.Errorf("%w: %q", ErrInvalidHex, b[i])
		}
		dist += bits.OnesCount8(x ^ y)
	}
	return dist, nil
}

func nibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	default:
		return 0, false
	}
}
