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

// Package similarity finds prior images in a conversation that are exact or
// near duplicates of a new one. Candidates are generated cheaply from the
// backing store by exact fingerprint or by shared perceptual hash segment,
// then refined by hamming distance.
package similarity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bcem/repostwatch/internal/models"
	"github.com/bcem/repostwatch/internal/phash"
)

// DefaultMaxDistance is the exclusive hamming distance bound for a near match.
const DefaultMaxDistance = 4

// ErrIndex wraps every backing-store failure surfaced by the index.
var ErrIndex = errors.New("similarity index")

// ImageBackend is the store surface the index reads from and appends to.
type ImageBackend interface {
	FindImagesExact(ctx context.Context, conversationID string, urlToken, contentHash *string) ([]models.ImageRecord, error)
	FindImagesBySegments(ctx context.Context, conversationID string, segments []string) ([]models.ImageRecord, error)
	InsertImage(ctx context.Context, r models.ImageRecord) error
	BulkInsertImages(ctx context.Context, records []models.ImageRecord) (int64, error)
}

// Probe carries the fingerprints known for a newly arrived image.
type Probe struct {
	URLToken       *string
	ContentHash    *string
	PerceptualHash *string
}

// Index is a segmented near-duplicate index over stored image records.
// It holds no cache; every query goes to the backend.
type Index struct {
	backend     ImageBackend
	maxDistance int
}

// NewIndex creates an index over backend. A maxDistance <= 0 selects
// DefaultMaxDistance.
func NewIndex(backend ImageBackend, maxDistance int) *Index {
	if maxDistance <= 0 {
		maxDistance = DefaultMaxDistance
	}
	return &Index{backend: backend, maxDistance: maxDistance}
}

// FindExact returns records whose URL token or content hash equals the given one.
func (ix *Index) FindExact(ctx context.Context, conversationID string, urlToken, contentHash *string) ([]models.ImageRecord, error) {
	if urlToken == nil && contentHash == nil {
		return nil, nil
	}
	records, err := ix.backend.FindImagesExact(ctx, conversationID, urlToken, contentHash)
	if err != nil {
		return nil, fmt.Errorf("%w: find exact: %v", ErrIndex, err)
	}
	return records, nil
}

// FindBySegments returns records sharing any of segments. The result is a
// candidate set only and must go through Refine.
func (ix *Index) FindBySegments(ctx context.Context, conversationID string, segments [phash.SegmentCount]string) ([]models.ImageRecord, error) {
	records, err := ix.backend.FindImagesBySegments(ctx, conversationID, segments[:])
	if err != nil {
		return nil, fmt.Errorf("%w: find by segments: %v", ErrIndex, err)
	}
	return records, nil
}

// Match applies the two-tier policy: an exact hit wins outright, otherwise
// segment candidates are refined against the perceptual hash.
func (ix *Index) Match(ctx context.Context, conversationID string, p Probe) ([]models.ImageRecord, error) {
	exact, err := ix.FindExact(ctx, conversationID, p.URLToken, p.ContentHash)
	if err != nil {
		return nil, err
	}
	if len(exact) > 0 {
		return exact, nil
	}
	if p.PerceptualHash == nil {
		return nil, nil
	}

	segments, err := phash.Segment(*p.PerceptualHash)
	if err != nil {
		slog.Warn("unsegmentable perceptual hash", "hash", *p.PerceptualHash, "error", err)
		return nil, nil
	}
	candidates, err := ix.FindBySegments(ctx, conversationID, segments)
	if err != nil {
		return nil, err
	}
	return Refine(candidates, *p.PerceptualHash, ix.maxDistance), nil
}

// Append durably writes one record.
func (ix *Index) Append(ctx context.Context, r models.ImageRecord) error {
	if err := ix.backend.InsertImage(ctx, r); err != nil {
		return fmt.Errorf("%w: append: %v", ErrIndex, err)
	}
	return nil
}

// BulkAppend durably writes a batch of records.
func (ix *Index) BulkAppend(ctx context.Context, records []models.ImageRecord) (int64, error) {
	n, err := ix.backend.BulkInsertImages(ctx, records)
	if err != nil {
		return 0, fmt.Errorf("%w: bulk append: %v", ErrIndex, err)
	}
	return n, nil
}

// Refine keeps the candidates whose perceptual hash lies strictly within
// maxDistance bits of target. Each distinct hash is compared once; candidate
// order is preserved.
func Refine(candidates []models.ImageRecord, target string, maxDistance int) []models.ImageRecord {
	keep := make(map[string]bool)
	for _, c := range candidates {
		if c.PerceptualHash == nil {
			continue
		}
		h := *c.PerceptualHash
		if _, seen := keep[h]; seen {
			continue
		}
		d, err := phash.HammingDistance(target, h)
		keep[h] = err == nil && d < maxDistance
	}

	var out []models.ImageRecord
	for _, c := range candidates {
		if c.PerceptualHash != nil && keep[*c.PerceptualHash] {
			out = append(out, c)
		}
	}
	return out
}
