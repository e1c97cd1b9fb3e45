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

// Package media downloads and decodes chat images so they can be
// fingerprinted.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"time"

	_ "golang.org/x/image/webp"
	"golang.org/x/time/rate"
)

const (
	// DefaultTimeout bounds a single download.
	DefaultTimeout = 10 * time.Second

	// maxImageBytes caps how much of a response body is read.
	maxImageBytes = 20 << 20

	// maxPixels caps decoded width*height; small compressed files can
	// declare huge canvases.
	maxPixels = 40_000_000
)

// ErrFetch wraps every download or decode failure.
var ErrFetch = errors.New("image fetch")

// Image is a decoded picture.
type Image struct {
	Pixels image.Image
	Width  int
	Height int
}

// Fetcher retrieves images over HTTP.
type Fetcher struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	timeout    time.Duration
}

// NewFetcher creates a fetcher. ratePerSecond <= 0 disables throttling;
// timeout <= 0 selects DefaultTimeout.
func NewFetcher(httpClient *http.Client, ratePerSecond float64, timeout time.Duration) *Fetcher {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	limit := rate.Inf
	if ratePerSecond > 0 {
		limit = rate.Limit(ratePerSecond)
	}
	return &Fetcher{
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, 1),
		timeout:    timeout,
	}
}

// Fetch downloads and decodes the image at url.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*Image, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	if err := f.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limit: %v", ErrFetch, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrFetch, err)
	}
	req.Header.Set("Accept", "image/*")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: HTTP %d for %s", ErrFetch, resp.StatusCode, url)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrFetch, err)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: decode config: %v", ErrFetch, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > maxPixels {
		return nil, fmt.Errorf("%w: %dx%d exceeds pixel limit", ErrFetch, cfg.Width, cfg.Height)
	}

	img, _, err := image.Decode(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrFetch, err)
	}

	b := img.Bounds()
	return &Image{Pixels: img, Width: b.Dx(), Height: b.Dy()}, nil
}
