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

package media

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, 0, color.RGBA{R: uint8(x), A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

// pngHeaderOnly returns a PNG signature and IHDR chunk declaring a w x h
// 8-bit grayscale image with no pixel data.
func pngHeaderOnly(w, h uint32) []byte {
	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")

	data := make([]byte, 13)
	binary.BigEndian.PutUint32(data[0:4], w)
	binary.BigEndian.PutUint32(data[4:8], h)
	data[8] = 8 // bit depth
	data[9] = 0 // grayscale

	chunk := append([]byte("IHDR"), data...)
	binary.Write(&buf, binary.BigEndian, uint32(len(data)))
	buf.Write(chunk)
	binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(chunk))
	return buf.Bytes()
}

func TestFetch_DecodesImage(t *testing.T) {
	body := pngBytes(t, 32, 24)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(body)
	}))
	defer server.Close()

	f := NewFetcher(server.Client(), 0, 0)
	img, err := f.Fetch(context.Background(), server.URL+"/download?fileid=123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if img.Width != 32 || img.Height != 24 {
		t.Errorf("size = %dx%d, want 32x24", img.Width, img.Height)
	}
}

func TestFetch_Errors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
		case "/huge":
			w.Write(pngHeaderOnly(12000, 12000))
		default:
			w.Write([]byte("not an image"))
		}
	}))
	defer server.Close()

	f := NewFetcher(server.Client(), 100, 0)
	for _, path := range []string{"/missing", "/garbage", "/huge"} {
		t.Run(path, func(t *testing.T) {
			img, err := f.Fetch(context.Background(), server.URL+path)
			if !errors.Is(err, ErrFetch) {
				t.Errorf("err = %v, want ErrFetch", err)
			}
			if img != nil {
				t.Error("expected nil image on failure")
			}
		})
	}
}

func TestFetch_RejectsOversizedCanvas(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(pngHeaderOnly(12000, 12000))
	}))
	defer server.Close()

	_, err := NewFetcher(server.Client(), 0, 0).Fetch(context.Background(), server.URL)
	if !errors.Is(err, ErrFetch) || !strings.Contains(err.Error(), "pixel limit") {
		t.Fatalf("err = %v, want pixel limit rejection", err)
	}
}
