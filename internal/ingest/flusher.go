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

package ingest

import (
	"context"
	"log/slog"
	"time"
)

// FlushFunc drains one buffer.
type FlushFunc func(ctx context.Context) (int, error)

// Flusher drives a set of flush functions on a fixed interval.
type Flusher struct {
	interval time.Duration
	flushes  []FlushFunc
	done     chan struct{}
}

// NewFlusher creates a flusher that calls each of flushes every interval.
func NewFlusher(interval time.Duration, flushes ...FlushFunc) *Flusher {
	return &Flusher{
		interval: interval,
		flushes:  flushes,
		done:     make(chan struct{}),
	}
}

// Run starts the flush loop. It blocks until the context is cancelled, then
// performs one last flush so buffered history is not lost on shutdown.
func (f *Flusher) Run(ctx context.Context) {
	defer close(f.done)

	slog.Info("history flusher starting", "interval", f.interval)

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("history flusher stopping, final flush")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			f.flushAll(shutdownCtx)
			cancel()
			return
		case <-ticker.C:
			f.flushAll(ctx)
		}
	}
}

// Done is closed once Run has returned.
func (f *Flusher) Done() <-chan struct{} {
	return f.done
}

func (f *Flusher) flushAll(ctx context.Context) {
	for _, flush := range f.flushes {
		// Errors are already logged by the buffer.
		_, _ = flush(ctx)
	}
}
