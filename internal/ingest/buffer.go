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

// Package ingest buffers history records in memory and hands them to the
// backing store in bulk, so that per-message ingestion never waits on it.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// BulkWriter persists a batch of records and reports how many were written.
type BulkWriter[T any] interface {
	BulkWrite(ctx context.Context, batch []T) (int64, error)
}

// WriterFunc adapts a function to BulkWriter.
type WriterFunc[T any] func(ctx context.Context, batch []T) (int64, error)

func (f WriterFunc[T]) BulkWrite(ctx context.Context, batch []T) (int64, error) {
	return f(ctx, batch)
}

// Observer is notified of flush outcomes.
type Observer interface {
	Flushed(kind string, n int)
	Dropped(kind string, n int)
}

// Buffer accumulates records of one kind until the next Flush.
type Buffer[T any] struct {
	kind     string
	writer   BulkWriter[T]
	observer Observer

	mu      sync.Mutex
	pending []T
}

// NewBuffer creates an empty buffer draining into writer. observer may be nil.
func NewBuffer[T any](kind string, writer BulkWriter[T], observer Observer) *Buffer[T] {
	return &Buffer[T]{kind: kind, writer: writer, observer: observer}
}

// Append adds a record. It never blocks on the backing store.
func (b *Buffer[T]) Append(r T) {
	b.mu.Lock()
	b.pending = append(b.pending, r)
	b.mu.Unlock()
}

// Len reports how many records are waiting for the next flush.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// take swaps the pending slice for an empty one and returns the old batch.
func (b *Buffer[T]) take() []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	batch := b.pending
	b.pending = nil
	return batch
}

// Flush takes every buffered record and writes them in a single bulk call.
//
// Records appended while the write is in flight land in the next batch.
// A failed batch is logged and dropped, never re-queued.
func (b *Buffer[T]) Flush(ctx context.Context) (int, error) {
	batch := b.take()
	if len(batch) == 0 {
		return 0, nil
	}

	batchID := uuid.New().String()
	n, err := b.writer.BulkWrite(ctx, batch)
	if err != nil {
		slog.Error("history flush failed, batch dropped",
			"kind", b.kind,
			"batch_id", batchID,
			"records", len(batch),
			"error", err,
		)
		if b.observer != nil {
			b.observer.Dropped(b.kind, len(batch))
		}
		return 0, fmt.Errorf("flush %s batch %s: %w", b.kind, batchID, err)
	}

	slog.Debug("history flushed",
		"kind", b.kind,
		"batch_id", batchID,
		"records", n,
	)
	if b.observer != nil {
		b.observer.Flushed(b.kind, int(n))
	}
	return int(n), nil
}
