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
	"errors"
	"sync"
	"testing"
	"time"
)

// memWriter collects every batch it is asked to write.
type memWriter struct {
	mu      sync.Mutex
	batches [][]int
	fail    bool
}

func (m *memWriter) BulkWrite(_ context.Context, batch []int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return 0, errors.New("copy failed")
	}
	m.batches = append(m.batches, append([]int(nil), batch...))
	return int64(len(batch)), nil
}

func (m *memWriter) all() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []int
	for _, b := range m.batches {
		out = append(out, b...)
	}
	return out
}

type countingObserver struct {
	mu      sync.Mutex
	flushed int
	dropped int
}

func (o *countingObserver) Flushed(_ string, n int) {
	o.mu.Lock()
	o.flushed += n
	o.mu.Unlock()
}

func (o *countingObserver) Dropped(_ string, n int) {
	o.mu.Lock()
	o.dropped += n
	o.mu.Unlock()
}

func TestBuffer_FlushWritesAndClears(t *testing.T) {
	w := &memWriter{}
	obs := &countingObserver{}
	b := NewBuffer[int]("text", w, obs)

	for i := 0; i < 5; i++ {
		b.Append(i)
	}
	if b.Len() != 5 {
		t.Fatalf("Len = %d, want 5", b.Len())
	}

	n, err := b.Flush(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 5 {
		t.Errorf("flushed = %d, want 5", n)
	}
	if b.Len() != 0 {
		t.Errorf("Len after flush = %d, want 0", b.Len())
	}
	if obs.flushed != 5 {
		t.Errorf("observer flushed = %d, want 5", obs.flushed)
	}
}

func TestBuffer_EmptyFlushSkipsWriter(t *testing.T) {
	w := &memWriter{}
	b := NewBuffer[int]("text", w, nil)

	n, err := b.Flush(context.Background())
	if err != nil || n != 0 {
		t.Errorf("Flush = (%d, %v), want (0, nil)", n, err)
	}
	if len(w.batches) != 0 {
		t.Errorf("writer called %d times, want 0", len(w.batches))
	}
}

// TestBuffer_FailedBatchIsDropped verifies at-most-once delivery.
func TestBuffer_FailedBatchIsDropped(t *testing.T) {
	w := &memWriter{fail: true}
	obs := &countingObserver{}
	b := NewBuffer[int]("image", w, obs)

	b.Append(1)
	b.Append(2)
	if _, err := b.Flush(context.Background()); err == nil {
		t.Fatal("expected error from failing writer")
	}
	if b.Len() != 0 {
		t.Errorf("failed batch was re-queued: Len = %d", b.Len())
	}
	if obs.dropped != 2 {
		t.Errorf("observer dropped = %d, want 2", obs.dropped)
	}

	w.fail = false
	b.Append(3)
	if n, err := b.Flush(context.Background()); err != nil || n != 1 {
		t.Errorf("Flush = (%d, %v), want (1, nil)", n, err)
	}
	if got := w.all(); len(got) != 1 || got[0] != 3 {
		t.Errorf("persisted = %v, want [3]", got)
	}
}

// TestBuffer_ConcurrentAppendAndFlush verifies no record is lost or written twice.
func TestBuffer_ConcurrentAppendAndFlush(t *testing.T) {
	const n = 2000
	w := &memWriter{}
	b := NewBuffer[int]("text", w, nil)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			<-start
			b.Append(v)
		}(i)
	}

	close(start)
	if _, err := b.Flush(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wg.Wait()
	if _, err := b.Flush(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(w.batches) > 2 {
		t.Errorf("batches = %d, want at most 2", len(w.batches))
	}
	got := w.all()
	if len(got) != n {
		t.Fatalf("persisted %d records, want %d", len(got), n)
	}
	seen := make(map[int]bool, n)
	for _, v := range got {
		if seen[v] {
			t.Fatalf("record %d persisted twice", v)
		}
		seen[v] = true
	}
}

func TestWriterFunc(t *testing.T) {
	var got []string
	b := NewBuffer[string]("text", WriterFunc[string](func(_ context.Context, batch []string) (int64, error) {
		got = append(got, batch...)
		return int64(len(batch)), nil
	}), nil)

	b.Append("a")
	if _, err := b.Flush(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0] != "a" {
		t.Errorf("got %v, want [a]", got)
	}
}

// TestFlusher_FinalFlushOnShutdown verifies buffered records survive cancellation.
func TestFlusher_FinalFlushOnShutdown(t *testing.T) {
	w := &memWriter{}
	b := NewBuffer[int]("text", w, nil)
	f := NewFlusher(time.Hour, b.Flush)

	ctx, cancel := context.WithCancel(context.Background())
	go f.Run(ctx)

	b.Append(42)
	cancel()

	select {
	case <-f.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("flusher did not stop")
	}

	if got := w.all(); len(got) != 1 || got[0] != 42 {
		t.Errorf("persisted = %v, want [42]", got)
	}
}

func TestFlusher_Tick(t *testing.T) {
	w := &memWriter{}
	b := NewBuffer[int]("text", w, nil)
	b.Append(7)

	f := NewFlusher(10*time.Millisecond, b.Flush)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	deadline := time.After(2 * time.Second)
	for {
		if len(w.all()) == 1 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("record was not flushed on tick")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
