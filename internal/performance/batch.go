// Package performance provides batching and memory accounting helpers for bulk work.
package performance

import "sync"

// BatchProcessor groups items and hands each full batch to a processor.
type BatchProcessor[T any] struct {
	batchSize int
	processor func([]T) error
	items     []T
	processed int
	mu        sync.Mutex
}

// NewBatchProcessor creates a new batch processor. A size below 1 means 1.
func NewBatchProcessor[T any](batchSize int, processor func([]T) error) *BatchProcessor[T] {
	if batchSize < 1 {
		batchSize = 1
	}
	return &BatchProcessor[T]{
		batchSize: batchSize,
		processor: processor,
		items:     make([]T, 0, batchSize),
	}
}

// Add adds an item to the batch. If the batch is full, it's processed.
func (b *BatchProcessor[T]) Add(item T) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items = append(b.items, item)
	if len(b.items) >= b.batchSize {
		return b.flush()
	}
	return nil
}

// Flush processes any remaining items in the batch.
func (b *BatchProcessor[T]) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flush()
}

// Processed returns how many items were handed to the processor without error.
func (b *BatchProcessor[T]) Processed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.processed
}

func (b *BatchProcessor[T]) flush() error {
	if len(b.items) == 0 {
		return nil
	}

	err := b.processor(b.items)
	if err == nil {
		b.processed += len(b.items)
	}
	b.items = b.items[:0] // Reset slice but keep capacity
	return err
}
