package observe

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// WriterOptions tune the async writer.
type WriterOptions struct {
	// QueueSize bounds the channel between producers and the drain task.
	QueueSize int
	// BatchSize caps how many rows one store write carries.
	BatchSize int
	// FlushInterval bounds how long a partial batch waits.
	FlushInterval time.Duration
	// WriteTimeout bounds each store write.
	WriteTimeout time.Duration
}

func (o *WriterOptions) withDefaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = 4096
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 128
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
}

type writeItem struct {
	inference      *InferenceRecord
	modelInference *ModelInferenceRecord
}

// Writer drains a bounded channel into the store from a single background
// task. Producers never block: when the channel is full the row is dropped
// and logged, preserving liveness of the inference hot path.
type Writer struct {
	store   Store
	logger  *slog.Logger
	items   chan writeItem
	opts    WriterOptions
	dropped atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
	finished  chan struct{}
}

func NewWriter(store Store, logger *slog.Logger, opts WriterOptions) *Writer {
	opts.withDefaults()
	w := &Writer{
		store:    store,
		logger:   logger,
		items:    make(chan writeItem, opts.QueueSize),
		opts:     opts,
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	go w.run()
	return w
}

// RecordInference enqueues an inference row. Never blocks.
func (w *Writer) RecordInference(record *InferenceRecord) {
	w.enqueue(writeItem{inference: record})
}

// RecordModelInference enqueues a provider-call row. Never blocks.
func (w *Writer) RecordModelInference(record *ModelInferenceRecord) {
	w.enqueue(writeItem{modelInference: record})
}

func (w *Writer) enqueue(item writeItem) {
	select {
	case w.items <- item:
	default:
		w.dropped.Add(1)
		w.logger.Warn("trace queue full, dropping record", "dropped_total", w.dropped.Load())
	}
}

// Dropped reports how many records were dropped due to backpressure.
func (w *Writer) Dropped() int64 { return w.dropped.Load() }

// Close flushes pending rows and stops the drain task.
func (w *Writer) Close() {
	w.closeOnce.Do(func() {
		close(w.done)
	})
	<-w.finished
}

func (w *Writer) run() {
	defer close(w.finished)

	var inferences []*InferenceRecord
	var modelInferences []*ModelInferenceRecord
	ticker := time.NewTicker(w.opts.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(inferences) == 0 && len(modelInferences) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), w.opts.WriteTimeout)
		defer cancel()
		if err := w.store.WriteInferences(ctx, inferences); err != nil {
			w.logger.Error("failed to write inference rows", "count", len(inferences), "error", err)
		}
		if err := w.store.WriteModelInferences(ctx, modelInferences); err != nil {
			w.logger.Error("failed to write model inference rows", "count", len(modelInferences), "error", err)
		}
		inferences = inferences[:0]
		modelInferences = modelInferences[:0]
	}

	for {
		select {
		case item := <-w.items:
			if item.inference != nil {
				inferences = append(inferences, item.inference)
			}
			if item.modelInference != nil {
				modelInferences = append(modelInferences, item.modelInference)
			}
			if len(inferences)+len(modelInferences) >= w.opts.BatchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-w.done:
			// Drain whatever is already queued, then final flush.
			for {
				select {
				case item := <-w.items:
					if item.inference != nil {
						inferences = append(inferences, item.inference)
					}
					if item.modelInference != nil {
						modelInferences = append(modelInferences, item.modelInference)
					}
					if len(inferences)+len(modelInferences) >= w.opts.BatchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}
