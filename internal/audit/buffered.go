package audit

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/you/censor-chatbot/internal/core"
	"github.com/you/censor-chatbot/internal/dispatchtrace"
)

var ErrWriterClosed = errors.New("audit: buffered writer closed")

type Writer interface {
	Write(core.DispatchRecord, *dispatchtrace.Trace) error
}

// BufferedWriter batches dispatch records in front of the store. Denied and
// failed records flush the batch at once so they reach the owner without
// waiting for the interval. Records a flush could not write stay queued, in
// order, for the next flush; the store ignores IDs it already has.
type BufferedWriter struct {
	base          Writer
	batchSize     int
	flushInterval time.Duration

	mu      sync.Mutex
	pending []pendingRecord
	timer   *time.Timer
	closed  bool
	lastErr error
}

type pendingRecord struct {
	rec   core.DispatchRecord
	trace *dispatchtrace.Trace
}

type BufferedOptions struct {
	BatchSize     int
	FlushInterval time.Duration
}

func NewBufferedWriter(base Writer, opts BufferedOptions) *BufferedWriter {
	return &BufferedWriter{
		base:          base,
		batchSize:     max(opts.BatchSize, 1),
		flushInterval: opts.FlushInterval,
	}
}

func urgent(rec core.DispatchRecord) bool {
	return rec.Outcome == core.OutcomeDenied || rec.Outcome == core.OutcomeFailed
}

// Write queues rec. An error left by a timer flush is returned here.
func (b *BufferedWriter) Write(rec core.DispatchRecord, trace *dispatchtrace.Trace) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrWriterClosed
	}
	earlier := b.lastErr
	b.lastErr = nil

	b.pending = append(b.pending, pendingRecord{rec: rec, trace: trace})
	if len(b.pending) < b.batchSize && !urgent(rec) {
		if b.timer == nil && b.flushInterval > 0 {
			b.timer = time.AfterFunc(b.flushInterval, b.onTimer)
		}
		b.mu.Unlock()
		return earlier
	}
	batch := b.takeLocked()
	b.mu.Unlock()

	if err := b.flush(batch); err != nil {
		return err
	}
	return earlier
}

// Close writes what is queued. Later writes fail with ErrWriterClosed.
func (b *BufferedWriter) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	batch := b.takeLocked()
	earlier := b.lastErr
	b.lastErr = nil
	b.mu.Unlock()

	if err := b.flush(batch); err != nil {
		return err
	}
	return earlier
}

// Pending reports how many records wait for a flush.
func (b *BufferedWriter) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *BufferedWriter) onTimer() {
	b.mu.Lock()
	b.timer = nil
	if b.closed {
		b.mu.Unlock()
		return
	}
	batch := b.takeLocked()
	b.mu.Unlock()

	if err := b.flush(batch); err != nil {
		b.mu.Lock()
		b.lastErr = err
		b.mu.Unlock()
	}
}

// takeLocked empties the queue and stops the interval timer.
func (b *BufferedWriter) takeLocked() []pendingRecord {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	batch := b.pending
	b.pending = nil
	return batch
}

// flush writes batch in order. On failure the unwritten tail goes back to the
// front of the queue.
func (b *BufferedWriter) flush(batch []pendingRecord) error {
	for i, p := range batch {
		if err := b.base.Write(p.rec, p.trace); err != nil {
			b.requeue(batch[i:])
			return errors.Wrapf(err, "audit: flush dispatch %s", p.rec.ID)
		}
	}
	return nil
}

func (b *BufferedWriter) requeue(rest []pendingRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(append([]pendingRecord(nil), rest...), b.pending...)
	if !b.closed && b.timer == nil && b.flushInterval > 0 {
		b.timer = time.AfterFunc(b.flushInterval, b.onTimer)
	}
}
