package events

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Sink consumes event records. Implementations must tolerate concurrent calls.
type Sink interface {
	Consume(rec Record)
}

// Bus fans events out to sinks through a bounded buffer. Publish never blocks:
// when the buffer is full the record is dropped and counted, so a stalled
// subscriber cannot stall shard execution.
type Bus struct {
	ch      chan Record
	sinks   []Sink
	log     *zap.Logger
	dropped atomic.Int64

	// mu guards ch against close: publishers hold the read side across
	// the send, Close takes the write side to close the channel.
	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewBus creates a bus with the given buffer size and starts its fan-out
// goroutine. A non-positive buffer falls back to 1024.
func NewBus(buffer int, log *zap.Logger, sinks ...Sink) *Bus {
	if buffer <= 0 {
		buffer = 1024
	}
	if log == nil {
		log = zap.NewNop()
	}
	b := &Bus{
		ch:    make(chan Record, buffer),
		sinks: sinks,
		log:   log,
		done:  make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Bus) run() {
	defer close(b.done)
	for rec := range b.ch {
		for _, s := range b.sinks {
			s.Consume(rec)
		}
	}
}

// Publish marshals the payload and enqueues the record. Marshal failures and
// full-buffer drops are counted and logged at debug, never surfaced.
func (b *Bus) Publish(jobID, recordType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.log.Debug("event payload marshal failed", zap.String("type", recordType), zap.Error(err))
		return
	}
	rec := Record{
		Type:  recordType,
		TS:    time.Now().UTC(),
		JobID: jobID,
		Data:  data,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	select {
	case b.ch <- rec:
	default:
		b.dropped.Add(1)
		b.log.Debug("event dropped, bus buffer full", zap.String("type", recordType))
	}
}

// Dropped returns the count of records discarded due to a full buffer.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close stops the bus after draining buffered records.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.ch)
	b.mu.Unlock()

	<-b.done
	return nil
}

// JSONLSink writes each record as one line of JSON. Writes are serialized so
// lines never interleave.
type JSONLSink struct {
	mu  sync.Mutex
	w   io.Writer
	log *zap.Logger
}

// NewJSONLSink creates a sink writing to w (stdout, file, etc.).
func NewJSONLSink(w io.Writer, log *zap.Logger) *JSONLSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &JSONLSink{w: w, log: log}
}

func (s *JSONLSink) Consume(rec Record) {
	b, err := json.Marshal(rec)
	if err != nil {
		s.log.Debug("event record marshal failed", zap.Error(err))
		return
	}
	b = append(b, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeAll(s.w, b); err != nil {
		s.log.Debug("event record write failed", zap.Error(err))
	}
}

// writeAll handles short writes: io.Writer may return n < len(p) with nil
// error, which would truncate JSONL lines.
func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

// ChanSink forwards records to a channel, dropping when the receiver lags.
// Useful for tests and for bridging to external queues.
type ChanSink struct {
	C chan Record
}

func NewChanSink(buffer int) *ChanSink {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChanSink{C: make(chan Record, buffer)}
}

func (s *ChanSink) Consume(rec Record) {
	select {
	case s.C <- rec:
	default:
	}
}

// Wait blocks until n records arrive or the context expires, returning what
// was received. Test helper.
func (s *ChanSink) Wait(ctx context.Context, n int) []Record {
	out := make([]Record, 0, n)
	for len(out) < n {
		select {
		case rec := <-s.C:
			out = append(out, rec)
		case <-ctx.Done():
			return out
		}
	}
	return out
}
