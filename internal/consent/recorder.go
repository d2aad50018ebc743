package consent

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/apnedoctors/triage-orchestrator/pkg/metrics"
)

// Sink persists consent records. Implemented by the Postgres record store.
type Sink interface {
	InsertConsent(ctx context.Context, rec Record) error
}

const recorderBufferSize = 1000

// Recorder writes consent records to the audit trail asynchronously.
// A full buffer drops the entry with a warning; a persistence failure is
// logged. Neither ever blocks or fails the in-memory consent decision.
type Recorder struct {
	sink      Sink
	log       *zap.Logger
	collector *metrics.Collector
	entries   chan Record
	done      chan struct{}

	mu     sync.Mutex
	closed bool
}

func NewRecorder(sink Sink, log *zap.Logger, collector *metrics.Collector) *Recorder {
	r := &Recorder{
		sink:      sink,
		log:       log,
		collector: collector,
		entries:   make(chan Record, recorderBufferSize),
		done:      make(chan struct{}),
	}
	go r.worker()
	return r
}

// Enqueue queues one record for persistence. Entries arriving after
// Shutdown are dropped like any other overflow.
func (r *Recorder) Enqueue(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.closed {
		select {
		case r.entries <- rec:
			return
		default:
		}
	}

	r.log.Warn("consent audit buffer full or closed, dropping entry",
		zap.String("session_id", rec.SessionID.String()),
		zap.String("type", string(rec.Type)),
	)
	if r.collector != nil {
		r.collector.ConsentDropped.Inc()
	}
}

// Shutdown drains the queue, waiting at most 10 seconds. Safe to call more
// than once.
func (r *Recorder) Shutdown() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.entries)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
	case <-time.After(10 * time.Second):
		r.log.Warn("consent recorder shutdown timed out; some entries may be lost")
	}
}

func (r *Recorder) worker() {
	defer close(r.done)
	for rec := range r.entries {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.sink.InsertConsent(ctx, rec); err != nil {
			r.log.Error("failed to persist consent record",
				zap.String("session_id", rec.SessionID.String()),
				zap.String("type", string(rec.Type)),
				zap.Error(err),
			)
			if r.collector != nil {
				r.collector.RecordStoreFailures.WithLabelValues("consent_logs").Inc()
			}
		}
		cancel()
	}
}
