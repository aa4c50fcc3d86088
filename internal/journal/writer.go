package journal

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	sdjournal "github.com/coreos/go-systemd/v22/journal"
	"github.com/sirupsen/logrus"

	"github.com/usrlog/journal-relay/internal/config"
	"github.com/usrlog/journal-relay/internal/metrics"
	"github.com/usrlog/journal-relay/internal/model"
	"github.com/usrlog/journal-relay/internal/queue"
)

// State describes the writer's delivery health.
type State int32

const (
	// StateHealthy: the last submission succeeded.
	StateHealthy State = iota
	// StateDegraded: one or more consecutive submissions failed.
	StateDegraded
	// StateDraining: shutdown requested, flushing queued records.
	StateDraining
	// StateStopped: the writer has exited.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Writer is the sole consumer of the delivery queue. It dequeues records one
// at a time and submits each to the journal transport, guaranteeing at most
// one in-flight submission. Retry and backoff state lives here, not on
// records: it applies to the submission attempts of the record currently
// being processed.
type Writer struct {
	queue     *queue.Queue
	transport Transport
	retry     config.RetryPolicy
	metrics   *metrics.Registry
	log       *logrus.Entry

	state atomic.Int32
}

// NewWriter creates a journal writer consuming from q.
func NewWriter(q *queue.Queue, transport Transport, retry config.RetryPolicy, m *metrics.Registry, log *logrus.Entry) *Writer {
	return &Writer{
		queue:     q,
		transport: transport,
		retry:     retry,
		metrics:   m,
		log:       log.WithField("component", "journal-writer"),
	}
}

// State returns the writer's current state.
func (w *Writer) State() State {
	return State(w.state.Load())
}

// Healthy reports whether the sink accepted the most recent submission.
func (w *Writer) Healthy() bool {
	return w.State() != StateDegraded
}

// BeginDrain marks the writer as draining. The coordinator calls this
// together with closing the queue's intake.
func (w *Writer) BeginDrain() {
	w.state.Store(int32(StateDraining))
	w.log.Debug("draining")
}

// Run consumes the queue until it is closed and drained, or until ctx is
// cancelled (drain deadline elapsed or immediate stop), in which case the
// remaining queued records are shed and counted.
func (w *Writer) Run(ctx context.Context) error {
	defer w.state.Store(int32(StateStopped))

	for {
		rec, err := w.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) {
				w.log.Debug("queue drained, stopping")
				return nil
			}
			// Cancelled: abandon what remains, but never silently.
			if n := w.queue.Shed(); n > 0 {
				w.metrics.DroppedDrain.Add(uint64(n))
				w.log.Warnf("dropped %d queued records at shutdown", n)
			}
			return nil
		}
		w.deliver(ctx, rec)
	}
}

// deliver submits one record, retrying with exponential backoff up to the
// configured attempt limit. An exhausted record is dropped and counted; a
// single bad record never blocks the pipeline.
func (w *Writer) deliver(ctx context.Context, rec *model.Record) {
	message, priority, fields, badPriority := splitRecord(rec)
	if badPriority != "" {
		w.log.Debugf("record seq=%d carries unusable PRIORITY %q, substituting %d",
			rec.Seq, badPriority, priority)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.retry.BackoffBase
	bo.MaxInterval = w.retry.BackoffCap
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	submit := func() error {
		err := w.transport.Send(message, priority, fields)
		if err != nil {
			w.state.CompareAndSwap(int32(StateHealthy), int32(StateDegraded))
		}
		return err
	}
	onRetry := func(err error, next time.Duration) {
		w.metrics.Retries.Inc()
		w.log.Debugf("submission failed (seq=%d), retrying in %s: %v", rec.Seq, next, err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(w.retry.MaxAttempts-1)), ctx)
	if err := backoff.RetryNotify(submit, policy, onRetry); err != nil {
		// Cancellation mid-retry is a shutdown drop, not retry exhaustion.
		if ctx.Err() != nil {
			w.metrics.DroppedDrain.Inc()
			w.log.Warnf("dropping in-flight record seq=%d source=%s at shutdown: %v",
				rec.Seq, rec.Source, err)
			return
		}
		w.metrics.DroppedRetryExhausted.Inc()
		w.log.Errorf("dropping record seq=%d source=%s after %d attempts: %v",
			rec.Seq, rec.Source, w.retry.MaxAttempts, err)
		return
	}

	w.metrics.Submitted.Inc()
	if w.state.CompareAndSwap(int32(StateDegraded), int32(StateHealthy)) {
		w.log.Info("journal submission recovered")
	}
}

// splitRecord separates the MESSAGE and PRIORITY fields, which the journal
// transport takes positionally, from the remaining fields. A PRIORITY value
// outside "0".."7" cannot be submitted; it is returned as badPriority and the
// default takes its place.
func splitRecord(rec *model.Record) (message string, priority sdjournal.Priority, fields map[string]string, badPriority string) {
	priority = sdjournal.PriInfo
	fields = make(map[string]string, rec.Len())

	for _, f := range rec.Fields() {
		switch f.Name {
		case model.FieldMessage:
			message = string(f.Value)
		case model.FieldPriority:
			if n, err := strconv.Atoi(string(f.Value)); err == nil && n >= 0 && n <= 7 {
				priority = sdjournal.Priority(n)
			} else {
				badPriority = string(f.Value)
			}
		default:
			fields[f.Name] = string(f.Value)
		}
	}
	return message, priority, fields, badPriority
}
