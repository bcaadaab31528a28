package archive

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hubenschmidt/bagger-spl/runwatch/internal/metrics"
	"github.com/hubenschmidt/bagger-spl/runwatch/internal/runs"
)

const writeTimeout = 10 * time.Second

type writeMsg struct {
	id      string
	run     runs.Run
	history []runs.IterationMetrics
}

// Writer archives runs asynchronously via a buffered channel.
// All methods are nil-safe (no-op on nil receiver).
type Writer struct {
	store *Store
	log   *slog.Logger
	ch    chan writeMsg
	done  chan struct{}
}

// NewWriter starts a writer on store. Must call Close when done.
func NewWriter(store *Store, log *slog.Logger) *Writer {
	if log == nil {
		log = slog.Default()
	}
	w := &Writer{
		store: store,
		log:   log,
		ch:    make(chan writeMsg, 64),
		done:  make(chan struct{}),
	}
	go w.drain()
	return w
}

func (w *Writer) drain() {
	defer close(w.done)
	for msg := range w.ch {
		w.handle(msg)
	}
}

func (w *Writer) handle(m writeMsg) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := w.store.SaveRun(ctx, m.run, m.history); err != nil {
		metrics.ArchiveWrites.WithLabelValues("error").Inc()
		w.log.Warn("archive write failed", "write_id", m.id, "run_id", m.run.ID, "error", err)
		return
	}
	metrics.ArchiveWrites.WithLabelValues("ok").Inc()
	w.log.Debug("run archived", "write_id", m.id, "run_id", m.run.ID, "iterations", len(m.history))
}

// Archive queues a run and its reconciled history for storage and returns
// the write id.
func (w *Writer) Archive(run runs.Run, history []runs.IterationMetrics) string {
	if w == nil {
		return ""
	}
	id := uuid.NewString()
	w.ch <- writeMsg{id: id, run: run, history: history}
	return id
}

// Close flushes pending writes and stops the writer.
func (w *Writer) Close() {
	if w == nil {
		return
	}
	close(w.ch)
	<-w.done
}
