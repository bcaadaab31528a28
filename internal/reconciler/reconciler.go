// Package reconciler owns the canonical state of solver runs. It merges live
// stream telemetry and periodic REST polls into one deduplicated iteration
// history and publishes read-only snapshots of it.
package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hubenschmidt/bagger-spl/runwatch/internal/protocol"
	"github.com/hubenschmidt/bagger-spl/runwatch/internal/runs"
	"github.com/hubenschmidt/bagger-spl/runwatch/internal/transport"
	"github.com/hubenschmidt/bagger-spl/runwatch/internal/window"
)

const (
	defaultHistoryWindow   = 500
	defaultViolationWindow = 100
	defaultRunPoll         = 2 * time.Second
	defaultRosterPoll      = 15 * time.Second
	defaultRosterLimit     = 20
)

var (
	ErrDisposed   = errors.New("reconciler: disposed")
	ErrUnknownRun = errors.New("reconciler: run not in roster")
)

// API is the run-control surface of the solver gateway.
type API interface {
	StartRun(ctx context.Context, params runs.Params) (runs.Run, error)
	GetRun(ctx context.Context, id string) (runs.Run, error)
	ListRuns(ctx context.Context, limit int, status runs.Status) ([]runs.Run, error)
	Stats(ctx context.Context) (runs.Stats, error)
}

// Stream is a telemetry connection. *transport.Client satisfies it.
type Stream interface {
	Connect()
	Close()
}

// Archiver stores a finished run. It is called at most once per run id.
type Archiver interface {
	Archive(run runs.Run, history []runs.IterationMetrics) string
}

// Config configures a Reconciler. Zero durations and sizes take defaults.
type Config struct {
	API API
	// StreamURL is the telemetry endpoint. Empty disables the stream unless
	// NewStream is set.
	StreamURL string
	Backoff   transport.Backoff
	// NewStream overrides how stream connections are built.
	NewStream func(transport.Handlers) Stream

	HistoryWindow      int
	ViolationWindow    int
	RunPollInterval    time.Duration
	RosterPollInterval time.Duration
	RosterLimit        int

	Archiver Archiver
	Logger   *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = defaultHistoryWindow
	}
	if c.ViolationWindow <= 0 {
		c.ViolationWindow = defaultViolationWindow
	}
	if c.RunPollInterval <= 0 {
		c.RunPollInterval = defaultRunPoll
	}
	if c.RosterPollInterval <= 0 {
		c.RosterPollInterval = defaultRosterPoll
	}
	if c.RosterLimit <= 0 {
		c.RosterLimit = defaultRosterLimit
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Reconciler is the single writer of canonical run state. Consumers read it
// through Snapshot and Subscribe.
type Reconciler struct {
	cfg Config
	log *slog.Logger
	id  string

	mu       sync.Mutex
	wg       sync.WaitGroup
	disposed bool
	// gen changes on every Start, Attach, Pause and Dispose. Stream callbacks
	// and poll loops carry the gen they were created under and go inert once
	// it is stale.
	gen uint64

	stream     Stream
	streamSt   transport.State
	stopPoll   context.CancelFunc
	stopRoster context.CancelFunc
	rearm      chan struct{}

	activeID   string
	selectedID string
	roster     []string
	known      map[string]runs.Run
	stats      runs.Stats
	archived   map[string]bool

	history     *window.Window[runs.IterationMetrics]
	losses      *window.Window[float64]
	gradNorms   *window.Window[float64]
	violations  *window.Window[protocol.ConstraintViolation]
	lastIter    int
	topology    string
	heartbeat   *float64
	convergence *runs.ConvergenceInfo

	version uint64
	subs    map[int]chan Snapshot
	nextSub int
}

// New creates an idle reconciler. Nothing is dialed or polled until Start,
// Attach or WatchRoster.
func New(cfg Config) *Reconciler {
	cfg = cfg.withDefaults()
	id := uuid.NewString()
	return &Reconciler{
		cfg:        cfg,
		log:        cfg.Logger.With("component", "reconciler", "reconciler_id", id),
		id:         id,
		rearm:      make(chan struct{}, 1),
		known:      make(map[string]runs.Run),
		archived:   make(map[string]bool),
		history:    window.New[runs.IterationMetrics](cfg.HistoryWindow),
		losses:     window.New[float64](cfg.HistoryWindow),
		gradNorms:  window.New[float64](cfg.HistoryWindow),
		violations: window.New[protocol.ConstraintViolation](cfg.ViolationWindow),
		lastIter:   -1,
		subs:       make(map[int]chan Snapshot),
	}
}

// ID identifies this reconciler instance in logs.
func (r *Reconciler) ID() string { return r.id }

// Start tears down any current stream and run poll, resets the rolling
// histories, opens a fresh stream and asks the gateway to start a run.
//
// A failed start request is returned but leaves the new stream open so live
// telemetry is still observed; no run id is associated in that case.
func (r *Reconciler) Start(ctx context.Context, params runs.Params) (runs.Run, error) {
	gen, err := r.begin()
	if err != nil {
		return runs.Run{}, err
	}
	r.WatchRoster()

	run, err := r.cfg.API.StartRun(ctx, params)
	if err != nil {
		r.log.Warn("run start failed", "error", err)
		return runs.Run{}, err
	}
	r.adopt(gen, run)
	return run, nil
}

// Attach follows an existing run as if it had just been started, without
// issuing a start request.
func (r *Reconciler) Attach(id string) error {
	gen, err := r.begin()
	if err != nil {
		return err
	}
	r.WatchRoster()
	r.adopt(gen, runs.Run{ID: id})
	return nil
}

// Pause closes the stream and cancels the run poll. Records are kept.
func (r *Reconciler) Pause() {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}
	r.gen++
	old := r.detachLocked()
	r.publishLocked()
	r.mu.Unlock()

	closeStream(old)
	r.log.Info("reconciler paused", "run_id", r.activeRunID())
}

// Dispose stops every stream, poll and subscription and waits for
// in-flight polls to finish. The reconciler cannot be restarted.
func (r *Reconciler) Dispose() {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}
	r.disposed = true
	r.gen++
	old := r.detachLocked()
	if r.stopRoster != nil {
		r.stopRoster()
		r.stopRoster = nil
	}
	for id, ch := range r.subs {
		close(ch)
		delete(r.subs, id)
	}
	r.mu.Unlock()

	closeStream(old)
	r.wg.Wait()
}

// begin supersedes the current run context and opens a new stream.
func (r *Reconciler) begin() (uint64, error) {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return 0, ErrDisposed
	}
	r.gen++
	gen := r.gen
	old := r.detachLocked()

	r.activeID = ""
	r.history.Reset()
	r.losses.Reset()
	r.gradNorms.Reset()
	r.violations.Reset()
	r.lastIter = -1
	r.topology = ""
	r.heartbeat = nil
	r.convergence = nil

	r.stream = r.newStream(gen)
	stream := r.stream
	r.streamSt = transport.Idle
	r.publishLocked()
	r.mu.Unlock()

	// Close and Connect fire state callbacks that take r.mu.
	closeStream(old)
	if stream != nil {
		stream.Connect()
	}
	return gen, nil
}

// adopt makes run the active and selected run and starts polling it.
func (r *Reconciler) adopt(gen uint64, run runs.Run) {
	r.mu.Lock()
	if r.disposed || r.gen != gen {
		r.mu.Unlock()
		r.log.Debug("start superseded", "run_id", run.ID)
		return
	}
	if existing, ok := r.known[run.ID]; ok {
		run, _ = runs.Merge(existing, run)
	}
	r.known[run.ID] = run
	r.activeID = run.ID
	r.selectedID = run.ID

	ctx, cancel := context.WithCancel(context.Background())
	r.stopPoll = cancel
	r.wg.Add(1)
	go r.pollRun(ctx, gen, run.ID)
	r.publishLocked()
	r.mu.Unlock()

	r.log.Info("run started", "run_id", run.ID, "status", run.Status)
	select {
	case r.rearm <- struct{}{}:
	default:
	}
}

// detachLocked cancels the run poll and hands back the stream for closing
// outside the lock.
func (r *Reconciler) detachLocked() Stream {
	if r.stopPoll != nil {
		r.stopPoll()
		r.stopPoll = nil
	}
	old := r.stream
	r.stream = nil
	if old != nil {
		r.streamSt = transport.Closed
	}
	return old
}

func (r *Reconciler) newStream(gen uint64) Stream {
	h := r.handlers(gen)
	if r.cfg.NewStream != nil {
		return r.cfg.NewStream(h)
	}
	if r.cfg.StreamURL == "" {
		return nil
	}
	return transport.New(transport.Config{
		URL:      r.cfg.StreamURL,
		Backoff:  r.cfg.Backoff,
		Handlers: h,
		Logger:   r.cfg.Logger,
	})
}

func (r *Reconciler) activeRunID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeID
}

func closeStream(s Stream) {
	if s != nil {
		s.Close()
	}
}
