// SPDX-License-Identifier: MIT

// Package supervisor owns the live-pipeline set as a single-writer actor
// (original §4.3): external callers enqueue Intent messages, a single
// dispatcher goroutine processes them one at a time, and the in-memory
// handle set is never touched from any other goroutine.
package supervisor

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/streamrelay/streamrelay/internal/pipeline"
	"github.com/streamrelay/streamrelay/internal/registry"
	"github.com/streamrelay/streamrelay/internal/util"
)

// Desired is the target run-state carried by an Intent.
type Desired int

const (
	DesiredStop  Desired = 0
	DesiredStart Desired = 1
)

// Intent is the only message the supervisor accepts (original §4.3.2).
type Intent struct {
	ID      int64
	Desired Desired
}

// PipelineFactory builds the per-run pipeline.Config (demuxer/muxer
// factories, input options, logger) for a stream record. The supervisor
// calls it once per start intent so every run gets fresh demuxer/muxer
// instances; they are not reusable across Open/Close cycles.
type PipelineFactory func(rec *registry.Record) pipeline.Config

// entry is the supervisor's bookkeeping for one live pipeline.
type entry struct {
	handle *pipeline.Handle
}

// Supervisor processes Intent messages against a registry-backed pipeline
// set. It embeds a *suture.Supervisor purely as the goroutine tree that owns
// each pipeline worker's lifetime; suture's own restart/backoff machinery is
// disabled (FailureThreshold: -1) because restart policy belongs entirely to
// the control loops (internal/control), never to suture or to this type.
type Supervisor struct {
	store   *registry.Store
	factory PipelineFactory
	logger  *slog.Logger

	suture *suture.Supervisor

	intents chan Intent

	mu        sync.Mutex // guards pipelines; written by the dispatcher and by finishing workers
	pipelines map[int64]*entry
}

// New constructs a Supervisor. Run must be called to start the dispatcher
// loop and the underlying suture tree.
func New(store *registry.Store, factory PipelineFactory, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		store:   store,
		factory: factory,
		logger:  logger,
		suture: suture.New("pipelines", suture.Spec{
			// -1 disables suture's own restart loop: a pipeline worker that
			// returns is gone for good as far as suture is concerned. The
			// retry-abnormal control loop decides whether it comes back.
			FailureThreshold: -1,
			EventHook:        func(suture.Event) {},
		}),
		intents:   make(chan Intent),
		pipelines: make(map[int64]*entry),
	}
}

// Intent enqueues a start/stop request. It blocks until the dispatcher
// accepts the message or ctx is cancelled, which is what gives same-id
// intents their processing order: the channel is unbuffered, so the caller
// only unblocks once the dispatcher has picked the message up.
func (s *Supervisor) Intent(ctx context.Context, in Intent) error {
	select {
	case s.intents <- in:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the suture tree and the single-consumer dispatcher loop; it
// blocks until ctx is cancelled, then waits for the suture tree (and thus
// every in-flight pipeline worker) to finish unwinding.
func (s *Supervisor) Run(ctx context.Context) error {
	sutureDone := make(chan error, 1)
	go func() { sutureDone <- s.suture.Serve(ctx) }()

	// The dispatcher is a plain goroutine, not a suture service: nothing
	// else would observe a panic here, so it must recover on its own to
	// avoid taking the whole daemon down over one bad intent (the same
	// 24/7-unattended-operation concern util.SafeGo was written for).
	util.SafeGo("supervisor-dispatch", io.Discard, func() { s.dispatchLoop(ctx) }, func(r any, stack []byte) {
		s.logger.Error("dispatch loop panicked, recovered", "panic", r)
	})

	<-ctx.Done()
	<-sutureDone
	return nil
}

// dispatchLoop is the single consumer of s.intents. Only this goroutine, and
// the worker goroutines' finish() calls, ever touch s.pipelines, always
// under s.mu.
func (s *Supervisor) dispatchLoop(ctx context.Context) {
	for {
		select {
		case in := <-s.intents:
			s.handleIntent(ctx, in)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Supervisor) handleIntent(ctx context.Context, in Intent) {
	rec, err := s.store.Get(ctx, in.ID)
	if err != nil {
		s.logger.Warn("intent: registry lookup failed", "id", in.ID, "error", err)
		return
	}
	// Get's not-found contract is a nil record with a nil error (original
	// §4.3.2): a stop intent is handled regardless (stop is idempotent and
	// never consults rec), but a start intent for an unknown/deleted id must
	// be logged and dropped here, before it can reach start's rec.ID deref.
	if rec == nil && in.Desired == DesiredStart {
		s.logger.Warn("intent: start requested for unknown stream, ignored", "id", in.ID)
		return
	}

	switch in.Desired {
	case DesiredStop:
		s.stop(in.ID)
	case DesiredStart:
		s.start(ctx, rec)
	default:
		s.logger.Warn("intent: unknown desired state ignored", "id", in.ID, "desired", in.Desired)
	}
}

// stop is idempotent: a missing handle is a no-op (original §4.3.2).
func (s *Supervisor) stop(id int64) {
	s.mu.Lock()
	e, ok := s.pipelines[id]
	if ok {
		delete(s.pipelines, id)
	}
	s.mu.Unlock()

	if ok {
		e.handle.Stop()
	}
}

// start creates a handle, adds it to the live set *before* spawning the
// worker (so a stop intent processed immediately afterward observes it),
// then hands the worker to suture as a one-shot service (original §4.3.2).
func (s *Supervisor) start(ctx context.Context, rec *registry.Record) {
	s.mu.Lock()
	if _, exists := s.pipelines[rec.ID]; exists {
		s.mu.Unlock()
		s.logger.Info("intent: start ignored, already running", "id", rec.ID)
		return
	}
	h := pipeline.NewHandle()
	s.pipelines[rec.ID] = &entry{handle: h}
	s.mu.Unlock()

	cfg := s.factory(rec)
	cfg.InputURL = rec.InputURL
	cfg.OutputURL = rec.OutputURL

	s.suture.Add(worker{s: s, id: rec.ID, name: rec.Key, cfg: cfg, handle: h})
}

// worker adapts one pipeline run to suture.Service. Serve always reports
// suture.ErrDoNotRestart on return, regardless of the pipeline outcome:
// failures are recorded via the registry-update path in finish and retried
// (if at all) by the retry-abnormal control loop issuing a fresh start
// intent, never by suture's own restart machinery.
type worker struct {
	s      *Supervisor
	id     int64
	name   string
	cfg    pipeline.Config
	handle *pipeline.Handle
}

// String names the service in suture's own logging/event hooks.
func (w worker) String() string { return w.name }

func (w worker) Serve(ctx context.Context) error {
	result := pipeline.Run(ctx, w.cfg, w.handle)
	w.s.finish(w.id, result)
	return suture.ErrDoNotRestart
}

// finish runs on the worker's own goroutine, immediately after the pipeline
// run returns. It removes the live-set entry (a no-op if a stop intent
// already removed it) and performs the terminal registry update: re-read the
// record, since it may have changed while the pipeline was running, then
// apply the run outcome (original §4.3.2).
func (s *Supervisor) finish(id int64, result pipeline.Result) {
	s.mu.Lock()
	delete(s.pipelines, id)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		s.logger.Error("terminal update: re-read record failed", "id", id, "error", err)
		return
	}

	now := time.Now().UnixMilli()
	rec.Enabled = 0
	rec.UpdateTime = &now
	if result.Outcome == pipeline.OutcomeOK {
		rec.Reason = nil
		rec.RetryCount = 0
	} else {
		msg := result.Message
		rec.Reason = &msg
	}

	if _, err := s.store.Update(ctx, rec); err != nil {
		// Logged, not fatal: registry-update errors never affect the live
		// pipeline set, which has already been updated above.
		s.logger.Error("terminal update: registry write failed", "id", id, "error", err)
	}
}

// Running reports whether id currently has a live handle. The control loops
// use this to avoid issuing redundant start intents.
func (s *Supervisor) Running(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pipelines[id]
	return ok
}
