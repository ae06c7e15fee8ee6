// SPDX-License-Identifier: MIT

// Package control implements the three background sweeps that decide when
// a stream's pipeline should be running, issuing Intent messages to the
// supervisor rather than touching any pipeline state directly (original
// §4.4). None of the three loops restart a pipeline on their own schedule
// beyond what they're specified to do here; they only ever ask the
// supervisor to start or stop one.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/streamrelay/streamrelay/internal/registry"
	"github.com/streamrelay/streamrelay/internal/supervisor"
)

// Intenter is the subset of *supervisor.Supervisor the control loops need.
// Accepting an interface (rather than the concrete type) keeps the loops
// testable against a fake without standing up a real pipeline/suture tree.
type Intenter interface {
	Intent(ctx context.Context, in supervisor.Intent) error
}

// Config carries the sweep-timing settings from original §6's publisher
// block (internal/config.PublisherConfig).
type Config struct {
	MaxRetryCount   int
	IntervalTime    time.Duration
	TaskIntervalTime time.Duration
	StatusInterval  time.Duration
	ResumeWarmup    time.Duration
}

// ResumeOnStart issues a start Intent for every currently enabled stream.
// It runs once, at process startup, before the other two loops. A failure
// to even fetch the enabled list is treated as fatal: the daemon has no
// coherent state to resume from, so the caller should abort startup.
//
// This is the sole fatal-on-error path in this package; RetryAbnormal and
// StatusCheck log and continue on the equivalent failure instead (see their
// doc comments) — a deliberate fix of a defect in the Rust original
// (`start.rs`'s `retry_abnormal`/`status_check` both `panic!` on their
// periodic list fetch, not just a one-time startup fetch).
func ResumeOnStart(ctx context.Context, store *registry.Store, sup Intenter, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("resume on start: fetching enabled streams")
	recs, err := store.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("resume on start: list enabled streams: %w", err)
	}
	for _, rec := range recs {
		if err := sup.Intent(ctx, supervisor.Intent{ID: rec.ID, Desired: supervisor.DesiredStart}); err != nil {
			logger.Warn("resume on start: intent failed", "id", rec.ID, "error", err)
		}
	}
	return nil
}

// RetryAbnormal periodically sweeps streams that are stopped (enabled=0)
// with a stored failure reason and a retry_count below cfg.MaxRetryCount
// (registry ListAbnormal), bumps their retry_count, marks them enabled,
// clears the stored failure reason, and restarts them.
// It sleeps cfg.ResumeWarmup before its first sweep, then cfg.IntervalTime
// between sweeps, with cfg.TaskIntervalTime between individual restarts
// within one sweep.
//
// A failure to fetch the abnormal list is logged and the loop continues to
// its next sweep, rather than aborting the daemon: an intermittent registry
// hiccup should not take down a process that is otherwise keeping streams
// alive.
func RetryAbnormal(ctx context.Context, store *registry.Store, sup Intenter, cfg Config, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

	select {
	case <-time.After(cfg.ResumeWarmup):
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(cfg.IntervalTime)
	defer ticker.Stop()

	for {
		logger.Info("retry abnormal: sweep starting")
		recs, err := store.ListAbnormal(ctx, cfg.MaxRetryCount)
		if err != nil {
			logger.Error("retry abnormal: list abnormal streams failed, continuing", "error", err)
		} else {
			for _, rec := range recs {
				logger.Info("retry abnormal: restarting", "id", rec.ID, "name", rec.Name)
				rec.RetryCount++
				rec.Enabled = 1
				rec.Reason = nil
				now := time.Now().UnixMilli()
				rec.UpdateTime = &now
				if _, err := store.Update(ctx, rec); err != nil {
					logger.Error("retry abnormal: registry update failed", "id", rec.ID, "error", err)
				} else if err := sup.Intent(ctx, supervisor.Intent{ID: rec.ID, Desired: supervisor.DesiredStart}); err != nil {
					logger.Warn("retry abnormal: intent failed", "id", rec.ID, "error", err)
				}

				select {
				case <-time.After(cfg.TaskIntervalTime):
				case <-ctx.Done():
					return
				}
			}
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// StatusCheck periodically resets retry_count to 0 and clears reason on
// every enabled stream, so a stream that has been healthy since its last
// restart doesn't carry a stale retry count into its next abnormal episode.
// It waits cfg.StatusInterval before its first sweep and between every
// subsequent one.
//
// Like RetryAbnormal, a list-fetch failure is logged and the loop
// continues rather than aborting the daemon.
func StatusCheck(ctx context.Context, store *registry.Store, cfg Config, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

	ticker := time.NewTicker(cfg.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}

		logger.Info("status check: sweep starting")
		recs, err := store.ListEnabled(ctx)
		if err != nil {
			logger.Error("status check: list enabled streams failed, continuing", "error", err)
			continue
		}
		for _, rec := range recs {
			rec.RetryCount = 0
			rec.Reason = nil
			if _, err := store.Update(ctx, rec); err != nil {
				logger.Error("status check: registry update failed", "id", rec.ID, "error", err)
			}
		}
	}
}
