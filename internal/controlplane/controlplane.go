// SPDX-License-Identifier: MIT

// Package controlplane is the thin façade the HTTP layer is built on
// (original §4.5): every operation it exposes maps directly onto a
// registry.Store call or a supervisor Intent, plus the two domain checks
// (already-running / not-running, and the enabled==1 mutation guard) that
// the registry layer itself has no opinion about.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/streamrelay/streamrelay/internal/registry"
	"github.com/streamrelay/streamrelay/internal/supervisor"
)

// Domain errors returned by RequestStart/RequestStop and the mutation
// guards. Callers (the HTTP adapter) map these to specific status codes.
var (
	ErrAlreadyPushing = errors.New("ALREADY_PUSHING")
	ErrNotPushing     = errors.New("NOT_PUSHING")
	ErrStreamRunning  = errors.New("stream is enabled; stop it before update or delete")
	ErrNotFound       = errors.New("stream not found")
)

// Intenter is the subset of *supervisor.Supervisor this package needs.
type Intenter interface {
	Intent(ctx context.Context, in supervisor.Intent) error
}

// Service is the control-plane boundary: every method here is one of the
// "exactly these semantic operations" original §4.5 names.
type Service struct {
	store *registry.Store
	sup   Intenter
}

// New builds a Service over a registry store and a supervisor (or anything
// satisfying Intenter, for testing).
func New(store *registry.Store, sup Intenter) *Service {
	return &Service{store: store, sup: sup}
}

// InsertStream adds a new stream record. Enabled is always forced to 0: a
// freshly inserted stream is not pushing until RequestStart is called.
func (s *Service) InsertStream(ctx context.Context, name, inputURL, outputURL string) (*registry.Record, error) {
	key, err := s.store.GenerateNextKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("generate next key: %w", err)
	}
	rec := &registry.Record{
		Key:        key,
		Name:       name,
		InputURL:   inputURL,
		OutputURL:  outputURL,
		Enabled:    0,
		CreateTime: time.Now().UnixMilli(),
	}
	if _, err := s.store.Insert(ctx, rec); err != nil {
		return nil, err
	}
	return s.store.GetByKey(ctx, key)
}

// UpdateStream overwrites an existing record's name/URLs. It rejects the
// update while the stream is enabled (original §4.5): a live pipeline is
// already holding the old input_url/output_url, so mutating the record out
// from under it would desync the two.
func (s *Service) UpdateStream(ctx context.Context, id int64, name, inputURL, outputURL string) error {
	rec, err := s.getOrNotFound(ctx, id)
	if err != nil {
		return err
	}
	if rec.Enabled == 1 {
		return ErrStreamRunning
	}
	rec.Name = name
	rec.InputURL = inputURL
	rec.OutputURL = outputURL
	now := time.Now().UnixMilli()
	rec.UpdateTime = &now
	_, err = s.store.Update(ctx, rec)
	return err
}

// DeleteStream removes a record. It rejects the delete while the stream is
// enabled, for the same reason as UpdateStream.
func (s *Service) DeleteStream(ctx context.Context, id int64) error {
	rec, err := s.getOrNotFound(ctx, id)
	if err != nil {
		return err
	}
	if rec.Enabled == 1 {
		return ErrStreamRunning
	}
	_, err = s.store.Delete(ctx, id)
	return err
}

// GetStream returns a single record.
func (s *Service) GetStream(ctx context.Context, id int64) (*registry.Record, error) {
	return s.getOrNotFound(ctx, id)
}

// ListStreams returns one page of records.
func (s *Service) ListStreams(ctx context.Context, page, rows int, keyword string) ([]*registry.Record, error) {
	return s.store.List(ctx, page, rows, keyword)
}

// RequestStart issues a start intent, rejecting the request if the record
// is already enabled (original §4.5, scenario S5).
func (s *Service) RequestStart(ctx context.Context, id int64) error {
	rec, err := s.getOrNotFound(ctx, id)
	if err != nil {
		return err
	}
	if rec.Enabled == 1 {
		return ErrAlreadyPushing
	}
	rec.Enabled = 1
	now := time.Now().UnixMilli()
	rec.UpdateTime = &now
	if _, err := s.store.Update(ctx, rec); err != nil {
		return err
	}
	return s.sup.Intent(ctx, supervisor.Intent{ID: id, Desired: supervisor.DesiredStart})
}

// RequestStop issues a stop intent, rejecting the request if the record is
// already disabled.
func (s *Service) RequestStop(ctx context.Context, id int64) error {
	rec, err := s.getOrNotFound(ctx, id)
	if err != nil {
		return err
	}
	if rec.Enabled == 0 {
		return ErrNotPushing
	}
	return s.sup.Intent(ctx, supervisor.Intent{ID: id, Desired: supervisor.DesiredStop})
}

// Count returns the total number of stream records.
func (s *Service) Count(ctx context.Context) (int64, error) { return s.store.Count(ctx) }

// CountEnabled returns the number of currently-enabled stream records.
func (s *Service) CountEnabled(ctx context.Context) (int64, error) { return s.store.CountEnabled(ctx) }

// CountWithReason returns the number of records carrying a failure reason.
func (s *Service) CountWithReason(ctx context.Context) (int64, error) {
	return s.store.CountWithReason(ctx)
}

// GenerateNextKey previews the key the next InsertStream call would assign
// (spec §8 scenario S6: "D%04X", zero-padded hex).
func (s *Service) GenerateNextKey(ctx context.Context) (string, error) {
	return s.store.GenerateNextKey(ctx)
}

func (s *Service) getOrNotFound(ctx context.Context, id int64) (*registry.Record, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	return rec, nil
}
