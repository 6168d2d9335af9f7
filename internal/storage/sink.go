// Package storage implements the uniform row sink contract: a CSV
// partitioned writer that every deployment runs, an optional embedded
// SQLite time-series sink, and an optional S3-compatible cold archival
// step.
package storage

import (
	"context"

	"github.com/g6/collector/internal/domain"
	"github.com/g6/collector/internal/errs"
	"github.com/rs/zerolog"
)

// Sink is the contract every storage backend implements. Persistence
// failure for one Row is reported, never silently dropped; the caller
// (the pipeline's persist phase) decides whether a sink failure is
// fatal for the expiry.
type Sink interface {
	WriteRows(ctx context.Context, rows []domain.Row) error
	Close() error
}

// MultiSink fans a batch of rows out to every configured sink,
// collecting (not short-circuiting on) individual failures so a TSDB
// outage does not block the CSV sink that is always expected to work.
type MultiSink struct {
	sinks []Sink
	errs  *errs.Router
	log   zerolog.Logger
}

func NewMultiSink(errRouter *errs.Router, log zerolog.Logger, sinks ...Sink) *MultiSink {
	active := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			active = append(active, s)
		}
	}
	return &MultiSink{sinks: active, errs: errRouter, log: log}
}

func (m *MultiSink) WriteRows(ctx context.Context, rows []domain.Row) error {
	var firstErr error
	for i, s := range m.sinks {
		if err := s.WriteRows(ctx, rows); err != nil {
			if m.errs != nil {
				m.errs.Route("E_SINK_WRITE_FAILED", m.log, 1, map[string]interface{}{"sink_index": i, "rows": len(rows), "err": err})
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (m *MultiSink) Close() error {
	var firstErr error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
