package storage

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/g6/collector/internal/domain"
)

// header is additive: new fields are appended to the end, existing
// columns are never renamed or repurposed.
var header = []string{
	"timestamp", "symbol", "type", "strike", "last_price",
	"volume", "oi", "bid", "ask", "iv",
	"delta", "gamma", "theta", "vega", "rho",
}

// CSVSink partitions rows under
// <root>/<INDEX>/<RULE>/<OFFSET>/<YYYY-MM-DD>.csv, append-only within a
// day. Each partition has its own mutex so concurrent writers for
// different indices never block each other; a single write (one csv
// row, flushed before returning) is the unit of atomicity.
type CSVSink struct {
	root string

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
}

func NewCSVSink(root string) *CSVSink {
	return &CSVSink{root: root, locks: make(map[string]*sync.Mutex)}
}

func (s *CSVSink) partitionPath(r domain.Row) string {
	day := r.Timestamp.Format("2006-01-02")
	return filepath.Join(s.root, r.Index, r.Rule, r.Offset, day+".csv")
}

func (s *CSVSink) lockFor(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[path]
	if !ok {
		l = &sync.Mutex{}
		s.locks[path] = l
	}
	return l
}

func (s *CSVSink) WriteRows(_ context.Context, rows []domain.Row) error {
	var firstErr error
	for _, r := range rows {
		if err := s.writeOne(r); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("csv sink: %w", err)
		}
	}
	return firstErr
}

func (s *CSVSink) writeOne(r domain.Row) error {
	path := s.partitionPath(r)
	lock := s.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	needsHeader := false
	if _, err := os.Stat(path); os.IsNotExist(err) {
		needsHeader = true
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if needsHeader {
		if err := w.Write(header); err != nil {
			return err
		}
	}
	if err := w.Write(rowToRecord(r)); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

func (s *CSVSink) Close() error { return nil }

func rowToRecord(r domain.Row) []string {
	return []string{
		r.Timestamp.UTC().Format("2006-01-02T15:04:05Z07:00"),
		r.Quote.Symbol,
		string(r.Type),
		formatFloat(r.Strike),
		formatFloat(r.Quote.LastPrice),
		formatInt64Ptr(r.Quote.Volume),
		formatInt64Ptr(r.Quote.OI),
		formatFloatPtr(r.Quote.Bid),
		formatFloatPtr(r.Quote.Ask),
		formatFloatPtr(r.Quote.IV),
		formatGreek(r.Greeks, func(g *domain.Greeks) float64 { return g.Delta }),
		formatGreek(r.Greeks, func(g *domain.Greeks) float64 { return g.Gamma }),
		formatGreek(r.Greeks, func(g *domain.Greeks) float64 { return g.Theta }),
		formatGreek(r.Greeks, func(g *domain.Greeks) float64 { return g.Vega }),
		formatGreek(r.Greeks, func(g *domain.Greeks) float64 { return g.Rho }),
	}
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'f', 4, 64) }

func formatFloatPtr(v *float64) string {
	if v == nil {
		return ""
	}
	return formatFloat(*v)
}

func formatInt64Ptr(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}

func formatGreek(g *domain.Greeks, pick func(*domain.Greeks) float64) string {
	if g == nil {
		return ""
	}
	return formatFloat(pick(g))
}
