package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/g6/collector/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCSVSinkPartitionsByIndexRuleOffset(t *testing.T) {
	dir := t.TempDir()
	sink := NewCSVSink(dir)

	ts := time.Date(2025, 10, 14, 9, 20, 0, 0, time.UTC)
	row := domain.Row{
		Index: "NIFTY", Rule: "this_week", Offset: "0", Strike: 22000,
		Type: domain.Call, Timestamp: ts,
		Quote: domain.Quote{Symbol: "NIFTY14OCT22000CE", LastPrice: 123.45, Timestamp: ts},
	}
	require.NoError(t, sink.WriteRows(context.Background(), []domain.Row{row}))

	want := filepath.Join(dir, "NIFTY", "this_week", "0", "2025-10-14.csv")
	data, err := os.ReadFile(want)
	require.NoError(t, err)
	assert.Contains(t, string(data), "NIFTY14OCT22000CE")
	assert.Contains(t, string(data), header[0]) // header row written once
}

func TestCSVSinkAppendsWithoutDuplicatingHeader(t *testing.T) {
	dir := t.TempDir()
	sink := NewCSVSink(dir)
	ts := time.Date(2025, 10, 14, 9, 20, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		row := domain.Row{Index: "NIFTY", Rule: "this_week", Offset: "0", Strike: 22000, Type: domain.Call, Timestamp: ts, Quote: domain.Quote{Symbol: "X", Timestamp: ts}}
		require.NoError(t, sink.WriteRows(context.Background(), []domain.Row{row}))
	}

	path := filepath.Join(dir, "NIFTY", "this_week", "0", "2025-10-14.csv")
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := 0
	for _, b := range data {
		if b == '\n' {
			lines++
		}
	}
	assert.Equal(t, 4, lines) // 1 header + 3 rows
}

func TestMultiSinkCollectsFirstError(t *testing.T) {
	ok := &fakeSink{}
	bad := &fakeSink{err: assertErr}
	m := NewMultiSink(nil, zerolog.Nop(), ok, bad)
	err := m.WriteRows(context.Background(), []domain.Row{{}})
	assert.ErrorIs(t, err, assertErr)
	assert.True(t, ok.called)
	assert.True(t, bad.called)
}

type fakeSink struct {
	called bool
	err    error
}

func (f *fakeSink) WriteRows(context.Context, []domain.Row) error {
	f.called = true
	return f.err
}

func (f *fakeSink) Close() error { return nil }

var assertErr = errTest("boom")

type errTest string

func (e errTest) Error() string { return string(e) }
