package metrics

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(zerolog.Nop(), "test-hash")
}

func TestCardinalityGuardRejectsBeyondBudget(t *testing.T) {
	r := newTestRegistry(t)
	h, err := r.Register(Def{Name: "test_counter_budget3", Kind: KindCounter, Help: "t", Labels: []string{"tag"}, Budget: 3})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		r.Inc(h, map[string]string{"tag": string(rune('a' + i))}, 1)
	}
	r.Inc(h, map[string]string{"tag": "d"}, 1) // 4th distinct tuple, rejected

	count := testutilCounterValue(t, r, "g6_cardinality_rejected_total", map[string]string{"metric": "test_counter_budget3"})
	assert.Equal(t, float64(1), count)
}

func TestDuplicateRegistrationCountsAndIsNonFatalByDefault(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register(Def{Name: "test_dup", Kind: KindGauge, Help: "t"})
	require.NoError(t, err)
	_, err = r.Register(Def{Name: "test_dup", Kind: KindGauge, Help: "t"})
	require.NoError(t, err)

	count := testutilCounterValue(t, r, "g6_metric_duplicates_total", map[string]string{"name": "test_dup"})
	assert.Equal(t, float64(1), count)
}

func TestDuplicateRegistrationFatalUnderStrict(t *testing.T) {
	r := New(zerolog.Nop(), "test-hash", WithStrictDuplicate())
	_, err := r.Register(Def{Name: "test_dup_strict", Kind: KindGauge, Help: "t"})
	require.NoError(t, err)
	_, err = r.Register(Def{Name: "test_dup_strict", Kind: KindGauge, Help: "t"})
	assert.Error(t, err)
}

func TestBatcherForceFlushesOnMaxWait(t *testing.T) {
	r := newTestRegistry(t)
	h, err := r.Register(Def{Name: "test_batched_counter", Kind: KindCounter, Help: "t", Labels: []string{"l"}})
	require.NoError(t, err)

	r.StartBatcher(batcherConfig{MaxWait: 1})
	defer r.StopBatcher()

	r.Inc(h, map[string]string{"l": "x"}, 1)
	// MaxWait is 1ns, so the flush loop's first tick pushes the single
	// pending entry through even though the batch target is not met.
	assert.Eventually(t, func() bool {
		return testutilCounterValue(t, r, "test_batched_counter", map[string]string{"l": "x"}) == 1
	}, time.Second, 5*time.Millisecond)
	r.StopBatcher()

	v := testutilCounterValue(t, r, "test_batched_counter", map[string]string{"l": "x"})
	assert.Equal(t, float64(1), v)
}
