package sse

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPublisher() *Publisher {
	snapshot := func() map[string]interface{} {
		return map[string]interface{}{"system": map[string]interface{}{"ok": true}}
	}
	return NewPublisher(50*time.Millisecond, 25, nil, nil, zerolog.Nop(), snapshot)
}

func TestServeHTTPSendsHelloAndSnapshotThenBye(t *testing.T) {
	p := testPublisher()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/summary/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)

	body := rec.Body.String()
	assert.Contains(t, body, "event: hello")
	assert.Contains(t, body, "event: full_snapshot")
	assert.Contains(t, body, "event: bye")
	assert.Equal(t, 0, p.activeCount())
}

func TestPublishPanelDedupesUnchangedPayload(t *testing.T) {
	p := testPublisher()
	c := &Client{ID: "c1", outbound: make(chan frame, 8), done: make(chan struct{})}
	p.register(c)

	p.PublishPanel("system", map[string]interface{}{"a": 1}, false)
	select {
	case fr := <-c.outbound:
		assert.Equal(t, EventPanelUpdate, fr.event)
	default:
		t.Fatal("expected a panel_update frame")
	}

	p.PublishPanel("system", map[string]interface{}{"a": 1}, false)
	select {
	case fr := <-c.outbound:
		t.Fatalf("expected no frame for unchanged payload, got %v", fr.event)
	default:
	}
}

func TestPublishPanelUsesStructuredEventUnderThreshold(t *testing.T) {
	p := testPublisher()
	c := &Client{ID: "c1", outbound: make(chan frame, 8), done: make(chan struct{})}
	p.register(c)

	p.PublishPanel("system", map[string]interface{}{"a": 1}, true)
	<-c.outbound // initial publish, always a full panel_update

	p.PublishPanel("system", map[string]interface{}{"a": 2}, true)
	fr := <-c.outbound
	assert.Equal(t, EventStructuredUpdate, fr.event)

	var diff structuredDiff
	require.NoError(t, json.Unmarshal(fr.data, &diff))
	assert.Equal(t, "system", diff.Panel)
	assert.NotEmpty(t, diff.ChangedLines)
}

func TestPublishPanelUsesPanelDiffEventWhenNotStructured(t *testing.T) {
	p := testPublisher()
	c := &Client{ID: "c1", outbound: make(chan frame, 8), done: make(chan struct{})}
	p.register(c)

	p.PublishPanel("system", map[string]interface{}{"a": 1}, false)
	<-c.outbound

	p.PublishPanel("system", map[string]interface{}{"a": 2}, false)
	fr := <-c.outbound
	assert.Equal(t, EventPanelDiff, fr.event)

	var diff panelDiff
	require.NoError(t, json.Unmarshal(fr.data, &diff))
	assert.Equal(t, "system", diff.Panel)
}

func TestPublishPanelFallsBackToPanelUpdateAboveThreshold(t *testing.T) {
	p := testPublisher()
	p.structMax = 0
	c := &Client{ID: "c1", outbound: make(chan frame, 8), done: make(chan struct{})}
	p.register(c)

	p.PublishPanel("system", map[string]interface{}{"a": 1}, true)
	<-c.outbound

	p.PublishPanel("system", map[string]interface{}{"a": 2}, true)
	fr := <-c.outbound
	assert.Equal(t, EventPanelUpdate, fr.event)
}

func TestEnqueueDropsOldestFrameWhenQueueFull(t *testing.T) {
	p := testPublisher()
	c := &Client{ID: "c1", outbound: make(chan frame, 2), done: make(chan struct{})}

	p.enqueue(c, EventPanelUpdate, []byte(`1`))
	p.enqueue(c, EventPanelUpdate, []byte(`2`))
	p.enqueue(c, EventPanelUpdate, []byte(`3`))

	require.Len(t, c.outbound, 2)
	first := <-c.outbound
	assert.Equal(t, `2`, string(first.data))
}

func TestResyncIncludesPanelHashesAndSnapshot(t *testing.T) {
	p := testPublisher()
	p.PublishPanel("system", map[string]interface{}{"a": 1}, false)

	out := p.Resync()
	hashes, ok := out["panel_hashes"].(map[string]string)
	require.True(t, ok)
	assert.Contains(t, hashes, "system")
	assert.Contains(t, out, "snapshot")
}
