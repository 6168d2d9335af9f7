// Package sse implements the server-sent-events publisher: a
// per-connection bounded outbound queue, hello/full_snapshot/diff/
// heartbeat/bye framing, and structured diff events. The connection
// shape (http.Flusher, r.Context().Done() for disconnect detection, a
// heartbeat ticker racing the event channel in a select loop) mirrors
// a typical long-lived SSE handler.
package sse

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/g6/collector/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EventType is one of the SSE frame types on the wire.
type EventType string

const (
	EventHello            EventType = "hello"
	EventFullSnapshot     EventType = "full_snapshot"
	EventPanelUpdate      EventType = "panel_update"
	EventPanelDiff        EventType = "panel_diff"
	EventStructuredUpdate EventType = "panel_update_structured"
	EventHeartbeat        EventType = "heartbeat"
	EventBye              EventType = "bye"
)

// Client is one connected SSE consumer.
type Client struct {
	ID          string
	RequestID   string
	IP          string
	ConnectedAt time.Time
	lastEventAt time.Time

	outbound chan frame
	done     chan struct{}
}

type frame struct {
	event EventType
	data  []byte
}

const outboundQueueSize = 64

// Publisher owns the client list exclusively and fans panel updates out
// to every connected client.
type Publisher struct {
	mu             sync.RWMutex
	clients        map[string]*Client
	heartbeatEvery time.Duration
	structMax      int
	reg            *metrics.Registry
	bundle         *metrics.Bundle
	log            zerolog.Logger

	panelHashes map[string]string
	panelBodies map[string][]byte
	snapshot    func() map[string]interface{}
}

func NewPublisher(heartbeatEvery time.Duration, structMax int, reg *metrics.Registry, bundle *metrics.Bundle, log zerolog.Logger, snapshot func() map[string]interface{}) *Publisher {
	return &Publisher{
		clients:        make(map[string]*Client),
		heartbeatEvery: heartbeatEvery,
		structMax:      structMax,
		reg:            reg,
		bundle:         bundle,
		log:            log.With().Str("component", "sse.publisher").Logger(),
		panelHashes:    make(map[string]string),
		panelBodies:    make(map[string][]byte),
		snapshot:       snapshot,
	}
}

// ServeHTTP upgrades the request to an SSE stream. Auth, rate-limit,
// and UA-allowlist checks happen in internal/httpapi middleware before
// this handler runs.
func (p *Publisher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	reqID := r.Header.Get("X-Request-ID")
	if reqID == "" {
		reqID = uuid.NewString()
	}
	w.Header().Set("X-Request-ID", reqID)

	client := &Client{
		ID:          uuid.NewString(),
		RequestID:   reqID,
		IP:          r.RemoteAddr,
		ConnectedAt: time.Now(),
		outbound:    make(chan frame, outboundQueueSize),
		done:        make(chan struct{}),
	}
	p.register(client)
	defer p.unregister(client)

	p.sendHello(client)
	p.sendFullSnapshot(client)

	heartbeat := time.NewTicker(p.heartbeatEvery)
	defer heartbeat.Stop()

	connStart := time.Now()
	for {
		select {
		case <-r.Context().Done():
			p.writeFrame(w, flusher, EventBye, []byte(`{}`))
			p.recordConnectionDuration(connStart)
			return
		case fr, ok := <-client.outbound:
			if !ok {
				return
			}
			if !p.writeFrame(w, flusher, fr.event, fr.data) {
				p.recordConnectionDuration(connStart)
				return
			}
			client.lastEventAt = time.Now()
		case <-heartbeat.C:
			if time.Since(client.lastEventAt) >= p.heartbeatEvery {
				p.writeFrame(w, flusher, EventHeartbeat, []byte(`{}`))
			}
		}
	}
}

func (p *Publisher) writeFrame(w http.ResponseWriter, flusher http.Flusher, event EventType, data []byte) bool {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	if err != nil {
		return false
	}
	flusher.Flush()
	if p.reg != nil && p.bundle != nil {
		p.reg.Observe(p.bundle.SSEEventSizeBytes, map[string]string{"type": string(event)}, float64(len(data)))
	}
	return true
}

func (p *Publisher) register(c *Client) {
	p.mu.Lock()
	p.clients[c.ID] = c
	p.mu.Unlock()
	if p.reg != nil && p.bundle != nil {
		p.reg.Set(p.bundle.SSEActiveConnections, nil, float64(p.activeCount()))
		p.reg.Inc(p.bundle.SSEConnectionsTotal, map[string]string{"result": "accepted"}, 1)
	}
}

func (p *Publisher) unregister(c *Client) {
	p.mu.Lock()
	delete(p.clients, c.ID)
	p.mu.Unlock()
	close(c.done)
	if p.reg != nil && p.bundle != nil {
		p.reg.Set(p.bundle.SSEActiveConnections, nil, float64(p.activeCount()))
	}
}

func (p *Publisher) activeCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.clients)
}

func (p *Publisher) recordConnectionDuration(start time.Time) {
	if p.reg != nil && p.bundle != nil {
		p.reg.Observe(p.bundle.SSEConnectionDuration, nil, time.Since(start).Seconds())
	}
}

func (p *Publisher) sendHello(c *Client) {
	p.mu.RLock()
	hashes := make(map[string]string, len(p.panelHashes))
	for k, v := range p.panelHashes {
		hashes[k] = v
	}
	p.mu.RUnlock()

	data, _ := json.Marshal(map[string]interface{}{
		"schema_version": 1,
		"panel_hashes":   hashes,
	})
	p.enqueue(c, EventHello, data)
}

func (p *Publisher) sendFullSnapshot(c *Client) {
	if p.snapshot == nil {
		return
	}
	data, _ := json.Marshal(p.snapshot())
	p.enqueue(c, EventFullSnapshot, data)
}

func (p *Publisher) enqueue(c *Client, event EventType, data []byte) {
	select {
	case c.outbound <- frame{event: event, data: data}:
	default:
		// full queue: drop the oldest frame to make room rather than
		// blocking the broadcaster on one slow client.
		select {
		case <-c.outbound:
			if p.reg != nil && p.bundle != nil {
				p.reg.Inc(p.bundle.SSEDroppedEvents, nil, 1)
			}
		default:
		}
		select {
		case c.outbound <- frame{event: event, data: data}:
		default:
		}
	}
}

// Resync returns the current full snapshot plus panel hashes for
// GET /summary/resync.
func (p *Publisher) Resync() map[string]interface{} {
	if p.reg != nil && p.bundle != nil {
		p.reg.Inc(p.bundle.SSEResyncRequests, nil, 1)
	}
	p.mu.RLock()
	hashes := make(map[string]string, len(p.panelHashes))
	for k, v := range p.panelHashes {
		hashes[k] = v
	}
	p.mu.RUnlock()
	out := map[string]interface{}{"panel_hashes": hashes}
	if p.snapshot != nil {
		out["snapshot"] = p.snapshot()
	}
	return out
}

// PublishPanel diffs panel's new JSON against the last committed body
// and broadcasts panel_update, panel_diff, or panel_update_structured
// depending on whether this is the panel's first publish, the caller
// asked for the structured schema, and how many lines actually moved.
func (p *Publisher) PublishPanel(panel string, payload interface{}, structured bool) {
	start := time.Now()
	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Warn().Err(err).Str("panel", panel).Msg("failed to marshal panel for SSE broadcast")
		return
	}
	hash := sha256Hex(data)

	p.mu.Lock()
	prevHash, existed := p.panelHashes[panel]
	prevBody := p.panelBodies[panel]
	p.panelHashes[panel] = hash
	p.panelBodies[panel] = data
	p.mu.Unlock()

	if existed && prevHash == hash {
		return
	}

	event := EventPanelUpdate
	body := data
	if existed {
		added, removed, changedLines, total := lineDiff(prevBody, data)
		changes := len(added) + len(removed) + len(changedLines)
		switch {
		case structured && changes <= p.structMax:
			event = EventStructuredUpdate
			body, _ = json.Marshal(structuredDiff{Panel: panel, Hash: hash, Added: added, Removed: removed, ChangedLines: changedLines, TotalLines: total})
			if p.reg != nil && p.bundle != nil {
				p.reg.Inc(p.bundle.SSEStructuredUpdates, nil, 1)
			}
		case !structured && changes <= p.structMax:
			event = EventPanelDiff
			body, _ = json.Marshal(panelDiff{Panel: panel, Hash: hash, Added: added, Removed: removed, TotalLines: total})
		}
	}

	p.broadcast(event, body)

	if p.reg != nil && p.bundle != nil {
		p.reg.Observe(p.bundle.SSEPanelUpdateLatency, map[string]string{"panel": panel}, time.Since(start).Seconds())
	}
}

func (p *Publisher) broadcast(event EventType, data []byte) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, c := range p.clients {
		p.enqueue(c, event, data)
	}
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
