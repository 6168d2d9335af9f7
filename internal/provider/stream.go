package provider

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// LiveQuoteStream is an optional push-based quote feed: an HTTP/1.1-forced
// client (some brokers' load balancers break the websocket upgrade
// handshake under HTTP/2 ALPN negotiation), a subscribe-on-connect
// handshake, a read loop in its own goroutine, and an exponential-backoff
// reconnect loop. The pipeline's enrich phase prefers LiveQuoteStream.Get
// over a REST round trip when the stream is connected and the symbol is
// cached.
type LiveQuoteStream struct {
	url      string
	log      zerolog.Logger
	httpc    *http.Client

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	cache     map[string]cachedQuote
	stopCh    chan struct{}
	stopped   bool
}

type cachedQuote struct {
	price     float64
	updatedAt time.Time
}

const (
	writeWait            = 5 * time.Second
	staleAfter           = 30 * time.Second
	maxReconnectDelay    = 5 * time.Minute
	maxReconnectAttempts = 10
)

// createHTTP1Client forces HTTP/1.1 at the TLS layer so the websocket
// upgrade request is never negotiated as an HTTP/2 stream.
func createHTTP1Client() *http.Client {
	return &http.Client{
		Timeout: 15 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{NextProtos: []string{"http/1.1"}},
			DialContext:     (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
		},
	}
}

func NewLiveQuoteStream(url string, log zerolog.Logger) *LiveQuoteStream {
	return &LiveQuoteStream{
		url:    url,
		log:    log.With().Str("component", "provider.stream").Logger(),
		httpc:  createHTTP1Client(),
		cache:  make(map[string]cachedQuote),
		stopCh: make(chan struct{}),
	}
}

func (s *LiveQuoteStream) Start(ctx context.Context) error {
	if err := s.connect(ctx); err != nil {
		return err
	}
	go s.readLoop(ctx)
	return nil
}

func (s *LiveQuoteStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.stopCh)
	if s.conn != nil {
		s.conn.Close(websocket.StatusNormalClosure, "")
		s.conn = nil
	}
	s.connected = false
}

func (s *LiveQuoteStream) connect(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, s.url, &websocket.DialOptions{HTTPClient: s.httpc})
	if err != nil {
		return fmt.Errorf("%w: dial: %v", ErrNetwork, err)
	}
	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.mu.Unlock()

	subCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()
	msg, _ := json.Marshal([]string{"quotes"})
	if err := conn.Write(subCtx, websocket.MessageText, msg); err != nil {
		return fmt.Errorf("%w: subscribe: %v", ErrNetwork, err)
	}
	s.log.Info().Msg("live quote stream connected")
	return nil
}

func (s *LiveQuoteStream) readLoop(ctx context.Context) {
	defer func() {
		s.mu.RLock()
		stopped := s.stopped
		s.mu.RUnlock()
		if !stopped {
			go s.reconnectLoop(ctx)
		}
	}()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()
		if conn == nil {
			return
		}

		_, message, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn().Err(err).Msg("live quote stream read error")
			return
		}
		if err := s.handleMessage(message); err != nil {
			s.log.Debug().Err(err).Msg("dropping malformed stream message")
		}
	}
}

func (s *LiveQuoteStream) handleMessage(raw []byte) error {
	var batch map[string]float64
	if err := json.Unmarshal(raw, &batch); err != nil {
		return err
	}
	now := time.Now().UTC()
	s.mu.Lock()
	for symbol, price := range batch {
		s.cache[symbol] = cachedQuote{price: price, updatedAt: now}
	}
	s.mu.Unlock()
	return nil
}

func (s *LiveQuoteStream) reconnectLoop(ctx context.Context) {
	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(calculateBackoff(attempt)):
		}

		if err := s.connect(ctx); err != nil {
			s.log.Warn().Int("attempt", attempt).Err(err).Msg("live quote stream reconnect failed")
			continue
		}
		go s.readLoop(ctx)
		return
	}
	s.log.Error().Int("attempts", maxReconnectAttempts).Msg("live quote stream giving up reconnecting")
}

func calculateBackoff(attempt int) time.Duration {
	delay := time.Second * time.Duration(math.Pow(2, float64(attempt)))
	if delay > maxReconnectDelay {
		delay = maxReconnectDelay
	}
	return delay
}

// Get returns a cached live price for symbol if the stream holds one
// fresher than staleAfter.
func (s *LiveQuoteStream) Get(symbol string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.cache[symbol]
	if !ok || time.Since(q.updatedAt) > staleAfter {
		return 0, false
	}
	return q.price, true
}

func (s *LiveQuoteStream) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}
