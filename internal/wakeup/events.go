package wakeup

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ycxom/voicegate/pkg/verify"
)

// EventType enumerates the runtime events published by the orchestrator.
type EventType string

const (
	// EventUtterance is emitted for every segmented utterance, before the
	// drop policy is applied.
	EventUtterance EventType = "utterance_captured"

	// EventVerification is emitted when speaker verification completes.
	EventVerification EventType = "verification_completed"

	// EventWakeScore is emitted with the wake-word DTW similarity.
	EventWakeScore EventType = "wake_word_score"

	// EventWake is emitted for a positive wake decision.
	EventWake EventType = "wake"

	// EventTranscript is emitted after post-wake transcript confirmation.
	EventTranscript EventType = "transcript_confirmed"
)

// Event is one runtime pipeline event. Serialized as JSON on the websocket
// stream.
type Event struct {
	Type     EventType      `json:"type"`
	Time     time.Time      `json:"time"`
	Bytes    int            `json:"bytes,omitempty"`
	Duration float64        `json:"duration_seconds,omitempty"`
	Score    float64        `json:"score,omitempty"`
	Text     string         `json:"text,omitempty"`
	Result   *verify.Result `json:"result,omitempty"`
}

// writeTimeout bounds a single event write so one stalled client cannot
// back up the publish path.
const writeTimeout = 2 * time.Second

// Publisher fans runtime events out to connected websocket clients. It
// implements [EventSink] and [http.Handler]; mount it on a mux and pass it to
// the orchestrator via [WithEventSink].
//
// Slow or dead clients are disconnected rather than buffered indefinitely.
type Publisher struct {
	log *slog.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
	closed  bool
}

// NewPublisher creates an empty Publisher.
func NewPublisher(log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{
		log:     log,
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// ServeHTTP upgrades the request to a websocket and registers the client for
// event delivery. The connection stays open until the client disconnects or
// the publisher closes.
func (p *Publisher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		p.log.Warn("event client accept failed", "err", err)
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	p.clients[conn] = struct{}{}
	n := len(p.clients)
	p.mu.Unlock()

	p.log.Debug("event client connected", "clients", n)

	// Drain reads so pings and close frames are processed; clients send no
	// application data.
	ctx := r.Context()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			break
		}
	}

	p.mu.Lock()
	delete(p.clients, conn)
	p.mu.Unlock()
	conn.Close(websocket.StatusNormalClosure, "")
	p.log.Debug("event client disconnected")
}

// Publish implements [EventSink]. Delivery is best-effort: marshal failures
// are logged, write failures drop the client.
func (p *Publisher) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		p.log.Warn("event marshal failed", "type", ev.Type, "err", err)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for conn := range p.clients {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			delete(p.clients, conn)
			conn.Close(websocket.StatusPolicyViolation, "write timeout")
			p.log.Debug("event client dropped", "err", err)
		}
	}
}

// Close disconnects all clients. The publisher cannot be reused afterwards.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for conn := range p.clients {
		conn.Close(websocket.StatusGoingAway, "shutting down")
		delete(p.clients, conn)
	}
	return nil
}
