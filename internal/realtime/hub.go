// Package realtime pushes live queue snapshots to WebSocket subscribers of a
// business and date.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"k8s.io/utils/clock"

	"web-eq/models"
	"web-eq/monitoring"
)

const (
	TypeInitialState = "initial_state"
	TypeQueueUpdate  = "queue_update"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeRefresh      = "refresh"
)

const outboxSize = 16

var (
	errOutboxFull      = errors.New("subscriber outbox full")
	errPingUnanswered = errors.New("keep-alive ping unanswered")
)

type Envelope struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SnapshotFunc builds the business-wide state pushed to subscribers.
type SnapshotFunc func(ctx context.Context, businessID, date string) (*models.BusinessState, error)

// Conn is the part of a WebSocket connection the hub uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v any) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type HubOptions struct {
	KeepAlive time.Duration
	WriteWait time.Duration
	Clock     clock.WithTicker
	Location  *time.Location
	Publisher Publisher
	Monitor   *monitoring.Monitor
}

type subscriber struct {
	id         string
	businessID string
	date       string
	conn       Conn

	outbox     chan Envelope
	lastSeen   atomic.Int64
	pingSentAt atomic.Int64 // zero when no ping is awaiting an answer
	done       chan struct{}
	closeOnce  sync.Once
}

func (s *subscriber) key() string {
	return subscriptionKey(s.businessID, s.date)
}

type Hub struct {
	snapshot  SnapshotFunc
	keepAlive time.Duration
	writeWait time.Duration
	clock     clock.WithTicker
	loc       *time.Location
	publisher Publisher
	monitor   *monitoring.Monitor
	upgrader  websocket.Upgrader

	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{}
}

func NewHub(snapshot SnapshotFunc, opts HubOptions) *Hub {
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 30 * time.Second
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = 10 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Hub{
		snapshot:  snapshot,
		keepAlive: opts.KeepAlive,
		writeWait: opts.WriteWait,
		clock:     opts.Clock,
		loc:       opts.Location,
		publisher: opts.Publisher,
		monitor:   opts.Monitor,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		subs: make(map[string]map[*subscriber]struct{}),
	}
}

func subscriptionKey(businessID, date string) string {
	return businessID + "|" + date
}

func (h *Hub) envelope(messageType string, data any) Envelope {
	return Envelope{Type: messageType, Data: data, Timestamp: h.clock.Now().In(h.loc)}
}

// Serve upgrades the request and streams snapshots for businessID and date
// until the peer goes away. A malformed date is closed with 1003.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, businessID, date string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	if _, err := time.Parse(models.DateLayout, date); err != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseUnsupportedData, "invalid date format, expected YYYY-MM-DD")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		return conn.Close()
	}

	h.Attach(r.Context(), conn, businessID, date)
	return nil
}

// Attach registers conn, sends the initial snapshot and serves client
// messages until a read fails.
func (h *Hub) Attach(ctx context.Context, conn Conn, businessID, date string) {
	sub := &subscriber{
		id:         uuid.NewString(),
		businessID: businessID,
		date:       date,
		conn:       conn,
		outbox:     make(chan Envelope, outboxSize),
		done:       make(chan struct{}),
	}
	sub.lastSeen.Store(h.clock.Now().UnixNano())

	h.add(sub)
	defer h.remove(sub)
	go h.writeLoop(sub)

	state, err := h.snapshot(ctx, businessID, date)
	if err != nil {
		slog.Error("Failed to build initial queue state", "error", err, "business_id", businessID, "date", date)
	} else if !h.send(sub, h.envelope(TypeInitialState, state)) {
		return
	}

	go h.keepAliveLoop(sub)
	h.readLoop(ctx, sub)
}

func (h *Hub) readLoop(ctx context.Context, sub *subscriber) {
	for {
		_, data, err := sub.conn.ReadMessage()
		if err != nil {
			return
		}
		sub.lastSeen.Store(h.clock.Now().UnixNano())
		sub.pingSentAt.Store(0)

		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case TypeRefresh:
			if err := h.Notify(ctx, sub.businessID, sub.date); err != nil {
				slog.Warn("Failed to refresh queue state", "error", err, "business_id", sub.businessID, "date", sub.date)
			}
		case TypePing:
			if !h.send(sub, h.envelope(TypePong, nil)) {
				return
			}
		}
	}
}

func (h *Hub) keepAliveLoop(sub *subscriber) {
	ticker := h.clock.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-sub.done:
			return
		case <-ticker.C():
			idle := h.clock.Since(time.Unix(0, sub.lastSeen.Load()))
			if idle < h.keepAlive {
				continue
			}
			sub.pingSentAt.CompareAndSwap(0, h.clock.Now().UnixNano())
			if !h.send(sub, h.envelope(TypePing, nil)) {
				return
			}
		}
	}
}

// Notify recomputes the snapshot of businessID and date and pushes it to
// every subscriber, mirroring it to the publisher when one is set. It does
// not wait for subscriber writes.
func (h *Hub) Notify(ctx context.Context, businessID, date string) error {
	subs := h.subscribers(subscriptionKey(businessID, date))
	if len(subs) == 0 && h.publisher == nil {
		return nil
	}

	state, err := h.snapshot(ctx, businessID, date)
	if err != nil {
		return err
	}
	env := h.envelope(TypeQueueUpdate, state)

	for _, sub := range subs {
		h.send(sub, env)
	}

	if h.publisher != nil {
		if err := h.publisher.Publish(ctx, ChannelName(businessID, date), env); err != nil {
			h.monitor.TrackBroadcast(TypeQueueUpdate, "mirror_failed")
			slog.Warn("Failed to mirror queue update", "error", err, "business_id", businessID, "date", date)
		}
	}
	return nil
}

// send queues env for sub. A subscriber that left a ping unanswered for a
// keep-alive window, or whose outbox is full, is pruned instead.
func (h *Hub) send(sub *subscriber, env Envelope) bool {
	if sent := sub.pingSentAt.Load(); sent != 0 && h.clock.Since(time.Unix(0, sent)) >= h.keepAlive {
		h.prune(sub, env.Type, errPingUnanswered)
		return false
	}

	select {
	case <-sub.done:
		return false
	default:
	}

	select {
	case sub.outbox <- env:
		return true
	default:
		h.prune(sub, env.Type, errOutboxFull)
		return false
	}
}

// writeLoop is the only writer of sub.conn. Network deadlines run on the
// wall clock.
func (h *Hub) writeLoop(sub *subscriber) {
	for {
		select {
		case <-sub.done:
			return
		case env := <-sub.outbox:
			if err := sub.conn.SetWriteDeadline(time.Now().Add(h.writeWait)); err != nil {
				h.prune(sub, env.Type, err)
				return
			}
			if err := sub.conn.WriteJSON(env); err != nil {
				h.prune(sub, env.Type, err)
				return
			}
			h.monitor.TrackBroadcast(env.Type, "sent")
		}
	}
}

func (h *Hub) prune(sub *subscriber, msgType string, err error) {
	h.monitor.TrackBroadcast(msgType, "pruned")
	slog.Debug("Pruning subscriber after failed send", "error", err, "subscriber", sub.id, "type", msgType)
	h.remove(sub)
}

func (h *Hub) add(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.subs[sub.key()]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[sub.key()] = set
	}
	set[sub] = struct{}{}
	h.monitor.SubscriberConnected()
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	set, ok := h.subs[sub.key()]
	_, member := set[sub]
	if ok && member {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.key())
		}
		h.monitor.SubscriberGone()
	}
	h.mu.Unlock()

	sub.closeOnce.Do(func() {
		close(sub.done)
		_ = sub.conn.Close()
	})
}

func (h *Hub) subscribers(key string) []*subscriber {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*subscriber, 0, len(h.subs[key]))
	for sub := range h.subs[key] {
		out = append(out, sub)
	}
	return out
}

// Count is the number of subscribers of businessID and date.
func (h *Hub) Count(businessID, date string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[subscriptionKey(businessID, date)])
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.RLock()
	var all []*subscriber
	for _, set := range h.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range all {
		h.remove(sub)
	}
}
