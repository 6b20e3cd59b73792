// Package relay fans normalized market events and desk state out to
// downstream websocket subscribers, replaying cached state to late joiners.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pmdata/relayd/internal/metrics"
	"github.com/pmdata/relayd/internal/model"
)

// Config controls the relay hub.
type Config struct {
	// Addr is the listen address for the websocket endpoints.
	Addr string

	// SweepInterval is how often liveness is probed. A subscriber that
	// fails to answer one full probe cycle is dropped on the next sweep.
	SweepInterval time.Duration

	// ProducerGrace is the window after connect during which a desk
	// connection that sends state messages is classified as a producer
	// even without an explicit register handshake.
	ProducerGrace time.Duration

	// WriteTimeout bounds a single write to a subscriber.
	WriteTimeout time.Duration
}

// DefaultConfig returns hub settings suitable for most deployments.
func DefaultConfig() Config {
	return Config{
		Addr:          ":8700",
		SweepInterval: 30 * time.Second,
		ProducerGrace: 5 * time.Second,
		WriteTimeout:  10 * time.Second,
	}
}

// channel groups the subscribers of one endpoint with its replay cache.
type channel struct {
	name      string
	subs      map[uuid.UUID]*subscriber
	cache     *StateCache
	producers int
}

// Hub accepts websocket subscribers on the market and desk channels,
// broadcasts live events, and maintains the cached state replayed to
// late joiners. It implements book.EventSink for the market channel.
type Hub struct {
	cfg      Config
	logger   *slog.Logger
	counters *metrics.Counters
	upgrader websocket.Upgrader
	server   *http.Server

	mu    sync.Mutex
	chans map[string]*channel

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHub creates a hub. Call Start to begin serving.
func NewHub(cfg Config, counters *metrics.Counters, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		cfg:      cfg,
		logger:   logger.With("component", "relay"),
		counters: counters,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		chans: map[string]*channel{
			ChannelMarket: {name: ChannelMarket, subs: make(map[uuid.UUID]*subscriber), cache: NewStateCache()},
			ChannelDesk:   {name: ChannelDesk, subs: make(map[uuid.UUID]*subscriber), cache: NewStateCache()},
		},
	}
}

// Start begins accepting subscribers and running the liveness sweep.
func (h *Hub) Start(ctx context.Context) error {
	h.ctx, h.cancel = context.WithCancel(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/market", h.handleWS(ChannelMarket))
	mux.HandleFunc("/ws/desk", h.handleWS(ChannelDesk))
	h.server = &http.Server{Addr: h.cfg.Addr, Handler: mux}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.logger.Info("relay listening", "addr", h.cfg.Addr)
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("relay server failed", "error", err)
		}
	}()

	h.wg.Add(1)
	go h.sweepLoop()
	return nil
}

// Stop shuts the server down and closes every subscriber connection.
func (h *Hub) Stop(ctx context.Context) error {
	if h.cancel != nil {
		h.cancel()
	}
	var err error
	if h.server != nil {
		err = h.server.Shutdown(ctx)
	}
	h.mu.Lock()
	for _, ch := range h.chans {
		for _, sub := range ch.subs {
			sub.conn.Close()
		}
		ch.subs = make(map[uuid.UUID]*subscriber)
		ch.producers = 0
	}
	h.mu.Unlock()
	h.wg.Wait()
	h.logger.Info("relay stopped")
	return err
}

// HandleEvent broadcasts a normalized market event to the market channel.
func (h *Hub) HandleEvent(ev model.NormalizedEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to encode event", "error", err)
		return
	}
	h.broadcast(ChannelMarket, Message{Type: string(ev.Kind), Data: data})
}

// Stats reports the hub's current fan-out state.
type Stats struct {
	MarketSubscribers int
	DeskSubscribers   int
	Producers         int
	CachedOrders      int
}

func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	desk := h.chans[ChannelDesk]
	return Stats{
		MarketSubscribers: len(h.chans[ChannelMarket].subs),
		DeskSubscribers:   len(desk.subs),
		Producers:         desk.producers,
		CachedOrders:      desk.cache.OrderCount(),
	}
}

func (h *Hub) handleWS(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Warn("websocket upgrade failed", "channel", name, "error", err)
			return
		}
		h.join(name, conn)
	}
}

// join registers a new subscriber and replays cached state to it before
// it sees any live broadcast. The replay snapshot and registration happen
// under the hub lock; the replay itself is written while holding only the
// subscriber's write mutex, so live broadcasts issued after registration
// queue behind it on that mutex instead of stalling the whole hub.
func (h *Hub) join(name string, conn *websocket.Conn) {
	sub := &subscriber{
		id:       uuid.New(),
		conn:     conn,
		channel:  name,
		joinedAt: time.Now(),
		alive:    true,
	}
	conn.SetPongHandler(func(string) error {
		h.markAlive(sub)
		return nil
	})

	h.mu.Lock()
	ch := h.chans[name]
	replay := ch.cache.Replay()
	sub.writeMu.Lock()
	ch.subs[sub.id] = sub
	h.mu.Unlock()

	for _, msg := range replay {
		if err := sub.sendLocked(msg, h.cfg.WriteTimeout); err != nil {
			sub.writeMu.Unlock()
			h.logger.Warn("replay failed, dropping subscriber", "channel", name, "subscriber", sub.id, "error", err)
			h.remove(sub, "replay write failed")
			return
		}
	}
	sub.writeMu.Unlock()

	h.logger.Info("subscriber joined", "channel", name, "subscriber", sub.id, "replayed", len(replay))

	h.wg.Add(1)
	go h.readLoop(sub)
}

// readLoop is the only reader for a subscriber connection. Inbound
// messages never advance liveness; only heartbeats do.
func (h *Hub) readLoop(sub *subscriber) {
	defer h.wg.Done()
	for {
		_, data, err := sub.conn.ReadMessage()
		if err != nil {
			h.remove(sub, "connection closed")
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			h.counters.ParseErrors.Add(1)
			continue
		}
		switch msg.Type {
		case TypePing:
			h.markAlive(sub)
			if err := sub.send(Message{Type: TypePong}, h.cfg.WriteTimeout); err != nil {
				h.remove(sub, "pong write failed")
				return
			}
		case TypeRegister:
			// Producers exist only on the trusted desk channel. A
			// register from the public market channel is ignored.
			if sub.channel != ChannelDesk {
				h.logger.Warn("register ignored on public channel", "channel", sub.channel, "subscriber", sub.id)
				continue
			}
			var reg registerPayload
			if err := json.Unmarshal(msg.Data, &reg); err == nil && reg.Role == "producer" {
				h.classifyProducer(sub)
			}
		case TypeInstrument, TypeOrderPlaced, TypeOrderFilled, TypeOrderCancelled, TypePosition, TypeLine:
			h.applyState(sub, msg)
		default:
			// Unknown types are ignored so protocol additions do not
			// break older hubs.
		}
	}
}

func (h *Hub) markAlive(sub *subscriber) {
	h.mu.Lock()
	sub.alive = true
	h.mu.Unlock()
}

func (h *Hub) classifyProducer(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.producer {
		return
	}
	sub.producer = true
	h.chans[sub.channel].producers++
	h.logger.Info("producer registered", "channel", sub.channel, "subscriber", sub.id)
}

// applyState mutates the desk cache per a producer's state message and
// rebroadcasts it. Instrument identity changes reset both channels.
func (h *Hub) applyState(sub *subscriber, msg Message) {
	if sub.channel != ChannelDesk {
		return
	}
	if !sub.producer {
		// A fresh connection sending state inside the grace window is
		// treated as a producer that skipped the handshake.
		if time.Since(sub.joinedAt) > h.cfg.ProducerGrace {
			h.logger.Warn("state message from non-producer ignored", "subscriber", sub.id, "type", msg.Type)
			return
		}
		h.classifyProducer(sub)
	}

	h.mu.Lock()
	desk := h.chans[ChannelDesk]
	market := h.chans[ChannelMarket]
	toMarket := false
	switch msg.Type {
	case TypeInstrument:
		var p instrumentPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil || p.ID == "" {
			h.mu.Unlock()
			h.counters.ParseErrors.Add(1)
			return
		}
		if desk.cache.SetInstrument(p.ID, msg.Data) {
			h.logger.Info("instrument switched, clearing cached state", "instrument", p.ID)
		}
		market.cache.SetInstrument(p.ID, msg.Data)
		toMarket = true
	case TypeOrderPlaced:
		id, ok := orderID(msg)
		if !ok {
			h.mu.Unlock()
			h.counters.ParseErrors.Add(1)
			return
		}
		desk.cache.UpsertOrder(id, msg.Data)
	case TypeOrderFilled, TypeOrderCancelled:
		id, ok := orderID(msg)
		if !ok {
			h.mu.Unlock()
			h.counters.ParseErrors.Add(1)
			return
		}
		if !desk.cache.DeleteOrder(id) {
			h.counters.DesyncWarnings.Add(1)
			h.logger.Warn("terminal event for unknown order", "order", id, "type", msg.Type)
		}
	case TypePosition:
		desk.cache.SetPosition(msg.Data)
	case TypeLine:
		desk.cache.SetLines(msg.Data)
	}
	h.mu.Unlock()

	h.broadcast(ChannelDesk, msg)
	if toMarket {
		h.broadcast(ChannelMarket, msg)
	}
}

func orderID(msg Message) (string, bool) {
	var p orderPayload
	if err := json.Unmarshal(msg.Data, &p); err != nil || p.OrderID == "" {
		return "", false
	}
	return p.OrderID, true
}

// broadcast sends msg to every subscriber on the channel. Write failures
// are logged only; unreachable subscribers are pruned by the sweep.
func (h *Hub) broadcast(name string, msg Message) {
	h.mu.Lock()
	ch := h.chans[name]
	targets := make([]*subscriber, 0, len(ch.subs))
	for _, sub := range ch.subs {
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	h.counters.EventsBroadcast.Add(1)
	for _, sub := range targets {
		if err := sub.send(msg, h.cfg.WriteTimeout); err != nil {
			h.logger.Debug("broadcast write failed", "channel", name, "subscriber", sub.id, "error", err)
		}
	}
}

// remove unregisters a subscriber and closes its connection. Losing the
// last desk producer clears the desk's volatile cached state.
func (h *Hub) remove(sub *subscriber, reason string) {
	h.mu.Lock()
	ch := h.chans[sub.channel]
	if _, ok := ch.subs[sub.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(ch.subs, sub.id)
	lastProducer := false
	if sub.producer {
		ch.producers--
		lastProducer = sub.channel == ChannelDesk && ch.producers == 0
	}
	if lastProducer {
		h.chans[ChannelDesk].cache.ClearVolatile()
	}
	h.mu.Unlock()

	sub.conn.Close()
	h.logger.Info("subscriber left", "channel", sub.channel, "subscriber", sub.id, "reason", reason)
	if lastProducer {
		h.logger.Warn("last producer disconnected, volatile state cleared")
	}
}

func (h *Hub) sweepLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

// sweep drops subscribers that missed the previous probe cycle, then
// arms the next cycle by resetting liveness and pinging survivors.
func (h *Hub) sweep() {
	h.mu.Lock()
	var doomed, survivors []*subscriber
	for _, ch := range h.chans {
		for _, sub := range ch.subs {
			if sub.alive {
				sub.alive = false
				survivors = append(survivors, sub)
			} else {
				doomed = append(doomed, sub)
			}
		}
	}
	h.mu.Unlock()

	for _, sub := range doomed {
		h.counters.SubscribersDropped.Add(1)
		h.remove(sub, "missed liveness probe")
	}
	for _, sub := range survivors {
		sub.writeMu.Lock()
		deadline := time.Now().Add(h.cfg.WriteTimeout)
		err := sub.conn.WriteControl(websocket.PingMessage, nil, deadline)
		sub.writeMu.Unlock()
		if err != nil {
			h.logger.Debug("probe write failed", "subscriber", sub.id, "error", err)
		}
	}
}

// send writes one message with a deadline, serialized per connection.
func (s *subscriber) send(msg Message, timeout time.Duration) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.sendLocked(msg, timeout)
}

// sendLocked writes one message. The caller must hold writeMu.
func (s *subscriber) sendLocked(msg Message, timeout time.Duration) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", msg.Type, err)
	}
	s.conn.SetWriteDeadline(time.Now().Add(timeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}
