package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pmdata/relayd/internal/metrics"
	"github.com/pmdata/relayd/internal/model"
)

func newTestHub(t *testing.T, cfg Config) (*Hub, *httptest.Server) {
	t.Helper()
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = time.Second
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Hour
	}
	h := NewHub(cfg, metrics.New(), nil)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/market", h.handleWS(ChannelMarket))
	mux.HandleFunc("/ws/desk", h.handleWS(ChannelDesk))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return h, srv
}

func dialChannel(t *testing.T, srv *httptest.Server, channel string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + channel
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", channel, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendMsg(t *testing.T, conn *websocket.Conn, typ, data string) {
	t.Helper()
	if err := conn.WriteJSON(Message{Type: typ, Data: raw(data)}); err != nil {
		t.Fatalf("send %s: %v", typ, err)
	}
}

func readMsg(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func register(t *testing.T, h *Hub, conn *websocket.Conn) {
	t.Helper()
	sendMsg(t, conn, TypeRegister, `{"role":"producer"}`)
	waitUntil(t, func() bool { return h.Stats().Producers == 1 }, "producer never classified")
}

func TestHub_MarketBroadcast(t *testing.T) {
	h, srv := newTestHub(t, Config{})
	client := dialChannel(t, srv, ChannelMarket)
	waitUntil(t, func() bool { return h.Stats().MarketSubscribers == 1 }, "subscriber never joined")

	h.HandleEvent(model.NormalizedEvent{
		Kind:    model.KindBook,
		TokenID: "tok-yes",
		Book:    &model.BookPayload{BestBid: 0.45, BestAsk: 0.55},
	})

	msg := readMsg(t, client)
	if msg.Type != TypeBook {
		t.Fatalf("Type = %s, want %s", msg.Type, TypeBook)
	}
	var ev model.NormalizedEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.TokenID != "tok-yes" || ev.Book.BestBid != 0.45 {
		t.Errorf("event = %+v", ev)
	}
}

func TestHub_DeskStateFanOutAndReplay(t *testing.T) {
	h, srv := newTestHub(t, Config{})

	producer := dialChannel(t, srv, ChannelDesk)
	register(t, h, producer)

	sendMsg(t, producer, TypeInstrument, `{"id":"mkt-1"}`)
	sendMsg(t, producer, TypeOrderPlaced, `{"order_id":"ord-1"}`)
	sendMsg(t, producer, TypeOrderPlaced, `{"order_id":"ord-2"}`)
	sendMsg(t, producer, TypeOrderPlaced, `{"order_id":"ord-3"}`)
	sendMsg(t, producer, TypePosition, `{"size":10}`)
	waitUntil(t, func() bool { return h.Stats().CachedOrders == 3 }, "orders never cached")

	// A late joiner receives the cached state in the fixed order before
	// anything live.
	joiner := dialChannel(t, srv, ChannelDesk)
	wantTypes := []string{TypeInstrument, TypeOrderPlaced, TypeOrderPlaced, TypeOrderPlaced, TypePosition}
	for i, want := range wantTypes {
		msg := readMsg(t, joiner)
		if msg.Type != want {
			t.Fatalf("replay[%d].Type = %s, want %s", i, msg.Type, want)
		}
	}

	// Live messages follow the replay.
	sendMsg(t, producer, TypeOrderFilled, `{"order_id":"ord-2"}`)
	msg := readMsg(t, joiner)
	if msg.Type != TypeOrderFilled {
		t.Fatalf("live Type = %s, want %s", msg.Type, TypeOrderFilled)
	}
	waitUntil(t, func() bool { return h.Stats().CachedOrders == 2 }, "fill never applied")
}

func TestHub_UnknownFillIsDesync(t *testing.T) {
	h, srv := newTestHub(t, Config{})
	producer := dialChannel(t, srv, ChannelDesk)
	register(t, h, producer)

	sendMsg(t, producer, TypeOrderPlaced, `{"order_id":"ord-1"}`)
	waitUntil(t, func() bool { return h.Stats().CachedOrders == 1 }, "order never cached")

	sendMsg(t, producer, TypeOrderFilled, `{"order_id":"ord-404"}`)
	waitUntil(t, func() bool { return h.counters.DesyncWarnings.Load() == 1 }, "desync never counted")

	if got := h.Stats().CachedOrders; got != 1 {
		t.Errorf("CachedOrders = %d, want 1 (cache unchanged)", got)
	}
}

func TestHub_InstrumentSwitchClearsCache(t *testing.T) {
	h, srv := newTestHub(t, Config{})
	producer := dialChannel(t, srv, ChannelDesk)
	register(t, h, producer)

	sendMsg(t, producer, TypeInstrument, `{"id":"mkt-1"}`)
	sendMsg(t, producer, TypeOrderPlaced, `{"order_id":"ord-1"}`)
	sendMsg(t, producer, TypePosition, `{"size":10}`)
	waitUntil(t, func() bool { return h.Stats().CachedOrders == 1 }, "order never cached")

	sendMsg(t, producer, TypeInstrument, `{"id":"mkt-2"}`)
	waitUntil(t, func() bool { return h.Stats().CachedOrders == 0 }, "switch never cleared orders")

	joiner := dialChannel(t, srv, ChannelDesk)
	msg := readMsg(t, joiner)
	if msg.Type != TypeInstrument {
		t.Fatalf("replay Type = %s, want instrument only", msg.Type)
	}
	joiner.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	var extra Message
	if err := joiner.ReadJSON(&extra); err == nil {
		t.Errorf("unexpected extra replay message %+v", extra)
	}
}

func TestHub_LastProducerLossClearsVolatileState(t *testing.T) {
	h, srv := newTestHub(t, Config{})
	producer := dialChannel(t, srv, ChannelDesk)
	register(t, h, producer)

	sendMsg(t, producer, TypeInstrument, `{"id":"mkt-1"}`)
	sendMsg(t, producer, TypeOrderPlaced, `{"order_id":"ord-1"}`)
	sendMsg(t, producer, TypePosition, `{"size":10}`)
	sendMsg(t, producer, TypeLine, `{"spread":true}`)
	waitUntil(t, func() bool { return h.Stats().CachedOrders == 1 }, "state never cached")

	producer.Close()
	waitUntil(t, func() bool { return h.Stats().Producers == 0 }, "producer never removed")

	// Position and lines are gone; instrument and orders survive.
	joiner := dialChannel(t, srv, ChannelDesk)
	wantTypes := []string{TypeInstrument, TypeOrderPlaced}
	for i, want := range wantTypes {
		msg := readMsg(t, joiner)
		if msg.Type != want {
			t.Fatalf("replay[%d].Type = %s, want %s", i, msg.Type, want)
		}
	}
	joiner.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	var extra Message
	if err := joiner.ReadJSON(&extra); err == nil {
		t.Errorf("volatile state replayed: %+v", extra)
	}
}

func TestHub_GraceWindowClassification(t *testing.T) {
	h, srv := newTestHub(t, Config{ProducerGrace: time.Minute})
	producer := dialChannel(t, srv, ChannelDesk)

	// No register handshake; a state message inside the grace window
	// classifies the connection.
	sendMsg(t, producer, TypeOrderPlaced, `{"order_id":"ord-1"}`)
	waitUntil(t, func() bool { return h.Stats().Producers == 1 }, "never classified via grace window")
	if got := h.Stats().CachedOrders; got != 1 {
		t.Errorf("CachedOrders = %d, want 1", got)
	}
}

func TestHub_StateFromObserverIgnored(t *testing.T) {
	h, srv := newTestHub(t, Config{ProducerGrace: -time.Second})
	observer := dialChannel(t, srv, ChannelDesk)
	waitUntil(t, func() bool { return h.Stats().DeskSubscribers == 1 }, "observer never joined")

	sendMsg(t, observer, TypeOrderPlaced, `{"order_id":"ord-1"}`)

	// Pings are handled, proving the message above was already consumed.
	sendMsg(t, observer, TypePing, `{}`)
	msg := readMsg(t, observer)
	if msg.Type != TypePong {
		t.Fatalf("Type = %s, want pong", msg.Type)
	}

	if got := h.Stats().CachedOrders; got != 0 {
		t.Errorf("CachedOrders = %d, want 0 (observer state ignored)", got)
	}
	if got := h.Stats().Producers; got != 0 {
		t.Errorf("Producers = %d, want 0", got)
	}
}

func TestHub_PingPong(t *testing.T) {
	h, srv := newTestHub(t, Config{})
	client := dialChannel(t, srv, ChannelMarket)
	waitUntil(t, func() bool { return h.Stats().MarketSubscribers == 1 }, "subscriber never joined")

	sendMsg(t, client, TypePing, `{}`)
	msg := readMsg(t, client)
	if msg.Type != TypePong {
		t.Errorf("Type = %s, want %s", msg.Type, TypePong)
	}
}

func TestHub_SweepDropsSilentSubscribers(t *testing.T) {
	h, srv := newTestHub(t, Config{})
	silent := dialChannel(t, srv, ChannelMarket)
	_ = silent
	chatty := dialChannel(t, srv, ChannelDesk)
	waitUntil(t, func() bool {
		s := h.Stats()
		return s.MarketSubscribers == 1 && s.DeskSubscribers == 1
	}, "subscribers never joined")

	// First sweep arms the cycle: everyone was alive on join, nobody drops.
	h.sweep()
	if got := h.Stats().MarketSubscribers; got != 1 {
		t.Fatalf("MarketSubscribers after first sweep = %d, want 1", got)
	}

	// Only the chatty client heartbeats before the second sweep.
	sendMsg(t, chatty, TypePing, `{}`)
	readMsg(t, chatty)

	h.sweep()
	waitUntil(t, func() bool { return h.Stats().MarketSubscribers == 0 }, "silent subscriber never dropped")
	if got := h.Stats().DeskSubscribers; got != 1 {
		t.Errorf("DeskSubscribers = %d, want 1 (heartbeating client kept)", got)
	}
	if got := h.counters.SubscribersDropped.Load(); got != 1 {
		t.Errorf("SubscribersDropped = %d, want 1", got)
	}
}

func TestHub_OrdinaryTrafficDoesNotAdvanceLiveness(t *testing.T) {
	h, srv := newTestHub(t, Config{ProducerGrace: time.Minute})
	producer := dialChannel(t, srv, ChannelDesk)
	register(t, h, producer)

	h.sweep()

	// A state message is ordinary traffic, not a heartbeat.
	sendMsg(t, producer, TypeOrderPlaced, `{"order_id":"ord-1"}`)
	waitUntil(t, func() bool { return h.Stats().CachedOrders == 1 }, "order never cached")

	h.sweep()
	waitUntil(t, func() bool { return h.Stats().DeskSubscribers == 0 }, "silent producer never dropped")
}

func TestHub_RegisterOnMarketChannelIgnored(t *testing.T) {
	h, srv := newTestHub(t, Config{})

	producer := dialChannel(t, srv, ChannelDesk)
	register(t, h, producer)
	sendMsg(t, producer, TypeInstrument, `{"id":"mkt-1"}`)
	sendMsg(t, producer, TypePosition, `{"size":10}`)
	waitUntil(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.chans[ChannelDesk].cache.position != nil
	}, "position never cached")

	// A public market subscriber claiming the producer role gains nothing.
	outsider := dialChannel(t, srv, ChannelMarket)
	waitUntil(t, func() bool { return h.Stats().MarketSubscribers == 1 }, "market subscriber never joined")
	sendMsg(t, outsider, TypeRegister, `{"role":"producer"}`)
	sendMsg(t, outsider, TypePing, `{}`)
	if msg := readMsg(t, outsider); msg.Type != TypePong {
		t.Fatalf("Type = %s, want %s", msg.Type, TypePong)
	}
	if got := h.Stats().Producers; got != 1 {
		t.Fatalf("Producers = %d, want 1", got)
	}
	h.mu.Lock()
	marketProducers := h.chans[ChannelMarket].producers
	h.mu.Unlock()
	if marketProducers != 0 {
		t.Fatalf("market producers = %d, want 0", marketProducers)
	}

	// Its disconnect must not clear desk state while the real producer
	// is still connected.
	outsider.Close()
	waitUntil(t, func() bool { return h.Stats().MarketSubscribers == 0 }, "market subscriber never removed")

	joiner := dialChannel(t, srv, ChannelDesk)
	for i, want := range []string{TypeInstrument, TypePosition} {
		msg := readMsg(t, joiner)
		if msg.Type != want {
			t.Fatalf("replay[%d].Type = %s, want %s", i, msg.Type, want)
		}
	}
}

func TestHub_StalledSubscriberDoesNotBlockHub(t *testing.T) {
	h, srv := newTestHub(t, Config{})

	dialChannel(t, srv, ChannelMarket)
	waitUntil(t, func() bool { return h.Stats().MarketSubscribers == 1 }, "subscriber never joined")

	// Wedge the market subscriber mid-write by holding its write mutex.
	h.mu.Lock()
	var stalled *subscriber
	for _, s := range h.chans[ChannelMarket].subs {
		stalled = s
	}
	h.mu.Unlock()
	stalled.writeMu.Lock()
	defer stalled.writeMu.Unlock()

	// Desk joins, registration, and state mutations still proceed.
	producer := dialChannel(t, srv, ChannelDesk)
	register(t, h, producer)
	sendMsg(t, producer, TypeOrderPlaced, `{"order_id":"ord-1"}`)
	waitUntil(t, func() bool { return h.Stats().CachedOrders == 1 }, "desk state stalled behind a wedged market subscriber")
}
