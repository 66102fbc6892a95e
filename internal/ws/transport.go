package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/chatgate/internal/httpx"
)

// Publisher bridges events to sibling processes through the shared
// broker. The fan-out adapter implements it.
type Publisher interface {
	Publish(ctx context.Context, scope string, payload []byte) error
}

// controlFrame is the client-to-server subscription protocol.
type controlFrame struct {
	Action string `json:"action"`
	Scope  string `json:"scope"`
}

// Transport manages persistent duplex client connections and local event
// delivery. It shares the HTTP listener: qualifying requests on the
// websocket endpoint are upgraded in place.
type Transport struct {
	hub       *Hub
	publisher Publisher
	log       *slog.Logger
	origin    string
	upgrader  websocket.Upgrader

	// accepting stays false until the fan-out channel pair is live.
	accepting atomic.Bool

	sessionsGauge prometheus.Gauge
}

// NewTransport builds a transport restricted to the configured client
// origin. It does not accept connections until Start is called.
func NewTransport(hub *Hub, publisher Publisher, origin string, log *slog.Logger) *Transport {
	t := &Transport{
		hub:       hub,
		publisher: publisher,
		log:       log,
		origin:    origin,
	}
	t.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			got := r.Header.Get("Origin")
			return got == "" || got == t.origin
		},
	}
	t.sessionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chatgate",
		Subsystem: "ws",
		Name:      "sessions_open",
		Help:      "Number of open real-time sessions on this process",
	})
	if err := prometheus.Register(t.sessionsGauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if g, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				t.sessionsGauge = g
			}
		}
	}
	return t
}

// Start opens the transport for client connections. Callers must only
// invoke it after the fan-out adapter reports both broker channels live.
func (t *Transport) Start() {
	t.accepting.Store(true)
	t.log.Info("real-time transport accepting connections")
}

// Close stops accepting and tears down every open session.
func (t *Transport) Close() {
	t.accepting.Store(false)
	t.hub.Close()
}

// Attach registers the websocket endpoint on the shared listener. The
// endpoint bypasses the error boundary: upgrade failures are terminal
// for the connection, not serializable responses.
func (t *Transport) Attach(r *httpx.Router) {
	r.HandleFunc("/ws", t.HandleWS)
}

// HandleWS upgrades a qualifying request to a persistent duplex channel.
func (t *Transport) HandleWS(w http.ResponseWriter, r *http.Request) {
	if !t.accepting.Load() {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"message":"real-time transport unavailable"}`))
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.Error("websocket upgrade failed", "error", err)
		return
	}
	client := NewClient(uuid.NewString(), conn, t.log)
	t.sessionsGauge.Inc()
	go t.readLoop(conn, client)
}

// readLoop consumes subscription control frames until the session ends,
// then releases only this session's resources.
func (t *Transport) readLoop(conn *websocket.Conn, client *Client) {
	scopes := make(map[string]struct{})
	defer func() {
		for scope := range scopes {
			t.hub.Unregister(scope, client)
		}
		client.Close()
		t.sessionsGauge.Dec()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame controlFrame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Scope == "" {
			continue
		}
		switch frame.Action {
		case "subscribe":
			if _, ok := scopes[frame.Scope]; !ok {
				scopes[frame.Scope] = struct{}{}
				t.hub.Register(frame.Scope, client)
			}
		case "unsubscribe":
			if _, ok := scopes[frame.Scope]; ok {
				delete(scopes, frame.Scope)
				t.hub.Unregister(frame.Scope, client)
			}
		}
	}
}

// Broadcast delivers an event to local sessions and publishes it to the
// broker for sibling processes. Local delivery is enqueued first; remote
// processes never observe an event strictly before local sessions can.
func (t *Transport) Broadcast(ctx context.Context, scope string, payload []byte) {
	t.hub.Broadcast(scope, payload)
	if t.publisher == nil {
		return
	}
	if err := t.publisher.Publish(ctx, scope, payload); err != nil {
		t.log.Error("broker publish failed, event delivered locally only",
			"scope", scope, "error", err)
	}
}

// Deliver pushes a broker-received event to local sessions without
// re-publishing it, so relays cannot loop.
func (t *Transport) Deliver(scope string, payload []byte) {
	t.hub.Broadcast(scope, payload)
}
