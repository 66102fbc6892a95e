// Package fanout bridges real-time events between gateway processes
// through a shared Redis pub/sub broker. Each process publishes local
// broadcasts and relays foreign ones to its own sessions, so clients
// connected to different processes still observe each other's events.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// Channel carries every cross-process event.
const Channel = "chatgate:events"

// Deliverer is the local delivery path for broker-received events.
// *ws.Hub satisfies it.
type Deliverer interface {
	Broadcast(scope string, payload []byte)
}

// envelope is the broker wire format. Origin identifies the publishing
// process so it can skip its own messages on receipt; local delivery
// already happened at publish time.
type envelope struct {
	Origin  string `json:"origin"`
	Scope   string `json:"scope"`
	Payload []byte `json:"payload"`
}

// Adapter owns the publish/subscribe channel pair. Both roles derive
// from one configuration and both must be live before the real-time
// transport starts accepting traffic.
type Adapter struct {
	pub    *redis.Client
	sub    *redis.Client
	pubsub *redis.PubSub
	local  Deliverer
	log    *slog.Logger
	origin string

	// degraded is set while the subscribe role is down; delivery then
	// reaches local sessions only.
	degraded atomic.Bool
	closed   atomic.Bool
	done     chan struct{}
}

// New builds an adapter for the given broker address. Nothing connects
// until Connect.
func New(addr, password string, db int, local Deliverer, log *slog.Logger) *Adapter {
	opts := &redis.Options{Addr: addr, Password: password, DB: db}
	return &Adapter{
		pub:    redis.NewClient(opts),
		sub:    redis.NewClient(opts),
		local:  local,
		log:    log,
		origin: uuid.NewString(),
		done:   make(chan struct{}),
	}
}

// Connect establishes both broker roles and starts the relay loop. It is
// an awaited precondition for the transport: an error here must fail
// startup loudly, never degrade silently.
func (a *Adapter) Connect(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.pub.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("broker publish channel: %w", err)
	}
	if err := a.sub.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("broker subscribe channel: %w", err)
	}

	a.pubsub = a.sub.Subscribe(ctx, Channel)
	if _, err := a.pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("broker subscription: %w", err)
	}

	go a.relay(ctx)
	a.log.Info("connected to event broker", "channel", Channel)
	return nil
}

// Publish sends an event to sibling processes. Local delivery is the
// caller's responsibility and happens before or concurrently with this.
func (a *Adapter) Publish(ctx context.Context, scope string, payload []byte) error {
	data, err := json.Marshal(envelope{Origin: a.origin, Scope: scope, Payload: payload})
	if err != nil {
		return err
	}
	return a.pub.Publish(ctx, Channel, data).Err()
}

// relay consumes broker messages and replays foreign events through the
// local delivery path. The broker is at-least-once; no deduplication.
func (a *Adapter) relay(ctx context.Context) {
	defer close(a.done)
	for {
		msg, err := a.pubsub.ReceiveMessage(ctx)
		if err != nil {
			if a.closed.Load() || ctx.Err() != nil {
				return
			}
			if a.degraded.CompareAndSwap(false, true) {
				a.log.Error("broker subscription lost, delivery degraded to local-only", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if a.degraded.CompareAndSwap(true, false) {
			a.log.Info("broker subscription restored")
		}
		a.dispatch([]byte(msg.Payload))
	}
}

func (a *Adapter) dispatch(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		a.log.Warn("discarding malformed broker message", "error", err)
		return
	}
	if env.Origin == a.origin {
		return
	}
	a.local.Broadcast(env.Scope, env.Payload)
}

// Degraded reports whether delivery is currently local-only.
func (a *Adapter) Degraded() bool {
	return a.degraded.Load()
}

// HealthCheck pings both broker roles for the health endpoint.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	if a.Degraded() {
		return errors.New("broker subscription degraded")
	}
	if err := a.pub.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("broker publish channel: %w", err)
	}
	return nil
}

// Close tears down both broker roles.
func (a *Adapter) Close() {
	a.closed.Store(true)
	if a.pubsub != nil {
		_ = a.pubsub.Close()
		<-a.done
	}
	_ = a.pub.Close()
	_ = a.sub.Close()
}
