// Package store owns connectivity to the durable store. The watchdog
// establishes the single shared pool and re-establishes it indefinitely
// after any loss; a first-attempt failure is fatal to the process.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// State is the watchdog connectivity state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// validTransitions is the single source of truth for the state machine.
// Retry attempts stay in connecting; there is no terminal failure state
// after the first successful connect.
var validTransitions = map[State][]State{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateConnected, StateConnecting},
	StateConnected:    {StateDisconnected},
}

// Conn is the minimal surface the watchdog needs from a store handle.
type Conn interface {
	Ping(ctx context.Context) error
	Close()
}

// Dialer establishes a new store handle.
type Dialer func(ctx context.Context) (Conn, error)

// pgxConn adapts a pgxpool.Pool to Conn.
type pgxConn struct {
	pool *pgxpool.Pool
}

func (c *pgxConn) Ping(ctx context.Context) error { return c.pool.Ping(ctx) }
func (c *pgxConn) Close()                         { c.pool.Close() }

// PgxDialer dials a pgx connection pool for the given DSN.
func PgxDialer(dsn string) Dialer {
	return func(ctx context.Context) (Conn, error) {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, err
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return &pgxConn{pool: pool}, nil
	}
}

// Watchdog maintains at most one live store handle, replacing it on
// reconnect. The handle reference is swapped atomically; nothing outside
// the watchdog mutates it.
type Watchdog struct {
	log           *slog.Logger
	dial          Dialer
	pingInterval  time.Duration
	retryInterval time.Duration

	state atomic.Int32
	conn  atomic.Value // Conn
}

// Option adjusts watchdog behavior.
type Option func(*Watchdog)

// WithPingInterval sets the liveness probe cadence.
func WithPingInterval(d time.Duration) Option {
	return func(w *Watchdog) { w.pingInterval = d }
}

// WithRetryInterval sets the fixed delay between reconnect attempts.
func WithRetryInterval(d time.Duration) Option {
	return func(w *Watchdog) { w.retryInterval = d }
}

// New builds a watchdog around the given dialer.
func New(dial Dialer, log *slog.Logger, opts ...Option) *Watchdog {
	w := &Watchdog{
		log:           log,
		dial:          dial,
		pingInterval:  5 * time.Second,
		retryInterval: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start performs the first connection attempt and, on success, begins
// monitoring in the background. A first-attempt failure is returned to
// the caller; the process must treat it as fatal rather than retry,
// since it almost always means a misconfigured address.
func (w *Watchdog) Start(ctx context.Context) error {
	w.transition(StateDisconnected, StateConnecting)
	conn, err := w.dial(ctx)
	if err != nil {
		return fmt.Errorf("initial database connection: %w", err)
	}
	w.conn.Store(conn)
	w.transition(StateConnecting, StateConnected)
	w.log.Info("successfully connected to database")

	go w.monitor(ctx)
	return nil
}

// monitor probes the live handle and drives reconnection on loss.
func (w *Watchdog) monitor(ctx context.Context) {
	ticker := time.NewTicker(w.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.ping(ctx)
			if err == nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			w.log.Error("database connection lost", "error", err)
			w.dropConn()
			w.transition(StateConnected, StateDisconnected)
			if !w.reconnect(ctx) {
				return
			}
		}
	}
}

// reconnect retries the same address on a fixed interval until it
// succeeds or the context is canceled. It never gives up on its own.
func (w *Watchdog) reconnect(ctx context.Context) bool {
	w.transition(StateDisconnected, StateConnecting)
	for {
		conn, err := w.dial(ctx)
		if err == nil {
			w.conn.Store(conn)
			w.transition(StateConnecting, StateConnected)
			w.log.Info("successfully connected to database")
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		w.log.Warn("database reconnect failed", "error", err)
		w.transition(StateConnecting, StateConnecting)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(w.retryInterval):
		}
	}
}

func (w *Watchdog) ping(ctx context.Context) error {
	conn := w.current()
	if conn == nil {
		return fmt.Errorf("no live connection")
	}
	pingCtx, cancel := context.WithTimeout(ctx, w.pingInterval)
	defer cancel()
	return conn.Ping(pingCtx)
}

func (w *Watchdog) dropConn() {
	if conn := w.current(); conn != nil {
		conn.Close()
	}
}

func (w *Watchdog) current() Conn {
	v := w.conn.Load()
	if v == nil {
		return nil
	}
	conn, ok := v.(Conn)
	if !ok {
		return nil
	}
	return conn
}

// transition applies a state change, enforcing the transition table.
func (w *Watchdog) transition(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			w.state.Store(int32(to))
			return true
		}
	}
	w.log.Warn("invalid state transition", "from", from.String(), "to", to.String())
	return false
}

// State reports the current connectivity state.
func (w *Watchdog) State() State {
	return State(w.state.Load())
}

// Pool returns the live pgx pool, or nil when the watchdog was built on
// a non-pgx dialer or the connection is down.
func (w *Watchdog) Pool() *pgxpool.Pool {
	if conn, ok := w.current().(*pgxConn); ok {
		return conn.pool
	}
	return nil
}

// HealthCheck pings the live handle for the health endpoint.
func (w *Watchdog) HealthCheck(ctx context.Context) error {
	if w.State() != StateConnected {
		return fmt.Errorf("database %s", w.State())
	}
	conn := w.current()
	if conn == nil {
		return fmt.Errorf("database handle unavailable")
	}
	return conn.Ping(ctx)
}

// Close releases the live handle at shutdown.
func (w *Watchdog) Close() {
	w.dropConn()
}
