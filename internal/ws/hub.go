package ws

// Subscriber abstracts one real-time session.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages real-time sessions by target scope. All registry mutation
// happens on the run goroutine, so subscriber writes are serialized.
type Hub struct {
	sessions  map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan event
	stop      chan struct{}
	done      chan struct{}
}

// event couples payload with its target scope.
type event struct {
	scope   string
	payload []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	scope  string
	client Subscriber
}

// NewHub creates a running Hub.
func NewHub() *Hub {
	h := &Hub{
		sessions:  make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan event),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	defer close(h.done)
	for {
		select {
		case <-h.stop:
			h.closeAll()
			return
		case sub := <-h.register:
			if _, ok := h.sessions[sub.scope]; !ok {
				h.sessions[sub.scope] = make(map[Subscriber]struct{})
			}
			h.sessions[sub.scope][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.sessions[sub.scope]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.sessions, sub.scope)
				}
			}
		case ev := <-h.broadcast:
			if clients, ok := h.sessions[ev.scope]; ok {
				for c := range clients {
					if err := c.Send(ev.payload); err != nil {
						c.Close()
						delete(clients, c)
					}
				}
				if len(clients) == 0 {
					delete(h.sessions, ev.scope)
				}
			}
		}
	}
}

func (h *Hub) closeAll() {
	for scope, clients := range h.sessions {
		for c := range clients {
			c.Close()
		}
		delete(h.sessions, scope)
	}
}

// Register adds a session to a scope.
func (h *Hub) Register(scope string, client Subscriber) {
	select {
	case h.register <- subscription{scope: scope, client: client}:
	case <-h.stop:
	}
}

// Unregister removes a session from a scope.
func (h *Hub) Unregister(scope string, client Subscriber) {
	select {
	case h.unreg <- subscription{scope: scope, client: client}:
	case <-h.stop:
	}
}

// Broadcast sends payload to every session in the scope. A session whose
// send fails is closed and evicted without affecting the others.
func (h *Hub) Broadcast(scope string, payload []byte) {
	select {
	case h.broadcast <- event{scope: scope, payload: payload}:
	case <-h.stop:
	}
}

// Close shuts down the hub and tears down every session.
func (h *Hub) Close() {
	close(h.stop)
	<-h.done
}
