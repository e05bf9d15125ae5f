package ws

import "sync/atomic"

// Event type names carried on the live stream.
const (
	EventTelemetryReceived = "telemetry_received"
	EventIncidentOpened    = "incident_opened"
	EventIncidentResolved  = "incident_resolved"
	EventActionCreated     = "action_created"
	EventActionApplied     = "action_applied"
)

const defaultEventBuffer = 100

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans live events out to stream subscribers by project ID. Publishing
// is best effort: when the hub falls behind, events are dropped rather than
// blocking ingestion.
type Hub struct {
	clients  map[string]map[Subscriber]struct{}
	register chan subscription
	unreg    chan subscription
	events   chan event
	dropped  atomic.Uint64
}

// event couples payload with project identifier.
type event struct {
	projectID string
	payload   []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	projectID string
	client    Subscriber
}

// NewHub creates a running Hub with the given publish buffer.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	h := &Hub{
		clients:  make(map[string]map[Subscriber]struct{}),
		register: make(chan subscription),
		unreg:    make(chan subscription),
		events:   make(chan event, buffer),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			if _, ok := h.clients[sub.projectID]; !ok {
				h.clients[sub.projectID] = make(map[Subscriber]struct{})
			}
			h.clients[sub.projectID][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.projectID]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.projectID)
				}
			}
		case ev := <-h.events:
			if clients, ok := h.clients[ev.projectID]; ok {
				for c := range clients {
					if err := c.Send(ev.payload); err != nil {
						c.Close()
						delete(clients, c)
					}
				}
				if len(clients) == 0 {
					delete(h.clients, ev.projectID)
				}
			}
		}
	}
}

// Register adds a client to a project stream.
func (h *Hub) Register(projectID string, client Subscriber) {
	h.register <- subscription{projectID: projectID, client: client}
}

// Unregister removes a client.
func (h *Hub) Unregister(projectID string, client Subscriber) {
	h.unreg <- subscription{projectID: projectID, client: client}
}

// Publish queues payload for all project subscribers. It never blocks; the
// event is dropped when the buffer is full.
func (h *Hub) Publish(projectID string, payload []byte) {
	select {
	case h.events <- event{projectID: projectID, payload: payload}:
	default:
		h.dropped.Add(1)
	}
}

// Dropped reports how many events were discarded due to a saturated buffer.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}
