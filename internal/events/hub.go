package events

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/speech-client/internal/observability"
)

// ErrHubClosed is returned by Publish after Close.
var ErrHubClosed = errors.New("event hub closed")

const (
	broadcastBuffer = 100
	writeWait       = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Local control surface; browsers on any origin may watch transcripts.
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// Hub broadcasts events to connected websocket clients.
type Hub struct {
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcast  chan Event
	done       chan struct{}
	closeOnce  sync.Once
	logger     zerolog.Logger
}

// NewHub creates a hub. Run must be started before events are published.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		broadcast:  make(chan Event, broadcastBuffer),
		done:       make(chan struct{}),
		logger:     observability.WithComponent(logger, "event_hub"),
	}
}

// Run serves registrations and broadcasts until Close is called.
func (h *Hub) Run() {
	defer func() {
		for conn := range h.clients {
			conn.Close()
			delete(h.clients, conn)
		}
		observability.SetEventClients(0)
	}()

	for {
		select {
		case conn := <-h.register:
			h.clients[conn] = true
			observability.SetEventClients(len(h.clients))
			h.logger.Info().Int("clients", len(h.clients)).Msg("Event client connected")

		case conn := <-h.unregister:
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
				observability.SetEventClients(len(h.clients))
				h.logger.Info().Int("clients", len(h.clients)).Msg("Event client disconnected")
			}

		case ev := <-h.broadcast:
			start := time.Now()
			for conn := range h.clients {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(ev); err != nil {
					h.logger.Debug().Err(err).Msg("Dropping event client")
					conn.Close()
					delete(h.clients, conn)
				}
			}
			observability.SetEventClients(len(h.clients))
			observability.RecordEventPublish("websocket", string(ev.Type), start, nil)

		case <-h.done:
			return
		}
	}
}

// Publish queues ev for every connected client.
func (h *Hub) Publish(ctx context.Context, ev Event) error {
	select {
	case h.broadcast <- ev:
		return nil
	case <-h.done:
		return ErrHubClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops Run and disconnects every client.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// ServeWS upgrades the request and streams events until the client leaves.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Event websocket upgrade failed")
		return
	}

	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
