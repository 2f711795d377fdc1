package control

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ComputerScienceAddict/getmyspeed/internal/session"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = 30 * time.Second
)

// Hub fans session snapshots out to websocket subscribers. Slow clients are
// skipped, not waited on.
type Hub struct {
	mu        sync.Mutex
	clients   map[*wsClient]struct{}
	broadcast chan session.Snapshot
	ctxDone   <-chan struct{}
}

type wsClient struct {
	send      chan []byte
	closeOnce sync.Once
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() { close(c.send) })
}

func NewHub(ctxDone <-chan struct{}) *Hub {
	h := &Hub{
		clients:   make(map[*wsClient]struct{}),
		broadcast: make(chan session.Snapshot, 128),
		ctxDone:   ctxDone,
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.ctxDone:
			h.mu.Lock()
			for client := range h.clients {
				client.close()
			}
			h.clients = make(map[*wsClient]struct{})
			h.mu.Unlock()
			return
		case snap := <-h.broadcast:
			data, _ := json.Marshal(snap)
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) register(client *wsClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(client *wsClient) {
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()
	client.close()
}

// Broadcast queues a snapshot for delivery. Drops when the hub is backed up.
func (h *Hub) Broadcast(snap session.Snapshot) {
	select {
	case h.broadcast <- snap:
	default:
	}
}

// serve pumps snapshots to one websocket connection until it drops.
func (h *Hub) serve(conn *websocket.Conn, initial session.Snapshot) {
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	client := &wsClient{send: make(chan []byte, 32)}
	h.register(client)

	if data, err := json.Marshal(initial); err == nil {
		select {
		case client.send <- data:
		default:
		}
	}

	done := make(chan struct{})
	var closeOnce sync.Once
	cleanup := func() {
		closeOnce.Do(func() {
			close(done)
			h.unregister(client)
			_ = conn.Close()
		})
	}

	// Inbound frames are only read to service pongs and detect closure.
	go func() {
		defer cleanup()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer cleanup()
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case data, ok := <-client.send:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}
