package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/comit-network/rfc003/internal/rfc003"
	"github.com/comit-network/rfc003/pkg/logging"
)

// Hub pushes swap resource updates to subscribed websocket clients, scoped
// per swap id rather than the donor hub's single global broadcast: a client
// watching one swap has no reason to receive every other swap's traffic.
// Subscribers are added to and removed from a mutex-guarded map keyed by
// swap id; there are no register/unregister/broadcast channels.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type hubClient struct {
	conn *websocket.Conn
	send chan []byte
}

type Hub struct {
	mu      sync.RWMutex
	clients map[rfc003.SwapId]map[*hubClient]bool
	log     *logging.Logger
}

func newHub() *Hub {
	return &Hub{
		clients: make(map[rfc003.SwapId]map[*hubClient]bool),
		log:     logging.GetDefault().Component("httpapi.hub"),
	}
}

func (h *Hub) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	id, err := rfc003.ParseSwapId(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed swap id")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", "err", err)
		return
	}

	client := &hubClient{conn: conn, send: make(chan []byte, 16)}
	h.mu.Lock()
	if h.clients[id] == nil {
		h.clients[id] = make(map[*hubClient]bool)
	}
	h.clients[id][client] = true
	h.mu.Unlock()

	go h.writePump(id, client)
	go h.readPump(id, client)
}

// readPump discards inbound messages; this channel is push-only. It exists
// to detect client disconnects via the read error.
func (h *Hub) readPump(id rfc003.SwapId, c *hubClient) {
	defer h.remove(id, c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(id rfc003.SwapId, c *hubClient) {
	for data := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.remove(id, c)
			return
		}
	}
}

func (h *Hub) remove(id rfc003.SwapId, c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if clients, ok := h.clients[id]; ok {
		if _, ok := clients[c]; ok {
			delete(clients, c)
			close(c.send)
			c.conn.Close()
		}
		if len(clients) == 0 {
			delete(h.clients, id)
		}
	}
}

// broadcast sends resource to every client currently watching swap id.
func (h *Hub) broadcast(id rfc003.SwapId, resource swapResource) {
	data, err := json.Marshal(resource)
	if err != nil {
		h.log.Error("marshal swap resource for broadcast", "err", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients[id] {
		select {
		case c.send <- data:
		default:
			h.log.Warn("websocket client send buffer full, dropping update", "swap_id", id)
		}
	}
}
