package dashboard

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"orderflow/logger"
)

const (
	wsWriteTimeout  = 5 * time.Second
	wsMaxClientRead = 512
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The dashboard runs on operator infrastructure behind whatever proxy
	// the deployment trusts, same as the HTTP API.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsHub tracks connected websocket clients. A client that fails a write is
// closed and dropped so one dead consumer cannot stall the feed.
type wsHub struct {
	log     *logger.Log
	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

func newWsHub(log *logger.Log) *wsHub {
	return &wsHub{
		log:     log,
		clients: make(map[*websocket.Conn]struct{}),
	}
}

func (h *wsHub) add(conn *websocket.Conn) {
	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()
	h.log.WithComponent("dashboard").WithFields(logger.Fields{
		"remote": conn.RemoteAddr().String(),
	}).Debug("websocket client connected")
}

func (h *wsHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
}

func (h *wsHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// broadcast writes one pre-marshalled payload to every client.
func (h *wsHub) broadcast(payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.log.WithComponent("dashboard").WithError(err).WithFields(logger.Fields{
				"remote": conn.RemoteAddr().String(),
			}).Debug("dropping websocket client after failed write")
			conn.Close()
			delete(h.clients, conn)
		}
	}
}

func (h *wsHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
}

// handleWebsocket upgrades the request and registers the client on the feed.
func (s *Server) handleWebsocket(c *gin.Context) {
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithComponent("dashboard").WithError(err).Warn("websocket upgrade failed")
		return
	}
	s.hub.add(conn)
	go s.readUntilClose(conn)
}

// readUntilClose consumes control frames and detects disconnects. Clients are
// not expected to send data.
func (s *Server) readUntilClose(conn *websocket.Conn) {
	defer func() {
		s.hub.remove(conn)
		conn.Close()
	}()

	conn.SetReadLimit(wsMaxClientRead)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
