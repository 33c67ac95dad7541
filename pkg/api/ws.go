package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"laserstage/pkg/log"
	"laserstage/pkg/notify"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = 30 * time.Second
	wsSendBuffer   = 64
	wsMaxMessage   = 4 * 1024
)

// event is the envelope of every pushed message.
type event struct {
	Type         string               `json:"type"`
	State        *snapshot            `json:"state,omitempty"`
	Notification *notify.Notification `json:"notification,omitempty"`
}

// clientMessage is what the UI may send over the socket. Only the emergency
// stop is accepted here; it skips the HTTP round trip.
type clientMessage struct {
	Type string `json:"type"`
}

// wsClient is one WebSocket connection.
type wsClient struct {
	id     int64
	conn   *websocket.Conn
	server *Server
	sendCh chan event
	done   chan struct{}
	mu     sync.Mutex
	log    *log.Logger
}

func (s *Server) newWSClient(conn *websocket.Conn) *wsClient {
	id := s.nextWSID.Add(1)
	return &wsClient{
		id:     id,
		conn:   conn,
		server: s,
		sendCh: make(chan event, wsSendBuffer),
		done:   make(chan struct{}),
		log:    s.log.WithPrefix("ws"),
	}
}

// Send queues msg; a client that cannot keep up loses messages rather than
// stalling the broadcaster.
func (c *wsClient) Send(msg event) {
	select {
	case c.sendCh <- msg:
	case <-c.done:
	default:
		c.log.WithFields(log.Fields{"client": c.id, "type": msg.Type}).Warn("dropping message, client too slow")
	}
}

func (c *wsClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return
	default:
		close(c.done)
	}
	c.conn.Close()
}

func (c *wsClient) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.Close()
	}()

	c.conn.SetReadLimit(wsMaxMessage)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.WithError(err).Debug("read error")
			}
			return
		}
		c.handleMessage(data)
	}
}

func (c *wsClient) handleMessage(data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.WithError(err).Debug("ignoring malformed message")
		return
	}
	switch msg.Type {
	case "emergency_stop":
		c.server.stage.EmergencyStop()
	case "state":
		snap := c.server.snapshot()
		c.Send(event{Type: "state", State: &snap})
	default:
		c.log.WithField("type", msg.Type).Debug("ignoring message")
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case msg := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.log.WithError(err).Debug("write error")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	client := s.newWSClient(conn)

	s.wsClientMu.Lock()
	select {
	case <-s.done:
		s.wsClientMu.Unlock()
		conn.Close()
		return
	default:
	}
	s.wsClients[client.id] = client
	s.wsClientMu.Unlock()

	s.log.WithField("client", client.id).Info("websocket client connected")

	// The first message is always the current state.
	snap := s.snapshot()
	client.Send(event{Type: "state", State: &snap})

	go client.writePump()
	client.readPump()
}

func (s *Server) removeClient(client *wsClient) {
	s.wsClientMu.Lock()
	_, ok := s.wsClients[client.id]
	delete(s.wsClients, client.id)
	s.wsClientMu.Unlock()

	if ok {
		s.log.WithField("client", client.id).Info("websocket client disconnected")
	}
}

func (s *Server) broadcast(msg event) {
	s.wsClientMu.RLock()
	defer s.wsClientMu.RUnlock()
	for _, client := range s.wsClients {
		client.Send(msg)
	}
}

// clientCount is used by tests.
func (s *Server) clientCount() int {
	s.wsClientMu.RLock()
	defer s.wsClientMu.RUnlock()
	return len(s.wsClients)
}
