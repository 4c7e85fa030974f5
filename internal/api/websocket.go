package api

import (
	"log"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// streamedTopics are the observer bus topics forwarded to connected admin
// clients. before-asset-updated is included for visibility even though its
// veto return value is only meaningful to the scheduler itself.
var streamedTopics = []string{
	"after-asset-updated",
	"after-assets-updated",
	"before-asset-updated",
	"builtin-asset-source-added",
	"assets.json-updated",
	"asset-update-failed",
}

type eventMessage struct {
	Topic   string `json:"topic"`
	Details any    `json:"details"`
}

// HandleEvents upgrades GET /events to a websocket and streams observer bus
// activity to the client until it disconnects.
func (h *Handlers) HandleEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("api: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	connID := uuid.NewString()
	log.Printf("api: admin event stream connected conn=%s", connID)

	var writeMu sync.Mutex
	var handles []int
	for _, topic := range streamedTopics {
		topic := topic
		handle := h.bus.On(topic, func(details any) any {
			writeMu.Lock()
			defer writeMu.Unlock()
			if err := conn.WriteJSON(eventMessage{Topic: topic, Details: details}); err != nil {
				log.Printf("api: conn=%s write failed: %v", connID, err)
			}
			return nil
		})
		handles = append(handles, handle)
	}
	defer func() {
		for i, topic := range streamedTopics {
			h.bus.Off(topic, handles[i])
		}
	}()

	// Drain incoming frames so the connection's read deadline/pong handling
	// keeps working; the client has nothing to send us.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			log.Printf("api: admin event stream disconnected conn=%s: %v", connID, err)
			return
		}
	}
}
