package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/spotnest/spotnest/internal/logging"
	"github.com/spotnest/spotnest/internal/middleware"
	"github.com/spotnest/spotnest/internal/models"
)

// aliveTTL is how long a single heartbeat keeps the liveness marker fresh.
const aliveTTL = 90 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// AgentHandler accepts utilization heartbeats, over plain POST or a long-lived
// websocket, and feeds them to the hibernation controller.
type AgentHandler struct {
	hibernate HibernateService
	liveness  Liveness

	mu      sync.Mutex
	streams int
}

func NewAgentHandler(h HibernateService, l Liveness) *AgentHandler {
	return &AgentHandler{hibernate: h, liveness: l}
}

func (h *AgentHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetAgent(r.Context())
	if claims == nil {
		respondError(w, http.StatusUnauthorized, "missing agent identity")
		return
	}

	var hb models.Heartbeat
	if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
		respondError(w, http.StatusBadRequest, "invalid heartbeat body")
		return
	}

	h.accept(r, claims.InstanceID, hb)
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// Stream upgrades to a websocket and reads heartbeat messages until the agent
// hangs up. One connection per instance is the expected shape.
func (h *AgentHandler) Stream(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetAgent(r.Context())
	if claims == nil {
		respondError(w, http.StatusUnauthorized, "missing agent identity")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("WebSocket upgrade failed", map[string]interface{}{
			"instance_id": claims.InstanceID,
			"error":       err.Error(),
		})
		return
	}
	defer conn.Close()

	h.mu.Lock()
	h.streams++
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.streams--
		h.mu.Unlock()
	}()

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn("WebSocket read failed", map[string]interface{}{
					"instance_id": claims.InstanceID,
					"error":       err.Error(),
				})
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		h.handleMessage(r, conn, claims.InstanceID, message)
	}
}

func (h *AgentHandler) handleMessage(r *http.Request, conn *websocket.Conn, instanceID string, message []byte) {
	var msg struct {
		Type string `json:"type"`
		models.Heartbeat
	}
	if err := json.Unmarshal(message, &msg); err != nil {
		h.send(conn, map[string]string{"type": "error", "error": "invalid JSON"})
		return
	}

	switch msg.Type {
	case "ping":
		h.send(conn, map[string]string{"type": "pong"})
	case "heartbeat":
		h.accept(r, instanceID, msg.Heartbeat)
		h.send(conn, map[string]string{"type": "ack"})
	default:
		h.send(conn, map[string]string{"type": "error", "error": "unknown message type"})
	}
}

// accept normalizes and forwards one heartbeat. The instance id comes from
// the token, never from the payload.
func (h *AgentHandler) accept(r *http.Request, instanceID string, hb models.Heartbeat) {
	hb.InstanceID = instanceID
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now()
	}
	h.hibernate.ReportHeartbeat(hb)

	if h.liveness != nil {
		if err := h.liveness.MarkAlive(r.Context(), instanceID, aliveTTL); err != nil {
			logging.Debug("Failed to refresh liveness marker", map[string]interface{}{
				"instance_id": instanceID,
				"error":       err.Error(),
			})
		}
	}
}

func (h *AgentHandler) send(conn *websocket.Conn, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		logging.Debug("WebSocket write failed", map[string]interface{}{"error": err.Error()})
	}
}
