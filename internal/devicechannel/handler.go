// Package devicechannel upgrades incoming HTTP connections to duplex
// WebSocket channels and dispatches the device protocol events enumerated
// in the design's external interfaces table. Structure is grounded on the
// teacher's internal/mesh.HandleWebSocket: an upgrader, a rate limiter (one
// shared ratelimit.Registry, keyed by remote address until registration and
// by logical_device_id after it), and a read loop that switches on message
// type.
package devicechannel

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ssd-technologies/duskvault/internal/connreg"
	"github.com/ssd-technologies/duskvault/internal/ratelimit"
)

// Message is the inbound envelope for every device->coordinator event.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// response is the outbound envelope for every coordinator->device event.
type response struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type registerPayload struct {
	LogicalDeviceID    string `json:"logical_device_id"`
	DeviceType         string `json:"device_type"`
	OwnerID            string `json:"owner_id"`
	TotalCapacityBytes int64  `json:"total_capacity_bytes"`
}

type pingPayload struct {
	LogicalDeviceID        string `json:"logical_device_id"`
	AvailableCapacityBytes int64  `json:"available_capacity_bytes"`
}

type storageUpdatePayload struct {
	AvailableCapacityBytes int64 `json:"available_capacity_bytes"`
}

type chunkConfirmPayload struct {
	ChunkID string `json:"chunk_id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type chunkDataPayload struct {
	Success     bool   `json:"success"`
	DataBase64  string `json:"data_base64,omitempty"`
	Error       string `json:"error,omitempty"`
}

type chunkDeletedPayload struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// DeviceRegistry is the subset of devices.Registry the handler needs. A
// narrow interface avoids an import cycle and keeps the handler testable
// without a real metadata store.
type DeviceRegistry interface {
	Register(payload RegisterEvent) error
	Heartbeat(logicalDeviceID string, availableBytes int64) error
	StorageUpdate(logicalDeviceID string, availableBytes int64) error
	MarkOffline(logicalDeviceID string) error
}

// RegisterEvent is the decoded device:register payload handed to the
// registry.
type RegisterEvent struct {
	LogicalDeviceID    string
	DeviceType         string
	OwnerID            string
	TotalCapacityBytes int64
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsChannel adapts a *websocket.Conn to connreg.Channel.
type wsChannel struct {
	conn *websocket.Conn
	mu   *sync.Mutex
}

// Handler upgrades connections and dispatches device protocol events.
type Handler struct {
	conns    *connreg.Registry
	registry DeviceRegistry
	limiters *ratelimit.Registry
}

func New(conns *connreg.Registry, registry DeviceRegistry) *Handler {
	return &Handler{conns: conns, registry: registry, limiters: ratelimit.NewRegistry(120, time.Minute)}
}

// ServeHTTP upgrades the connection and runs the read loop until the
// connection closes or the device disconnects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[devicechannel] upgrade error: %v", err)
		return
	}
	defer conn.Close()

	ch := &wsChannel{conn: conn, mu: &sync.Mutex{}}
	var logicalDeviceID string
	limiterKey := r.RemoteAddr

	defer func() {
		h.limiters.Forget(limiterKey)
		if logicalDeviceID != "" {
			h.conns.Unbind(logicalDeviceID)
			if err := h.registry.MarkOffline(logicalDeviceID); err != nil {
				log.Printf("[devicechannel] mark offline %s: %v", logicalDeviceID, err)
			}
		}
	}()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[devicechannel] read error: %v", err)
			}
			return
		}

		if ok, retryAfter := h.limiters.Allow(limiterKey); !ok {
			writeEvent(ch, "rate_limited", map[string]any{"retry_after_ms": retryAfter.Milliseconds()})
			continue
		}

		switch {
		case msg.Type == "device:register":
			var p registerPayload
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				writeError(ch, "invalid register payload")
				continue
			}
			if err := h.registry.Register(RegisterEvent{
				LogicalDeviceID:    p.LogicalDeviceID,
				DeviceType:         p.DeviceType,
				OwnerID:            p.OwnerID,
				TotalCapacityBytes: p.TotalCapacityBytes,
			}); err != nil {
				writeEvent(ch, "device:registered", map[string]any{"success": false, "message": err.Error()})
				continue
			}
			h.limiters.Forget(limiterKey)
			logicalDeviceID = p.LogicalDeviceID
			limiterKey = logicalDeviceID
			h.conns.Bind(logicalDeviceID, ch)
			writeEvent(ch, "device:registered", map[string]any{"success": true, "message": "ok"})

		case msg.Type == "device:ping":
			var p pingPayload
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				writeError(ch, "invalid ping payload")
				continue
			}
			if err := h.registry.Heartbeat(p.LogicalDeviceID, p.AvailableCapacityBytes); err != nil {
				writeEvent(ch, "device:pong", map[string]any{"success": false, "timestamp_ms": nowMs(), "state": "unknown"})
				continue
			}
			writeEvent(ch, "device:pong", map[string]any{"success": true, "timestamp_ms": nowMs(), "state": "ONLINE"})

		case msg.Type == "device:storage:update":
			var p storageUpdatePayload
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				writeError(ch, "invalid storage update payload")
				continue
			}
			if logicalDeviceID == "" {
				writeError(ch, "storage update before registration")
				continue
			}
			if err := h.registry.StorageUpdate(logicalDeviceID, p.AvailableCapacityBytes); err != nil {
				log.Printf("[devicechannel] storage update %s: %v", logicalDeviceID, err)
			}

		case msg.Type == "chunk:confirm":
			var p chunkConfirmPayload
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				writeError(ch, "invalid chunk:confirm payload")
				continue
			}
			h.conns.Deliver(logicalDeviceID, p.ChunkID, "chunk:confirm", connreg.Event{Success: p.Success, Error: p.Error})

		case strings.HasPrefix(msg.Type, "chunk:data:"):
			chunkID := strings.TrimPrefix(msg.Type, "chunk:data:")
			var p chunkDataPayload
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				writeError(ch, "invalid chunk:data payload")
				continue
			}
			var data []byte
			if p.Success && p.DataBase64 != "" {
				decoded, err := connreg.DecodeBase64(p.DataBase64)
				if err != nil {
					p.Success = false
					p.Error = "malformed data_base64"
				} else {
					data = decoded
				}
			}
			h.conns.Deliver(logicalDeviceID, chunkID, "chunk:data:"+chunkID, connreg.Event{Success: p.Success, Error: p.Error, Data: data})

		case strings.HasPrefix(msg.Type, "chunk:deleted:"):
			chunkID := strings.TrimPrefix(msg.Type, "chunk:deleted:")
			var p chunkDeletedPayload
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				writeError(ch, "invalid chunk:deleted payload")
				continue
			}
			h.conns.Deliver(logicalDeviceID, chunkID, "chunk:deleted:"+chunkID, connreg.Event{Success: p.Success, Error: p.Error})

		case msg.Type == "disconnect":
			return

		default:
			writeError(ch, "unknown message type: "+msg.Type)
		}
	}
}

func (c *wsChannel) Send(event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(response{Type: event, Payload: payload})
}

func writeEvent(ch *wsChannel, event string, payload any) {
	if err := ch.Send(event, payload); err != nil {
		log.Printf("[devicechannel] write error: %v", err)
	}
}

func writeError(ch *wsChannel, message string) {
	writeEvent(ch, "error", map[string]string{"error": message})
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
