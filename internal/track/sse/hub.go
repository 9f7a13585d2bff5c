package sse

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Event types
const (
	EventCaseUpdate     = "case_update"
	EventShipmentUpdate = "shipment_update"
)

// Event represents a Server-Sent Event. Topic is the session or order the event belongs to.
type Event struct {
	ID        uint64 `json:"id"`
	EventType string `json:"event"`
	Topic     string `json:"-"`
	Data      string `json:"data"`
}

// Client is one connected event stream. OrgID and Topic narrow delivery; empty receives everything.
type Client struct {
	ID     string
	UserID string
	OrgID  string
	Topic  string
	Events chan Event
}

// Hub manages all SSE client connections
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	seq     atomic.Uint64
	logger  *zap.Logger
}

// NewHub creates a new SSE Hub
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients: make(map[string]*Client),
		logger:  logger,
	}
}

// Register adds a new client to the hub
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
	h.logger.Debug("sse client registered",
		zap.String("client_id", client.ID),
		zap.String("user_id", client.UserID),
		zap.Int("total", len(h.clients)))
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if client, ok := h.clients[clientID]; ok {
		close(client.Events)
		delete(h.clients, clientID)
		h.logger.Debug("sse client unregistered", zap.String("client_id", clientID), zap.Int("total", len(h.clients)))
	}
}

// ClientCount 当前连接数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends an event to every client whose org and topic match.
func (h *Hub) Broadcast(event Event, orgIDs ...string) {
	if event.ID == 0 {
		event.ID = h.seq.Add(1)
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !client.wants(event.Topic, orgIDs) {
			continue
		}
		select {
		case client.Events <- event:
		default:
			h.logger.Warn("sse client buffer full, skipping event",
				zap.String("client_id", client.ID),
				zap.String("event", event.EventType))
		}
	}
}

func (c *Client) wants(topic string, orgIDs []string) bool {
	if c.Topic != "" && c.Topic != topic {
		return false
	}
	if c.OrgID == "" || len(orgIDs) == 0 {
		return true
	}
	for _, id := range orgIDs {
		if id == c.OrgID {
			return true
		}
	}
	return false
}

// CaseUpdate 箱码变更事件
type CaseUpdate struct {
	MasterCodeID string `json:"master_code_id"`
	MasterCode   string `json:"master_code"`
	OrderID      string `json:"order_id"`
	Status       string `json:"status"`
	ActualCount  int    `json:"actual_unit_count"`
	Expected     int    `json:"expected_unit_count"`
	Action       string `json:"action"`
}

// ShipmentUpdate 出库会话变更事件
type ShipmentUpdate struct {
	SessionID        string `json:"session_id"`
	WarehouseOrgID   string `json:"warehouse_org_id"`
	DistributorOrgID string `json:"distributor_org_id"`
	ValidationStatus string `json:"validation_status"`
	TotalUnits       int    `json:"total_units"`
	TotalCases       int    `json:"total_cases"`
	Action           string `json:"action"`
}

// PublishCaseUpdate 推送箱码变更给制造商，topic 为订单
func (h *Hub) PublishCaseUpdate(orgID string, update CaseUpdate) {
	h.publish(EventCaseUpdate, update.OrderID, update, orgID)
}

// PublishShipmentUpdate 推送出库会话变更给仓库和经销商，topic 为会话
func (h *Hub) PublishShipmentUpdate(update ShipmentUpdate) {
	h.publish(EventShipmentUpdate, update.SessionID, update, update.WarehouseOrgID, update.DistributorOrgID)
}

func (h *Hub) publish(eventType, topic string, payload interface{}, orgIDs ...string) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("sse marshal failed", zap.String("event", eventType), zap.Error(err))
		return
	}
	h.Broadcast(Event{EventType: eventType, Topic: topic, Data: string(data)}, orgIDs...)
}
