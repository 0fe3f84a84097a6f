package domain

import (
	"encoding/json"
	"time"
)

// SchemaVersion is stamped on every envelope appended to the tenant log.
const SchemaVersion = 1

type EventType string

const (
	EventCardStageTransition EventType = "card.stage_transition"
	EventInventoryAdjusted   EventType = "inventory.field_adjusted"
	EventOrderCreated        EventType = "order.created"
	EventOrderStatusChanged  EventType = "order.status_changed"
	EventKPIRefreshed        EventType = "kpi.refreshed"
)

// Event is a domain event as produced by the backend services. The payload
// stays raw here; only ingest validation and the mapper look inside.
type Event struct {
	Type     EventType       `json:"type"`
	TenantID string          `json:"tenantId"`
	Payload  json.RawMessage `json:"payload"`
}

// Envelope wraps an Event for the durable per-tenant log. ID is assigned by
// the log on append and doubles as the replay cursor.
type Envelope struct {
	ID            string    `json:"id,omitempty"`
	SchemaVersion int       `json:"schemaVersion"`
	Source        string    `json:"source"`
	Timestamp     time.Time `json:"timestamp"`
	Event         Event     `json:"event"`
}

type CardStageTransitionPayload struct {
	CardID     string `json:"cardId" validate:"required"`
	FacilityID string `json:"facilityId" validate:"required"`
	PartID     string `json:"partId"`
	FromStage  string `json:"fromStage"`
	ToStage    string `json:"toStage" validate:"required"`
	MovedBy    string `json:"movedBy"`
}

type InventoryAdjustedPayload struct {
	FacilityID string  `json:"facilityId" validate:"required"`
	PartID     string  `json:"partId" validate:"required"`
	Field      string  `json:"field" validate:"required"`
	Value      float64 `json:"value"`
	AdjustedBy string  `json:"adjustedBy"`
}

type OrderCreatedPayload struct {
	OrderID    string `json:"orderId" validate:"required"`
	SupplierID string `json:"supplierId"`
	FacilityID string `json:"facilityId"`
	PartID     string `json:"partId"`
	Quantity   int    `json:"quantity"`
}

type OrderStatusChangedPayload struct {
	OrderID    string `json:"orderId" validate:"required"`
	FromStatus string `json:"fromStatus"`
	ToStatus   string `json:"toStatus" validate:"required"`
}

type KPIRefreshedPayload struct {
	KPI        string  `json:"kpi" validate:"required"`
	FacilityID string  `json:"facilityId"`
	Window     string  `json:"window"`
	Value      float64 `json:"value"`
}
