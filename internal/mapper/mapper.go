// Package mapper translates internal domain events into their client-facing
// wire shapes and derives the coalescing keys for high-frequency event types.
package mapper

import (
	"encoding/json"
	"time"

	"github.com/arda-kanban/realtime-gateway/internal/domain"
)

// Wire-facing event names. These are what clients subscribe on; they do not
// have to match the internal domain type names.
const (
	WireCardMoved       = "card_moved"
	WireInventoryUpdate = "inventory_update"
	WireOrderCreated    = "order_created"
	WireOrderStatus     = "order_status"
	WireKPIUpdate       = "kpi_update"
)

var wireNames = map[domain.EventType]string{
	domain.EventCardStageTransition: WireCardMoved,
	domain.EventInventoryAdjusted:   WireInventoryUpdate,
	domain.EventOrderCreated:        WireOrderCreated,
	domain.EventOrderStatusChanged:  WireOrderStatus,
	domain.EventKPIRefreshed:        WireKPIUpdate,
}

// Map reshapes a domain event into its wire form. The second return is false
// for event types with no wire mapping; those are not delivered at all.
func Map(evt domain.Event, ts time.Time) (domain.WireEvent, bool) {
	name, ok := wireNames[evt.Type]
	if !ok {
		return domain.WireEvent{}, false
	}
	return domain.WireEvent{
		Type:      name,
		TenantID:  evt.TenantID,
		Payload:   evt.Payload,
		Timestamp: ts,
	}, true
}

// DebounceKey identifies "the same logical quantity" across repeated updates.
// It returns "" for event types that are never coalesced. Inventory
// adjustments coalesce per tenant/facility/part/field; KPI refreshes per
// tenant/kpi/facility/window.
func DebounceKey(evt domain.Event) string {
	switch evt.Type {
	case domain.EventInventoryAdjusted:
		var p domain.InventoryAdjustedPayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			return ""
		}
		return evt.TenantID + "|inv|" + p.FacilityID + "|" + p.PartID + "|" + p.Field
	case domain.EventKPIRefreshed:
		var p domain.KPIRefreshedPayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			return ""
		}
		return evt.TenantID + "|kpi|" + p.KPI + "|" + p.FacilityID + "|" + p.Window
	default:
		return ""
	}
}
