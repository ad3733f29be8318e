package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/hospital/hms/internal/platform/websocket"
)

// HubPublisher pushes events to websocket clients subscribed to the tenant's
// inventory topic or to the drug's own topic.
type HubPublisher struct {
	hub *websocket.Hub
}

func NewHubPublisher(hub *websocket.Hub) *HubPublisher {
	return &HubPublisher{hub: hub}
}

func DrugTopic(drugID uuid.UUID) string {
	return "Drug/" + drugID.String()
}

func (p *HubPublisher) Publish(_ context.Context, evts ...StockEvent) error {
	for _, e := range evts {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal %s event: %w", e.Type, err)
		}
		p.hub.Broadcast(websocket.Message{
			Type: string(e.Type),
			Topics: []string{
				websocket.ScopedTopic(e.TenantID, websocket.TopicInventory),
				websocket.ScopedTopic(e.TenantID, DrugTopic(e.DrugID)),
			},
			Timestamp: e.OccurredAt,
			Data:      data,
		})
	}
	return nil
}
