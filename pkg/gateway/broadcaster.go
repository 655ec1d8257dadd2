package gateway

import (
	"github.com/rs/zerolog"
)

// EventBroadcaster sends events to every authenticated client
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
}

// NewEventBroadcaster creates a new event broadcaster
func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		clients: clients,
		logger:  logger,
	}
}

// Broadcast sends an untyped event to all authenticated clients
func (b *EventBroadcaster) Broadcast(event string, data interface{}) int {
	return b.BroadcastTyped(EventMessage{Event: event, Data: data})
}

// BroadcastTyped sends a typed event. Each client stamps its own sequence
// number so per-connection seq stays gapless. It returns the number of
// clients reached.
func (b *EventBroadcaster) BroadcastTyped(msg EventMessage) int {
	clients := b.clients.GetAuthenticatedClients()

	if len(clients) == 0 {
		b.logger.Debug().
			Str("event", msg.Event).
			Str("stream", string(msg.Stream)).
			Msg("No authenticated clients to broadcast to")
		return 0
	}

	successCount := 0
	failureCount := 0

	for _, client := range clients {
		// Session-scoped fields are filled per client
		if err := client.Send(msg); err != nil {
			b.logger.Warn().
				Err(err).
				Str("clientId", client.ID).
				Str("event", msg.Event).
				Msg("Failed to broadcast to client")
			failureCount++
		} else {
			successCount++
		}
	}

	b.logger.Debug().
		Str("event", msg.Event).
		Str("stream", string(msg.Stream)).
		Str("phase", msg.Phase).
		Int("success", successCount).
		Int("failed", failureCount).
		Msg("Event broadcast complete")

	return successCount
}
