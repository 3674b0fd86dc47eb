package dispatch

import "time"

// The engine publishes typed events to an abstract sink; the transport owns
// all connection bookkeeping. Events are tagged with the participants they
// concern so the transport can fan out to connected clients.

type EventType string

const (
	EventTripOffered       EventType = "trip_offered"
	EventTripAssigned      EventType = "trip_assigned"
	EventPositionUpdated   EventType = "position_updated"
	EventETAUpdated        EventType = "eta_updated"
	EventTripStatusChanged EventType = "trip_status_changed"
)

type Event struct {
	Type     EventType `json:"type"`
	TripID   string    `json:"trip_id,omitempty"`
	DriverID string    `json:"driver_id,omitempty"`
	RiderID  string    `json:"rider_id,omitempty"`
	At       time.Time `json:"at"`
	Payload  any       `json:"payload,omitempty"`
}

// Recipients lists the client IDs this event should reach.
func (e Event) Recipients() []string {
	out := make([]string, 0, 2)
	if e.DriverID != "" {
		out = append(out, e.DriverID)
	}
	if e.RiderID != "" && e.RiderID != e.DriverID {
		out = append(out, e.RiderID)
	}
	return out
}

type Sink interface {
	Publish(ev Event) error
}
