package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DefaultTopic receives one event per successful prediction.
const DefaultTopic = "pollen.predictions"

// EventType is carried in the event-type message header.
const EventType = "pollen.prediction.completed"

// PredictionEvent records a served prediction for downstream consumers.
type PredictionEvent struct {
	EventID             string             `json:"event_id"`
	OccurredAt          time.Time          `json:"occurred_at"`
	CorrelationID       string             `json:"correlation_id,omitempty"`
	Suburb              string             `json:"suburb"`
	Latitude            float64            `json:"latitude"`
	Longitude           float64            `json:"longitude"`
	DensityKnown        bool               `json:"density_known"`
	PredictedPollenRisk int                `json:"predicted_pollen_risk"`
	Model               string             `json:"model"`
	Features            map[string]float64 `json:"features"`
}

// NewPredictionEvent stamps a new event id and time onto e.
func NewPredictionEvent(e PredictionEvent, now time.Time) PredictionEvent {
	e.EventID = uuid.NewString()
	e.OccurredAt = now.UTC()
	return e
}

// Publisher hands prediction events to a sink. Publish must not block the request path.
type Publisher interface {
	Publish(ctx context.Context, e PredictionEvent) error
	Close() error
}

// Noop discards events. It is the publisher when no brokers are configured.
type Noop struct{}

func (Noop) Publish(context.Context, PredictionEvent) error { return nil }

func (Noop) Close() error { return nil }
