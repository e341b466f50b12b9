package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"streamvault/internal/models"
)

// Name enumerates the processing events delivered to observers.
type Name string

const (
	// NameProcessingStart is emitted once an asset has entered processing.
	NameProcessingStart Name = "processing_start"
	// NameProgress reports the persisted progress of a processing asset.
	NameProgress Name = "progress"
	// NameProcessed is emitted when an asset reaches the completed state.
	NameProcessed Name = "processed"
	// NameProcessingFailed is emitted when an asset is forced into the failed
	// state. Publishing it is opt-in.
	NameProcessingFailed Name = "processing_failed"
)

// Event is the envelope forwarded to observers. Data carries one of the
// payload types below, already encoded.
type Event struct {
	Name       Name            `json:"event"`
	Data       json.RawMessage `json:"data"`
	OccurredAt time.Time       `json:"occurredAt"`
}

// ProcessingStartPayload is the data of a processing_start event.
type ProcessingStartPayload struct {
	AssetID string `json:"assetId"`
}

// ProgressPayload is the data of a progress event.
type ProgressPayload struct {
	AssetID  string `json:"assetId"`
	Progress int    `json:"progress"`
}

// ProcessedPayload is the data of a processed event.
type ProcessedPayload struct {
	AssetID        string                `json:"assetId"`
	Status         models.AssetStatus    `json:"status"`
	Classification models.Classification `json:"classification"`
}

// ProcessingFailedPayload is the data of a processing_failed event.
type ProcessingFailedPayload struct {
	AssetID string             `json:"assetId"`
	Status  models.AssetStatus `json:"status"`
}

// New encodes payload into an event envelope stamped with at.
func New(name Name, payload any, at time.Time) (Event, error) {
	if name == "" {
		return Event{}, errors.New("event name is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", name, err)
	}
	return Event{Name: name, Data: data, OccurredAt: at.UTC()}, nil
}

// Decode unmarshals the event data into dst.
func (e Event) Decode(dst any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("event %s has no data", e.Name)
	}
	return json.Unmarshal(e.Data, dst)
}
