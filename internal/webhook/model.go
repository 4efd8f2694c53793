package webhook

import "time"

type EventStatus string

const (
	StatusReceived   EventStatus = "RECEIVED"
	StatusProcessing EventStatus = "PROCESSING"
	StatusProcessed  EventStatus = "PROCESSED"
	StatusFailed     EventStatus = "FAILED"
)

// Event is the deduplicated record of one provider notification. EventID is
// the provider-assigned id and is unique: re-delivery never creates a second
// row, and a PROCESSED row never re-applies side effects.
type Event struct {
	ID           int64
	EventID      string
	EventType    string
	Status       EventStatus
	ErrorMessage *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
