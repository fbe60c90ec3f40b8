package broker

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// BatchRef carries the batch fields a worker needs to build an envelope.
type BatchRef struct {
	ID           string    `msgpack:"id"`
	CollectionID string    `msgpack:"collectionId"`
	IngestedAt   time.Time `msgpack:"ingestedAt"`
	NumEvents    int       `msgpack:"numEvents"`
}

// EventMessage is the payload published once per ingested event. Event
// holds the raw JSON object so field order and number precision survive.
type EventMessage struct {
	Batch BatchRef `msgpack:"batch"`
	Event []byte   `msgpack:"event"`
}

// Encode serializes an EventMessage with msgpack.
func (m EventMessage) Encode() ([]byte, error) {
	return msgpack.Marshal(&m)
}

// DecodeEventMessage parses a payload produced by Encode.
func DecodeEventMessage(data []byte) (EventMessage, error) {
	var m EventMessage
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return EventMessage{}, fmt.Errorf("decode event message: %w", err)
	}
	if m.Batch.CollectionID == "" {
		return EventMessage{}, fmt.Errorf("decode event message: missing collection id")
	}
	return m, nil
}
