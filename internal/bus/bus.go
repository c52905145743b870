// Package bus relays events between chatsync nodes.
package bus

import (
	"context"
	"fmt"

	"chatsync/internal/models"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// Handler receives events published by other nodes.
type Handler func(models.Event)

// Bus is a cross-node event relay. Events published by a node are never
// handed back to the same node.
type Bus interface {
	Publish(ctx context.Context, event models.Event) error
	// Listen subscribes and returns once the subscription is active.
	// Events are handed to handler until ctx is done.
	Listen(ctx context.Context, handler Handler) error
	Close() error
}

type frame struct {
	Source string       `msgpack:"source"`
	Event  models.Event `msgpack:"event"`
}

// NodeID returns a fresh random node identifier.
func NodeID() string {
	return uuid.NewString()
}

func encode(source string, event models.Event) ([]byte, error) {
	data, err := msgpack.Marshal(frame{Source: source, Event: event})
	if err != nil {
		return nil, fmt.Errorf("failed to encode bus frame: %w", err)
	}
	return data, nil
}

// decode returns the event and whether it came from another node.
func decode(self string, data []byte) (models.Event, bool, error) {
	var f frame
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return models.Event{}, false, fmt.Errorf("failed to decode bus frame: %w", err)
	}
	return f.Event, f.Source != self, nil
}
