// Package event defines the typed domain events carried on the bus, the
// subjects they are published to and the header names that accompany them.
//
// The payload of every message is the JSON encoding of the event struct.
// Metadata (type, id, source) travels in message headers so that the payload
// stays exactly the shape consumers expect.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Header names set on every published message.
const (
	HeaderEventType = "event_type"
	HeaderEventID   = "event_id"
	HeaderSource    = "event_source"
)

// TimestampLayout is the ISO-8601 layout used for string timestamps.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

var (
	// ErrUnknownType is returned by Decode for an unregistered event type.
	ErrUnknownType = errors.New("unknown event type")
	// ErrInvalid wraps validation failures.
	ErrInvalid = errors.New("invalid event")
)

// Event is a domain occurrence that can be published on the bus.
type Event interface {
	// Type is the event type name, sent in the event_type header.
	Type() string
	// Subject is the NATS subject the event is published to.
	Subject() string
	// Validate reports whether the event satisfies its invariants.
	Validate() error
}

// Factory returns a new zero value of a registered event type.
type Factory func() Event

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes an event type decodable by Decode. Registering the same
// type twice replaces the earlier factory.
func Register(eventType string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[eventType] = f
}

// Registered returns the sorted list of registered event types.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	types := make([]string, 0, len(registry))
	for t := range registry {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// New returns a zero value for the given event type.
func New(eventType string) (Event, error) {
	registryMu.RLock()
	f, ok := registry[eventType]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, eventType)
	}
	return f(), nil
}

// Decode unmarshals data into the registered type for eventType and
// validates the result.
func Decode(eventType string, data []byte) (Event, error) {
	ev, err := New(eventType)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", eventType, err)
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

func invalid(eventType, reason string) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalid, eventType, reason)
}
