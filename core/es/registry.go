package es

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/wymanxh/AxonFramework/internal/reflector"
)

// EventRegistry maps payload type names to constructors so persisted
// payloads can be decoded during replay.
type EventRegistry struct {
	mu    sync.RWMutex
	ctors map[string]func() any
}

func NewEventRegistry() *EventRegistry {
	return &EventRegistry{ctors: map[string]func() any{}}
}

func (r *EventRegistry) Register(payloadType string, ctor func() any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctors[payloadType] = ctor
}

// RegisterPayload registers T under its derived payload type name.
func RegisterPayload[T any](r *EventRegistry) {
	r.Register(reflector.PayloadTypeFor[T](), func() any { return new(T) })
}

// Decode reconstructs the payload of entry as a registered type.
func (r *EventRegistry) Decode(entry EventEntry) (any, error) {
	r.mu.RLock()
	ctor, ok := r.ctors[entry.PayloadType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPayloadType, entry.PayloadType)
	}
	payload := ctor()
	if entry.Payload != nil {
		if err := json.Unmarshal(entry.Payload, payload); err != nil {
			return nil, err
		}
	}
	return payload, nil
}
