// Package event provides the in-memory event hub for conversation and message notifications.
package event

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const (
	// DefaultBufferSize is the default per-subscriber channel buffer.
	DefaultBufferSize = 64
)

// Type identifies the event category published by the hub.
type Type string

const (
	// TypeConversationCreated is emitted exactly once when a conversation row is first created.
	TypeConversationCreated Type = "conversation_created"
	// TypeMessageReceived is emitted after a genuine (non-echo) incoming message is persisted.
	TypeMessageReceived Type = "message_received"
	// TypeMessageUpdated is emitted when dispatch or a delivery ack changes a message's status fields.
	TypeMessageUpdated Type = "message_updated"
)

// Event is the normalized payload emitted by the in-process hub.
type Event struct {
	Type           Type            `json:"type"`
	OrganizationID string          `json:"organization_id"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// Publisher publishes events to subscribers.
type Publisher interface {
	Publish(event Event)
}

// Subscriber subscribes to organization-scoped events.
type Subscriber interface {
	Subscribe(organizationID string, buffer int) (string, <-chan Event, func())
}

// Hub is an in-process pub/sub dispatcher for organization-scoped events.
type Hub struct {
	mu      sync.RWMutex
	streams map[string]map[string]chan Event
}

// NewHub creates an empty event hub.
func NewHub() *Hub {
	return &Hub{
		streams: map[string]map[string]chan Event{},
	}
}

// Publish broadcasts one event to all subscribers under the same organization.
// Slow subscribers are dropped in a non-blocking way.
func (h *Hub) Publish(event Event) {
	if h == nil {
		return
	}
	orgID := strings.TrimSpace(event.OrganizationID)
	if orgID == "" {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.streams[orgID] {
		select {
		case ch <- event:
		default:
			// Drop if receiver is slow to avoid blocking the persistence path.
		}
	}
}

// Subscribe registers one subscriber under an organization ID.
// It returns a stream ID, read-only event channel, and a cancel function.
func (h *Hub) Subscribe(organizationID string, buffer int) (string, <-chan Event, func()) {
	if h == nil {
		ch := make(chan Event)
		close(ch)
		return "", ch, func() {}
	}
	orgID := strings.TrimSpace(organizationID)
	if orgID == "" {
		ch := make(chan Event)
		close(ch)
		return "", ch, func() {}
	}
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}

	streamID := uuid.NewString()
	ch := make(chan Event, buffer)

	h.mu.Lock()
	streams, ok := h.streams[orgID]
	if !ok {
		streams = map[string]chan Event{}
		h.streams[orgID] = streams
	}
	streams[streamID] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			streams := h.streams[orgID]
			if streams != nil {
				if current, ok := streams[streamID]; ok {
					delete(streams, streamID)
					close(current)
				}
				if len(streams) == 0 {
					delete(h.streams, orgID)
				}
			}
			h.mu.Unlock()
		})
	}

	return streamID, ch, cancel
}

// Marshal encodes a payload for Event.Data, returning nil on failure so
// publishing never blocks on a bad payload.
func Marshal(payload any) json.RawMessage {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	return data
}
