package event

import (
	"testing"
	"time"
)

func TestHubPublishScopedByOrganization(t *testing.T) {
	hub := NewHub()
	_, orgAStream, cancelA := hub.Subscribe("org-a", 8)
	defer cancelA()
	_, orgBStream, cancelB := hub.Subscribe("org-b", 8)
	defer cancelB()

	hub.Publish(Event{Type: TypeMessageReceived, OrganizationID: "org-a"})

	select {
	case <-orgAStream:
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("expected event for org-a subscriber")
	}

	select {
	case <-orgBStream:
		t.Fatalf("did not expect org-b subscriber to receive org-a event")
	case <-time.After(120 * time.Millisecond):
	}
}

func TestHubCancelUnsubscribe(t *testing.T) {
	hub := NewHub()
	_, stream, cancel := hub.Subscribe("org-a", 8)
	cancel()

	select {
	case _, ok := <-stream:
		if ok {
			t.Fatalf("expected stream to be closed after cancel")
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("timed out waiting for stream close")
	}
}

func TestHubSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	hub := NewHub()
	_, stream, cancel := hub.Subscribe("org-a", 1)
	defer cancel()

	hub.Publish(Event{Type: TypeConversationCreated, OrganizationID: "org-a"})
	hub.Publish(Event{Type: TypeConversationCreated, OrganizationID: "org-a"})
	hub.Publish(Event{Type: TypeConversationCreated, OrganizationID: "org-a"})

	select {
	case <-stream:
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("expected at least one event in buffer")
	}
}

func TestMarshalBadPayloadReturnsNil(t *testing.T) {
	if data := Marshal(make(chan int)); data != nil {
		t.Fatalf("expected nil for unmarshalable payload, got %q", data)
	}
}
