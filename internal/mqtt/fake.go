package mqtt

import (
	"sync"

	"github.com/sweeney/evse-controller/internal/pilot"
)

// FakePublisher records published events for test assertions. It is safe
// for use from the tick goroutine and the test goroutine at once.
type FakePublisher struct {
	mu sync.Mutex

	// Transitions contains all pilot transitions that were published.
	Transitions []pilot.Transition

	// Payloads contains the JSON payloads that were published.
	Payloads [][]byte

	// SystemEvents contains all system events that were published.
	SystemEvents []SystemEvent

	// SystemPayloads contains the JSON payloads for system events.
	SystemPayloads [][]byte

	// Replies contains command replies produced by Deliver.
	Replies [][]byte

	// PublishError, if set, will be returned by Publish.
	PublishError error

	// PublishSystemError, if set, will be returned by PublishSystem.
	PublishSystemError error

	// Closed tracks if Close was called.
	Closed bool

	// Connected controls the return value of IsConnected.
	Connected bool

	handler CommandHandler
}

// NewFakePublisher creates a FakePublisher. handler serves Deliver and may
// be nil.
func NewFakePublisher(handler CommandHandler) *FakePublisher {
	return &FakePublisher{handler: handler}
}

// Publish records the transition.
func (f *FakePublisher) Publish(t pilot.Transition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	payload, err := FormatPayload(t)
	if err != nil {
		return err
	}
	f.Transitions = append(f.Transitions, t)
	f.Payloads = append(f.Payloads, payload)
	return nil
}

// PublishSystem records the system event.
func (f *FakePublisher) PublishSystem(event SystemEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishSystemError != nil {
		return f.PublishSystemError
	}
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return err
	}
	f.SystemEvents = append(f.SystemEvents, event)
	f.SystemPayloads = append(f.SystemPayloads, payload)
	return nil
}

// Deliver simulates a message arriving on the command topic and returns the
// reply that would be published.
func (f *FakePublisher) Deliver(payload []byte) []byte {
	if f.handler == nil {
		return nil
	}
	reply := f.handler(payload)
	f.mu.Lock()
	f.Replies = append(f.Replies, reply)
	f.mu.Unlock()
	return reply
}

// Close marks the publisher as closed.
func (f *FakePublisher) Close() error {
	f.mu.Lock()
	f.Closed = true
	f.mu.Unlock()
	return nil
}

// IsConnected reports whether the fake publisher is "connected".
func (f *FakePublisher) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Connected
}

// Events returns the system event names in order.
func (f *FakePublisher) Events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, len(f.SystemEvents))
	for i, e := range f.SystemEvents {
		names[i] = e.Event
	}
	return names
}

// TransitionCount returns how many transitions were recorded.
func (f *FakePublisher) TransitionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Transitions)
}

// Reset clears recorded events.
func (f *FakePublisher) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Transitions = nil
	f.Payloads = nil
	f.SystemEvents = nil
	f.SystemPayloads = nil
	f.Replies = nil
	f.Closed = false
	f.PublishError = nil
	f.PublishSystemError = nil
	f.Connected = false
}
