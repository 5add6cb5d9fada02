package events

import (
	"context"
	"sync"
)

// Recorded is one captured Publish call, kept by Fake for assertions in
// tests.
type Recorded struct {
	Topic   Topic
	Payload interface{}
}

// Fake is an in-memory Publisher that records every call, used by
// component tests that assert an event was emitted without standing up a
// NATS server.
type Fake struct {
	mu      sync.Mutex
	Records []Recorded
}

// NewFake creates an empty recording publisher.
func NewFake() *Fake { return &Fake{} }

// Publish implements Publisher.
func (f *Fake) Publish(_ context.Context, topic Topic, payload interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Records = append(f.Records, Recorded{Topic: topic, Payload: payload})
}

// Close implements Publisher.
func (f *Fake) Close() {}

// Count returns how many events were published under topic.
func (f *Fake) Count(topic Topic) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.Records {
		if r.Topic == topic {
			n++
		}
	}
	return n
}
