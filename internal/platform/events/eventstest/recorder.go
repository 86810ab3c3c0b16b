// Package eventstest provides an in-memory events.Publisher for tests.
package eventstest

import (
	"context"
	"sync"

	"github.com/ehr/patient-records/internal/platform/events"
)

// Recorder keeps published events in memory. When Err is set Publish fails
// and nothing is recorded.
type Recorder struct {
	mu     sync.Mutex
	Events []events.Event
	Err    error
}

var _ events.Publisher = (*Recorder)(nil)

func (r *Recorder) Publish(_ context.Context, evt events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.Events = append(r.Events, evt)
	return nil
}

// Types returns the recorded event types in publish order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.Events))
	for i, evt := range r.Events {
		out[i] = evt.Type
	}
	return out
}
