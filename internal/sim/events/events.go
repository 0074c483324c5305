// Package events queues actions against simulation time. The simulator uses
// it to apply link demand changes at scripted instants between steps.
package events

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/nodal-network-sim/timectrl"
)

// Action is run once when its scheduled time is reached.
type Action func(ctx context.Context) error

type event struct {
	id        string
	name      string
	when      time.Time
	fn        Action
	cancelled bool
}

// Scheduler holds pending actions ordered by time. Actions scheduled for the
// same instant run in the order they were added.
type Scheduler struct {
	clock timectrl.SimClock

	mu      sync.Mutex
	counter uint64
	queue   []*event // earliest first
	byID    map[string]*event
}

// NewScheduler returns a scheduler that reads the current time from clock.
func NewScheduler(clock timectrl.SimClock) *Scheduler {
	return &Scheduler{clock: clock, byID: make(map[string]*event)}
}

// Now returns the clock's current simulation time.
func (s *Scheduler) Now() time.Time {
	return s.clock.Now()
}

// Schedule queues fn to run at simulation time at and returns its ID. name
// only appears in errors.
func (s *Scheduler) Schedule(at time.Time, name string, fn Action) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counter++
	ev := &event{id: fmt.Sprintf("ev-%d", s.counter), name: name, when: at, fn: fn}

	// Insert after every event at or before at.
	idx := sort.Search(len(s.queue), func(i int) bool {
		return s.queue[i].when.After(at)
	})
	s.queue = append(s.queue, nil)
	copy(s.queue[idx+1:], s.queue[idx:])
	s.queue[idx] = ev
	s.byID[ev.id] = ev
	return ev.id
}

// Cancel drops a pending action. It reports whether one was found.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.byID[id]
	if !ok {
		return false
	}
	ev.cancelled = true
	delete(s.byID, id)
	return true
}

// Pending returns the number of actions still queued.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// RunDue runs every action scheduled at or before the clock's current time.
func (s *Scheduler) RunDue(ctx context.Context) (int, error) {
	return s.RunUntil(ctx, s.clock.Now())
}

// RunUntil runs, in time order, every action scheduled at or before t. It
// stops at the first failing action; that action is consumed and later ones
// stay queued. Actions run without the lock held and may schedule more.
func (s *Scheduler) RunUntil(ctx context.Context, t time.Time) (int, error) {
	ran := 0
	for {
		ev := s.popDue(t)
		if ev == nil {
			return ran, nil
		}
		ran++
		if ev.fn == nil {
			continue
		}
		if err := ev.fn(ctx); err != nil {
			return ran, fmt.Errorf("event %s (%s) at %s: %w", ev.id, ev.name, ev.when.Format(time.RFC3339Nano), err)
		}
	}
}

func (s *Scheduler) popDue(t time.Time) *event {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.queue) > 0 {
		ev := s.queue[0]
		if ev.cancelled {
			s.queue = s.queue[1:]
			continue
		}
		if ev.when.After(t) {
			return nil
		}
		s.queue = s.queue[1:]
		delete(s.byID, ev.id)
		return ev
	}
	return nil
}
