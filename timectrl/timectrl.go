package timectrl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrInvalidTick is returned by Run and Start when Tick is not positive.
var ErrInvalidTick = errors.New("tick must be positive")

// SimClock is an interface for reading simulation time, so components can
// depend on a clock abstraction rather than a concrete controller.
type SimClock interface {
	// Now returns the current simulation time.
	Now() time.Time
}

// Mode describes how the TimeController advances simulation time.
type Mode int

const (
	// RealTime paces ticks against the wall clock.
	RealTime Mode = iota
	// Accelerated advances as quickly as the listeners allow while still
	// stepping by Tick.
	Accelerated
)

// Listener is invoked once per tick with the new simulation time and the
// tick length. A non-nil error stops the controller.
type Listener func(now time.Time, dt time.Duration) error

// TimeController drives simulation time and notifies registered listeners.
// It implements SimClock.
type TimeController struct {
	mu        sync.RWMutex
	StartTime time.Time
	Tick      time.Duration
	Mode      Mode

	currentTime time.Time
	ticks       int

	listeners []Listener
}

// NewTimeController constructs a controller.
func NewTimeController(start time.Time, tick time.Duration, mode Mode) *TimeController {
	return &TimeController{
		StartTime:   start,
		Tick:        tick,
		Mode:        mode,
		currentTime: start,
	}
}

// Now returns the current simulation time. Implements SimClock.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// SetTime moves the simulation clock without notifying listeners.
func (tc *TimeController) SetTime(t time.Time) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.currentTime = t
}

// Ticks returns the number of ticks advanced so far.
func (tc *TimeController) Ticks() int {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.ticks
}

// AddListener registers a callback invoked on every tick.
func (tc *TimeController) AddListener(fn Listener) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.listeners = append(tc.listeners, fn)
}

// Step advances simulation time by one tick and runs the listeners
// synchronously, stopping at the first listener error.
func (tc *TimeController) Step() error {
	tc.mu.Lock()
	tc.currentTime = tc.currentTime.Add(tc.Tick)
	tc.ticks++
	now := tc.currentTime
	listeners := append([]Listener(nil), tc.listeners...)
	tc.mu.Unlock()

	for _, fn := range listeners {
		if err := fn(now, tc.Tick); err != nil {
			return err
		}
	}
	return nil
}

// Run advances time from the current simulation time for duration (forever
// if duration <= 0), returning when the duration is covered, a listener
// fails, or ctx is done.
func (tc *TimeController) Run(ctx context.Context, duration time.Duration) error {
	if tc.Tick <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTick, tc.Tick)
	}
	var ticker *time.Ticker
	if tc.Mode == RealTime {
		ticker = time.NewTicker(tc.Tick)
		defer ticker.Stop()
	}

	for elapsed := time.Duration(0); duration <= 0 || elapsed < duration; elapsed += tc.Tick {
		if ticker != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		if err := tc.Step(); err != nil {
			return err
		}
	}
	return nil
}

// Start runs the controller from StartTime for the specified duration in a
// separate goroutine. It returns a channel that receives the run's result
// and is then closed. An invalid Tick is reported on the channel without
// moving the clock.
func (tc *TimeController) Start(ctx context.Context, duration time.Duration) <-chan error {
	done := make(chan error, 1)
	if tc.Tick <= 0 {
		done <- fmt.Errorf("%w: %s", ErrInvalidTick, tc.Tick)
		close(done)
		return done
	}
	tc.SetTime(tc.StartTime)
	go func() {
		defer close(done)
		done <- tc.Run(ctx, duration)
	}()
	return done
}
