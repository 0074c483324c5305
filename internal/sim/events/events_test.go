package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/signalsfoundry/nodal-network-sim/timectrl"
)

func record(log *[]string, name string) Action {
	return func(context.Context) error {
		*log = append(*log, name)
		return nil
	}
}

func TestRunDueOrdersByTime(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tc := timectrl.NewTimeController(start, time.Second, timectrl.Accelerated)
	s := NewScheduler(tc)

	var got []string
	s.Schedule(start.Add(2*time.Second), "late", record(&got, "late"))
	s.Schedule(start.Add(time.Second), "first", record(&got, "first"))
	s.Schedule(start.Add(time.Second), "second", record(&got, "second"))
	s.Schedule(start, "now", record(&got, "now"))

	if ran, err := s.RunDue(context.Background()); err != nil || ran != 1 {
		t.Fatalf("RunDue at start = %d, %v; want 1, nil", ran, err)
	}
	if err := tc.Step(); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if ran, err := s.RunDue(context.Background()); err != nil || ran != 2 {
		t.Fatalf("RunDue after 1s = %d, %v; want 2, nil", ran, err)
	}
	if diff := cmp.Diff([]string{"now", "first", "second"}, got); diff != "" {
		t.Fatalf("run order mismatch (-want +got):\n%s", diff)
	}
	if s.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", s.Pending())
	}
	if !s.Now().Equal(start.Add(time.Second)) {
		t.Fatalf("Now() = %v, want start+1s", s.Now())
	}
}

func TestCancel(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewScheduler(timectrl.NewTimeController(start, time.Second, timectrl.Accelerated))

	var got []string
	id := s.Schedule(start, "dropped", record(&got, "dropped"))
	s.Schedule(start, "kept", record(&got, "kept"))

	if !s.Cancel(id) {
		t.Fatalf("Cancel(%q) = false, want true", id)
	}
	if s.Cancel(id) {
		t.Fatalf("second Cancel(%q) = true, want false", id)
	}
	if ran, err := s.RunUntil(context.Background(), start); err != nil || ran != 1 {
		t.Fatalf("RunUntil = %d, %v; want 1, nil", ran, err)
	}
	if diff := cmp.Diff([]string{"kept"}, got); diff != "" {
		t.Fatalf("run mismatch (-want +got):\n%s", diff)
	}
	if s.Cancel("ev-99") {
		t.Fatalf("Cancel of unknown id returned true")
	}
}

func TestRunUntilStopsAtError(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewScheduler(timectrl.NewTimeController(start, time.Second, timectrl.Accelerated))

	boom := errors.New("boom")
	var got []string
	s.Schedule(start, "ok", record(&got, "ok"))
	s.Schedule(start.Add(time.Millisecond), "fails", func(context.Context) error { return boom })
	s.Schedule(start.Add(2*time.Millisecond), "after", record(&got, "after"))

	ran, err := s.RunUntil(context.Background(), start.Add(time.Second))
	if !errors.Is(err, boom) || ran != 2 {
		t.Fatalf("RunUntil = %d, %v; want 2, %v", ran, err, boom)
	}
	if s.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1 after failure", s.Pending())
	}

	ran, err = s.RunUntil(context.Background(), start.Add(time.Second))
	if err != nil || ran != 1 {
		t.Fatalf("second RunUntil = %d, %v; want 1, nil", ran, err)
	}
	if diff := cmp.Diff([]string{"ok", "after"}, got); diff != "" {
		t.Fatalf("run mismatch (-want +got):\n%s", diff)
	}
}

func TestActionsMayScheduleMore(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewScheduler(timectrl.NewTimeController(start, time.Second, timectrl.Accelerated))

	var got []string
	s.Schedule(start, "parent", func(ctx context.Context) error {
		got = append(got, "parent")
		s.Schedule(start, "child", record(&got, "child"))
		return nil
	})
	if ran, err := s.RunDue(context.Background()); err != nil || ran != 2 {
		t.Fatalf("RunDue = %d, %v; want 2, nil", ran, err)
	}
	if diff := cmp.Diff([]string{"parent", "child"}, got); diff != "" {
		t.Fatalf("run mismatch (-want +got):\n%s", diff)
	}
}
