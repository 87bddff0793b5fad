// Package scheduler runs the device's cooperative control loop: periodic
// tasks first, then link maintenance, then inbound traffic, forever.
package scheduler

import (
	"context"
	"time"
)

// FireFunc performs a task's action.
type FireFunc func(ctx context.Context) error

// Task is a periodic action driven by elapsed time.
type Task struct {
	Name     string
	Interval time.Duration
	Fire     FireFunc

	// LastFired is when the task last fired. It is set before Fire runs,
	// so a slow action does not shift the schedule.
	LastFired time.Time

	fired     bool
	runs      int
	failures  int
	lastError error
}

// Due reports whether the task should fire at now: it has never fired,
// or at least Interval has elapsed since it last did.
func (t *Task) Due(now time.Time) bool {
	if !t.fired {
		return true
	}
	return now.Sub(t.LastFired) >= t.Interval
}

// TaskStatus is a snapshot of a task for the status endpoint.
type TaskStatus struct {
	Name      string        `json:"name"`
	Interval  time.Duration `json:"interval"`
	LastFired time.Time     `json:"last_fired,omitzero"`
	Runs      int           `json:"runs"`
	Failures  int           `json:"failures"`
	LastError string        `json:"last_error,omitempty"`
}

func (t *Task) status() TaskStatus {
	st := TaskStatus{
		Name:      t.Name,
		Interval:  t.Interval,
		LastFired: t.LastFired,
		Runs:      t.runs,
		Failures:  t.failures,
	}
	if t.lastError != nil {
		st.LastError = t.lastError.Error()
	}
	return st
}
