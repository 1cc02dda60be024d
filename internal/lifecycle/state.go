package lifecycle

import (
	"time"

	"github.com/rocdaq/readout/internal/readout"
)

// State is the run-control state of the controller.
type State int32

const (
	Booted State = iota
	Downloaded
	Prestarted
	Active
	Paused
	Ended
)

var stateNames = [...]string{
	Booted:     "booted",
	Downloaded: "downloaded",
	Prestarted: "prestarted",
	Active:     "active",
	Paused:     "paused",
	Ended:      "ended",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Action names a run-control command.
type Action string

const (
	ActionDownload Action = "download"
	ActionPrestart Action = "prestart"
	ActionGo       Action = "go"
	ActionPause    Action = "pause"
	ActionEnd      Action = "end"
	ActionReset    Action = "reset"
)

// Actions lists every run-control command in lifecycle order.
var Actions = []Action{ActionDownload, ActionPrestart, ActionGo, ActionPause, ActionEnd, ActionReset}

// allowed maps each action to the states it may be issued from. Reset is
// accepted from any state.
var allowed = map[Action][]State{
	ActionDownload: {Booted, Downloaded, Ended},
	ActionPrestart: {Downloaded, Ended},
	ActionGo:       {Prestarted, Paused},
	ActionPause:    {Active},
	ActionEnd:      {Prestarted, Active, Paused},
}

func permitted(action Action, from State) bool {
	if action == ActionReset {
		return true
	}
	for _, s := range allowed[action] {
		if s == from {
			return true
		}
	}
	return false
}

// Transition describes a completed state change.
type Transition struct {
	Action    Action
	From      State
	To        State
	RunID     string
	RunNumber uint64
	At        time.Time
	// Report is set for the end transition.
	Report *EndReport
}

// Observer is notified after every successful transition. Observers run
// synchronously on the goroutine that issued the command.
type Observer interface {
	OnTransition(t Transition)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Transition)

// OnTransition implements Observer.
func (f ObserverFunc) OnTransition(t Transition) { f(t) }

// EndReport summarizes a run at the end transition.
type EndReport struct {
	RunID     string                `json:"run_id"`
	RunNumber uint64                `json:"run_number"`
	StartedAt time.Time             `json:"started_at"`
	EndedAt   time.Time             `json:"ended_at"`
	DrainWait time.Duration         `json:"drain_wait_ns"`
	TimedOut  bool                  `json:"timed_out"`
	Discarded int                   `json:"discarded"`
	Anomalies uint64                `json:"anomalies"`
	Channels  []readout.Diagnostics `json:"channels"`
}

// Events returns the number of events published across all channels.
func (r *EndReport) Events() uint64 {
	var total uint64
	for i := range r.Channels {
		total += r.Channels[i].Published
	}
	return total
}

// Stalls returns the number of stalled triggers across all channels.
func (r *EndReport) Stalls() uint64 {
	var total uint64
	for i := range r.Channels {
		total += r.Channels[i].Stalls
	}
	return total
}

// Overflows returns the number of truncated events across all channels.
func (r *EndReport) Overflows() uint64 {
	var total uint64
	for i := range r.Channels {
		total += r.Channels[i].Overflows
	}
	return total
}

// RunInfo is a snapshot of the current run.
type RunInfo struct {
	State     string     `json:"state"`
	RunID     string     `json:"run_id,omitempty"`
	RunNumber uint64     `json:"run_number"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	Anomalies uint64     `json:"anomalies"`
	Channels  int        `json:"channels"`
}
