package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TaskRef names a task in the task registry together with its arguments.
type TaskRef struct {
	Name string
	Args json.RawMessage
}

func (r TaskRef) String() string { return r.Name }

type Status int

const (
	StatusInactive Status = iota
	StatusQueued
	StatusAwaitingHandoff
	StatusRunning
	StatusFinishedWaiting
	StatusErroredWaiting
	StatusFinished
	StatusErrored
	StatusKilledWaiting
)

// Statuses lists every status in declaration order.
var Statuses = []Status{
	StatusInactive,
	StatusQueued,
	StatusAwaitingHandoff,
	StatusRunning,
	StatusFinishedWaiting,
	StatusErroredWaiting,
	StatusFinished,
	StatusErrored,
	StatusKilledWaiting,
}

func (s Status) String() string {
	switch s {
	case StatusInactive:
		return "INACTIVE"
	case StatusQueued:
		return "QUEUED"
	case StatusAwaitingHandoff:
		return "AWAITING_HANDOFF"
	case StatusRunning:
		return "RUNNING"
	case StatusFinishedWaiting:
		return "FINISHED_WAITING"
	case StatusErroredWaiting:
		return "ERRORED_WAITING"
	case StatusFinished:
		return "FINISHED"
	case StatusErrored:
		return "ERRORED"
	case StatusKilledWaiting:
		return "KILLED_WAITING"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Live reports whether a worker in this status owns a subprocess.
func (s Status) Live() bool {
	switch s {
	case StatusAwaitingHandoff, StatusRunning, StatusFinishedWaiting, StatusErroredWaiting, StatusKilledWaiting:
		return true
	}
	return false
}

type Trigger int

const (
	TriggerEnqueue Trigger = iota
	TriggerLaunch
	TriggerStart
	TriggerFinish
	TriggerFatal
	TriggerKill
	// TriggerExit is a subprocess exit with code 0.
	TriggerExit
	// TriggerCrash is a non-zero exit or a failed launch.
	TriggerCrash
	TriggerDeactivate
)

func (t Trigger) String() string {
	switch t {
	case TriggerEnqueue:
		return "enqueue"
	case TriggerLaunch:
		return "launch"
	case TriggerStart:
		return "start"
	case TriggerFinish:
		return "finish"
	case TriggerFatal:
		return "fatal"
	case TriggerKill:
		return "kill"
	case TriggerExit:
		return "exit"
	case TriggerCrash:
		return "crash"
	case TriggerDeactivate:
		return "deactivate"
	}
	return fmt.Sprintf("Trigger(%d)", int(t))
}

var ErrInvalidTransition = errors.New("invalid transition")

// Transition returns the status reached from `from` when t fires.
func Transition(from Status, t Trigger) (Status, error) {
	switch t {
	case TriggerEnqueue:
		if !from.Live() {
			return StatusQueued, nil
		}
	case TriggerLaunch:
		if from == StatusQueued {
			return StatusAwaitingHandoff, nil
		}
	case TriggerStart:
		if from == StatusAwaitingHandoff {
			return StatusRunning, nil
		}
	case TriggerFinish:
		if from == StatusRunning {
			return StatusFinishedWaiting, nil
		}
	case TriggerFatal:
		if from == StatusRunning {
			return StatusErroredWaiting, nil
		}
	case TriggerKill:
		switch from {
		case StatusRunning, StatusFinishedWaiting, StatusErroredWaiting:
			return StatusKilledWaiting, nil
		}
	case TriggerExit:
		switch from {
		case StatusFinishedWaiting:
			return StatusFinished, nil
		case StatusErroredWaiting:
			return StatusErrored, nil
		case StatusKilledWaiting, StatusAwaitingHandoff, StatusRunning:
			return StatusInactive, nil
		}
	case TriggerCrash:
		if from.Live() {
			return StatusInactive, nil
		}
	case TriggerDeactivate:
		if from.Live() {
			return from, nil
		}
		return StatusInactive, nil
	}
	return from, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, t, from)
}

type EventKind string

const (
	EventLaunch EventKind = "launch"
	EventFinish EventKind = "finish"
	EventFail   EventKind = "fail"
)

// Fail reasons produced by the supervisor itself. Task failures use the
// task's own error headline instead.
const (
	ReasonTimeout        = "TIMEOUT"
	ReasonTermUnexpected = "TERM_UNEXPECTED"
)

// Event is a worker notification delivered to listeners.
type Event struct {
	Worker    string
	Task      string
	Kind      EventKind
	Value     json.RawMessage // finish only
	Reason    string          // fail only
	Status    Status          // status at emission time
	StartedAt time.Time
	EndedAt   time.Time
}
