// Package model defines the wire types shared by the batch service and its client.
package model

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a job.
//
//	Created -> Pending -> Running -> Complete
//	   \          \          \----> Cancelled
//
// Complete and Cancelled are terminal. A job that failed is Complete with a
// non-zero exit code.
type State string

// State constants
const (
	StateCreated   State = "Created"
	StatePending   State = "Pending"
	StateRunning   State = "Running"
	StateComplete  State = "Complete"
	StateCancelled State = "Cancelled"
)

// States lists every state in lifecycle order.
var States = []State{StateCreated, StatePending, StateRunning, StateComplete, StateCancelled}

// ErrUnknownState is returned by ParseState for values outside States.
var ErrUnknownState = errors.New("unknown job state")

// Terminal reports whether no further transition can happen from s.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateCancelled
}

// Valid reports whether s is one of States.
func (s State) Valid() bool {
	for _, v := range States {
		if s == v {
			return true
		}
	}
	return false
}

func (s State) String() string { return string(s) }

// ParseState converts a string to a State, naming the value on failure.
func ParseState(v string) (State, error) {
	s := State(v)
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownState, v)
	}
	return s, nil
}
