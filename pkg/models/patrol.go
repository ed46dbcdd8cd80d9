package models

import (
	"sync"

	"github.com/google/uuid"
)

// PatrolState is the position of a node relative to a patrol barrier
type PatrolState int

const (
	PatrolNone PatrolState = iota
	PatrolEnter
	PatrolLeave
)

func (s PatrolState) String() string {
	switch s {
	case PatrolEnter:
		return "enter"
	case PatrolLeave:
		return "leave"
	default:
		return "none"
	}
}

// PatrolListener is told when a node enters or leaves a patrol
type PatrolListener func(nodeID string, state PatrolState)

// Patrol is a barrier event. It travels with the data and is entered by each
// node when dequeued and left once everything ahead of it has been processed,
// so an observer knows when the preceding events have reached a node.
type Patrol struct {
	Header
	ID   string `json:"id"`
	Kind string `json:"kind,omitempty"`

	mu       sync.Mutex
	states   map[string]PatrolState
	listener PatrolListener
}

// NewPatrol creates a patrol. listener may be nil.
func NewPatrol(kind string, listener PatrolListener) *Patrol {
	return &Patrol{ID: uuid.NewString(), Kind: kind, states: map[string]PatrolState{}, listener: listener}
}

// Apply moves nodeID to state. Only none to enter and enter to leave are
// transitions; the listener fires once per transition and Apply reports
// whether one happened.
func (p *Patrol) Apply(nodeID string, state PatrolState) bool {
	p.mu.Lock()
	if p.states == nil {
		p.states = map[string]PatrolState{}
	}
	current := p.states[nodeID]
	if state != current+1 || state > PatrolLeave {
		p.mu.Unlock()
		return false
	}
	p.states[nodeID] = state
	listener := p.listener
	p.mu.Unlock()

	if listener != nil {
		listener(nodeID, state)
	}
	return true
}

// State returns the state of nodeID
func (p *Patrol) State(nodeID string) PatrolState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.states[nodeID]
}
