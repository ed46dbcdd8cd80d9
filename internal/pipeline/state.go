package pipeline

import (
	"sync"
)

// FlowState is the lifecycle state of a flow
type FlowState string

const (
	FlowBuilt        FlowState = "built"
	FlowInitializing FlowState = "initializing"
	FlowInitialized  FlowState = "initialized"
	FlowRunning      FlowState = "running"
	FlowStopping     FlowState = "stopping"
	FlowStopped      FlowState = "stopped"
)

var flowStates = []string{
	string(FlowBuilt), string(FlowInitializing), string(FlowInitialized),
	string(FlowRunning), string(FlowStopping), string(FlowStopped),
}

// next lists the legal transitions
var next = map[FlowState][]FlowState{
	FlowBuilt:        {FlowInitializing, FlowStopped},
	FlowInitializing: {FlowInitialized, FlowStopping},
	FlowInitialized:  {FlowRunning, FlowStopping},
	FlowRunning:      {FlowStopping},
	FlowStopping:     {FlowStopped},
}

// SourceState is the progress of a source node
type SourceState string

const (
	SourceStarted       SourceState = "started"
	SourceBatchStarted  SourceState = "batch_started"
	SourceBatchEnded    SourceState = "batch_ended"
	SourceStreamStarted SourceState = "stream_started"
	// SourceFirstRecords is reported once, outside the main sequence, when
	// the stream phase offers its first records
	SourceFirstRecords SourceState = "first_records_offered"
	SourceEnded        SourceState = "ended"
)

// Listener receives flow and node state changes
type Listener interface {
	OnFlowState(flowID string, from, to FlowState)
	OnSourceState(flowID, nodeID string, state SourceState)
}

// ListenerFuncs adapts functions to Listener. Nil functions are skipped.
type ListenerFuncs struct {
	Flow   func(flowID string, from, to FlowState)
	Source func(flowID, nodeID string, state SourceState)
}

func (l ListenerFuncs) OnFlowState(flowID string, from, to FlowState) {
	if l.Flow != nil {
		l.Flow(flowID, from, to)
	}
}

func (l ListenerFuncs) OnSourceState(flowID, nodeID string, state SourceState) {
	if l.Source != nil {
		l.Source(flowID, nodeID, state)
	}
}

// listeners fans notifications out to registered listeners
type listeners struct {
	mu   sync.RWMutex
	list []Listener
}

func (ls *listeners) add(l Listener) {
	ls.mu.Lock()
	ls.list = append(ls.list, l)
	ls.mu.Unlock()
}

func (ls *listeners) snapshot() []Listener {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return append([]Listener(nil), ls.list...)
}

func (ls *listeners) flow(flowID string, from, to FlowState) {
	for _, l := range ls.snapshot() {
		l.OnFlowState(flowID, from, to)
	}
}

func (ls *listeners) source(flowID, nodeID string, state SourceState) {
	for _, l := range ls.snapshot() {
		l.OnSourceState(flowID, nodeID, state)
	}
}

// flowMachine guards flow state transitions
type flowMachine struct {
	mu    sync.Mutex
	state FlowState
}

// move transitions to to when legal and returns the previous state
func (m *flowMachine) move(to FlowState) (FlowState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, allowed := range next[m.state] {
		if allowed == to {
			from := m.state
			m.state = to
			return from, true
		}
	}
	return m.state, false
}

func (m *flowMachine) get() FlowState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}
