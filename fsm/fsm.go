package fsm

import (
	"strings"
	"sync"
)

//
//  machine := fsm.MustNewFSM(name, initialState, events, callbacks)
//  newState, err := machine.Do(event, args)
//

type State string

func (s State) String() string {
	return string(s)
}

type Event string

func (e Event) String() string {
	return string(e)
}

func (e Event) IsEmpty() bool {
	return e.String() == ""
}

// EventDesc describes one allowed transition.
type EventDesc struct {
	Name Event

	SrcState []State

	// Dst state is set after the callback succeeds
	DstState State
}

type Callback func(event Event, args ...interface{}) error

type Callbacks map[Event]Callback

// Transition key source + event
type trKey struct {
	source State
	event  Event
}

type FSM struct {
	name         string
	initialState State
	currentState State

	transitions map[trKey]State

	callbacks Callbacks

	// Finish states cannot be a SrcState in this machine
	finStates map[State]bool

	// stateMu guards access to the current state.
	stateMu sync.RWMutex
	// eventMu serializes Do().
	eventMu sync.Mutex
}

func MustNewFSM(machineName string, initialState State, events []EventDesc, callbacks Callbacks) *FSM {
	machineName = strings.TrimSpace(machineName)
	initialState = State(strings.TrimSpace(initialState.String()))

	if machineName == "" {
		panic("machine name cannot be empty")
	}

	if initialState == "" {
		panic("initial state cannot be empty")
	}

	if len(events) == 0 {
		panic("cannot init fsm with empty events")
	}

	f := &FSM{
		name:         machineName,
		initialState: initialState,
		currentState: initialState,
		transitions:  make(map[trKey]State),
		finStates:    make(map[State]bool),
		callbacks:    make(map[Event]Callback),
	}

	allSources := make(map[State]bool)
	allStates := make(map[State]bool)

	for _, event := range events {
		if event.Name.IsEmpty() {
			panic("event name cannot be empty")
		}
		if event.DstState == "" {
			panic("event dst state cannot be empty")
		}
		if len(event.SrcState) == 0 {
			panic("event must have at least one src state")
		}

		allStates[event.DstState] = true
		for _, src := range event.SrcState {
			key := trKey{source: src, event: event.Name}
			if _, ok := f.transitions[key]; ok {
				panic("duplicate transition for state \"" + src.String() + "\" and event \"" + event.Name.String() + "\"")
			}
			f.transitions[key] = event.DstState
			allSources[src] = true
			allStates[src] = true
		}
	}

	// States never used as a source are terminal.
	for state := range allStates {
		if !allSources[state] {
			f.finStates[state] = true
		}
	}

	for event, callback := range callbacks {
		if callback == nil {
			panic("callback for event \"" + event.String() + "\" cannot be nil")
		}
		f.callbacks[event] = callback
	}

	return f
}

func (f *FSM) Name() string {
	return f.name
}

func (f *FSM) InitialState() State {
	return f.initialState
}

// State returns the machine's current state.
func (f *FSM) State() State {
	f.stateMu.RLock()
	defer f.stateMu.RUnlock()
	return f.currentState
}

func (f *FSM) IsFinState(state State) bool {
	return f.finStates[state]
}

// Do applies an event to the machine. The transition happens only if it is
// declared for the current state and the callback (when present) succeeds.
func (f *FSM) Do(event Event, args ...interface{}) (State, error) {
	f.eventMu.Lock()
	defer f.eventMu.Unlock()

	current := f.State()
	dstState, ok := f.transitions[trKey{source: current, event: event}]
	if !ok {
		return current, NewErrf("event \"%s\" is not allowed in state \"%s\"", event, current)
	}

	if callback, ok := f.callbacks[event]; ok {
		if err := callback(event, args...); err != nil {
			return current, err
		}
	}

	f.setState(dstState)
	return dstState, nil
}

func (f *FSM) setState(state State) {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	f.currentState = state
}

// MustCopyWithState clones the machine template positioned at the given
// state, so every session gets its own instance of a shared definition.
func (f *FSM) MustCopyWithState(state State) *FSM {
	if state == "" {
		state = f.initialState
	}

	copied := &FSM{
		name:         f.name,
		initialState: f.initialState,
		currentState: state,
		transitions:  f.transitions,
		finStates:    f.finStates,
		callbacks:    f.callbacks,
	}

	found := state == f.initialState
	if !found {
		for key := range f.transitions {
			if key.source == state {
				found = true
				break
			}
		}
	}
	if !found && !f.finStates[state] {
		panic("state \"" + state.String() + "\" is not declared in machine \"" + f.name + "\"")
	}

	return copied
}
