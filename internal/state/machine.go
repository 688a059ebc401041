///////////////////////////////////////////////////////////////////////////////
// Use of this source code is governed by a license that can be found in the //
// LICENSE file                                                              //
///////////////////////////////////////////////////////////////////////////////

// This package holds the query session's state machine. It defines what
// states exist and what state transitions are allowable within the
// NewMachine() function. Queries walk the machine forward through the
// protocol steps; any hard failure moves to FAILED, from which the only way
// out is a reset to IDLE.

package state

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// core state machine object
type Machine struct {
	// holds the state
	*Status
	// mux to ensure proper access to state
	*sync.RWMutex

	// used to signal to waiting threads that a state change has occurred
	signal chan Status

	// holds valid state transitions
	stateMap [][]bool
}

// NewMachine builds the machine for one query session and sets the valid
// transitions.
func NewMachine() Machine {
	ss := IDLE

	// builds the object
	M := Machine{&ss,
		&sync.RWMutex{},
		make(chan Status),
		make([][]bool, NUM_STATUS),
	}

	// finish populating the stateMap
	for i := 0; i < int(NUM_STATUS); i++ {
		M.stateMap[i] = make([]bool, NUM_STATUS)
	}

	// add state transitions
	M.addStateTransition(IDLE, PARAMS_EXCHANGED, FAILED)
	M.addStateTransition(PARAMS_EXCHANGED, KEYS_READY, FAILED)
	M.addStateTransition(KEYS_READY, INDEXED, FAILED)
	M.addStateTransition(INDEXED, QUERY_SENT, FAILED)
	M.addStateTransition(QUERY_SENT, RESULTS_PENDING, FAILED)
	M.addStateTransition(RESULTS_PENDING, RESULTS_PENDING, COMPLETE, FAILED)
	// key regeneration between queries re-enters KEYS_READY
	M.addStateTransition(COMPLETE, KEYS_READY, IDLE, FAILED)
	M.addStateTransition(FAILED, IDLE)

	return M
}

// adds a state transition to the state object
func (m Machine) addStateTransition(from Status, to ...Status) {
	for _, t := range to {
		m.stateMap[from][t] = true
	}
}

// Update moves to the next state if the requested update is valid from the
// current state, and notifies any waiting threads. Returns false and an
// error if the update cannot be done.
func (m Machine) Update(nextState Status) (bool, error) {
	m.Lock()
	defer m.Unlock()

	// Failures tend to cascade, so ignore attempts to fail from FAILED
	if nextState == FAILED && *m.Status == FAILED {
		return true, nil
	}

	jww.DEBUG.Printf("Session state updating from %s to %s", *m.Status,
		nextState)

	// check if the requested state change is valid
	if !m.stateMap[*m.Status][nextState] {
		return false, errors.Errorf("not a valid state change from "+
			"%s to %s", *m.Status, nextState)
	}

	*m.Status = nextState

	// notify threads waiting for a state update until there are none left
	// waiting on the channel
	for signal := true; signal; {
		select {
		case m.signal <- *m.Status:
		default:
			signal = false
		}
	}
	return true, nil
}

// Get returns the current state under a read lock
func (m Machine) Get() Status {
	m.RLock()
	defer m.RUnlock()
	return *m.Status
}

// WaitFor waits until an update to one of the expected states happens, and
// returns the current state afterwards. Returns an error after the timeout
// expires.
func (m Machine) WaitFor(timeout time.Duration, expected ...Status) (Status, error) {
	// take the read lock to ensure state does not change during the
	// initial checks
	m.RLock()

	// channels to control and receive from the worker thread
	kill := make(chan struct{}, 1)
	done := make(chan error)

	// Place values in expected into a map
	expectedMap := make(map[Status]bool)
	for _, val := range expected {
		expectedMap[val] = true
	}

	// start a thread to reserve a spot to get a notification on state
	// updates. State updates cannot happen until the state read lock is
	// released, so this wont do anything until the initial checks are
	// done, but will ensure there are no gaps in being ready to receive a
	// notification
	timer := time.NewTimer(timeout)
	go func() {
		select {
		case newState := <-m.signal:
			if !expectedMap[newState] {
				done <- errors.Errorf("state not updated to the "+
					"correct state: expected: %v received: %s", expected,
					newState)
			} else {
				done <- nil
			}
		case <-timer.C:
			done <- errors.Errorf("timer of %s timed out before "+
				"state update", timeout)
		case <-kill:
		}
	}()

	// if already in an expected state return immediately
	if expectedMap[*m.Status] {
		kill <- struct{}{}
		cur := *m.Status
		m.RUnlock()
		return cur, nil
	}

	// if none of the expected states can be reached from the current one,
	// return an error rather than waiting for a timeout
	validTransition := false
	for _, s := range expected {
		if m.stateMap[*m.Status][s] {
			validTransition = true
		}
	}
	if !validTransition {
		kill <- struct{}{}
		cur := *m.Status
		m.RUnlock()
		return cur, errors.Errorf("cannot wait for states %v which "+
			"cannot be reached from the current state %s", expected, cur)
	}

	// unlock the read lock, allows state changes to take effect
	m.RUnlock()

	// wait for the state change to happen
	err := <-done

	return m.Get(), err
}
