package listener

import (
	"errors"
	"sync/atomic"
)

// ErrAlreadyListening is returned when ListenAndDrain is called while another
// call sharing the same State is still running.
var ErrAlreadyListening = errors.New("listener already active")

// State records whether a listener is active. Share one State between every
// Listener that must not run concurrently.
type State struct {
	active atomic.Bool
}

// NewState returns an idle State.
func NewState() *State {
	return &State{}
}

// Active reports whether a listener currently owns the state.
func (s *State) Active() bool {
	return s.active.Load()
}

func (s *State) acquire() bool {
	return s.active.CompareAndSwap(false, true)
}

func (s *State) release() {
	s.active.Store(false)
}
