package session

import "sync"

// State is the pending-input flag of one user.
type State string

const (
	StateIdle         State = ""
	StateAwaitingTask State = "awaiting_task"
)

// Tracker holds the per-user flag in memory. Entries are not persisted and a
// flag that is never consumed stays set until restart.
type Tracker struct {
	mu     sync.Mutex
	states map[int64]State
}

func NewTracker() *Tracker {
	return &Tracker{states: map[int64]State{}}
}

func (t *Tracker) MarkAwaiting(user int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[user] = StateAwaitingTask
}

// TakeIfAwaiting reports whether the user was awaiting task text and resets
// the flag in the same critical section, so one /add is consumed at most once.
func (t *Tracker) TakeIfAwaiting(user int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.states[user] != StateAwaitingTask {
		return false
	}
	delete(t.states, user)
	return true
}

func (t *Tracker) State(user int64) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.states[user]
}
