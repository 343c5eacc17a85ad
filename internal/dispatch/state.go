package dispatch

import (
	"sync"

	"go.uber.org/zap"
)

// State is a step in the lifecycle of one tool call.
type State string

const (
	StateReceived      State = "received"
	StateValidating    State = "validating"
	StateCacheCheck    State = "cache-check"
	StateUpstreamFetch State = "upstream-fetch"
	StateResponding    State = "responding"
	StateSuccess       State = "success"
	StateFailed        State = "failed"
)

var transitions = map[State][]State{
	StateReceived:      {StateValidating, StateFailed},
	StateValidating:    {StateCacheCheck, StateFailed},
	StateCacheCheck:    {StateUpstreamFetch, StateResponding, StateFailed},
	StateUpstreamFetch: {StateResponding, StateFailed},
	StateResponding:    {StateSuccess, StateFailed},
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailed
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// machine tracks one call's state and logs each transition at debug.
type machine struct {
	mu     sync.Mutex
	state  State
	logger *zap.Logger
	path   []State
}

func newMachine(logger *zap.Logger) *machine {
	m := &machine{state: StateReceived, logger: logger, path: []State{StateReceived}}
	logger.Debug("tool call state", zap.String("state", string(StateReceived)))
	return m
}

// to moves to next. Illegal transitions are logged and ignored.
func (m *machine) to(next State, fields ...zap.Field) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.move(next, fields...)
}

// enter moves to next only when the machine is still in from. It lets several
// fetches in one call report the first upstream fetch once.
func (m *machine) enter(from, next State, fields ...zap.Field) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == from {
		m.move(next, fields...)
	}
}

func (m *machine) move(next State, fields ...zap.Field) {
	if !canTransition(m.state, next) {
		m.logger.Warn("illegal tool call state transition",
			zap.String("from", string(m.state)),
			zap.String("to", string(next)),
		)
		return
	}
	m.logger.Debug("tool call state",
		append([]zap.Field{zap.String("from", string(m.state)), zap.String("state", string(next))}, fields...)...,
	)
	m.state = next
	m.path = append(m.path, next)
}

// fail moves to StateFailed from any non-terminal state.
func (m *machine) fail(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Terminal() {
		return
	}
	m.move(StateFailed, zap.String("reason", reason))
}
