package daemon

import (
	"sync"
	"time"
)

const (
	defaultIdleWindow = 5 * time.Minute
	developIdleWindow = 5 * time.Second
)

// State is a phase of the daemon lifecycle.
type State int

const (
	StateStarting State = iota
	StateServing
	StateIdleCountdown
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateServing:
		return "serving"
	case StateIdleCountdown:
		return "idle-countdown"
	case StateShuttingDown:
		return "shutting-down"
	}
	return "unknown"
}

// Lifecycle tracks in-flight connections and runs the idle countdown.
// The countdown runs only while no connection is in flight; any accepted
// connection cancels it, and it restarts from a full window once the last
// connection finishes. When idle shutdown is disabled the daemon stays in
// serving until it is stopped.
type Lifecycle struct {
	mu          sync.Mutex
	state       State
	inFlight    int
	timer       *time.Timer
	timerID     uint64
	nextTimerID uint64
	window      time.Duration
	idleEnabled bool
	onIdle      func()
}

// NewLifecycle creates a lifecycle in the starting state.
func NewLifecycle(window time.Duration, idleShutdown bool) *Lifecycle {
	if window <= 0 {
		window = defaultIdleWindow
	}
	return &Lifecycle{
		state:       StateStarting,
		window:      window,
		idleEnabled: idleShutdown,
	}
}

// SetOnIdle configures the callback fired once when the idle window
// elapses with nothing in flight.
func (l *Lifecycle) SetOnIdle(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onIdle = fn
}

// State returns the current phase.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// InFlight returns the number of connections being processed.
func (l *Lifecycle) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inFlight
}

// MarkServing records that the transport is live and the registry sealed.
func (l *Lifecycle) MarkServing() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateStarting {
		return
	}
	l.state = StateServing
	if l.inFlight == 0 {
		l.startTimerLocked()
	}
}

// Begin marks an accepted connection. Any running countdown is canceled
// so a long-running operation is never cut short.
func (l *Lifecycle) Begin() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.stopTimerLocked()
	l.inFlight++
	if l.state == StateIdleCountdown {
		l.state = StateServing
	}
}

// End marks a finished connection. The countdown starts only after the
// final in-flight connection completes.
func (l *Lifecycle) End() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.inFlight > 0 {
		l.inFlight--
	}
	if l.inFlight == 0 && l.state == StateServing {
		l.startTimerLocked()
	}
}

// Shutdown moves to the terminal state without waiting for the window,
// e.g. on SIGTERM.
func (l *Lifecycle) Shutdown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopTimerLocked()
	l.state = StateShuttingDown
}

func (l *Lifecycle) startTimerLocked() {
	l.stopTimerLocked()
	if !l.idleEnabled {
		return
	}

	l.nextTimerID++
	timerID := l.nextTimerID
	l.timer = time.AfterFunc(l.window, func() {
		l.expire(timerID)
	})
	l.timerID = timerID
	l.state = StateIdleCountdown
}

func (l *Lifecycle) stopTimerLocked() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.timerID = 0
}

func (l *Lifecycle) expire(timerID uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	// A Begin that raced the timer has already reset timerID.
	if l.timerID != timerID || l.inFlight > 0 || l.state != StateIdleCountdown {
		return
	}

	l.timer = nil
	l.timerID = 0
	l.state = StateShuttingDown
	if l.onIdle != nil {
		go l.onIdle()
	}
}
