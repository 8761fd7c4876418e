package session

import (
	"log/slog"
	"time"

	"github.com/antonkrylov/xlab/internal/slurm"
)

// State is a phase of the session lifecycle.
type State int

const (
	StatePreparing State = iota
	StateSubmitted
	StateWaitingRunning
	StateWaitingEndpoint
	StateTunneling
	StateAttached
	StateDetached
	StateCancelling
	StateCleaningUp
	StateDone
	StateFailed
)

var stateNames = [...]string{
	StatePreparing:       "PREPARING",
	StateSubmitted:       "SUBMITTED",
	StateWaitingRunning:  "WAITING_RUNNING",
	StateWaitingEndpoint: "WAITING_ENDPOINT",
	StateTunneling:       "TUNNELING",
	StateAttached:        "ATTACHED",
	StateDetached:        "DETACHED",
	StateCancelling:      "CANCELLING",
	StateCleaningUp:      "CLEANING_UP",
	StateDone:            "DONE",
	StateFailed:          "FAILED",
}

func (s State) String() string {
	if int(s) < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// Terminal reports whether no further transitions follow s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateDetached
}

// Event is emitted to observers on every state entry and for warnings that
// do not change state.
type Event struct {
	SessionID string
	State     State
	// Transition is true when the event marks entering State.
	Transition bool
	Level      slog.Level
	Message    string
	Err        error
	JobID      slurm.JobID
	// URL is the local access URL once the tunnel is up.
	URL  string
	Time time.Time
}

// Observer receives lifecycle events. Implementations must not block for long;
// the orchestrator calls them synchronously from its control goroutine.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// Observers fans an event out to several observers in order.
type Observers []Observer

func (os Observers) OnEvent(e Event) {
	for _, o := range os {
		if o != nil {
			o.OnEvent(e)
		}
	}
}

type nopObserver struct{}

func (nopObserver) OnEvent(Event) {}
