package inbox

import "fmt"

// State is the lifecycle of one conversation through an async archive.
type State string

const (
	StateActive    State = "active"
	StateArchiving State = "archiving"
	StateArchived  State = "archived"
)

type Event string

const (
	EventLeased       Event = "leased"
	EventWorkerOK     Event = "worker_ok"
	EventWorkerFailed Event = "worker_failed"
)

// Next applies e to s. Each transition has exactly one cause; anything else
// is rejected.
func (s State) Next(e Event) (State, error) {
	switch {
	case s == StateActive && e == EventLeased:
		return StateArchiving, nil
	case s == StateArchiving && e == EventWorkerOK:
		return StateArchived, nil
	case s == StateArchiving && e == EventWorkerFailed:
		return StateActive, nil
	}
	return s, fmt.Errorf("invalid transition %s --%s-->", s, e)
}
