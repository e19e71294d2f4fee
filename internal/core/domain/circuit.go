package domain

import "time"

// CircuitState is the position of a dependency's circuit breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// Circuit is the breaker record for one dependency. FailureCount is
// meaningful only while closed and resets to zero on every closed entry.
type Circuit struct {
	DependencyID     string       `json:"dependency_id"`
	State            CircuitState `json:"state"`
	FailureCount     int          `json:"failure_count"`
	OpenedAt         time.Time    `json:"opened_at"`
	LastTransitionAt time.Time    `json:"last_transition_at"`
}
