// Package stage models the support pipeline's states and per-stage outcomes.
package stage

type State string

const (
	Received  State = "RECEIVED"
	Extracted State = "EXTRACTED"
	Queried   State = "QUERIED"
	Retrieved State = "RETRIEVED"
	Answered  State = "ANSWERED"
	Persisted State = "PERSISTED"
	Responded State = "RESPONDED"
)

// Outcome carries a stage's usable value. When Degraded is non-nil the value
// is that stage's fallback and Degraded says why.
type Outcome[T any] struct {
	Value    T
	Degraded error
}

func Ok[T any](v T) Outcome[T] {
	return Outcome[T]{Value: v}
}

func Degrade[T any](fallback T, cause error) Outcome[T] {
	return Outcome[T]{Value: fallback, Degraded: cause}
}

func (o Outcome[T]) IsDegraded() bool {
	return o.Degraded != nil
}
