package types

import (
	"fmt"
	"time"
)

// Cell execution outcomes. The pre-check on submission upload rejects on
// OutcomeError only; grading withholds points on anything but OutcomePassed.
const (
	OutcomePassed    = "passed"
	OutcomeAssertion = "assertion"
	OutcomeError     = "error"
)

// CellResult is the typed result of executing one cell against a kernel.
type CellResult struct {
	Outcome string `json:"outcome"`
	Output  string `json:"output,omitempty"`
}

func (r *CellResult) Passed() bool {
	return r.Outcome == OutcomePassed
}

// Failed reports a hard failure: a runtime error, not an assertion.
func (r *CellResult) Failed() bool {
	return r.Outcome == OutcomeError
}

// EventMessage is one event in a live evaluation stream. One of these forms:
//
//	exec CellIndex
//	stdout StreamData
//	stderr StreamData
//	result CellIndex CellResult
//	error Error
//	score Score Feedback
type EventMessage struct {
	Time       time.Time   `json:"time"`
	Event      string      `json:"event"`
	CellIndex  int         `json:"cellIndex,omitempty"`
	StreamData string      `json:"streamdata,omitempty"`
	Error      string      `json:"error,omitempty"`
	CellResult *CellResult `json:"cellResult,omitempty"`
	Score      int64       `json:"score,omitempty"`
	Feedback   []int       `json:"feedback,omitempty"`
}

func (e *EventMessage) String() string {
	switch e.Event {
	case "exec":
		return fmt.Sprintf("event: exec cell %d", e.CellIndex)
	case "stdout", "stderr":
		return fmt.Sprintf("event: %s %q", e.Event, e.StreamData)
	case "result":
		return fmt.Sprintf("event: result cell %d %s", e.CellIndex, e.CellResult.Outcome)
	case "error":
		return fmt.Sprintf("event: error %s", e.Error)
	case "score":
		return fmt.Sprintf("event: score %d, %d failed tests", e.Score, len(e.Feedback))
	default:
		return fmt.Sprintf("unknown event: %s", e.Event)
	}
}
