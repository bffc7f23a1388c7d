package inbox

import (
	"fmt"
	"strings"
)

// Outcome tags the result of one orchestrator step.
type Outcome int

const (
	StepOK Outcome = iota
	// StepSoft is a logged failure that does not abort the run.
	StepSoft
	// StepHard aborts the run.
	StepHard
)

func (o Outcome) String() string {
	switch o {
	case StepOK:
		return "ok"
	case StepSoft:
		return "soft"
	case StepHard:
		return "hard"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

type StepResult struct {
	Step    string
	Outcome Outcome
	Err     error
}

// Report collects step outcomes of one archive or spam run.
type Report struct {
	ConversationID string
	ChatID         string
	ContactID      string
	// InteractionIDs maps external message id to interaction id.
	InteractionIDs map[string]string
	Created        int
	Steps          []StepResult
}

func newReport(conversationID string) *Report {
	return &Report{ConversationID: conversationID, InteractionIDs: make(map[string]string)}
}

func (r *Report) ok(step string) {
	r.Steps = append(r.Steps, StepResult{Step: step, Outcome: StepOK})
}

func (r *Report) soft(step string, err error) {
	r.Steps = append(r.Steps, StepResult{Step: step, Outcome: StepSoft, Err: err})
}

// hard records the failure and returns it wrapped as a store error.
func (r *Report) hard(step string, err error) error {
	err = storeErr(step, err)
	r.Steps = append(r.Steps, StepResult{Step: step, Outcome: StepHard, Err: err})
	return err
}

// Err returns the first hard failure, if any.
func (r *Report) Err() error {
	for _, s := range r.Steps {
		if s.Outcome == StepHard {
			return s.Err
		}
	}
	return nil
}

// SoftFailures lists steps that failed without aborting.
func (r *Report) SoftFailures() []StepResult {
	var out []StepResult
	for _, s := range r.Steps {
		if s.Outcome == StepSoft {
			out = append(out, s)
		}
	}
	return out
}

// Completed reports whether step ran with the given outcome.
func (r *Report) Completed(step string) bool {
	for _, s := range r.Steps {
		if s.Step == step && s.Outcome == StepOK {
			return true
		}
	}
	return false
}

func (r *Report) String() string {
	parts := make([]string, 0, len(r.Steps))
	for _, s := range r.Steps {
		parts = append(parts, s.Step+"="+s.Outcome.String())
	}
	return strings.Join(parts, " ")
}
