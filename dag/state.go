package dag

import (
	"encoding/json"
	"fmt"

	"github.com/Yash-Kakadiya/salesops-suite/envelope"
	"github.com/Yash-Kakadiya/salesops-suite/flow"
	"github.com/Yash-Kakadiya/salesops-suite/manifest"
)

// legalTransitions is the stage state machine. Anything not listed here is
// a programming error, not a runtime condition.
var legalTransitions = map[manifest.Outcome][]manifest.Outcome{
	manifest.OutcomePending: {manifest.OutcomeRunning, manifest.OutcomeCancelled},
	manifest.OutcomeRunning: {manifest.OutcomeSucceeded, manifest.OutcomeFailed, manifest.OutcomeCancelled},
}

// chunkResult is one fan-out partition's final result, tagged with its
// position so fan-in can restore the original order. settled flips once the
// chunk's pool unit finished or was never submitted.
type chunkResult struct {
	index    int
	payload  json.RawMessage
	attempts int
	err      error
	canceled bool
	settled  bool
}

// stageState tracks one stage through a run.
type stageState struct {
	stage    *flow.Stage
	outcome  manifest.Outcome
	rec      manifest.StageRecord
	artifact json.RawMessage
	status   envelope.Status
	err      error
	chunks   []chunkResult
}

func newStageState(s *flow.Stage) *stageState {
	return &stageState{
		stage:   s,
		outcome: manifest.OutcomePending,
		rec: manifest.StageRecord{
			Name:    s.Name,
			Task:    s.Task,
			Kind:    s.Kind.String(),
			Outcome: manifest.OutcomePending,
		},
	}
}

// to moves the stage to the next state, rejecting transitions the state
// machine does not allow.
func (s *stageState) to(next manifest.Outcome) error {
	for _, allowed := range legalTransitions[s.outcome] {
		if next == allowed {
			s.outcome = next
			s.rec.Outcome = next
			return nil
		}
	}
	return fmt.Errorf("stage %s: illegal transition %s -> %s", s.stage.Name, s.outcome, next)
}
