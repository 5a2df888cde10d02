package session

import (
	"math"
	"testing"
	"time"
)

// makeTurns builds n identical records with the given stage timings.
func makeTurns(n int, pre, queue, inference, post float64) []TurnRecord {
	now := time.Now()
	records := make([]TurnRecord, n)
	for i := range records {
		records[i] = TurnRecord{
			RequestID:   "req",
			SessionID:   "sess",
			PreMS:       pre,
			QueueWaitMS: queue,
			InferenceMS: inference,
			PostMS:      post,
			TotalMS:     pre + queue + inference + post,
			StatusCode:  200,
			StartedAt:   now,
			CompletedAt: now,
		}
	}
	return records
}

func TestDiagnoseAgentBound(t *testing.T) {
	// Pre-stage dominates: the agent spends most of the turn building
	// observations, not waiting on inference.
	records := makeTurns(50, 400, 5, 200, 100)

	report := Diagnose("global", records, 0.4)

	if report.Turns != 50 {
		t.Errorf("Turns = %d, want 50", report.Turns)
	}
	if report.DominantStage != StagePre {
		t.Errorf("DominantStage = %q, want %q", report.DominantStage, StagePre)
	}
	if report.Suggestion != SuggestionAgentBound {
		t.Errorf("Suggestion = %q, want %q", report.Suggestion, SuggestionAgentBound)
	}
	if report.Pre.MeanMS != 400 {
		t.Errorf("Pre.MeanMS = %g, want 400", report.Pre.MeanMS)
	}
	if report.Pre.P95MS != 400 {
		t.Errorf("Pre.P95MS = %g, want 400", report.Pre.P95MS)
	}
}

func TestDiagnoseIncreaseReplicas(t *testing.T) {
	// Inference dominates and the pool runs hot.
	records := makeTurns(20, 10, 5, 800, 20)

	report := Diagnose("global", records, 0.9)

	if report.DominantStage != StageInference {
		t.Errorf("DominantStage = %q, want %q", report.DominantStage, StageInference)
	}
	if report.Suggestion != SuggestionIncreaseReplicas {
		t.Errorf("Suggestion = %q, want %q", report.Suggestion, SuggestionIncreaseReplicas)
	}
}

func TestDiagnoseInferenceDominatedButCool(t *testing.T) {
	// Inference dominates but the pool has headroom: adding replicas
	// would not help.
	records := makeTurns(20, 10, 5, 800, 20)

	report := Diagnose("global", records, 0.3)

	if report.Suggestion != SuggestionBalanced {
		t.Errorf("Suggestion = %q, want %q", report.Suggestion, SuggestionBalanced)
	}
}

func TestDiagnoseBalanced(t *testing.T) {
	records := makeTurns(20, 100, 100, 100, 100)

	report := Diagnose("global", records, 0.4)

	if report.DominantStage != "" {
		t.Errorf("DominantStage = %q, want empty (no stage exceeds half)", report.DominantStage)
	}
	if report.Suggestion != SuggestionBalanced {
		t.Errorf("Suggestion = %q, want %q", report.Suggestion, SuggestionBalanced)
	}
}

func TestDiagnoseEmpty(t *testing.T) {
	report := Diagnose("global", nil, math.NaN())

	if report.Turns != 0 {
		t.Errorf("Turns = %d, want 0", report.Turns)
	}
	if report.Suggestion != SuggestionBalanced {
		t.Errorf("Suggestion = %q, want %q", report.Suggestion, SuggestionBalanced)
	}
	if report.MeanBackendLoad != nil {
		t.Error("MeanBackendLoad should be nil when no load is known")
	}
}

func TestDiagnoseScope(t *testing.T) {
	report := Diagnose("sess-42", makeTurns(3, 1, 1, 1, 1), 0.1)
	if report.Scope != "sess-42" {
		t.Errorf("Scope = %q, want sess-42", report.Scope)
	}
	if report.MeanBackendLoad == nil || *report.MeanBackendLoad != 0.1 {
		t.Error("MeanBackendLoad not carried through")
	}
}
