package session

import (
	"math"
	"sort"
)

// Pipeline stage names used in bottleneck reports.
const (
	StagePre       = "pre_ms"
	StageQueueWait = "queue_wait_ms"
	StageInference = "inference_ms"
	StagePost      = "post_ms"
)

// Suggestions emitted by Diagnose.
const (
	SuggestionIncreaseReplicas = "increase replicas"
	SuggestionAgentBound       = "agent-bound; increase agent parallelism"
	SuggestionBalanced         = "balanced"
)

// hotLoadThreshold is the mean backend GPU load above which a
// inference-dominated workload warrants more replicas.
const hotLoadThreshold = 0.85

// StageStats summarizes one pipeline stage over the diagnosed records.
type StageStats struct {
	MeanMS float64 `json:"mean_ms"`
	P95MS  float64 `json:"p95_ms"`
}

// Report is the bottleneck diagnosis over a session or the global window.
type Report struct {
	// Scope is the diagnosed session id, or "global".
	Scope string `json:"scope"`

	// Turns is the number of records the diagnosis covers.
	Turns int `json:"turns"`

	Pre       StageStats `json:"pre"`
	QueueWait StageStats `json:"queue_wait"`
	Inference StageStats `json:"inference"`
	Post      StageStats `json:"post"`

	// TotalMeanMS is the mean end-to-end latency.
	TotalMeanMS float64 `json:"total_mean_ms"`

	// MeanBackendLoad is the mean known GPU load at diagnosis time, nil
	// when no backend has reported one.
	MeanBackendLoad *float64 `json:"mean_backend_load,omitempty"`

	// DominantStage names the stage whose mean exceeds half the total
	// mean, empty when no stage dominates.
	DominantStage string `json:"dominant_stage,omitempty"`

	// Suggestion is the operator hint derived from the dominant stage.
	Suggestion string `json:"suggestion"`
}

// Diagnose classifies which pipeline stage dominates end-to-end latency
// over the given records. meanLoad is the registry's mean known GPU load
// (NaN when unknown).
func Diagnose(scope string, records []TurnRecord, meanLoad float64) Report {
	report := Report{
		Scope:      scope,
		Turns:      len(records),
		Suggestion: SuggestionBalanced,
	}
	if !math.IsNaN(meanLoad) {
		load := meanLoad
		report.MeanBackendLoad = &load
	}
	if len(records) == 0 {
		return report
	}

	pre := make([]float64, len(records))
	queue := make([]float64, len(records))
	inference := make([]float64, len(records))
	post := make([]float64, len(records))
	var totalSum float64

	for i, rec := range records {
		pre[i] = rec.PreMS
		queue[i] = rec.QueueWaitMS
		inference[i] = rec.InferenceMS
		post[i] = rec.PostMS
		totalSum += rec.TotalMS
	}

	report.Pre = stageStats(pre)
	report.QueueWait = stageStats(queue)
	report.Inference = stageStats(inference)
	report.Post = stageStats(post)
	report.TotalMeanMS = totalSum / float64(len(records))

	stages := []struct {
		name string
		mean float64
	}{
		{StagePre, report.Pre.MeanMS},
		{StageQueueWait, report.QueueWait.MeanMS},
		{StageInference, report.Inference.MeanMS},
		{StagePost, report.Post.MeanMS},
	}

	half := report.TotalMeanMS / 2
	dominantMean := 0.0
	for _, stage := range stages {
		if stage.mean > half && stage.mean > dominantMean {
			report.DominantStage = stage.name
			dominantMean = stage.mean
		}
	}

	switch {
	case report.DominantStage == StageInference && !math.IsNaN(meanLoad) && meanLoad > hotLoadThreshold:
		report.Suggestion = SuggestionIncreaseReplicas
	case report.Pre.MeanMS+report.Post.MeanMS > half:
		report.Suggestion = SuggestionAgentBound
	default:
		report.Suggestion = SuggestionBalanced
	}

	return report
}

// stageStats computes mean and p95 (nearest rank) over samples.
func stageStats(samples []float64) StageStats {
	if len(samples) == 0 {
		return StageStats{}
	}

	var sum float64
	for _, v := range samples {
		sum += v
	}

	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)

	rank := int(math.Ceil(0.95 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}

	return StageStats{
		MeanMS: sum / float64(len(samples)),
		P95MS:  sorted[rank-1],
	}
}
