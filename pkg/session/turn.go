package session

import "time"

// summaryLimit caps the captured request/response summary text.
const summaryLimit = 200

// TurnRecord is the telemetry for one completed (or failed) proxied
// request. Records are appended to the owning session's ring and to the
// global rolling window once the request finishes.
type TurnRecord struct {
	// RequestID is the unique identifier assigned at acceptance.
	RequestID string `json:"request_id"`

	// SessionID, TaskID, and ClientID are the opaque tracking identifiers
	// read from the configured request headers. Any may be empty.
	SessionID string `json:"session_id,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	ClientID  string `json:"client_id,omitempty"`

	// Model is the resolved model name; BackendID is the replica that
	// served (or last attempted) the request.
	Model     string `json:"model"`
	BackendID string `json:"backend_id,omitempty"`

	// TurnNumber is the 1-indexed sequential turn within the session, or
	// zero when the request carried no session id.
	TurnNumber int `json:"turn_number,omitempty"`

	// QueueWaitMS is the time from request acceptance to upstream
	// dispatch.
	QueueWaitMS float64 `json:"queue_wait_ms"`

	// InferenceMS is the time from the first upstream byte sent to the
	// last byte received.
	InferenceMS float64 `json:"inference_ms"`

	// PreMS and PostMS are the agent-reported timings carried in request
	// headers; zero when absent or malformed.
	PreMS  float64 `json:"pre_ms"`
	PostMS float64 `json:"post_ms"`

	// TotalMS is the wall time from acceptance to completion.
	TotalMS float64 `json:"total_ms"`

	// StatusCode is the HTTP status returned to the client, or zero when
	// the client went away before a response.
	StatusCode int `json:"status_code"`

	// Streamed indicates the response was relayed as Server-Sent Events.
	Streamed bool `json:"streamed"`

	// ErrorKind classifies a failure ("UpstreamError", "ClientCancelled",
	// ...); empty on success.
	ErrorKind string `json:"error_kind,omitempty"`

	// StartedAt is the wall-clock acceptance time. Durations above are
	// measured on the monotonic clock.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is the wall-clock completion time.
	CompletedAt time.Time `json:"completed_at"`

	// RequestSummary is the last user message text, truncated. Captured
	// whenever the request body parses, streaming or not.
	RequestSummary string `json:"request_summary,omitempty"`

	// ResponseSummary is the first choice content text, truncated.
	// Captured for non-streaming 200 responses only.
	ResponseSummary string `json:"response_summary,omitempty"`
}

// OK reports whether the turn completed without a recorded error.
func (r TurnRecord) OK() bool {
	return r.ErrorKind == "" && r.StatusCode < 500
}

// Truncate shortens summary text to the capture limit.
func Truncate(s string) string {
	if len(s) <= summaryLimit {
		return s
	}
	return s[:summaryLimit]
}
