package proxy

import (
	"net/http"
	"strconv"

	"github.com/JiHyuk-Byun/agent-infra/pkg/config"
)

// RoutingContext carries the tracking identifiers and agent-reported
// timings read from request headers. Header names are configurable;
// missing headers leave fields empty, malformed timing values are
// ignored.
type RoutingContext struct {
	SessionID string
	TaskID    string
	ClientID  string

	// PreMS and PostMS are the agent's self-reported pre- and
	// post-request stage durations in milliseconds; zero when absent.
	PreMS  float64
	PostMS float64
}

// ExtractRoutingContext reads the configured tracking headers.
func ExtractRoutingContext(h http.Header, names config.HeadersConfig) RoutingContext {
	rc := RoutingContext{
		SessionID: h.Get(names.Session),
		TaskID:    h.Get(names.Task),
		ClientID:  h.Get(names.Client),
	}

	if raw := h.Get(names.TimingPre); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil && v >= 0 {
			rc.PreMS = v
		}
	}
	if raw := h.Get(names.TimingPost); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil && v >= 0 {
			rc.PostMS = v
		}
	}

	return rc
}
