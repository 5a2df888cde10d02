package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/JiHyuk-Byun/agent-infra/pkg/backend"
	"github.com/JiHyuk-Byun/agent-infra/pkg/config"
	"github.com/JiHyuk-Byun/agent-infra/pkg/proxy/middleware"
	"github.com/JiHyuk-Byun/agent-infra/pkg/proxy/types"
	"github.com/JiHyuk-Byun/agent-infra/pkg/routing"
	"github.com/JiHyuk-Byun/agent-infra/pkg/session"
)

// retriableBodyMarker in a 5xx body marks the response as a transient
// upstream condition eligible for failover.
const retriableBodyMarker = "upstream_unavailable"

// errorBodyLimit caps how much of an upstream error body is read when
// classifying it.
const errorBodyLimit = 4 * 1024

// summaryBodyLimit caps how much response body is teed aside for the turn
// record's response summary.
const summaryBodyLimit = 64 * 1024

// hopHeaders are the hop-by-hop headers stripped in both directions.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// MetricsRecorder receives per-request telemetry. A nil recorder disables
// metrics.
type MetricsRecorder interface {
	// RecordRequest records a completed request with its terminal status.
	RecordRequest(model, backendID, status string, duration time.Duration)

	// RecordRetry records one failover attempt.
	RecordRetry(model string)
}

// Forwarder is the HTTP ingress: it resolves the model, selects a
// backend, relays the request, streams the response, and emits turn
// telemetry. One Forwarder serves all models.
type Forwarder struct {
	registry *backend.Registry
	engine   *routing.Engine
	store    *session.Store
	headers  config.HeadersConfig
	client   *http.Client
	metrics  MetricsRecorder
	logger   *slog.Logger

	requestTimeout time.Duration
	maxRetries     int

	pending       atomic.Int64
	totalRequests atomic.Int64
	totalErrors   atomic.Int64
	retryCount    atomic.Int64
	startTime     time.Time
}

// NewForwarder creates the proxy forwarder. The upstream client uses the
// configured connect timeout; the end-to-end deadline is applied per
// request so streaming responses are not cut off by a client-level
// timeout.
func NewForwarder(
	cfg *config.Config,
	registry *backend.Registry,
	engine *routing.Engine,
	store *session.Store,
	metrics MetricsRecorder,
) *Forwarder {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   cfg.Proxy.ConnectTimeout(),
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        256,
		MaxIdleConnsPerHost: 64,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Forwarder{
		registry:       registry,
		engine:         engine,
		store:          store,
		headers:        cfg.Headers,
		client:         &http.Client{Transport: transport},
		metrics:        metrics,
		logger:         slog.Default().With("component", "proxy.forwarder"),
		requestTimeout: cfg.Proxy.RequestTimeout(),
		maxRetries:     cfg.Proxy.MaxRetries,
		startTime:      time.Now(),
	}
}

// Pending returns the number of accepted requests not yet dispatched to a
// backend.
func (f *Forwarder) Pending() int64 { return f.pending.Load() }

// TotalRequests returns the number of proxied requests accepted since
// start.
func (f *Forwarder) TotalRequests() int64 { return f.totalRequests.Load() }

// TotalErrors returns the number of requests that terminated with an
// error.
func (f *Forwarder) TotalErrors() int64 { return f.totalErrors.Load() }

// Retries returns the number of failover attempts performed.
func (f *Forwarder) Retries() int64 { return f.retryCount.Load() }

// StartTime returns when the forwarder was created.
func (f *Forwarder) StartTime() time.Time { return f.startTime }

// HandleCompletions serves POST /v1/chat/completions and
// POST /v1/completions; the model comes from the request body.
func (f *Forwarder) HandleCompletions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		f.writeError(w, types.KindBadRequest, "failed to read request body", "")
		return
	}

	parsed, err := types.ParseCompletionRequest(body)
	if err != nil {
		f.writeError(w, types.KindBadRequest, err.Error(), "")
		return
	}

	f.forward(w, r, parsed.Model, r.URL.Path, body, parsed)
}

// HandleModelCompletions serves POST /{model}/v1/... where the model is
// taken from the URL path instead of the body.
func (f *Forwarder) HandleModelCompletions(w http.ResponseWriter, r *http.Request) {
	model := r.PathValue("model")
	path := "/v1/" + r.PathValue("path")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		f.writeError(w, types.KindBadRequest, "failed to read request body", "")
		return
	}

	// The body's routing fields are still decoded for stream detection and
	// summaries, but the path segment wins for pool selection and a
	// missing body model is fine here.
	parsed, err := types.ParseCompletionRequest(body)
	if err != nil && !errors.Is(err, types.ErrMissingModel) {
		f.writeError(w, types.KindBadRequest, err.Error(), "")
		return
	}

	f.forward(w, r, model, path, body, parsed)
}

// HandleModels serves GET /v1/models: the OpenAI-compatible model list
// derived from models with at least one selectable backend.
func (f *Forwarder) HandleModels(w http.ResponseWriter, r *http.Request) {
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}

	models := f.registry.Models()
	data := make([]modelEntry, 0, len(models))
	for _, m := range models {
		data = append(data, modelEntry{ID: m, Object: "model", OwnedBy: "agent-infra"})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   data,
	})
}

// HandleIndex serves GET /: a human-friendly listing of models and
// backend endpoints.
func (f *Forwarder) HandleIndex(w http.ResponseWriter, r *http.Request) {
	backends := make(map[string][]string)
	for _, s := range f.registry.List() {
		if s.State == backend.StateRemoved {
			continue
		}
		backends[s.Model] = append(backends[s.Model], s.URL())
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"models":   f.registry.Models(),
		"backends": backends,
	})
}

// forward runs the full request contract: resolve, select, dispatch with
// failover, stream, and record the turn.
func (f *Forwarder) forward(
	w http.ResponseWriter,
	r *http.Request,
	model, path string,
	body []byte,
	parsed *types.CompletionRequest,
) {
	acceptedAt := time.Now()
	f.totalRequests.Add(1)
	f.pending.Add(1)
	dispatched := false
	defer func() {
		if !dispatched {
			f.pending.Add(-1)
		}
	}()

	rc := ExtractRoutingContext(r.Header, f.headers)
	requestID := middleware.GetRequestID(r.Context())
	if requestID == "" {
		requestID = middleware.GenerateRequestID()
	}

	rec := session.TurnRecord{
		RequestID: requestID,
		SessionID: rc.SessionID,
		TaskID:    rc.TaskID,
		ClientID:  rc.ClientID,
		Model:     model,
		PreMS:     rc.PreMS,
		PostMS:    rc.PostMS,
		StartedAt: acceptedAt,
	}
	if parsed != nil {
		rec.Streamed = parsed.Stream
		rec.RequestSummary = session.Truncate(parsed.LastUserMessage())
	}

	resolved, ok := f.registry.ResolveModel(model)
	if !ok {
		f.finishTurn(&rec, acceptedAt, 0, http.StatusNotFound, types.KindUnknownModel)
		f.writeError(w, types.KindUnknownModel, "no backend for model: "+model, "")
		return
	}
	rec.Model = resolved
	rec.TurnNumber = f.store.NextTurn(rc.SessionID)

	ctx, cancel := context.WithTimeout(r.Context(), f.requestTimeout)
	defer cancel()

	var excluded []string
	var lastKind types.ErrorKind
	var lastBackend string

	for attempt := 0; attempt <= f.maxRetries; attempt++ {
		sel, err := f.engine.Select(routing.Context{
			Model:     resolved,
			SessionID: rc.SessionID,
			Exclude:   excluded,
		})
		if err != nil {
			if attempt == 0 {
				f.finishTurn(&rec, acceptedAt, 0, http.StatusServiceUnavailable, types.KindNoBackendAvailable)
				f.writeError(w, types.KindNoBackendAvailable, err.Error(), "")
			} else {
				f.finishTurn(&rec, acceptedAt, 0, lastKind.HTTPStatusCode(), lastKind)
				f.writeError(w, lastKind, "all retries exhausted", lastBackend)
			}
			return
		}

		if attempt > 0 {
			f.retryCount.Add(1)
			if f.metrics != nil {
				f.metrics.RecordRetry(resolved)
			}
			f.logger.Info("retrying on different backend",
				"request_id", requestID,
				"model", resolved,
				"backend", sel.ID,
				"attempt", attempt,
			)
		}

		outcome := f.dispatch(ctx, w, r, sel, path, body, &rec, acceptedAt, &dispatched)
		switch outcome {
		case dispatchDone:
			return
		case dispatchRetry:
			excluded = append(excluded, sel.ID)
			lastKind = types.KindUpstreamError
			lastBackend = sel.ID
			continue
		}
	}

	// Retry budget exhausted.
	f.finishTurn(&rec, acceptedAt, 0, lastKind.HTTPStatusCode(), lastKind)
	f.writeError(w, lastKind, "all retries exhausted", lastBackend)
}

// dispatchOutcome is the result of one upstream attempt.
type dispatchOutcome int

const (
	// dispatchDone means a response (or terminal error) was delivered.
	dispatchDone dispatchOutcome = iota

	// dispatchRetry means the attempt failed before any client byte and a
	// different candidate may be tried.
	dispatchRetry
)

// dispatch performs one upstream attempt against the selected backend.
func (f *Forwarder) dispatch(
	ctx context.Context,
	w http.ResponseWriter,
	r *http.Request,
	sel backend.Snapshot,
	path string,
	body []byte,
	rec *session.TurnRecord,
	acceptedAt time.Time,
	dispatched *bool,
) dispatchOutcome {
	tok, err := f.registry.ObserveStart(sel.ID)
	if err != nil {
		// The backend drained or hit its cap between snapshot and start;
		// treat like a connection-level failure.
		return dispatchRetry
	}

	rec.BackendID = sel.ID
	dispatchAt := time.Now()
	rec.QueueWaitMS = durationMS(dispatchAt.Sub(acceptedAt))
	if !*dispatched {
		*dispatched = true
		f.pending.Add(-1)
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, sel.URL()+path, bytes.NewReader(body))
	if err != nil {
		f.registry.ObserveEnd(tok, time.Since(dispatchAt), false)
		return dispatchRetry
	}
	copyHeaders(req.Header, r.Header)
	// The body is re-framed from the buffered copy; a stale length header
	// would conflict with it.
	req.Header.Del("Content-Length")
	req.Header.Set(middleware.RequestIDHeader, rec.RequestID)

	resp, err := f.client.Do(req)
	if err != nil {
		duration := time.Since(dispatchAt)

		switch {
		case r.Context().Err() != nil:
			// Client went away; not the backend's fault, so its failure
			// counter is left alone. Nothing to write.
			f.registry.ObserveEnd(tok, duration, true)
			f.finishTurn(rec, acceptedAt, duration, 0, types.KindClientCancelled)
			return dispatchDone
		case ctx.Err() == context.DeadlineExceeded:
			f.registry.ObserveEnd(tok, duration, false)
			f.finishTurn(rec, acceptedAt, duration, http.StatusGatewayTimeout, types.KindUpstreamTimeout)
			f.writeError(w, types.KindUpstreamTimeout, "upstream timed out", sel.ID)
			return dispatchDone
		default:
			f.registry.ObserveEnd(tok, duration, false)
			f.logger.Warn("upstream attempt failed",
				"request_id", rec.RequestID,
				"backend", sel.ID,
				"error", err,
			)
			return dispatchRetry
		}
	}

	// Transient 5xx bodies are eligible for failover before any byte has
	// been forwarded.
	if resp.StatusCode >= 500 {
		peek, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		if strings.Contains(string(peek), retriableBodyMarker) {
			resp.Body.Close()
			f.registry.ObserveEnd(tok, time.Since(dispatchAt), false)
			return dispatchRetry
		}
		// Non-retriable upstream error: relay it verbatim.
		resp.Body = io.NopCloser(io.MultiReader(bytes.NewReader(peek), resp.Body))
	}

	f.relay(w, r, resp, sel, tok, rec, acceptedAt, dispatchAt)
	return dispatchDone
}

// relay streams the upstream response to the client verbatim and
// finalizes the turn. Once the first byte is written, failures are
// terminal: the stream is truncated rather than retried.
func (f *Forwarder) relay(
	w http.ResponseWriter,
	r *http.Request,
	resp *http.Response,
	sel backend.Snapshot,
	tok backend.Token,
	rec *session.TurnRecord,
	acceptedAt, dispatchAt time.Time,
) {
	defer resp.Body.Close()

	streamed := strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream")
	rec.Streamed = rec.Streamed || streamed

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	var summaryBuf bytes.Buffer
	src := io.Reader(resp.Body)
	captureSummary := !streamed && resp.StatusCode == http.StatusOK
	if captureSummary {
		src = io.TeeReader(resp.Body, limitedWriter{&summaryBuf, summaryBodyLimit})
	}

	_, copyErr := flushCopy(w, src, streamed)
	duration := time.Since(dispatchAt)

	var kind types.ErrorKind
	switch {
	case copyErr != nil && r.Context().Err() != nil:
		kind = types.KindClientCancelled
	case copyErr != nil:
		kind = types.KindUpstreamError
	}

	// A dropped client is not a backend failure; only upstream trouble
	// feeds the health counters.
	ok := resp.StatusCode < 500 && (copyErr == nil || kind == types.KindClientCancelled)
	f.registry.ObserveEnd(tok, duration, ok)

	if captureSummary && copyErr == nil {
		var parsed types.CompletionResponse
		if err := json.Unmarshal(summaryBuf.Bytes(), &parsed); err == nil {
			rec.ResponseSummary = session.Truncate(parsed.FirstChoiceText())
		}
	}

	rec.InferenceMS = durationMS(duration)
	f.finishTurn(rec, acceptedAt, duration, resp.StatusCode, kind)
}

// finishTurn finalizes and stores the turn record. Session-store failures
// never surface to the request path.
func (f *Forwarder) finishTurn(
	rec *session.TurnRecord,
	acceptedAt time.Time,
	inference time.Duration,
	status int,
	kind types.ErrorKind,
) {
	now := time.Now()
	rec.CompletedAt = now
	rec.TotalMS = durationMS(now.Sub(acceptedAt))
	if rec.InferenceMS == 0 {
		rec.InferenceMS = durationMS(inference)
	}
	rec.StatusCode = status
	if kind != "" {
		rec.ErrorKind = string(kind)
	}

	if !rec.OK() {
		f.totalErrors.Add(1)
	}

	f.store.Append(*rec)

	if f.metrics != nil {
		statusLabel := "success"
		if !rec.OK() {
			statusLabel = "error"
		}
		f.metrics.RecordRequest(rec.Model, rec.BackendID, statusLabel, now.Sub(acceptedAt))
	}
}

// writeError writes the JSON error envelope with the status implied by
// the kind. 503 responses carry a Retry-After hint.
func (f *Forwarder) writeError(w http.ResponseWriter, kind types.ErrorKind, message, backendID string) {
	status := kind.HTTPStatusCode()
	if kind == types.KindNoBackendAvailable {
		w.Header().Set("Retry-After", "5")
	}
	writeJSON(w, status, types.NewErrorResponse(kind, message, backendID))
}

// copyHeaders copies all non-hop-by-hop headers from src to dst.
func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		if isHopHeader(key) {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

func isHopHeader(key string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(key, h) {
			return true
		}
	}
	return false
}

// flushCopy copies src to dst in small chunks. In streaming mode each
// chunk is flushed immediately so SSE frames reach the client without
// buffering.
func flushCopy(dst http.ResponseWriter, src io.Reader, stream bool) (int64, error) {
	flusher, canFlush := dst.(http.Flusher)
	buf := make([]byte, 32*1024)
	var written int64

	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			wn, writeErr := dst.Write(buf[:n])
			written += int64(wn)
			if writeErr != nil {
				return written, writeErr
			}
			if stream && canFlush {
				flusher.Flush()
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}

// limitedWriter discards writes beyond its limit, keeping summary capture
// bounded.
type limitedWriter struct {
	buf   *bytes.Buffer
	limit int
}

func (lw limitedWriter) Write(p []byte) (int, error) {
	remaining := lw.limit - lw.buf.Len()
	if remaining > 0 {
		if len(p) > remaining {
			lw.buf.Write(p[:remaining])
		} else {
			lw.buf.Write(p)
		}
	}
	return len(p), nil
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// durationMS converts a duration to float milliseconds.
func durationMS(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
