// Package engine wires C2 through C11 into the per-request pipeline of
// spec.md §2's control-flow diagram and §4's state machine. Grounded on the
// attempt-loop shape of the teacher's internal/relay.Relay.Handle, with the
// account/token/identity machinery replaced by the content-based router,
// selector, rewriter, and classifier built for this domain.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/routingcore/llmrouter/internal/accesslog"
	"github.com/routingcore/llmrouter/internal/autoupgrade"
	"github.com/routingcore/llmrouter/internal/classifier"
	"github.com/routingcore/llmrouter/internal/factors"
	"github.com/routingcore/llmrouter/internal/forwarder"
	"github.com/routingcore/llmrouter/internal/metrics"
	"github.com/routingcore/llmrouter/internal/router"
	"github.com/routingcore/llmrouter/internal/routetable"
	"github.com/routingcore/llmrouter/internal/rewriter"
	"github.com/routingcore/llmrouter/internal/selector"
	"github.com/routingcore/llmrouter/internal/state"
)

// Engine is the top-level request handler implementing spec.md's state
// machine: RECEIVED -> PARSED -> ROUTED -> SELECTED -> FORWARDING ->
// CLASSIFIED -> {retriable -> SELECTED | signature -> SELECTED(once) |
// terminal -> RESPONDED -> LOGGED}.
type Engine struct {
	RouteTable  *routetable.RouteTable
	RouterCfg   router.Config
	AutoUpgrade autoupgrade.Config

	Store    *state.Store
	Selector *selector.Selector
	Forward  *forwarder.Forwarder
	Access   *accesslog.Logger

	Cooldowns        classifier.Cooldowns
	MaxTargetRetries int
	RetryAuthOn5xx   bool
	DefaultOriginURL string
	MaxRequestBody   int64
}

func New(
	rt *routetable.RouteTable,
	routerCfg router.Config,
	auCfg autoupgrade.Config,
	store *state.Store,
	sel *selector.Selector,
	fwd *forwarder.Forwarder,
	access *accesslog.Logger,
	cooldowns classifier.Cooldowns,
	maxTargetRetries int,
	retryAuthOn5xx bool,
	defaultOriginURL string,
	maxRequestBodyBytes int64,
) *Engine {
	return &Engine{
		RouteTable:       rt,
		RouterCfg:        routerCfg,
		AutoUpgrade:      auCfg,
		Store:            store,
		Selector:         sel,
		Forward:          fwd,
		Access:           access,
		Cooldowns:        cooldowns,
		MaxTargetRetries: maxTargetRetries,
		RetryAuthOn5xx:   retryAuthOn5xx,
		DefaultOriginURL: defaultOriginURL,
		MaxRequestBody:   maxRequestBodyBytes,
	}
}

// attemptTrace accumulates per-attempt bookkeeping for the access log.
type attemptTrace struct {
	tried   []string
	retries []accesslog.RetryAttempt
}

func (e *Engine) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	ctx := req.Context()
	path := forwarder.NormalizePath(req.URL.Path)

	raw, err := io.ReadAll(io.LimitReader(req.Body, e.MaxRequestBody))
	req.Body.Close()
	if err != nil {
		e.writeProxyError(w, http.StatusBadGateway, "failed to read request body")
		return
	}

	var body map[string]any
	parseErr := json.Unmarshal(raw, &body)

	if req.Method != http.MethodPost || parseErr != nil || body["model"] == nil {
		e.forwardToDefault(ctx, w, req, path, raw, start)
		return
	}

	requestedAlias, _ := body["model"].(string)
	if requestedAlias == "" || !e.RouteTable.Has(requestedAlias) {
		e.forwardToDefault(ctx, w, req, path, raw, start)
		return
	}

	f := factors.Extract(body)
	sessionKey := extractSessionKey(body)
	requestedHealth := e.Store.Health(sessionKey, requestedAlias)
	f.FailureStreak = requestedHealth.FailureStreak
	f.SuccessStreak = requestedHealth.SuccessStreak

	decision := router.Resolve(e.RouterCfg, requestedAlias, f, e.RouteTable)
	if decision.Applied {
		metrics.RouterAppliedTotal.WithLabelValues(decision.Tag).Inc()
	}
	resolvedAlias := requestedAlias
	if decision.Applied {
		resolvedAlias = decision.SuggestedModel
	}

	health := e.Store.Health(sessionKey, resolvedAlias)
	auDecision := autoupgrade.Resolve(e.AutoUpgrade, resolvedAlias, f, health.FailureStreak, e.RouteTable)
	if auDecision.Triggered {
		for _, reason := range auDecision.Reasons {
			metrics.AutoUpgradeTriggeredTotal.WithLabelValues(reason).Inc()
		}
		resolvedAlias = auDecision.Target
	}

	metrics.RequestsTotal.WithLabelValues(requestedAlias, resolvedAlias).Inc()

	baseline := req.Header.Clone()
	trace := &attemptTrace{}

	rec := accesslog.Record{RequestID: uuid.NewString(), Time: start.UTC()}
	rec.Request = accesslog.RequestSummary{
		Method:      req.Method,
		URL:         req.URL.String(),
		Headers:     accesslog.SanitizeHeaders(baseline),
		BodySummary: e.Access.SummarizeBody(raw),
	}
	rec.Routing = accesslog.RoutingSummary{
		RequestedAlias: requestedAlias,
		ResolvedAlias:  resolvedAlias,
		Source:         decision.Tag,
		HitRule:        decision.Tag,
		EvalTrace:      decision.EvalTrace,
	}
	if e.RouterCfg.LogFactors {
		rec.Routing.Factors = factorsToMap(f)
	}
	if auDecision.Triggered {
		rec.Routing.AutoUpgrade = map[string]any{
			"source": auDecision.Source, "target": auDecision.Target, "reasons": auDecision.Reasons,
		}
	}
	rec.Routing.ModelHealth = map[string]any{
		"failure_streak": health.FailureStreak, "success_streak": health.SuccessStreak,
	}

	outcome, result, attemptInfo := e.runAttempts(ctx, w, req, path, body, baseline, resolvedAlias, f, sessionKey, trace)

	rec.Routing.TriedTargets = trace.tried
	rec.Routing.RetryTrace = trace.retries
	rec.Routing.RetryCount = attemptInfo.retryCount
	rec.Routing.DecisionTag = attemptInfo.lastDecisionTag
	rec.Routing.StickyAction = attemptInfo.stickyAction
	rec.Routing.ChosenIdentity = attemptInfo.chosenIdentity
	rec.Routing.ProviderTag = attemptInfo.providerTag

	if result.proxyErr {
		e.writeProxyError(w, http.StatusBadGateway, result.errReason)
		rec.Response = accesslog.ResponseSummary{Status: http.StatusBadGateway, Kind: string(classifier.KindOther)}
	} else if !result.res.WasSSE {
		e.respondJSON(w, result.res, outcome)
		rec.Response = accesslog.ResponseSummary{
			Status:          result.res.StatusCode,
			BodyLength:      len(result.res.DecodedBody),
			Preview:         e.Access.SummarizeBody(result.res.DecodedBody),
			Kind:            string(outcome.Kind),
			CooldownApplied: outcome.CooldownMs,
			DecodedEncoding: result.res.ContentEncoding,
			DecodeError:     result.res.DecodeError,
		}
		rec.Usage = accesslog.ExtractUsage(result.res.DecodedBody, false)
	} else {
		rec.Response = accesslog.ResponseSummary{
			Status: result.res.StatusCode, BodyLength: len(result.res.DecodedBody), Kind: string(outcome.Kind),
		}
		rec.Usage = accesslog.ExtractUsage(result.res.DecodedBody, true)
	}

	rec.Duration = time.Since(start)
	if err := e.Access.Log(rec); err != nil {
		slog.Warn("access log write failed", "error", err)
	}
}

// runResult bundles what the attempt loop produced for the final response
// write, whether the result is a usable upstream Result or a proxy-level
// failure that never produced a status code.
type runResult struct {
	res       forwarder.Result
	proxyErr  bool
	errReason string
}

// attemptInfo is everything about the attempt loop the access logger needs
// beyond the final Outcome/runResult.
type attemptInfo struct {
	retryCount      int
	signatureUsed   bool
	lastDecisionTag string
	stickyAction    string
	chosenIdentity  string
	providerTag     string
}

// runAttempts implements the SELECTED -> FORWARDING -> CLASSIFIED loop of
// spec.md's state machine, including ordinary retry and one bounded
// signature-recovery attempt (C10, spec.md §4.9).
func (e *Engine) runAttempts(
	ctx context.Context,
	w http.ResponseWriter,
	req *http.Request,
	path string,
	body map[string]any,
	baseline http.Header,
	resolvedAlias string,
	f factors.Factors,
	sessionKey string,
	trace *attemptTrace,
) (classifier.Outcome, runResult, attemptInfo) {
	currentAlias := resolvedAlias
	exclude := map[string]bool{}
	info := attemptInfo{}

	for {
		sel := e.Selector.Select(e.RouteTable, currentAlias, f, sessionKey, exclude)
		info.lastDecisionTag = sel.Decision
		if !sel.Found {
			res := e.forwardRaw(ctx, w, req, path, body)
			return classifier.Outcome{Kind: classifier.KindOther}, res, info
		}
		// A cross-model thinking lock can select a sticky target under a
		// different alias than the one requested; state updates below must
		// key on the alias actually used, not the original.
		currentAlias = sel.Alias
		target := sel.Target
		exclude[target.Identity()] = true
		trace.tried = append(trace.tried, target.Identity())
		info.chosenIdentity = target.Identity()
		info.providerTag = target.ProviderTag

		cloned := rewriter.CloneBody(body)
		rewritten := rewriter.Rewrite(cloned, target)
		payload, _ := json.Marshal(rewritten)
		headers := rewriter.RewriteHeaders(baseline, target, len(payload))

		outReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target.BackendURL+path, bytes.NewReader(payload))
		if err != nil {
			return classifier.Outcome{Kind: classifier.KindOther}, runResult{proxyErr: true, errReason: err.Error()}, info
		}
		outReq.Header = headers

		attemptStart := time.Now()
		res := e.Forward.Send(ctx, w, outReq, target.BackendURL)
		duration := time.Since(attemptStart)
		metrics.AttemptDuration.WithLabelValues(target.ProviderTag).Observe(duration.Seconds())

		var outcome classifier.Outcome
		if res.Err != nil {
			outcome = classifier.Outcome{Kind: classifier.KindTransient, ClearSticky: true, CooldownMs: e.Cooldowns.Transient, Summary: res.Err.Error()}
		} else {
			outcome = classifier.Classify(res.StatusCode, res.DecodedBody, f.HasThinkingSignature, e.Cooldowns)
		}
		metrics.AttemptsTotal.WithLabelValues(target.ProviderTag, string(outcome.Kind)).Inc()

		info.stickyAction = e.applyStateUpdates(sessionKey, currentAlias, target, outcome)

		trace.retries = append(trace.retries, accesslog.RetryAttempt{
			TargetIdentity: target.Identity(),
			Status:         res.StatusCode,
			Kind:           string(outcome.Kind),
			Duration:       duration,
			BodyPreview:    e.Access.SummarizeBody(res.DecodedBody),
			SignatureGroup: state.SignatureGroupOf(target.UpstreamModel),
		})

		if outcome.Kind == classifier.KindSuccess {
			return outcome, runResult{res: res}, info
		}

		if e.ordinaryRetryEligible(res, outcome, info.retryCount) {
			info.retryCount++
			metrics.RetriesTotal.WithLabelValues("ordinary").Inc()
			continue
		}

		if outcome.Kind == classifier.KindSignature && !info.signatureUsed && !res.WasSSE && !res.HeadersSent {
			if nextAlias, ok := e.signatureRecoveryAlias(body, currentAlias, exclude); ok {
				currentAlias = nextAlias
				info.signatureUsed = true
				metrics.RetriesTotal.WithLabelValues("signature_recovery").Inc()
				continue
			}
		}

		if res.Err != nil {
			return outcome, runResult{proxyErr: true, errReason: res.Err.Error()}, info
		}
		return outcome, runResult{res: res}, info
	}
}

// ordinaryRetryEligible implements spec.md §4.9's ordinary-retry predicate.
func (e *Engine) ordinaryRetryEligible(res forwarder.Result, outcome classifier.Outcome, retryCount int) bool {
	if res.WasSSE || res.HeadersSent {
		return false
	}
	if retryCount >= e.MaxTargetRetries {
		return false
	}
	if outcome.Kind != classifier.KindAuth && outcome.Kind != classifier.KindTransient {
		return false
	}
	status := res.StatusCode
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return true
	}
	if outcome.Kind == classifier.KindTransient {
		return true
	}
	if e.RetryAuthOn5xx && status >= 500 {
		return true
	}
	return false
}

// signatureRecoveryAlias implements the cross-model signature-group
// recovery path of spec.md §4.9: extract the group prefix (before '#') from
// the request's thinking signature, find candidate aliases serving that
// group, and pick whichever alias's best available target has the highest
// weight.
func (e *Engine) signatureRecoveryAlias(body map[string]any, currentAlias string, exclude map[string]bool) (string, bool) {
	group := extractSignatureGroup(body)
	if group == "" {
		return "", false
	}
	aliases := e.RouteTable.AliasesForSignatureGroup(group)
	bestAlias := ""
	bestWeight := -1
	for _, alias := range aliases {
		if alias == currentAlias {
			continue
		}
		for _, t := range e.RouteTable.Candidates(alias) {
			if exclude[t.Identity()] {
				continue
			}
			if e.Store.IsCoolingDown(alias, t.Identity()) {
				continue
			}
			if t.EffectiveWeight() > bestWeight {
				bestWeight = t.EffectiveWeight()
				bestAlias = alias
			}
		}
	}
	if bestAlias == "" {
		return "", false
	}
	return bestAlias, true
}

func (e *Engine) applyStateUpdates(sessionKey, alias string, target routetable.Target, outcome classifier.Outcome) string {
	stickyAction := ""
	switch {
	case outcome.Kind == classifier.KindSuccess:
		e.Store.SetSticky(sessionKey, alias, state.StickyEntry{
			ProviderInstance: target.ProviderInstance, BackendURL: target.BackendURL, UpstreamModel: target.UpstreamModel,
		})
		e.Store.RecordSuccess(sessionKey, alias)
		stickyAction = "set"
	case outcome.ClearSticky:
		e.Store.ClearSticky(sessionKey, alias)
		e.Store.RecordFailure(sessionKey, alias)
		stickyAction = "cleared"
	}
	if outcome.CooldownMs > 0 {
		e.Store.SetCooldown(alias, target.Identity(), outcome.CooldownMs)
		metrics.CooldownsAppliedTotal.WithLabelValues(string(outcome.Kind)).Inc()
	}
	return stickyAction
}

// respondJSON writes the final non-streaming response, normalizing
// pathological error bodies per spec.md §4.6.
func (e *Engine) respondJSON(w http.ResponseWriter, res forwarder.Result, outcome classifier.Outcome) {
	body := res.DecodedBody
	if res.StatusCode >= 300 {
		body = forwarder.NormalizeErrorBody(body)
	}
	for k, vals := range res.Header {
		lk := strings.ToLower(k)
		if lk == "content-length" || lk == "content-encoding" || lk == "connection" {
			continue
		}
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(res.StatusCode)
	w.Write(body)
}

// writeProxyError implements spec.md §7's proxy-level-failure contract.
func (e *Engine) writeProxyError(w http.ResponseWriter, status int, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":"Proxy Error","details":%q}`, reason)
}

// forwardToDefault handles non-POST, unparseable, and unknown-alias
// requests: they skip the router entirely and go straight to the default
// origin, still traversing CLASSIFIED -> LOGGED (spec.md's closing state
// machine note).
func (e *Engine) forwardToDefault(ctx context.Context, w http.ResponseWriter, req *http.Request, path string, raw []byte, start time.Time) {
	outReq, err := http.NewRequestWithContext(ctx, req.Method, e.DefaultOriginURL+path, bytes.NewReader(raw))
	if err != nil {
		e.writeProxyError(w, http.StatusBadGateway, err.Error())
		return
	}
	outReq.Header = req.Header.Clone()

	res := e.Forward.Send(ctx, w, outReq, e.DefaultOriginURL)

	rec := accesslog.Record{
		RequestID: uuid.NewString(),
		Time:      start.UTC(),
		Duration:  time.Since(start),
		Request: accesslog.RequestSummary{
			Method: req.Method, URL: req.URL.String(),
			Headers: accesslog.SanitizeHeaders(req.Header), BodySummary: e.Access.SummarizeBody(raw),
		},
		Routing: accesslog.RoutingSummary{DecisionTag: "no_route_fallback"},
	}
	if res.Err != nil {
		e.writeProxyError(w, http.StatusBadGateway, res.Err.Error())
		rec.Response = accesslog.ResponseSummary{Status: http.StatusBadGateway, Kind: string(classifier.KindOther)}
	} else {
		outcome := classifier.Outcome{Kind: classifier.KindOther}
		if res.StatusCode >= 200 && res.StatusCode < 300 {
			outcome.Kind = classifier.KindSuccess
		}
		if !res.WasSSE {
			e.respondJSON(w, res, outcome)
		}
		rec.Response = accesslog.ResponseSummary{
			Status: res.StatusCode, BodyLength: len(res.DecodedBody), Kind: string(outcome.Kind),
			DecodedEncoding: res.ContentEncoding, DecodeError: res.DecodeError,
		}
		rec.Usage = accesslog.ExtractUsage(res.DecodedBody, res.WasSSE)
	}
	if err := e.Access.Log(rec); err != nil {
		slog.Warn("access log write failed", "error", err)
	}
}

// forwardRaw is used when the selector has no target at all (e.g. an alias
// whose targets are all excluded) — forward unmodified to the default
// origin per spec.md §4.4's fallback clause.
func (e *Engine) forwardRaw(ctx context.Context, w http.ResponseWriter, req *http.Request, path string, body map[string]any) runResult {
	payload, _ := json.Marshal(body)
	outReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.DefaultOriginURL+path, bytes.NewReader(payload))
	if err != nil {
		return runResult{proxyErr: true, errReason: err.Error()}
	}
	outReq.Header = req.Header.Clone()
	res := e.Forward.Send(ctx, w, outReq, e.DefaultOriginURL)
	if res.Err != nil {
		return runResult{proxyErr: true, errReason: res.Err.Error()}
	}
	return runResult{res: res}
}

// extractSessionKey derives the sticky-session key from the Anthropic-style
// metadata.user_id field, when present. Requests without it are treated as
// sessionless (no stickiness).
func extractSessionKey(body map[string]any) string {
	metadata, ok := body["metadata"].(map[string]any)
	if !ok {
		return ""
	}
	uid, _ := metadata["user_id"].(string)
	return uid
}

// extractSignatureGroup pulls the group prefix (before '#') out of the
// first non-empty thinking-block signature found in the request, used by
// signature recovery (spec.md §4.9).
func extractSignatureGroup(body map[string]any) string {
	messages, _ := body["messages"].([]any)
	for _, raw := range messages {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		blocks, ok := m["content"].([]any)
		if !ok {
			continue
		}
		for _, b := range blocks {
			bm, ok := b.(map[string]any)
			if !ok || bm["type"] != "thinking" {
				continue
			}
			sig, ok := bm["signature"].(string)
			if !ok || sig == "" {
				continue
			}
			if group, _, found := strings.Cut(sig, "#"); found {
				return group
			}
		}
	}
	return ""
}

func factorsToMap(f factors.Factors) map[string]any {
	return map[string]any{
		"requested_model":        f.RequestedModel,
		"messages_count":         f.MessagesCount,
		"tools_count":            f.ToolsCount,
		"has_thinking_signature": f.HasThinkingSignature,
		"has_system_prompt":      f.HasSystemPrompt,
		"prompt_chars":           f.PromptChars,
		"task_category":          string(f.TaskCategory),
		"tool_profile":           string(f.ToolProfile),
		"has_code_context":       f.HasCodeContext,
		"system_prompt_type":     f.SystemPromptType,
	}
}
