// Package proxy is the core LLM request dispatcher.
//
// The Gateway receives an incoming OpenAI-compatible request, authenticates
// and admits it (C2/C3), resolves and dispatches to a provider with
// automatic failover (C4/C5/C6/C7), normalizes the response (C8), and meters
// it post-flight (C9/C10) — falling back to alternatives when the primary
// provider is unavailable and never letting a slow or failed post-flight
// step block the client response.
//
// Key design constraints:
//   - Proxy overhead < 2 ms P50 (SLA). No blocking I/O on the hot path.
//   - Logger, cache, and rate limiter are optional and nil-safe.
//   - All I/O uses context.Context so timeouts propagate correctly.
//   - Streaming responses are pass-through (SSE); they are never cached.
//   - Admission precedes dispatch; dispatch precedes C8 emission; [DONE]
//     precedes post-flight; post-flight's credit deduction precedes its
//     usage-row insert.
package proxy

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/gateway-core/internal/accounting"
	"github.com/nulpointcorp/gateway-core/internal/authcache"
	"github.com/nulpointcorp/gateway-core/internal/breaker"
	"github.com/nulpointcorp/gateway-core/internal/cache"
	"github.com/nulpointcorp/gateway-core/internal/logger"
	"github.com/nulpointcorp/gateway-core/internal/metrics"
	"github.com/nulpointcorp/gateway-core/internal/providers"
	"github.com/nulpointcorp/gateway-core/internal/ratelimit"
	"github.com/nulpointcorp/gateway-core/internal/router"
	"github.com/nulpointcorp/gateway-core/internal/stream"
	"github.com/nulpointcorp/gateway-core/internal/tokencount"
	"github.com/nulpointcorp/gateway-core/pkg/apierr"
)

const (
	xCacheHIT  = "HIT"
	xCacheMISS = "MISS"
)

// PlanLimit is the per-minute admission ceiling attached to a billing plan.
// The orchestrator checks both axes at WindowMinute; a zero Max on either
// axis is treated by ratelimit.Manager as "unlimited".
type PlanLimit struct {
	RequestsPerMinute int64
	TokensPerMinute   int64
}

// PricePoint is the per-token price used to cost a completion, expressed in
// credits (the same unit accounting.Service.CostMicros expects).
type PricePoint struct {
	InputPerToken  float64
	OutputPerToken float64
}

// GatewayOptions holds optional tuning parameters for a Gateway. All fields
// have sensible defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger used for request events and failover
	// diagnostics. Defaults to a no-op logger when nil.
	Logger *slog.Logger

	// MaxRetries is the maximum number of provider attempts per request
	// (including the first). Must be ≥ 1. Default: providers.MaxRetries (3).
	MaxRetries int

	// ProviderTimeout is the per-provider HTTP request timeout.
	// Default: providers.ProviderTimeout (30s).
	ProviderTimeout time.Duration

	// BreakerConfig configures the per-(provider,model) circuit breaker.
	// Zero value uses the breaker package's own defaults.
	BreakerConfig breaker.Config

	// AllowClientAPIKeys enables forwarding Authorization headers from clients
	// directly to upstream providers. When false, client headers are ignored and
	// only configured keys are used.
	AllowClientAPIKeys bool

	// Metrics enables Prometheus metrics collection. When nil, metrics are disabled.
	Metrics *metrics.Registry

	// CacheTTL controls the default TTL for cached responses.
	// Default: 1h.
	CacheTTL time.Duration

	// AuthCache looks up the API-key identity behind an incoming request. A
	// nil AuthCache means every request is treated as anonymous.
	AuthCache *authcache.Cache

	// SessionVerifier verifies the signed session token a client passes as
	// the "session_id" query parameter. A nil verifier disables the PREPARE
	// step's session-history prefix entirely — every request is treated as
	// session-less, regardless of whether a session_id was supplied.
	SessionVerifier *authcache.SessionVerifier

	// Router builds the C5/C6 candidate dispatch chain. A nil Router falls
	// back to a single-candidate chain using the request's resolved provider
	// (no failover, no health/price ordering).
	Router *router.Router

	// Breakers gates dispatch attempts per (provider, model). A nil registry
	// disables circuit breaking (every candidate is always allowed).
	Breakers *breaker.Registry

	// RateLimiter enforces authenticated per-key request/token limits.
	RateLimiter *ratelimit.Manager

	// Concurrency bounds in-flight dispatch attempts per authenticated key.
	Concurrency *ratelimit.ConcurrencyLimiter

	// AnonLimiter enforces the free-tier daily quota and model whitelist for
	// unauthenticated callers. Nil means anonymous access is refused outright.
	AnonLimiter *ratelimit.AnonymousLimiter

	// Accounting commits the post-flight credit deduction and usage row. Nil
	// disables metering entirely (dev/test mode).
	Accounting *accounting.Service

	// TokenCounter estimates prompt tokens ahead of dispatch for the
	// admission-time plan-limit precheck. Defaults to tokencount.New().
	TokenCounter *tokencount.Counter

	// PlanLimits maps a user's PlanRef to its per-minute request/token
	// ceiling. A PlanRef absent from this map uses DefaultPlanLimit.
	PlanLimits map[string]PlanLimit

	// DefaultPlanLimit applies to authenticated users whose PlanRef has no
	// explicit entry in PlanLimits.
	DefaultPlanLimit PlanLimit

	// Prices maps provider name to its per-token input/output price, used to
	// cost completions at post-flight. A provider absent from this map is
	// costed at zero (logged, never billed) rather than guessed at.
	Prices map[string]PricePoint
}

// Gateway is the main proxy — all dependencies are injected via the constructor
// so they can be replaced with mock doubles in unit tests.
type Gateway struct {
	providers map[string]providers.Provider
	cache     cache.Cache
	breakers  *breaker.Registry
	router    *router.Router
	health    *HealthChecker
	baseCtx   context.Context
	log       *slog.Logger
	metrics   *metrics.Registry

	authCache       *authcache.Cache
	sessionVerifier *authcache.SessionVerifier
	history         *sessionHistory
	rateManager     *ratelimit.Manager
	concurrency     *ratelimit.ConcurrencyLimiter
	anonLimiter     *ratelimit.AnonymousLimiter
	accountSvc      *accounting.Service
	tokenCounter    *tokencount.Counter

	planLimits       map[string]PlanLimit
	defaultPlanLimit PlanLimit
	prices           map[string]PricePoint

	// Configurable failover parameters (set from GatewayOptions).
	maxRetries      int
	providerTimeout time.Duration
	cacheTTL        time.Duration

	// Optional dependencies — nil-safe when not configured.
	rpmLimiter      *ratelimit.RPMLimiter
	reqLogger       *logger.Logger
	cacheExclusions *cache.ExclusionList

	// CORS allowed origins. An empty slice or ["*"] means allow all.
	corsOrigins []string

	allowClientAPIKeys bool
}

// SetCORSOrigins configures the allowed CORS origins for the gateway.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

// NewGateway creates a Gateway with default settings.
func NewGateway(ctx context.Context, provs map[string]providers.Provider, c cache.Cache) *Gateway {
	return NewGatewayWithOptions(ctx, provs, c, nil, GatewayOptions{})
}

// NewGatewayWithProbes creates a Gateway with an explicit probe for the cache
// backend. Its result is reported as the cache status by GET /health;
// GET /readiness does not consult it.
func NewGatewayWithProbes(
	baseCtx context.Context,
	provs map[string]providers.Provider,
	c cache.Cache,
	cacheReady func() bool,
) *Gateway {
	return NewGatewayWithOptions(baseCtx, provs, c, cacheReady, GatewayOptions{})
}

// NewGatewayWithOptions creates a fully configured Gateway. Use this when you
// need to customise the logger, breaker thresholds, routing, or admission
// subsystems.
func NewGatewayWithOptions(
	baseCtx context.Context,
	provs map[string]providers.Provider,
	c cache.Cache,
	cacheReady func() bool,
	opts GatewayOptions,
) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	maxRetries := opts.MaxRetries
	if maxRetries < 1 {
		maxRetries = providers.MaxRetries
	}

	providerTimeout := opts.ProviderTimeout
	if providerTimeout <= 0 {
		providerTimeout = providers.ProviderTimeout
	}

	cacheTTL := opts.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}

	tokenCounter := opts.TokenCounter
	if tokenCounter == nil {
		tokenCounter = tokencount.New()
	}

	gw := &Gateway{
		providers:          provs,
		cache:              c,
		breakers:           opts.Breakers,
		router:             opts.Router,
		baseCtx:            baseCtx,
		log:                log,
		maxRetries:         maxRetries,
		providerTimeout:    providerTimeout,
		cacheTTL:           cacheTTL,
		metrics:            opts.Metrics,
		allowClientAPIKeys: opts.AllowClientAPIKeys,
		authCache:          opts.AuthCache,
		sessionVerifier:    opts.SessionVerifier,
		history:            newSessionHistory(c),
		rateManager:        opts.RateLimiter,
		concurrency:        opts.Concurrency,
		anonLimiter:        opts.AnonLimiter,
		accountSvc:         opts.Accounting,
		tokenCounter:       tokenCounter,
		planLimits:         opts.PlanLimits,
		defaultPlanLimit:   opts.DefaultPlanLimit,
		prices:             opts.Prices,
	}

	if len(provs) > 0 {
		gw.health = NewHealthChecker(baseCtx, provs, cacheReady, gw.metrics)
	}

	return gw
}

// SetRateLimiters injects the global RPM capacity guard, checked after the
// per-key admission rules as a blanket ceiling across every caller.
func (g *Gateway) SetRateLimiters(rpm *ratelimit.RPMLimiter) {
	g.rpmLimiter = rpm
}

// SetLogger injects the async request logger (e.g. for ClickHouse or stdout).
func (g *Gateway) SetLogger(l *logger.Logger) {
	g.reqLogger = l
}

// SetCacheExclusions injects the cache exclusion list.
// Requests whose model name matches any rule skip both cache GET and SET.
func (g *Gateway) SetCacheExclusions(el *cache.ExclusionList) {
	g.cacheExclusions = el
}

func (g *Gateway) planLimit(planRef string) PlanLimit {
	if lim, ok := g.planLimits[planRef]; ok {
		return lim
	}
	return g.defaultPlanLimit
}

func (g *Gateway) price(provider string) PricePoint {
	return g.prices[provider]
}

// ── Internal request / response types ─────────────────────────────────────────

type (
	// inboundEmbeddingRequest mirrors the OpenAI POST /v1/embeddings body.
	// The "input" field accepts a string or array of strings; we normalise
	// to []string via a custom unmarshal in parseEmbeddingInput.
	inboundEmbeddingRequest struct {
		Model          string          `json:"model"`
		Input          json.RawMessage `json:"input"`
		EncodingFormat string          `json:"encoding_format"`
	}

	outboundEmbeddingData struct {
		Object    string    `json:"object"`
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	}

	outboundEmbeddingUsage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	}

	outboundEmbeddingResponse struct {
		Object string                  `json:"object"`
		Data   []outboundEmbeddingData `json:"data"`
		Model  string                  `json:"model"`
		Usage  outboundEmbeddingUsage  `json:"usage"`
	}
)

// parseEmbeddingInput converts the raw JSON "input" field into []string.
// The OpenAI API accepts either a bare string or an array of strings.
func parseEmbeddingInput(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("'input' is required")
	}
	// Try array first.
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		if len(arr) == 0 {
			return nil, fmt.Errorf("'input' must not be empty")
		}
		return arr, nil
	}
	// Try bare string.
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil, fmt.Errorf("'input' must not be empty")
		}
		return []string{s}, nil
	}
	return nil, fmt.Errorf("'input' must be a string or array of strings")
}

// dispatchEmbeddings handles POST /v1/embeddings. Embeddings sit outside the
// credit-metered chat-completion orchestration: the handler runs no
// admission, failover chain or accounting commit (input tokens are only
// recorded in metrics), so it keeps its own simpler pass-through.
func (g *Gateway) dispatchEmbeddings(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "embeddings"
	reqBytes := len(ctx.PostBody())
	servedProvider := "unknown"
	cacheLabel := "bypass"
	inputTokens, outputTokens := 0, 0
	cached := false
	respBytes := -1

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		g.metrics.DecInFlight()
		status := ctx.Response.StatusCode()
		dur := time.Since(start)
		if respBytes < 0 {
			respBytes = len(ctx.Response.Body())
		}
		g.metrics.ObserveHTTP(route, status, dur, reqBytes, respBytes)
		g.metrics.RecordRequest(servedProvider, status, dur.Milliseconds())
		g.metrics.ObserveGatewayRequest(servedProvider, route, cacheLabel, dur)
		g.metrics.AddTokens(servedProvider, route, inputTokens, outputTokens, cached)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)
	clientKey, clientKeyID := g.extractClientAPIKey(ctx)

	// 1. Parse request.
	var req inboundEmbeddingRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteWithRequestID(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest, reqID)
		return
	}

	if req.Model == "" {
		apierr.WriteWithRequestID(ctx, fasthttp.StatusBadRequest,
			"field 'model' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest, reqID)
		return
	}

	inputs, err := parseEmbeddingInput(req.Input)
	if err != nil {
		apierr.WriteWithRequestID(ctx, fasthttp.StatusBadRequest,
			err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest, reqID)
		return
	}

	// 2. Resolve provider.
	providerName := resolveEmbeddingProvider(req.Model)
	servedProvider = providerName

	g.log.InfoContext(ctx, "embedding_request",
		slog.String("request_id", reqID),
		slog.String("model", req.Model),
		slog.String("provider", providerName),
		slog.Int("inputs", len(inputs)),
	)

	if len(g.providers) == 0 {
		apierr.WriteWithRequestID(ctx, fasthttp.StatusBadGateway,
			"no providers configured",
			apierr.TypeProviderError, apierr.CodeProviderError, reqID)
		return
	}

	// 3. Find a provider that implements EmbeddingProvider.
	prov, ok := g.providers[providerName]
	if !ok {
		// Try the first available provider.
		for _, p := range g.providers {
			prov = p
			break
		}
	}
	if prov != nil {
		servedProvider = prov.Name()
	}

	embedder, ok := prov.(providers.EmbeddingProvider)
	if !ok {
		apierr.WriteWithRequestID(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("provider %q does not support embeddings", prov.Name()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest, reqID)
		return
	}

	// 4. Call the provider.
	provCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)
	defer cancel()

	embReq := &providers.EmbeddingRequest{
		Input:     inputs,
		Model:     req.Model,
		RequestID: reqID,
		APIKey:    clientKey,
		APIKeyID:  clientKeyID,
	}

	upStart := time.Now()
	embResp, err := embedder.Embed(provCtx, embReq)
	upDur := time.Since(upStart)
	if err != nil {
		kind := classifyErrorKind(err)
		if g.metrics != nil {
			g.metrics.ObserveUpstreamAttempt(servedProvider, route, string(kind), upDur)
			g.metrics.RecordError(servedProvider, string(kind))
		}
		g.log.ErrorContext(ctx, "embedding_error",
			slog.String("request_id", reqID),
			slog.String("provider", providerName),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		handleProviderError(ctx, err, reqID)
		return
	}
	if g.metrics != nil {
		g.metrics.ObserveUpstreamAttempt(servedProvider, route, "success", upDur)
	}

	// 5. Build OpenAI-compatible response.
	outData := make([]outboundEmbeddingData, len(embResp.Data))
	for i, d := range embResp.Data {
		outData[i] = outboundEmbeddingData{
			Object:    "embedding",
			Index:     d.Index,
			Embedding: d.Embedding,
		}
	}

	out := outboundEmbeddingResponse{
		Object: "list",
		Data:   outData,
		Model:  embResp.Model,
		Usage: outboundEmbeddingUsage{
			PromptTokens: embResp.Usage.InputTokens,
			TotalTokens:  embResp.Usage.InputTokens,
		},
	}
	inputTokens = embResp.Usage.InputTokens

	body, err := json.Marshal(out)
	if err != nil {
		apierr.WriteWithRequestID(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError, reqID)
		return
	}

	g.log.DebugContext(ctx, "embedding_ok",
		slog.String("request_id", reqID),
		slog.String("provider", prov.Name()),
		slog.String("model", embResp.Model),
		slog.Int("vectors", len(embResp.Data)),
		slog.Int("input_tokens", embResp.Usage.InputTokens),
		slog.Duration("elapsed", time.Since(start)),
	)

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
	respBytes = len(body)
}

// extractClientAPIKey returns the Authorization bearer token (if allowed and present)
// and a deterministic SHA-256 hash suitable for cache partitioning and provider
// bring-your-own-key forwarding. Distinct from extractAuthKey, which always
// parses the header regardless of this flag since it identifies the caller
// for the gateway's own admission decisions, not for upstream forwarding.
func (g *Gateway) extractClientAPIKey(ctx *fasthttp.RequestCtx) (token string, tokenID string) {
	if !g.allowClientAPIKeys {
		return "", ""
	}
	return extractBearer(ctx)
}

// extractAuthKey identifies the caller for the gateway's own admission
// decisions (authcache lookup, rate limits, concurrency bound). A missing or
// malformed Authorization header means the caller is anonymous.
func (g *Gateway) extractAuthKey(ctx *fasthttp.RequestCtx) (token string, tokenID string) {
	return extractBearer(ctx)
}

func extractBearer(ctx *fasthttp.RequestCtx) (token, tokenID string) {
	raw := strings.TrimSpace(string(ctx.Request.Header.Peek("Authorization")))
	if raw == "" {
		return "", ""
	}
	token = parseBearerToken(raw)
	if token == "" {
		return "", ""
	}
	sum := sha256.Sum256([]byte(token))
	return token, hex.EncodeToString(sum[:])
}

func parseBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return ""
	}
	return token
}

// clientIP extracts the caller's address for anonymous-quota keying,
// preferring a proxy-supplied X-Forwarded-For over the raw socket address
// since the gateway is typically deployed behind a load balancer.
func clientIP(ctx *fasthttp.RequestCtx) string {
	if xff := string(ctx.Request.Header.Peek("X-Forwarded-For")); xff != "" {
		parts := strings.Split(xff, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	return ctx.RemoteIP().String()
}

type (
	// inboundContentPart is one element of a multimodal content array. Only
	// the "text" part type contributes to the flattened Message.Content this
	// gateway forwards to provider adapters — image/audio parts are accepted
	// (so a client mixing text and images doesn't get rejected outright) but
	// their non-text payload is dropped, since no configured provider adapter
	// consumes it yet.
	inboundContentPart struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		ImageURL struct {
			URL string `json:"url"`
		} `json:"image_url"`
	}

	inboundToolCallFunction struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	}

	inboundToolCall struct {
		ID       string                  `json:"id"`
		Type     string                  `json:"type"`
		Function inboundToolCallFunction `json:"function"`
	}

	inboundMessage struct {
		Role       string            `json:"role"`
		Content    json.RawMessage   `json:"content"`
		Name       string            `json:"name,omitempty"`
		ToolCallID string            `json:"tool_call_id,omitempty"`
		ToolCalls  []inboundToolCall `json:"tool_calls,omitempty"`
	}

	// stopSequences accepts either a bare string or an array of strings for
	// the "stop" field, mirroring the wire flexibility OpenAI-compatible
	// clients rely on.
	stopSequences []string

	inboundToolFunction struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	}

	inboundTool struct {
		Type     string              `json:"type"`
		Function inboundToolFunction `json:"function"`
	}

	inboundResponseFormat struct {
		Type       string         `json:"type"`
		JSONSchema map[string]any `json:"json_schema,omitempty"`
	}

	inboundStreamOptions struct {
		IncludeUsage bool `json:"include_usage"`
	}

	inboundRequest struct {
		Model            string                 `json:"model"`
		Messages         []inboundMessage       `json:"messages"`
		Stream           bool                   `json:"stream"`
		Temperature      float64                `json:"temperature"`
		TopP             float64                `json:"top_p"`
		FrequencyPenalty float64                `json:"frequency_penalty"`
		PresencePenalty  float64                `json:"presence_penalty"`
		Stop             stopSequences          `json:"stop"`
		N                int                    `json:"n"`
		Seed             *int64                 `json:"seed,omitempty"`
		User             string                 `json:"user,omitempty"`
		LogitBias        map[string]float64     `json:"logit_bias,omitempty"`
		Logprobs         bool                   `json:"logprobs,omitempty"`
		TopLogprobs      int                    `json:"top_logprobs,omitempty"`
		Tools            []inboundTool          `json:"tools,omitempty"`
		ToolChoice       json.RawMessage        `json:"tool_choice,omitempty"`
		ResponseFormat   *inboundResponseFormat `json:"response_format,omitempty"`
		StreamOptions    *inboundStreamOptions  `json:"stream_options,omitempty"`
		MaxTokens        int                    `json:"max_tokens"`
		Provider         string                 `json:"provider"`
	}

	outboundUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	outboundGatewayUsage struct {
		CostMicros int64  `json:"cost_micros"`
		Provider   string `json:"provider"`
		Cached     bool   `json:"cached"`
	}

	outboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	outboundChoice struct {
		Index        int             `json:"index"`
		Message      outboundMessage `json:"message"`
		FinishReason string          `json:"finish_reason"`
	}

	outboundResponse struct {
		ID          string               `json:"id"`
		Object      string               `json:"object"`
		Created     int64                `json:"created"`
		Model       string               `json:"model"`
		Choices     []outboundChoice     `json:"choices"`
		Usage       outboundUsage        `json:"usage"`
		GatewayUsage outboundGatewayUsage `json:"gateway_usage"`
	}
)

// UnmarshalJSON accepts either a bare string or an array of strings for the
// "stop" field.
func (s *stopSequences) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		if single != "" {
			*s = stopSequences{single}
		}
		return nil
	}
	var multi []string
	if err := json.Unmarshal(data, &multi); err != nil {
		return fmt.Errorf("'stop' must be a string or an array of strings")
	}
	*s = stopSequences(multi)
	return nil
}

// flattenMessageContent reduces a message's content — a bare string or a
// multimodal array of content parts — to the plain text provider adapters
// consume. Non-text parts (images, audio) are accepted but dropped.
func flattenMessageContent(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var parts []inboundContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", fmt.Errorf("'content' must be a string or an array of content parts")
	}
	var b strings.Builder
	for _, p := range parts {
		if p.Type != "text" && p.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(p.Text)
	}
	return b.String(), nil
}

// toProxyMessages converts the parsed inbound messages to provider.Message,
// flattening multimodal content and carrying over tool-call linkage.
func toProxyMessages(in []inboundMessage) ([]providers.Message, error) {
	out := make([]providers.Message, len(in))
	for i, m := range in {
		content, err := flattenMessageContent(m.Content)
		if err != nil {
			return nil, fmt.Errorf("messages[%d]: %w", i, err)
		}
		msg := providers.Message{
			Role:       m.Role,
			Content:    content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		if len(m.ToolCalls) > 0 {
			msg.ToolCalls = make([]providers.ToolCall, len(m.ToolCalls))
			for j, tc := range m.ToolCalls {
				msg.ToolCalls[j] = providers.ToolCall{
					ID:   tc.ID,
					Type: tc.Type,
					Function: providers.ToolCallFunction{
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					},
				}
			}
		}
		out[i] = msg
	}
	return out, nil
}

// toProxyTools converts the parsed inbound tool declarations to provider.Tool.
func toProxyTools(in []inboundTool) []providers.Tool {
	if len(in) == 0 {
		return nil
	}
	out := make([]providers.Tool, len(in))
	for i, t := range in {
		out[i] = providers.Tool{
			Type: t.Type,
			Function: providers.ToolFunction{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  t.Function.Parameters,
			},
		}
	}
	return out
}

// parseToolChoice decodes the tool_choice field, which is either a bare
// string ("auto", "none", "required") or an object pinning a specific
// function. Passed through opaquely to provider adapters that support it.
func parseToolChoice(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}

// admission is the outcome of the INGRESS/PREPARE steps: who is calling
// (nil user means anonymous), and the key the DISPATCH loop's concurrency
// and the POST-FLIGHT step's billing should use.
type admission struct {
	user          *authcache.User
	authenticated bool
	authKeyID     string
	ip            string // client IP of an anonymous caller, for its daily quota
}

// verifiedSessionID extracts the "session_id" query parameter — a signed
// session token, not a bare identifier — and returns the session ID it
// carries once the token verifies and its UserID matches the authenticated
// caller. Anonymous callers, a missing/invalid token, or a token minted for
// a different user all return "" (no history prefix, but never a hard
// error: a session token is an enhancement to PREPARE, not a requirement).
func (g *Gateway) verifiedSessionID(ctx *fasthttp.RequestCtx, adm admission) string {
	if !adm.authenticated || g.sessionVerifier == nil {
		return ""
	}
	token := string(ctx.QueryArgs().Peek("session_id"))
	if token == "" {
		return ""
	}
	claims, err := g.sessionVerifier.Verify(token)
	if err != nil || claims.UserID != adm.user.ID {
		return ""
	}
	return claims.SessionID
}

// admit runs the spec's INGRESS/PREPARE sequence: identify the caller,
// reject on expired trial / exhausted credits / forbidden model, and check
// the applicable rate limits. It writes the error response itself and
// returns ok=false when the request should not proceed to DISPATCH.
func (g *Gateway) admit(ctx *fasthttp.RequestCtx, reqID string, model string, estTokens int64) (admission, bool) {
	authKey, authKeyID := g.extractAuthKey(ctx)

	if authKey == "" {
		return g.admitAnonymous(ctx, reqID, model)
	}

	if g.authCache == nil {
		apierr.WriteWithRequestID(ctx, fasthttp.StatusUnauthorized,
			"authentication is not configured on this gateway", apierr.TypeAuthenticationErr, apierr.CodeInvalidAPIKey, reqID)
		return admission{}, false
	}

	user, cached, known := g.authCache.Lookup(ctx, authKey)
	if !cached || !known || user == nil {
		apierr.WriteWithRequestID(ctx, fasthttp.StatusUnauthorized,
			"invalid API key", apierr.TypeAuthenticationErr, apierr.CodeInvalidAPIKey, reqID)
		return admission{}, false
	}

	if user.Trial.IsTrial {
		if user.Trial.Expired {
			apierr.WriteForbidden(ctx, "trial period has expired", apierr.CodeTrialExpired, reqID)
			return admission{}, false
		}
		if user.Trial.RemainingRequests <= 0 || user.Trial.RemainingTokens <= 0 {
			apierr.WriteWithRequestID(ctx, fasthttp.StatusTooManyRequests,
				"trial quota exhausted", apierr.TypeRateLimitError, apierr.CodeRateLimitExceeded, reqID)
			return admission{}, false
		}
	} else if user.CreditsMicros <= 0 {
		apierr.WriteInsufficientCredits(ctx, reqID)
		return admission{}, false
	}

	if g.rateManager != nil {
		limit := g.planLimit(user.PlanRef)
		reqDecision, _ := g.rateManager.Check(ctx, authKeyID,
			ratelimit.Limit{Axis: ratelimit.AxisRequests, Window: ratelimit.WindowMinute, Max: limit.RequestsPerMinute}, 1)
		tokDecision, _ := g.rateManager.Check(ctx, authKeyID,
			ratelimit.Limit{Axis: ratelimit.AxisTokens, Window: ratelimit.WindowMinute, Max: limit.TokensPerMinute}, estTokens)
		for k, v := range ratelimit.Headers(reqDecision, tokDecision) {
			ctx.Response.Header.Set(k, v)
		}
		if !reqDecision.Allowed || !tokDecision.Allowed {
			if g.metrics != nil {
				g.metrics.RecordRateLimit("blocked")
			}
			resetAt := reqDecision.ResetAt
			if tokDecision.Allowed == false && tokDecision.ResetAt.After(resetAt) {
				resetAt = tokDecision.ResetAt
			}
			ctx.Response.Header.Set("Retry-After", fmt.Sprintf("%d", int64(time.Until(resetAt).Seconds())+1))
			apierr.WriteWithRequestID(ctx, fasthttp.StatusTooManyRequests,
				"rate limit exceeded", apierr.TypeRateLimitError, apierr.CodeRateLimitExceeded, reqID)
			return admission{}, false
		}
		if g.metrics != nil {
			g.metrics.RecordRateLimit("allowed")
		}
	}

	return admission{user: user, authenticated: true, authKeyID: authKeyID}, true
}

func (g *Gateway) admitAnonymous(ctx *fasthttp.RequestCtx, reqID, model string) (admission, bool) {
	if g.anonLimiter == nil {
		apierr.WriteWithRequestID(ctx, fasthttp.StatusUnauthorized,
			"authentication required", apierr.TypeAuthenticationErr, apierr.CodeInvalidAPIKey, reqID)
		return admission{}, false
	}
	if !g.anonLimiter.ModelAllowed(model) {
		apierr.WriteForbidden(ctx, "anonymous access is limited to free-tier models", apierr.CodeModelForbidden, reqID)
		return admission{}, false
	}
	ip := clientIP(ctx)
	decision := g.anonLimiter.CheckQuota(ctx, ip)
	if !decision.Allowed {
		if g.metrics != nil {
			g.metrics.RecordRateLimit("blocked")
		}
		apierr.WriteWithRequestID(ctx, fasthttp.StatusTooManyRequests,
			decision.Reason, apierr.TypeRateLimitError, apierr.CodeRateLimitExceeded, reqID)
		return admission{}, false
	}
	if g.metrics != nil {
		g.metrics.RecordRateLimit("allowed")
	}
	return admission{authenticated: false, ip: ip}, true
}

// dispatchChat is the core handler for /v1/chat/completions and /v1/completions.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	path := string(ctx.Path())
	route := "chat_completions"
	if path == "/v1/completions" {
		route = "completions"
	}
	reqBytes := len(ctx.PostBody())
	servedProvider := "unknown"
	cacheLabel := "bypass" // hit|miss|bypass
	inputTokens, outputTokens := 0, 0
	cached := false
	streaming := false
	respBytes := -1

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		if streaming {
			return // finalised by the stream writer
		}
		g.metrics.DecInFlight()
		status := ctx.Response.StatusCode()
		dur := time.Since(start)
		if respBytes < 0 {
			respBytes = len(ctx.Response.Body())
		}
		g.metrics.ObserveHTTP(route, status, dur, reqBytes, respBytes)
		g.metrics.ObserveGatewayRequest(servedProvider, route, cacheLabel, dur)
		g.metrics.AddTokens(servedProvider, route, inputTokens, outputTokens, cached)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)
	clientKey, clientKeyID := g.extractClientAPIKey(ctx)

	// 1. Parse request body.
	var req inboundRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteWithRequestID(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest, reqID)
		return
	}
	if req.Model == "" {
		apierr.WriteWithRequestID(ctx, fasthttp.StatusBadRequest,
			"field 'model' is required", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest, reqID)
		return
	}
	if len(req.Messages) == 0 {
		apierr.WriteWithRequestID(ctx, fasthttp.StatusBadRequest,
			"field 'messages' must not be empty", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest, reqID)
		return
	}

	if len(g.providers) == 0 {
		apierr.WriteNoProvider(ctx, reqID)
		return
	}

	msgs, err := toProxyMessages(req.Messages)
	if err != nil {
		apierr.WriteWithRequestID(ctx, fasthttp.StatusBadRequest,
			err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest, reqID)
		return
	}

	// 2. INGRESS/PREPARE: identify the caller, check trial/credits, and
	// enforce plan or anonymous rate limits before any provider is touched.
	estTokens := int64(g.tokenCounter.CountMessages(msgs))
	adm, ok := g.admit(ctx, reqID, req.Model, estTokens)
	if !ok {
		return
	}

	// Global capacity guard, checked after per-key admission so a
	// misbehaving key is already rejected on its own limits first.
	if g.rpmLimiter != nil {
		allowed, err := g.rpmLimiter.Allow(ctx)
		if err == nil && !allowed {
			if g.metrics != nil {
				g.metrics.RecordRateLimit("blocked")
			}
			apierr.WriteRateLimit(ctx)
			return
		}
	}

	providerName := resolveProvider(req.Model)
	if req.Provider != "" {
		providerName = req.Provider
	}
	servedProvider = providerName

	// PREPARE: splice in the session-history prefix for an authenticated
	// caller with a verified session, per the orchestrator's "messages ←
	// client messages (+ history prefix if session id and authenticated)"
	// rule. History never stores a system message, so a client-supplied
	// system message always wins without any merge logic.
	sessionID := g.verifiedSessionID(ctx, adm)
	dispatchMsgs := msgs
	if sessionID != "" {
		if history := g.history.Load(ctx, sessionID); len(history) > 0 {
			dispatchMsgs = append(append([]providers.Message{}, history...), msgs...)
		}
	}

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("model", req.Model),
		slog.String("provider", providerName),
		slog.Bool("stream", req.Stream),
		slog.Bool("authenticated", adm.authenticated),
	)

	proxyReq := &providers.ProxyRequest{
		Model:            req.Model,
		Messages:         dispatchMsgs,
		Stream:           req.Stream,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
		Stop:             req.Stop,
		N:                req.N,
		Seed:             req.Seed,
		User:             req.User,
		LogitBias:        req.LogitBias,
		Logprobs:         req.Logprobs,
		TopLogprobs:      req.TopLogprobs,
		Tools:            toProxyTools(req.Tools),
		ToolChoice:       parseToolChoice(req.ToolChoice),
		MaxTokens:        req.MaxTokens,
		RequestID:        reqID,
		APIKey:           clientKey,
		APIKeyID:         clientKeyID,
	}
	if req.ResponseFormat != nil {
		proxyReq.ResponseFormat = &providers.ResponseFormat{Type: req.ResponseFormat.Type, JSONSchema: req.ResponseFormat.JSONSchema}
	}
	if req.StreamOptions != nil {
		proxyReq.StreamOptions = &providers.StreamOptions{IncludeUsage: req.StreamOptions.IncludeUsage}
	}
	providers.NormalizeParams(req.Model, proxyReq)

	if err := providers.ValidateChatParams(proxyReq); err != nil {
		apierr.WriteWithRequestID(ctx, fasthttp.StatusBadRequest,
			err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest, reqID)
		return
	}

	// 3. Cache lookup — non-streaming only; skip excluded models.
	cacheEligible := !req.Stream && g.cache != nil && (g.cacheExclusions == nil || !g.cacheExclusions.Matches(req.Model))
	if g.metrics != nil && !cacheEligible {
		g.metrics.CacheGetBypass()
	}
	if cacheEligible {
		cacheKey := buildCacheKey(proxyReq)
		if cachedBody, ok := g.cache.Get(ctx, cacheKey); ok {
			cacheLabel = "hit"
			cached = true
			respBytes = len(cachedBody)
			if g.metrics != nil {
				g.metrics.CacheGetHit()
			}
			ctx.Response.Header.Set("X-Cache", xCacheHIT)
			ctx.SetContentType("application/json")
			ctx.SetStatusCode(fasthttp.StatusOK)
			ctx.SetBody(cachedBody)

			var cu struct {
				Usage struct {
					PromptTokens     int `json:"prompt_tokens"`
					CompletionTokens int `json:"completion_tokens"`
				} `json:"usage"`
			}
			if err := json.Unmarshal(cachedBody, &cu); err == nil {
				inputTokens = cu.Usage.PromptTokens
				outputTokens = cu.Usage.CompletionTokens
			}
			g.logRequest(reqID, providerName, req.Model, inputTokens, outputTokens, time.Since(start), fasthttp.StatusOK, true)
			return
		}
		cacheLabel = "miss"
		if g.metrics != nil {
			g.metrics.CacheGetMiss()
		}
	}

	// 4. DISPATCH: walk the failover chain.
	provCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)
	defer cancel()

	concurrencyKey := ""
	if adm.authenticated {
		concurrencyKey = adm.authKeyID
	}

	outcome, err := g.requestWithFailover(provCtx, proxyReq, req.Model, providerName, concurrencyKey, route)
	if err != nil {
		g.log.ErrorContext(ctx, "provider_error",
			slog.String("request_id", reqID),
			slog.String("model", req.Model),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		handleProviderError(ctx, err, reqID)
		g.logRequest(reqID, providerName, req.Model, 0, 0, time.Since(start), ctx.Response.StatusCode(), false)
		return
	}
	resp := outcome.Response
	usedProvider := outcome.Provider
	servedProvider = usedProvider

	// 5a. Streaming — SSE pass-through via the C8 normalizer. Never cached.
	if req.Stream && resp.Stream != nil {
		streaming = true
		g.writeStream(ctx, reqID, resp, adm, usedProvider, req.Model, start, route, reqBytes, estTokens, sessionID, msgs)
		return
	}

	// 5b. Non-streaming — build an OpenAI-compatible response envelope.
	price := g.price(usedProvider)
	costMicros := accounting.CostMicros(resp.Usage.InputTokens, resp.Usage.OutputTokens, price.InputPerToken, price.OutputPerToken)

	out := outboundResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []outboundChoice{
			{
				Index:        0,
				Message:      outboundMessage{Role: "assistant", Content: resp.Content},
				FinishReason: providers.FinishStop,
			},
		},
		Usage: outboundUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		GatewayUsage: outboundGatewayUsage{
			CostMicros: costMicros,
			Provider:   usedProvider,
			Cached:     false,
		},
	}

	body, err := json.Marshal(out)
	if err != nil {
		apierr.WriteWithRequestID(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError, reqID)
		return
	}

	if cacheEligible {
		cacheKey := buildCacheKey(proxyReq)
		if err := g.cache.Set(ctx, cacheKey, body, g.cacheTTL); err != nil {
			if g.metrics != nil {
				g.metrics.CacheSetError()
			}
		} else if g.metrics != nil {
			g.metrics.CacheSetOK()
		}
		cacheLabel = "miss"
	} else {
		cacheLabel = "bypass"
	}

	// 6. POST-FLIGHT: re-check the plan's token limit against actual usage
	// (the admission-time check only saw the estimate) before committing and
	// responding. An over-limit non-stream request surfaces 429 even though
	// the provider call already succeeded.
	limitExceeded := g.recheckPlanLimits(ctx, adm, estTokens, resp.Usage.InputTokens+resp.Usage.OutputTokens)

	g.postFlight(ctx, reqID, adm, usedProvider, req.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens,
		costMicros, time.Since(start), true, "", "", limitExceeded)

	if sessionID != "" {
		g.history.Append(ctx, sessionID, append(msgs, providers.Message{Role: "assistant", Content: resp.Content})...)
	}

	inputTokens = resp.Usage.InputTokens
	outputTokens = resp.Usage.OutputTokens

	g.logRequest(reqID, usedProvider, resp.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens, time.Since(start), fasthttp.StatusOK, false)

	g.log.DebugContext(ctx, "response_ok",
		slog.String("request_id", reqID),
		slog.String("used_provider", usedProvider),
		slog.String("model", resp.Model),
		slog.Int("input_tokens", resp.Usage.InputTokens),
		slog.Int("output_tokens", resp.Usage.OutputTokens),
		slog.Duration("elapsed", time.Since(start)),
	)

	if limitExceeded {
		apierr.WriteRateLimit(ctx)
		respBytes = len(ctx.Response.Body())
		return
	}

	ctx.Response.Header.Set("X-Cache", xCacheMISS)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
	respBytes = len(body)
}

// writeStream streams response chunks from the provider as normalized SSE
// frames (C8) and runs POST-FLIGHT in the background once the stream drains
// so a slow accounting commit never delays [DONE] reaching the client.
func (g *Gateway) writeStream(
	ctx *fasthttp.RequestCtx,
	reqID string,
	resp *providers.ProxyResponse,
	adm admission,
	usedProvider, canonicalModel string,
	start time.Time,
	route string,
	reqBytes int,
	estTokens int64,
	sessionID string,
	clientMsgs []providers.Message,
) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	id := resp.ID
	if id == "" {
		id = "chatcmpl-" + reqID
	}
	model := resp.Model
	if model == "" {
		model = canonicalModel
	}

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer

		norm := stream.New(usedProvider, model, id, time.Now().Unix())
		var finalUsage *providers.Usage
		sawEmpty := true

		for chunk := range resp.Stream {
			if chunk.Usage != nil {
				finalUsage = chunk.Usage
			}
			if frame, ok := norm.Apply(chunk); ok {
				sawEmpty = false
				fmt.Fprint(w, frame)
				w.Flush() //nolint:errcheck
			}
		}

		outputTokens := stream.EstimateTokens(norm.AccumulatedContent(0))
		inputTokens := 0
		success := !sawEmpty
		errKind := ""
		if sawEmpty {
			errKind = string(providers.KindServerError)
		}
		if finalUsage != nil {
			inputTokens = finalUsage.InputTokens
			outputTokens = finalUsage.OutputTokens
		}

		// POST-FLIGHT re-check, synchronous and ahead of [DONE]: a streamed
		// response whose actual usage blows through the plan's token limit
		// must tell the client before the stream closes, since there is no
		// later point at which an SSE client would see it.
		limitExceeded := g.recheckPlanLimits(g.baseCtx, adm, estTokens, inputTokens+outputTokens)
		if limitExceeded {
			fmt.Fprint(w, stream.ErrorFrame("plan token limit exceeded once actual usage was accounted for", apierr.TypeRateLimitError, usedProvider, model))
			if errKind == "" {
				errKind = string(providers.KindRateLimited)
			}
		}

		if sawEmpty || !norm.SawAnyChunk() {
			fmt.Fprint(w, stream.ErrorFrame("upstream stream produced no content", apierr.TypeProviderError, usedProvider, model))
		}
		fmt.Fprint(w, stream.DoneFrame())
		w.Flush() //nolint:errcheck

		price := g.price(usedProvider)
		costMicros := accounting.CostMicros(inputTokens, outputTokens, price.InputPerToken, price.OutputPerToken)
		elapsed := time.Since(start)

		g.logRequest(reqID, usedProvider, model, inputTokens, outputTokens, elapsed, fasthttp.StatusOK, false)

		if g.metrics != nil {
			g.metrics.ObserveHTTP(route, fasthttp.StatusOK, elapsed, reqBytes, -1)
			g.metrics.ObserveGatewayRequest(usedProvider, route, "bypass", elapsed)
			g.metrics.AddTokens(usedProvider, route, inputTokens, outputTokens, false)
			g.metrics.DecInFlight()
		}

		g.postFlight(g.baseCtx, reqID, adm, usedProvider, canonicalModel, inputTokens, outputTokens, costMicros, elapsed, success, errKind, "", limitExceeded)

		if success && sessionID != "" {
			g.history.Append(g.baseCtx, sessionID, append(clientMsgs, providers.Message{Role: "assistant", Content: norm.AccumulatedContent(0)})...)
		}
	})
}

// recheckPlanLimits re-evaluates an authenticated caller's token-per-minute
// plan limit against actual usage, charging only the gap between the
// admission-time estimate and the real token count — the admission check
// already charged the estimate, so only the delta (which may be negative,
// in which case there is nothing to recheck) still needs accounting for.
// Anonymous callers and gateways without a rate manager are never rechecked:
// the anonymous quota is a daily request count, not a token budget.
func (g *Gateway) recheckPlanLimits(ctx context.Context, adm admission, estTokens int64, actualTokens int) bool {
	if !adm.authenticated || adm.user == nil || g.rateManager == nil {
		return false
	}
	delta := int64(actualTokens) - estTokens
	if delta <= 0 {
		return false
	}
	limit := g.planLimit(adm.user.PlanRef)
	decision, err := g.rateManager.Check(ctx, adm.authKeyID,
		ratelimit.Limit{Axis: ratelimit.AxisTokens, Window: ratelimit.WindowMinute, Max: limit.TokensPerMinute}, delta)
	if err != nil {
		return false
	}
	return !decision.Allowed
}

// postFlight runs the C9/C10 commit sequence: metrics first (cheap, never
// fails the request), then the durable accounting commit. A metrics_write
// failure is swallowed per the error taxonomy; a post_flight_credit failure
// is logged to the durable error sink with no automatic retry. limitExceeded
// is the outcome of the caller's own recheckPlanLimits call — it only
// affects what gets logged and recorded here; the caller has already
// decided how (or whether) to surface the overage to the client.
func (g *Gateway) postFlight(
	ctx context.Context,
	reqID string,
	adm admission,
	providerName, model string,
	inputTokens, outputTokens int,
	costMicros int64,
	elapsed time.Duration,
	success bool,
	errKind, errMsg string,
	limitExceeded bool,
) {
	if limitExceeded {
		g.log.WarnContext(ctx, "plan_limit_exceeded_post_flight",
			slog.String("request_id", reqID),
			slog.String("provider", providerName),
			slog.String("model", model),
			slog.Int("input_tokens", inputTokens),
			slog.Int("output_tokens", outputTokens),
		)
	}

	if g.metrics != nil {
		func() {
			defer func() { recover() }() //nolint:errcheck // a metrics panic must never break billing
			g.metrics.RecordCompletion(providerName, model, 200, success, elapsed.Milliseconds(), inputTokens, outputTokens, costMicros, errKind, errMsg, time.Now())
		}()
	}

	if !adm.authenticated {
		if success && g.anonLimiter != nil {
			if _, err := g.anonLimiter.RecordRequest(ctx, adm.ip); err != nil {
				g.log.WarnContext(ctx, "anonymous_quota_record_failed", slog.String("request_id", reqID), slog.String("error", err.Error()))
			}
		}
		return
	}

	if g.accountSvc == nil || adm.user == nil {
		return
	}

	ev := accounting.UsageEvent{
		RequestID:        reqID,
		UserID:           adm.user.ID,
		Provider:         providerName,
		Model:            model,
		PromptTokens:     inputTokens,
		CompletionTokens: outputTokens,
		ElapsedMs:        elapsed.Milliseconds(),
		CostMicros:       costMicros,
		Success:          success,
		ErrorKind:        errKind,
		FinishReason:     providers.FinishStop,
		Timestamp:        time.Now(),
	}
	if err := g.accountSvc.Commit(ctx, ev, adm.user.Trial.IsTrial); err != nil {
		g.log.ErrorContext(ctx, "accounting_commit_failed",
			slog.String("request_id", reqID),
			slog.String("user_id", adm.user.ID),
			slog.String("error", err.Error()),
		)
	}
}

// logRequest enqueues a RequestLog entry to the async logger. Never blocks.
func (g *Gateway) logRequest(
	requestID, provider, model string,
	inputTokens, outputTokens int,
	latency time.Duration,
	status int,
	isCached bool,
) {
	if g.reqLogger == nil {
		return
	}

	reqUUID, _ := uuid.Parse(requestID)

	// Clamp to uint16 max so we don't overflow the field.
	latencyMs := uint16(latency.Milliseconds())
	if latency.Milliseconds() > 65535 {
		latencyMs = 65535
	}

	g.reqLogger.Log(logger.RequestLog{
		ID:           reqUUID,
		Provider:     provider,
		Model:        model,
		InputTokens:  uint32(inputTokens),
		OutputTokens: uint32(outputTokens),
		LatencyMs:    latencyMs,
		Status:       uint16(status),
		Cached:       isCached,
		CreatedAt:    time.Now(),
	})
}

// buildCacheKey returns a deterministic SHA-256 cache key for the request.
// The provider name is included to prevent cross-provider key collisions when
// two providers share a model name.
func buildCacheKey(req *providers.ProxyRequest) string {
	type msg struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	msgs := make([]msg, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = msg{Role: m.Role, Content: m.Content}
	}
	data, _ := json.Marshal(struct {
		W    string   `json:"w"`
		K    string   `json:"k"`
		P    string   `json:"p"`
		M    string   `json:"m"`
		T    string   `json:"t"`
		TP   string   `json:"tp"`
		MT   int      `json:"mt"`
		N    int      `json:"n"`
		Stop []string `json:"stop"`
		Msgs []msg    `json:"msgs"`
	}{
		req.WorkspaceID,
		req.APIKeyID,
		resolveProvider(req.Model),
		req.Model,
		fmt.Sprintf("%.2f", req.Temperature),
		fmt.Sprintf("%.2f", req.TopP),
		req.MaxTokens,
		req.N,
		req.Stop,
		msgs,
	})
	h := sha256.Sum256(data)
	return "cache:" + hex.EncodeToString(h[:])
}

// handleProviderError maps a dispatch failure's ErrorKind to the HTTP status
// and error envelope the error taxonomy prescribes.
//
//	invalid_request / upstream_4xx_client → 400, no failover already applied
//	auth / upstream_4xx_auth              → 502 (breaker already charged)
//	content_policy                        → 400 with the content_policy error type
//	rate_limited                          → 429 + Retry-After
//	timeout                               → 504
//	server_error / network / unknown      → 502
func handleProviderError(ctx *fasthttp.RequestCtx, err error, reqID string) {
	kind := classifyErrorKind(err)
	var de *providers.DispatchError
	hasStatus := errors.As(err, &de)

	switch kind {
	case providers.KindInvalidRequest:
		apierr.WriteWithRequestID(ctx, fasthttp.StatusBadRequest, err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest, reqID)
	case providers.KindContentPolicy:
		apierr.WriteWithRequestID(ctx, fasthttp.StatusBadRequest, err.Error(), apierr.TypeContentPolicy, apierr.CodeContentPolicy, reqID)
	case providers.KindRateLimited:
		ctx.Response.Header.Set("Retry-After", "60")
		apierr.WriteWithRequestID(ctx, fasthttp.StatusTooManyRequests, err.Error(), apierr.TypeRateLimitError, apierr.CodeRateLimitExceeded, reqID)
	case providers.KindTimeout:
		apierr.WriteWithRequestID(ctx, fasthttp.StatusGatewayTimeout, "provider request timed out", apierr.TypeProviderError, apierr.CodeRequestTimeout, reqID)
	case providers.KindCanceled:
		apierr.WriteWithRequestID(ctx, fasthttp.StatusBadGateway, "request canceled", apierr.TypeProviderError, apierr.CodeProviderError, reqID)
	case providers.KindUnknown:
		if !hasStatus {
			apierr.WriteNoProvider(ctx, reqID)
			return
		}
		apierr.WriteWithRequestID(ctx, fasthttp.StatusBadGateway, err.Error(), apierr.TypeProviderError, apierr.CodeProviderError, reqID)
	default: // auth, server_error, network
		apierr.WriteWithRequestID(ctx, fasthttp.StatusBadGateway, err.Error(), apierr.TypeProviderError, apierr.CodeProviderError, reqID)
	}
}
