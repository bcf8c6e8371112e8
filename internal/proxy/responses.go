package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/gateway-core/internal/accounting"
	"github.com/nulpointcorp/gateway-core/internal/providers"
	"github.com/nulpointcorp/gateway-core/internal/stream"
	"github.com/nulpointcorp/gateway-core/pkg/apierr"
)

// POST /v1/responses shares chat completions' admission, dispatch, and
// post-flight pipeline. It differs only in wire shape: "input" instead of
// "messages", "output" instead of "choices", and — when streamed — typed
// events carrying a monotonically increasing sequence_number instead of
// chat.completion.chunk deltas. Unlike chat completions, it does not re-check
// the plan's token limit against actual usage after dispatch.

type (
	responsesInboundItem struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	responsesInboundRequest struct {
		Model    string          `json:"model"`
		Input    json.RawMessage `json:"input"`
		Stream   bool            `json:"stream"`
		Provider string          `json:"provider"`
	}

	responsesOutputContent struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}

	responsesOutputItem struct {
		ID      string                   `json:"id"`
		Type    string                   `json:"type"`
		Role    string                   `json:"role"`
		Content []responsesOutputContent `json:"content"`
		Status  string                   `json:"status"`
	}

	responsesOutboundResponse struct {
		ID           string                `json:"id"`
		Object       string                `json:"object"`
		Created      int64                 `json:"created"`
		Model        string                `json:"model"`
		Output       []responsesOutputItem `json:"output"`
		Usage        outboundUsage         `json:"usage"`
		GatewayUsage outboundGatewayUsage  `json:"gateway_usage"`
	}
)

// parseResponsesInput accepts either a bare string prompt (role "user") or an
// array of {role, content} items, mirroring the OpenAI Responses API's
// flexible "input" field.
func parseResponsesInput(raw json.RawMessage) ([]providers.Message, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("'input' is required")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil, fmt.Errorf("'input' must not be empty")
		}
		return []providers.Message{{Role: "user", Content: s}}, nil
	}
	var items []responsesInboundItem
	if err := json.Unmarshal(raw, &items); err == nil {
		if len(items) == 0 {
			return nil, fmt.Errorf("'input' must not be empty")
		}
		msgs := make([]providers.Message, len(items))
		for i, it := range items {
			role := it.Role
			if role == "" {
				role = "user"
			}
			msgs[i] = providers.Message{Role: role, Content: it.Content}
		}
		return msgs, nil
	}
	return nil, fmt.Errorf("'input' must be a string or an array of {role, content} items")
}

// dispatchResponses handles POST /v1/responses.
func (g *Gateway) dispatchResponses(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "responses"
	reqBytes := len(ctx.PostBody())
	servedProvider := "unknown"
	cacheLabel := "bypass"
	inputTokens, outputTokens := 0, 0
	streaming := false
	respBytes := -1

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil || streaming {
			return
		}
		g.metrics.DecInFlight()
		status := ctx.Response.StatusCode()
		dur := time.Since(start)
		if respBytes < 0 {
			respBytes = len(ctx.Response.Body())
		}
		g.metrics.ObserveHTTP(route, status, dur, reqBytes, respBytes)
		g.metrics.ObserveGatewayRequest(servedProvider, route, cacheLabel, dur)
		g.metrics.AddTokens(servedProvider, route, inputTokens, outputTokens, false)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)
	clientKey, clientKeyID := g.extractClientAPIKey(ctx)

	var req responsesInboundRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteWithRequestID(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest, reqID)
		return
	}
	if req.Model == "" {
		apierr.WriteWithRequestID(ctx, fasthttp.StatusBadRequest,
			"field 'model' is required", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest, reqID)
		return
	}
	msgs, err := parseResponsesInput(req.Input)
	if err != nil {
		apierr.WriteWithRequestID(ctx, fasthttp.StatusBadRequest,
			err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest, reqID)
		return
	}
	if len(g.providers) == 0 {
		apierr.WriteNoProvider(ctx, reqID)
		return
	}

	estTokens := int64(g.tokenCounter.CountMessages(msgs))
	adm, ok := g.admit(ctx, reqID, req.Model, estTokens)
	if !ok {
		return
	}

	if g.rpmLimiter != nil {
		if allowed, err := g.rpmLimiter.Allow(ctx); err == nil && !allowed {
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

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("model", req.Model),
		slog.String("provider", providerName),
		slog.Bool("stream", req.Stream),
		slog.String("route", route),
		slog.Bool("authenticated", adm.authenticated),
	)

	proxyReq := &providers.ProxyRequest{
		Model:     req.Model,
		Messages:  msgs,
		Stream:    req.Stream,
		RequestID: reqID,
		APIKey:    clientKey,
		APIKeyID:  clientKeyID,
	}
	providers.NormalizeParams(req.Model, proxyReq)

	provCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)
	defer cancel()

	concurrencyKey := ""
	if adm.authenticated {
		concurrencyKey = adm.authKeyID
	}

	outcome, err := g.requestWithFailover(provCtx, proxyReq, req.Model, providerName, concurrencyKey, route)
	if err != nil {
		g.log.ErrorContext(ctx, "provider_error",
			slog.String("request_id", reqID), slog.String("model", req.Model), slog.String("error", err.Error()))
		handleProviderError(ctx, err, reqID)
		return
	}
	resp := outcome.Response
	servedProvider = outcome.Provider

	if req.Stream && resp.Stream != nil {
		streaming = true
		g.writeResponsesStream(ctx, reqID, resp, adm, outcome.Provider, req.Model, start, route, reqBytes)
		return
	}

	price := g.price(outcome.Provider)
	costMicros := accounting.CostMicros(resp.Usage.InputTokens, resp.Usage.OutputTokens, price.InputPerToken, price.OutputPerToken)

	out := responsesOutboundResponse{
		ID:      resp.ID,
		Object:  "response",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Output: []responsesOutputItem{
			{
				ID:      resp.ID,
				Type:    "message",
				Role:    "assistant",
				Status:  "completed",
				Content: []responsesOutputContent{{Type: "output_text", Text: resp.Content}},
			},
		},
		Usage: outboundUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		GatewayUsage: outboundGatewayUsage{CostMicros: costMicros, Provider: outcome.Provider},
	}

	body, err := json.Marshal(out)
	if err != nil {
		apierr.WriteWithRequestID(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError, reqID)
		return
	}

	g.postFlight(ctx, reqID, adm, outcome.Provider, req.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens,
		costMicros, time.Since(start), true, "", "", false)
	g.logRequest(reqID, outcome.Provider, resp.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens, time.Since(start), fasthttp.StatusOK, false)

	inputTokens = resp.Usage.InputTokens
	outputTokens = resp.Usage.OutputTokens

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
	respBytes = len(body)
}

// responsesEvent is one typed SSE event in the /v1/responses stream. Every
// event in the stream carries the next value from a single monotonic
// sequence, regardless of event type, so a client can detect a dropped frame.
type responsesEvent struct {
	Type           string `json:"type"`
	SequenceNumber int     `json:"sequence_number"`
	ResponseID     string  `json:"response_id,omitempty"`
	ItemID         string  `json:"item_id,omitempty"`
	Delta          string  `json:"delta,omitempty"`
	Text           string  `json:"text,omitempty"`
}

func writeResponsesEvent(w *bufio.Writer, ev responsesEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	w.Flush() //nolint:errcheck
}

// writeResponsesStream emits the typed SSE event sequence required for
// /v1/responses, folding provider chunks through stream.NormalizeChunk for
// their content deltas while building each event's own envelope locally
// (the chat.completion.chunk shape stream.Normalizer.Apply produces doesn't
// apply to the Responses API's event vocabulary).
func (g *Gateway) writeResponsesStream(
	ctx *fasthttp.RequestCtx,
	reqID string,
	resp *providers.ProxyResponse,
	adm admission,
	usedProvider, canonicalModel string,
	start time.Time,
	route string,
	reqBytes int,
) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	id := resp.ID
	if id == "" {
		id = "resp-" + reqID
	}
	itemID := id + "-item-0"
	model := resp.Model
	if model == "" {
		model = canonicalModel
	}

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer

		seq := 0
		nextSeq := func() int { seq++; return seq }

		writeResponsesEvent(w, responsesEvent{Type: "response.created", SequenceNumber: nextSeq(), ResponseID: id})
		writeResponsesEvent(w, responsesEvent{Type: "response.output_item.added", SequenceNumber: nextSeq(), ResponseID: id, ItemID: itemID})

		var content string
		var finalUsage *providers.Usage
		sawAny := false

		for chunk := range resp.Stream {
			if chunk.Usage != nil {
				finalUsage = chunk.Usage
			}
			for _, ev := range stream.NormalizeChunk(chunk) {
				if ev.Kind != stream.EventContentDelta || ev.Content == "" {
					continue
				}
				sawAny = true
				content += ev.Content
				writeResponsesEvent(w, responsesEvent{
					Type: "response.output_text.delta", SequenceNumber: nextSeq(),
					ResponseID: id, ItemID: itemID, Delta: ev.Content,
				})
			}
		}

		if !sawAny {
			writeResponsesEvent(w, responsesEvent{Type: "error", SequenceNumber: nextSeq(), ResponseID: id,
				Text: "upstream stream produced no content"})
		}

		writeResponsesEvent(w, responsesEvent{Type: "response.output_text.done", SequenceNumber: nextSeq(), ResponseID: id, ItemID: itemID, Text: content})
		writeResponsesEvent(w, responsesEvent{Type: "response.output_item.done", SequenceNumber: nextSeq(), ResponseID: id, ItemID: itemID})
		writeResponsesEvent(w, responsesEvent{Type: "response.completed", SequenceNumber: nextSeq(), ResponseID: id})
		fmt.Fprint(w, stream.DoneFrame())
		w.Flush() //nolint:errcheck

		outputTokens := stream.EstimateTokens(content)
		inputTokens := 0
		if finalUsage != nil {
			inputTokens = finalUsage.InputTokens
			outputTokens = finalUsage.OutputTokens
		}

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

		errKind := ""
		if !sawAny {
			errKind = string(providers.KindServerError)
		}
		g.postFlight(g.baseCtx, reqID, adm, usedProvider, canonicalModel, inputTokens, outputTokens, costMicros, elapsed, sawAny, errKind, "", false)
	})
}
