// Package gateway is the HTTP client for the external LLM gateway that
// performs all actual medical reasoning. The orchestrator only sequences
// calls; this package owns the wire contract, the error taxonomy and the
// outbound protection (rate limiter + circuit breaker).
package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/apnedoctors/triage-orchestrator/internal/config"
	"github.com/apnedoctors/triage-orchestrator/pkg/metrics"
)

// Client talks to the LLM gateway. All methods return either a decoded
// result or a *Error; no other error type escapes.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker[[]byte]
	log        *zap.Logger
	collector  *metrics.Collector
}

// NewClient builds a gateway client. collector may be nil in tests.
func NewClient(cfg config.GatewayConfig, log *zap.Logger, collector *metrics.Collector) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RateBurst),
		log:        log,
		collector:  collector,
	}

	c.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "ai-gateway",
		MaxRequests: 2,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("gateway breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if collector != nil {
				collector.BreakerStateChanges.WithLabelValues(to.String()).Inc()
			}
		},
	})

	return c
}

// Triage runs the structured intake triage call. A response body that is not
// valid triage JSON yields CodeMalformed; the caller decides whether to
// degrade to FallbackTriageResult.
func (c *Client) Triage(ctx context.Context, req TriageRequest) (*TriageResult, error) {
	const op = "triage"
	raw, err := c.post(ctx, op, "/ai-triage", req)
	if err != nil {
		return nil, err
	}

	var result TriageResult
	if err := json.Unmarshal(raw, &result); err != nil || result.TriageLevel < 1 || result.TriageLevel > 5 {
		return nil, newError(op, CodeMalformed, errors.Wrap(err, "decoding triage response"))
	}
	return &result, nil
}

// AnalyzeImage runs the intake visual-scan call. The image may be nil, which
// the gateway treats as a text-only assessment.
func (c *Client) AnalyzeImage(ctx context.Context, req VisionRequest) (*VisionResult, error) {
	const op = "vision"
	if len(req.Image) > 0 {
		req.ImageBase64 = base64.StdEncoding.EncodeToString(req.Image)
	}

	raw, err := c.post(ctx, op, "/ai-vision-analysis", req)
	if err != nil {
		return nil, err
	}

	result, nerr := normalizeVision(raw)
	if nerr != nil {
		return nil, newError(op, CodeMalformed, errors.Wrap(nerr, "decoding vision response"))
	}
	return result, nil
}

// LiveTriage runs one conversational voice-turn triage call.
func (c *Client) LiveTriage(ctx context.Context, req LiveTriageRequest) (*LiveTriageResult, error) {
	const op = "live_triage"
	raw, err := c.post(ctx, op, "/ai-live-triage", req)
	if err != nil {
		return nil, err
	}

	var result LiveTriageResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, newError(op, CodeMalformed, errors.Wrap(err, "decoding live triage response"))
	}
	return &result, nil
}

// LiveVision analyzes one captured camera frame.
func (c *Client) LiveVision(ctx context.Context, frame []byte) (*VisionResult, error) {
	const op = "live_vision"
	req := VisionRequest{ImageBase64: base64.StdEncoding.EncodeToString(frame)}

	raw, err := c.post(ctx, op, "/ai-live-vision", req)
	if err != nil {
		return nil, err
	}

	result, nerr := normalizeVision(raw)
	if nerr != nil {
		return nil, newError(op, CodeMalformed, errors.Wrap(nerr, "decoding live vision response"))
	}
	return result, nil
}

// GenerateReport runs the terminal report-generation call for either flow.
func (c *Client) GenerateReport(ctx context.Context, req ReportRequest) (*ReportPayload, error) {
	const op = "report"
	path := "/medical-report"
	if req.SessionID != "" {
		path = "/ai-live-session-report"
	}

	raw, err := c.post(ctx, op, path, req)
	if err != nil {
		return nil, err
	}

	var payload ReportPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, newError(op, CodeMalformed, errors.Wrap(err, "decoding report response"))
	}
	payload.Raw = raw
	return &payload, nil
}

// post sends one JSON request through the limiter and the breaker and maps
// every failure mode onto the error taxonomy.
func (c *Client) post(ctx context.Context, op, path string, body any) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, newError(op, CodeTransport, err)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, newError(op, CodeTransport, errors.Wrap(err, "encoding request"))
	}

	start := time.Now()
	raw, err := c.breaker.Execute(func() ([]byte, error) {
		return c.doRequest(ctx, op, path, payload)
	})
	if c.collector != nil {
		c.collector.GatewayCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		c.collector.GatewayCallsTotal.WithLabelValues(op, outcome(err)).Inc()
	}
	if err != nil {
		var ge *Error
		if errors.As(err, &ge) {
			return nil, ge
		}
		// Breaker open or half-open limit exceeded.
		return nil, newError(op, CodeTransport, err)
	}
	return raw, nil
}

func (c *Client) doRequest(ctx context.Context, op, path string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, newError(op, CodeTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, newError(op, CodeTransport, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newError(op, CodeTransport, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, newError(op, CodeRateLimited, errors.New(resp.Status))
	case resp.StatusCode == http.StatusPaymentRequired:
		return nil, newError(op, CodeQuotaExhausted, errors.New(resp.Status))
	case resp.StatusCode != http.StatusOK:
		c.log.Warn("gateway unexpected status",
			zap.String("operation", op),
			zap.Int("status", resp.StatusCode),
		)
		return nil, newError(op, CodeTransport, errors.Errorf("unexpected status %s", resp.Status))
	}

	return raw, nil
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if code := CodeOf(err); code != "" {
		return string(code)
	}
	return "breaker_open"
}
