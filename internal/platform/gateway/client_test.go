package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/apnedoctors/triage-orchestrator/internal/config"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewClient(config.GatewayConfig{
		BaseURL:    srv.URL,
		APIKey:     "test-key",
		Timeout:    5 * time.Second,
		RatePerSec: 100,
		RateBurst:  100,
	}, zap.NewNop(), nil)
}

func TestTriageSuccess(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ai-triage" {
			t.Errorf("path = %s, want /ai-triage", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("auth header = %q", got)
		}
		json.NewEncoder(w).Encode(TriageResult{
			TriageLevel:     2,
			ConfidenceScore: 85,
			RedFlags:        []string{"pain radiating to arm"},
		})
	})

	result, err := client.Triage(context.Background(), TriageRequest{Symptoms: "chest pain"})
	if err != nil {
		t.Fatalf("Triage: %v", err)
	}
	if result.TriageLevel != 2 || len(result.RedFlags) != 1 {
		t.Errorf("unexpected result %+v", result)
	}
}

func TestTriageErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		code   Code
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error":"rate limit"}`, CodeRateLimited},
		{"quota exhausted", http.StatusPaymentRequired, `{"error":"credits"}`, CodeQuotaExhausted},
		{"server error", http.StatusInternalServerError, `{"error":"boom"}`, CodeTransport},
		{"not json", http.StatusOK, `this is prose, not JSON`, CodeMalformed},
		{"out of range level", http.StatusOK, `{"triageLevel":0}`, CodeMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			_, err := client.Triage(context.Background(), TriageRequest{Symptoms: "knee pain"})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := CodeOf(err); got != tt.code {
				t.Errorf("CodeOf = %s, want %s", got, tt.code)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(newError("triage", CodeRateLimited, nil)) {
		t.Error("rate_limited should be retryable")
	}
	if !IsRetryable(newError("triage", CodeTransport, nil)) {
		t.Error("transport_error should be retryable")
	}
	if IsRetryable(newError("triage", CodeMalformed, nil)) {
		t.Error("malformed_response should not be retryable")
	}
	if IsRetryable(nil) {
		t.Error("nil should not be retryable")
	}
}

func TestVisionNormalizationExtended(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"inflammationScore": 7,
			"rednessDetected": true,
			"rednessLevel": "moderate",
			"swellingDetected": true,
			"swellingLevel": "mild",
			"affectedArea": "knee",
			"confidenceScore": 80,
			"observations": ["visible swelling on medial side"]
		}`))
	})

	result, err := client.AnalyzeImage(context.Background(), VisionRequest{
		Image:    []byte{0xff, 0xd8},
		BodyPart: "knee",
	})
	if err != nil {
		t.Fatalf("AnalyzeImage: %v", err)
	}
	if result.Kind != VisionExtended || result.Extended == nil || result.Basic != nil {
		t.Fatalf("expected extended variant, got %+v", result)
	}
	if result.Extended.InflammationScore != 7 || !result.Extended.RednessDetected {
		t.Errorf("unexpected extended payload %+v", result.Extended)
	}
}

func TestVisionNormalizationBasic(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"detections": [{"type":"swelling","severity":"moderate","location":"ankle","confidence":0.8}],
			"overallAssessment": "moderate swelling visible",
			"concernLevel": "medium"
		}`))
	})

	result, err := client.LiveVision(context.Background(), []byte{0xff, 0xd8})
	if err != nil {
		t.Fatalf("LiveVision: %v", err)
	}
	if result.Kind != VisionBasic || result.Basic == nil || result.Extended != nil {
		t.Fatalf("expected basic variant, got %+v", result)
	}
	if len(result.Basic.Detections) != 1 || result.Basic.ConcernLevel != "medium" {
		t.Errorf("unexpected basic payload %+v", result.Basic)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	calls := 0
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	})

	for i := 0; i < 5; i++ {
		if _, err := client.Triage(context.Background(), TriageRequest{}); err == nil {
			t.Fatal("expected error while tripping breaker")
		}
	}

	before := calls
	_, err := client.Triage(context.Background(), TriageRequest{})
	if err == nil {
		t.Fatal("expected error from open breaker")
	}
	if calls != before {
		t.Errorf("breaker open but request still reached the server (%d -> %d calls)", before, calls)
	}
	// Open breaker still surfaces a typed, retryable failure.
	if got := CodeOf(err); got != CodeTransport {
		t.Errorf("CodeOf = %s, want %s", got, CodeTransport)
	}
}

func TestFallbackTriageResult(t *testing.T) {
	fb := FallbackTriageResult()
	if fb.TriageLevel != 3 || fb.ConfidenceScore != 50 {
		t.Errorf("fallback should be midscale and low confidence, got %+v", fb)
	}
	if fb.ShouldSeekEmergencyCare {
		t.Error("fallback must not claim emergency")
	}
}
