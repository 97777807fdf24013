package insight

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/tokoroten/tokoroten/internal/analysis"
	"github.com/tokoroten/tokoroten/internal/logger"
)

func sampleFeatures() analysis.FeatureSet {
	return analysis.FeatureSet{
		Duration: 30,
		Tempo:    124,
		Key:      "A",
		Mode:     analysis.Minor,
		Beats:    []float64{0.5, 1.0},
	}
}

func TestClient_Analyze(t *testing.T) {
	tests := []struct {
		name         string
		typ          AnalysisType
		status       int
		responseBody string
		wantFallback bool
		wantKey      string
		wantValue    any
	}{
		{
			name:         "Success",
			typ:          General,
			status:       http.StatusOK,
			responseBody: `{"message":{"role":"assistant","content":"{\"key\":\"A Minor\",\"tempo\":124,\"genre\":\"House\"}"}}`,
			wantKey:      "genre",
			wantValue:    "House",
		},
		{
			name:         "Reply wrapped in prose",
			typ:          MusicTheory,
			status:       http.StatusOK,
			responseBody: `{"message":{"role":"assistant","content":"Sure! {\"key\":\"A Minor\",\"chord_progression\":[\"Am\",\"F\"]} Hope this helps."}}`,
			wantKey:      "key",
			wantValue:    "A Minor",
		},
		{
			name:         "Server error",
			typ:          ProductionFeedback,
			status:       http.StatusInternalServerError,
			responseBody: `{"error":"bad"}`,
			wantFallback: true,
			wantKey:      "mix_balance",
			wantValue:    "Unable to analyze mix balance",
		},
		{
			name:         "Garbage reply",
			typ:          ArrangementAnalysis,
			status:       http.StatusOK,
			responseBody: `{"message":{"role":"assistant","content":"no structure here"}}`,
			wantFallback: true,
			wantKey:      "energy_flow",
			wantValue:    "Unable to analyze energy flow",
		},
		{
			name:         "Broken JSON in reply",
			typ:          General,
			status:       http.StatusOK,
			responseBody: `{"message":{"role":"assistant","content":"{\"key\": }"}}`,
			wantFallback: true,
			wantKey:      "genre",
			wantValue:    "Unknown",
		},
		{
			name:         "Error field",
			typ:          General,
			status:       http.StatusOK,
			responseBody: `{"error":"model not found"}`,
			wantFallback: true,
			wantKey:      "sound_quality",
			wantValue:    "Unable to analyze sound quality",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotRequest chatRequest
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/api/chat" || r.Method != http.MethodPost {
					w.WriteHeader(http.StatusNotFound)
					return
				}
				if err := json.NewDecoder(r.Body).Decode(&gotRequest); err != nil {
					w.WriteHeader(http.StatusBadRequest)
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.responseBody))
			}))
			defer srv.Close()

			log, logs := logger.NewTestLogger()
			client := NewClient(srv.URL, "test-model", time.Second, log)
			got := client.Analyze(context.Background(), sampleFeatures(), tt.typ)

			if got.Fallback != tt.wantFallback {
				t.Fatalf("fallback = %v, want %v (result %v)", got.Fallback, tt.wantFallback, got.Result)
			}
			if got.Type != tt.typ {
				t.Errorf("type = %q, want %q", got.Type, tt.typ)
			}
			if !reflect.DeepEqual(got.Result[tt.wantKey], tt.wantValue) {
				t.Errorf("result[%q] = %v, want %v", tt.wantKey, got.Result[tt.wantKey], tt.wantValue)
			}
			if tt.wantFallback {
				if logs.FilterMessage("insight degraded, using default").Len() != 1 {
					t.Errorf("expected one degraded log entry")
				}
				return
			}

			if gotRequest.Model != "test-model" {
				t.Errorf("model = %q, want test-model", gotRequest.Model)
			}
			if gotRequest.Format != "json" || gotRequest.Stream {
				t.Errorf("expected non-streaming json request, got format=%q stream=%v", gotRequest.Format, gotRequest.Stream)
			}
			if len(gotRequest.Messages) != 2 || gotRequest.Messages[0].Content != systemPrompt {
				t.Fatalf("unexpected messages: %+v", gotRequest.Messages)
			}
			user := gotRequest.Messages[1].Content
			if !strings.Contains(user, `"detected_key": "A"`) || !strings.Contains(user, "Analysis type: "+string(tt.typ)) {
				t.Errorf("user prompt missing features or type:\n%s", user)
			}
		})
	}
}

func TestClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := NewClient(url, "", time.Second, nil)
	got := client.Analyze(context.Background(), sampleFeatures(), MusicTheory)
	if !got.Fallback {
		t.Fatal("expected fallback for unreachable server")
	}
	if !reflect.DeepEqual(got.Result, Default(MusicTheory)) {
		t.Errorf("result = %v, want music theory default", got.Result)
	}
}

func TestParseType(t *testing.T) {
	tests := map[string]AnalysisType{
		"music_theory":            MusicTheory,
		" PRODUCTION_FEEDBACK ":   ProductionFeedback,
		"arrangement_analysis":    ArrangementAnalysis,
		"general":                 General,
		"":                        General,
		"something_else_entirely": General,
	}
	for in, want := range tests {
		if got := ParseType(in); got != want {
			t.Errorf("ParseType(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDefaultIsFresh(t *testing.T) {
	a := Default(General)
	a["genre"] = "Changed"
	if Default(General)["genre"] != "Unknown" {
		t.Fatal("Default returned a shared map")
	}
	for _, typ := range Types {
		if len(Default(typ)) == 0 {
			t.Errorf("empty default for %q", typ)
		}
	}
}

func TestExtractJSON(t *testing.T) {
	got, err := ExtractJSON("prefix {\"a\": {\"b\": 1}} suffix")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	inner, ok := got["a"].(map[string]any)
	if !ok || inner["b"] != float64(1) {
		t.Errorf("unexpected result %v", got)
	}
	if _, err := ExtractJSON("} backwards {"); err == nil {
		t.Error("expected error for reversed braces")
	}
}
