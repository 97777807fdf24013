// Package insight asks a local Ollama model for a written critique of a
// FeatureSet. Every failure collapses to a fixed per-type default, so
// callers never see an error.
package insight

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tokoroten/tokoroten/internal/analysis"
)

const (
	defaultBaseURL = "http://localhost:11434"
	defaultModel   = "llama3.1:8b"
)

const systemPrompt = "You are a professional music producer and audio engineer."

// AnalysisType selects the prompt and the shape of the answer
type AnalysisType string

const (
	General             AnalysisType = "general"
	MusicTheory         AnalysisType = "music_theory"
	ProductionFeedback  AnalysisType = "production_feedback"
	ArrangementAnalysis AnalysisType = "arrangement_analysis"
)

// Types lists every supported analysis type
var Types = []AnalysisType{General, MusicTheory, ProductionFeedback, ArrangementAnalysis}

// ParseType maps a query value to an AnalysisType. Unknown values are general.
func ParseType(s string) AnalysisType {
	switch t := AnalysisType(strings.ToLower(strings.TrimSpace(s))); t {
	case MusicTheory, ProductionFeedback, ArrangementAnalysis:
		return t
	default:
		return General
	}
}

// Insight is the model's answer, or the type default when Fallback is set
type Insight struct {
	Type     AnalysisType   `json:"analysis_type"`
	Result   map[string]any `json:"result"`
	Fallback bool           `json:"fallback"`
	Model    string         `json:"model,omitempty"`
}

type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *zap.Logger
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Format   string        `json:"format,omitempty"`
	Options  chatOptions   `json:"options"`
}

type chatOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict"`
}

type chatResponse struct {
	Message chatMessage `json:"message"`
	Error   string      `json:"error,omitempty"`
}

func NewClient(baseURL, model string, timeout time.Duration, logger *zap.Logger) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if model == "" {
		model = defaultModel
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    baseURL,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Analyze returns the model's JSON answer for fs. Transport errors, bad
// status codes and unparseable replies all yield Default(typ).
func (c *Client) Analyze(ctx context.Context, fs analysis.FeatureSet, typ AnalysisType) Insight {
	typ = ParseType(string(typ))
	result, err := c.analyze(ctx, fs, typ)
	if err != nil {
		c.logger.Warn("insight degraded, using default",
			zap.String("analysis_type", string(typ)),
			zap.Error(err),
		)
		return Insight{Type: typ, Result: Default(typ), Fallback: true}
	}
	return Insight{Type: typ, Result: result, Model: c.model}
}

func (c *Client) analyze(ctx context.Context, fs analysis.FeatureSet, typ AnalysisType) (map[string]any, error) {
	prompt, err := Prompt(fs, typ)
	if err != nil {
		return nil, err
	}

	payload := chatRequest{
		Model:  c.model,
		Stream: false,
		Format: "json",
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		Options: chatOptions{Temperature: 0.7, NumPredict: 1000},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ollama: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("ollama: unexpected status %d", resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("ollama: decode response: %w", err)
	}
	if parsed.Error != "" {
		return nil, fmt.Errorf("ollama: %s", parsed.Error)
	}
	return ExtractJSON(parsed.Message.Content)
}

var errNoJSON = errors.New("no JSON object in reply")

// ExtractJSON decodes the span from the first '{' to the last '}' of text
func ExtractJSON(text string) (map[string]any, error) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return nil, errNoJSON
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(text[start:end+1]), &out); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	return out, nil
}

// Prompt renders the user message for typ, embedding fs as indented JSON
func Prompt(fs analysis.FeatureSet, typ AnalysisType) (string, error) {
	data, err := json.MarshalIndent(fs, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal features: %w", err)
	}
	var b strings.Builder
	b.WriteString("Analyze the following audio data and provide insights.\n\nAudio data:\n")
	b.Write(data)
	fmt.Fprintf(&b, "\n\nAnalysis type: %s\n", typ)
	b.WriteString(instructions[ParseType(string(typ))])
	return b.String(), nil
}

var instructions = map[AnalysisType]string{
	MusicTheory: `
Provide a detailed music theory analysis including:
- Key and scale identification
- Chord progression analysis
- Harmonic structure
- Suggestions for complementary chords

Format your response as JSON with the following structure:
{
    "key": "C Major",
    "scale": ["C", "D", "E", "F", "G", "A", "B"],
    "chord_progression": ["C", "Am", "F", "G"],
    "harmonic_analysis": "The progression follows a I-vi-IV-V pattern...",
    "suggestions": ["Try adding a secondary dominant...", "Consider a modal interchange..."]
}
`,
	ProductionFeedback: `
Provide production feedback including:
- Mix balance assessment
- EQ recommendations
- Dynamic processing suggestions
- Spatial effects recommendations

Format your response as JSON with the following structure:
{
    "mix_balance": "The low-end is slightly overpowering...",
    "eq_recommendations": ["Cut around 200Hz to reduce muddiness", "Boost at 3kHz for clarity"],
    "dynamics_suggestions": ["Apply more compression to the bass", "Consider multiband compression for..."],
    "spatial_recommendations": ["Add a short room reverb", "Pan elements wider for more stereo width"]
}
`,
	ArrangementAnalysis: `
Provide arrangement analysis including:
- Structure identification
- Instrumentation assessment
- Energy flow analysis
- Arrangement improvement suggestions

Format your response as JSON with the following structure:
{
    "structure": ["Intro", "Verse", "Chorus", "Verse", "Chorus", "Bridge", "Chorus", "Outro"],
    "instrumentation": "The arrangement uses a standard rock band setup with...",
    "energy_flow": "The energy builds gradually through the verses and peaks at...",
    "suggestions": ["Consider adding a pre-chorus to build tension", "The bridge could benefit from..."]
}
`,
	General: `
Provide a general analysis including:
- Key and tempo identification
- Overall sound quality assessment
- Genre classification
- General improvement suggestions

Format your response as JSON with the following structure:
{
    "key": "C Major",
    "tempo": 120,
    "time_signature": "4/4",
    "genre": "Pop/Rock",
    "sound_quality": "Good overall balance with some issues in...",
    "suggestions": ["Consider adjusting the levels of...", "The rhythm section could benefit from..."]
}
`,
}

// Default is the fixed answer for typ when the model cannot be used. A
// fresh map is returned on every call.
func Default(typ AnalysisType) map[string]any {
	switch ParseType(string(typ)) {
	case MusicTheory:
		return map[string]any{
			"key":               "C Major",
			"scale":             []any{"C", "D", "E", "F", "G", "A", "B"},
			"chord_progression": []any{"C", "Am", "F", "G"},
			"harmonic_analysis": "Unable to analyze harmonic structure",
			"suggestions":       []any{"Consider analyzing with more detailed audio features"},
		}
	case ProductionFeedback:
		return map[string]any{
			"mix_balance":             "Unable to analyze mix balance",
			"eq_recommendations":      []any{"Consider professional mixing services"},
			"dynamics_suggestions":    []any{"Apply standard compression techniques"},
			"spatial_recommendations": []any{"Experiment with different reverb settings"},
		}
	case ArrangementAnalysis:
		return map[string]any{
			"structure":       []any{"Intro", "Verse", "Chorus", "Outro"},
			"instrumentation": "Unable to analyze instrumentation",
			"energy_flow":     "Unable to analyze energy flow",
			"suggestions":     []any{"Consider professional arrangement analysis"},
		}
	default:
		return map[string]any{
			"key":            "C Major",
			"tempo":          float64(120),
			"time_signature": "4/4",
			"genre":          "Unknown",
			"sound_quality":  "Unable to analyze sound quality",
			"suggestions":    []any{"Consider providing more detailed audio features"},
		}
	}
}
