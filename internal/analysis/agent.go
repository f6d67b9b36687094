package analysis

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/oneshot2001/axis-is-cloud/internal/config"
	"github.com/oneshot2001/axis-is-cloud/internal/core"
	"github.com/oneshot2001/axis-is-cloud/internal/data"
	"github.com/oneshot2001/axis-is-cloud/internal/scenememory"
)

// maxFramesPerAnalysis caps how many image-bearing entries a single provider
// call carries.
const maxFramesPerAnalysis = 5

// Result is the outcome of a completed, persisted analysis.
type Result struct {
	AnalysisID     int64  `json:"analysis_id"`
	Summary        string `json:"summary"`
	FramesAnalyzed int    `json:"frames_analyzed"`
	DurationMS     int    `json:"duration_ms"`
	Tokens         int    `json:"tokens,omitempty"`
	Provider       string `json:"provider"`
	Model          string `json:"model"`
}

// Agent is the uniform vision-provider contract. AnalyzeScene returns nil
// without error when there is nothing to analyze (no image frames in
// memory).
type Agent interface {
	AnalyzeScene(ctx context.Context, cameraID string, trigger core.Metadata, eventID int64) (*Result, error)
	ProviderName() string
	ModelName() string
	Stats() map[string]any
}

// Deps are the shared collaborators every agent needs.
type Deps struct {
	Memory   *scenememory.Memory
	Analyses data.AnalysisModel
	Client   *http.Client
}

// New selects the provider from configuration. Selection happens once at
// startup, never mid-flight.
func New(cfg *config.Settings, deps Deps) (Agent, error) {
	if deps.Client == nil {
		deps.Client = &http.Client{}
	}

	switch cfg.AIProvider {
	case "claude":
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY is required for claude provider")
		}
		log.Printf("[AI] Claude agent created: model=%s", cfg.ClaudeModel)
		return newClaudeAgent(claudeConfig{
			APIKey:    cfg.AnthropicAPIKey,
			Model:     cfg.ClaudeModel,
			MaxTokens: cfg.ClaudeMaxTokens,
			Timeout:   time.Duration(cfg.ClaudeTimeout) * time.Second,
		}, deps), nil
	case "gemini":
		if cfg.GeminiAPIKey == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY is required for gemini provider")
		}
		log.Printf("[AI] Gemini agent created: model=%s", cfg.GeminiModel)
		return newGeminiAgent(geminiConfig{
			APIKey:    cfg.GeminiAPIKey,
			Model:     cfg.GeminiModel,
			MaxTokens: cfg.GeminiMaxTokens,
			Timeout:   time.Duration(cfg.GeminiTimeout) * time.Second,
		}, deps), nil
	default:
		return nil, fmt.Errorf("unknown AI provider: %q (supported: claude, gemini)", cfg.AIProvider)
	}
}

type claudeConfig struct {
	APIKey    string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

type geminiConfig struct {
	APIKey    string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

// gatherFrames pulls the image-bearing entries and aggregate context a
// provider call needs. A nil frame slice means there is nothing to analyze.
func gatherFrames(ctx context.Context, mem *scenememory.Memory, cameraID string) ([]scenememory.Entry, scenememory.Context, error) {
	frames, err := mem.Recent(ctx, cameraID, maxFramesPerAnalysis, true)
	if err != nil {
		return nil, scenememory.Context{}, err
	}
	if len(frames) == 0 {
		return nil, scenememory.Context{}, nil
	}
	sceneCtx, err := mem.Context(ctx, cameraID)
	if err != nil {
		return nil, scenememory.Context{}, err
	}
	return frames, sceneCtx, nil
}

func elapsedMS(start time.Time) int {
	return int(time.Since(start) / time.Millisecond)
}
