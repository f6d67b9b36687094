package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/oneshot2001/axis-is-cloud/internal/core"
	"github.com/oneshot2001/axis-is-cloud/internal/data"
	"github.com/oneshot2001/axis-is-cloud/internal/metrics"
)

const anthropicBaseURL = "https://api.anthropic.com"
const anthropicVersion = "2023-06-01"

// claudeAgent drives the Anthropic Messages API with inline base64 JPEG
// blocks. Token usage is reported per call.
type claudeAgent struct {
	deps      Deps
	apiKey    string
	model     string
	maxTokens int
	timeout   time.Duration
	baseURL   string

	mu            sync.Mutex
	analysesCount int64
	totalTokens   int64
}

func newClaudeAgent(cfg claudeConfig, deps Deps) *claudeAgent {
	return &claudeAgent{
		deps:      deps,
		apiKey:    cfg.APIKey,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		timeout:   cfg.Timeout,
		baseURL:   anthropicBaseURL,
	}
}

type claudeContentBlock struct {
	Type   string             `json:"type"`
	Text   string             `json:"text,omitempty"`
	Source *claudeImageSource `json:"source,omitempty"`
}

type claudeImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type claudeRequest struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens"`
	Messages  []claudeMessage `json:"messages"`
}

type claudeMessage struct {
	Role    string               `json:"role"`
	Content []claudeContentBlock `json:"content"`
}

type claudeResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (a *claudeAgent) AnalyzeScene(ctx context.Context, cameraID string, trigger core.Metadata, eventID int64) (*Result, error) {
	start := time.Now()

	frames, sceneCtx, err := gatherFrames(ctx, a.deps.Memory, cameraID)
	if err != nil {
		return nil, err
	}
	if frames == nil {
		log.Printf("[Claude] No frames available for analysis: %s", cameraID)
		return nil, nil
	}

	prompt := buildAnalysisPrompt(cameraID, trigger, sceneCtx)

	content := []claudeContentBlock{{Type: "text", Text: prompt}}
	for _, frame := range frames {
		if frame.ImageBase64 == "" {
			continue
		}
		content = append(content, claudeContentBlock{
			Type: "image",
			Source: &claudeImageSource{
				Type:      "base64",
				MediaType: "image/jpeg",
				Data:      frame.ImageBase64,
			},
		})
	}

	log.Printf("[Claude] Analyzing scene: %s with %d frames", cameraID, len(frames))

	resp, err := a.call(ctx, claudeRequest{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		Messages:  []claudeMessage{{Role: "user", Content: content}},
	})
	if err != nil {
		metrics.AnalysesFailed.WithLabelValues("claude").Inc()
		return nil, err
	}

	summary := "No response"
	if len(resp.Content) > 0 {
		summary = resp.Content[0].Text
	}
	durationMS := elapsedMS(start)
	tokens := resp.Usage.InputTokens + resp.Usage.OutputTokens

	a.mu.Lock()
	a.analysesCount++
	a.totalTokens += int64(tokens)
	a.mu.Unlock()

	log.Printf("[Claude] Analysis complete: %s in %dms (tokens: %d)", cameraID, durationMS, tokens)

	envelope, _ := json.Marshal(map[string]any{
		"id":    resp.ID,
		"model": resp.Model,
		"usage": map[string]int{
			"input_tokens":  resp.Usage.InputTokens,
			"output_tokens": resp.Usage.OutputTokens,
		},
		"stop_reason": resp.StopReason,
		"content":     resp.Content,
	})

	analysisID, err := a.deps.Analyses.Insert(ctx, data.Analysis{
		CameraID:       cameraID,
		TriggerEventID: eventID,
		Summary:        summary,
		FullResponse:   envelope,
		FramesAnalyzed: len(frames),
		DurationMS:     durationMS,
	})
	if err != nil {
		return nil, fmt.Errorf("store analysis: %w", err)
	}

	metrics.AnalysesCompleted.WithLabelValues("claude").Inc()
	metrics.AnalysisLatency.WithLabelValues("claude").Observe(float64(durationMS))
	log.Printf("[Claude] Analysis stored: ID=%d", analysisID)

	return &Result{
		AnalysisID:     analysisID,
		Summary:        summary,
		FramesAnalyzed: len(frames),
		DurationMS:     durationMS,
		Tokens:         tokens,
		Provider:       "claude",
		Model:          resp.Model,
	}, nil
}

func (a *claudeAgent) call(ctx context.Context, reqBody claudeRequest) (*claudeResponse, error) {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := a.deps.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("claude request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("claude api status %d: %s", resp.StatusCode, snippet)
	}

	var out claudeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("claude response decode: %w", err)
	}
	return &out, nil
}

func (a *claudeAgent) ProviderName() string { return "claude" }
func (a *claudeAgent) ModelName() string    { return a.model }

func (a *claudeAgent) Stats() map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()

	var avg int64
	if a.analysesCount > 0 {
		avg = a.totalTokens / a.analysesCount
	}
	return map[string]any{
		"provider":       "claude",
		"model":          a.model,
		"analyses_count": a.analysesCount,
		"total_tokens":   a.totalTokens,
		"average_tokens": avg,
	}
}
