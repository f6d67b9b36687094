package analysis

import (
	"bytes"
	"context"
	"encoding/base64"
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

const geminiBaseURL = "https://generativelanguage.googleapis.com"

// geminiAgent drives the Gemini generateContent API. Images are decoded to
// raw JPEG bytes before submission (invalid payloads are rejected here
// rather than by the provider); no per-call token counts are reported.
type geminiAgent struct {
	deps      Deps
	apiKey    string
	model     string
	maxTokens int
	timeout   time.Duration
	baseURL   string

	mu              sync.Mutex
	analysesCount   int64
	totalInputChars int64
}

func newGeminiAgent(cfg geminiConfig, deps Deps) *geminiAgent {
	return &geminiAgent{
		deps:      deps,
		apiKey:    cfg.APIKey,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		timeout:   cfg.Timeout,
		baseURL:   geminiBaseURL,
	}
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

type geminiRequest struct {
	Contents []struct {
		Parts []geminiPart `json:"parts"`
	} `json:"contents"`
	GenerationConfig struct {
		MaxOutputTokens int     `json:"maxOutputTokens"`
		Temperature     float64 `json:"temperature"`
	} `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason  string `json:"finishReason"`
		SafetyRatings []struct {
			Category    string `json:"category"`
			Probability string `json:"probability"`
		} `json:"safetyRatings"`
	} `json:"candidates"`
}

func (a *geminiAgent) AnalyzeScene(ctx context.Context, cameraID string, trigger core.Metadata, eventID int64) (*Result, error) {
	start := time.Now()

	frames, sceneCtx, err := gatherFrames(ctx, a.deps.Memory, cameraID)
	if err != nil {
		return nil, err
	}
	if frames == nil {
		log.Printf("[Gemini] No frames available for analysis: %s", cameraID)
		return nil, nil
	}

	prompt := buildAnalysisPrompt(cameraID, trigger, sceneCtx)

	parts := []geminiPart{{Text: prompt}}
	for _, frame := range frames {
		if frame.ImageBase64 == "" {
			continue
		}
		imageBytes, err := base64.StdEncoding.DecodeString(frame.ImageBase64)
		if err != nil {
			log.Printf("[Gemini] Skipping undecodable frame: %s @ %d", cameraID, frame.TimestampUS)
			continue
		}
		parts = append(parts, geminiPart{
			InlineData: &geminiInlineData{MimeType: "image/jpeg", Data: imageBytes},
		})
	}

	log.Printf("[Gemini] Analyzing scene: %s with %d frames", cameraID, len(frames))

	var reqBody geminiRequest
	reqBody.Contents = append(reqBody.Contents, struct {
		Parts []geminiPart `json:"parts"`
	}{Parts: parts})
	reqBody.GenerationConfig.MaxOutputTokens = a.maxTokens
	reqBody.GenerationConfig.Temperature = 0.4

	resp, err := a.call(ctx, reqBody)
	if err != nil {
		metrics.AnalysesFailed.WithLabelValues("gemini").Inc()
		return nil, err
	}

	summary := "No response"
	finishReason := ""
	var safetyRatings any
	if len(resp.Candidates) > 0 {
		cand := resp.Candidates[0]
		if len(cand.Content.Parts) > 0 && cand.Content.Parts[0].Text != "" {
			summary = cand.Content.Parts[0].Text
		}
		finishReason = cand.FinishReason
		safetyRatings = cand.SafetyRatings
	}
	durationMS := elapsedMS(start)

	a.mu.Lock()
	a.analysesCount++
	a.totalInputChars += int64(len(prompt))
	a.mu.Unlock()

	log.Printf("[Gemini] Analysis complete: %s in %dms", cameraID, durationMS)

	envelope, _ := json.Marshal(map[string]any{
		"model":          a.model,
		"finish_reason":  finishReason,
		"safety_ratings": safetyRatings,
		"content":        summary,
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

	metrics.AnalysesCompleted.WithLabelValues("gemini").Inc()
	metrics.AnalysisLatency.WithLabelValues("gemini").Observe(float64(durationMS))
	log.Printf("[Gemini] Analysis stored: ID=%d", analysisID)

	return &Result{
		AnalysisID:     analysisID,
		Summary:        summary,
		FramesAnalyzed: len(frames),
		DurationMS:     durationMS,
		Provider:       "gemini",
		Model:          a.model,
	}, nil
}

func (a *geminiAgent) call(ctx context.Context, reqBody geminiRequest) (*geminiResponse, error) {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", a.baseURL, a.model, a.apiKey)
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.deps.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gemini request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("gemini api status %d: %s", resp.StatusCode, snippet)
	}

	var out geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("gemini response decode: %w", err)
	}
	return &out, nil
}

func (a *geminiAgent) ProviderName() string { return "gemini" }
func (a *geminiAgent) ModelName() string    { return a.model }

func (a *geminiAgent) Stats() map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()

	return map[string]any{
		"provider":          "gemini",
		"model":             a.model,
		"analyses_count":    a.analysesCount,
		"total_input_chars": a.totalInputChars,
	}
}
