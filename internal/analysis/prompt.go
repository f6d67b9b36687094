package analysis

import (
	"fmt"
	"strings"

	"github.com/oneshot2001/axis-is-cloud/internal/core"
	"github.com/oneshot2001/axis-is-cloud/internal/scenememory"
)

// buildAnalysisPrompt renders the shared prompt template used by both
// providers: the current trigger plus the aggregate scene context.
func buildAnalysisPrompt(cameraID string, trigger core.Metadata, sceneCtx scenememory.Context) string {
	var detectionSummary []string
	detections := trigger.Detections
	if len(detections) > 10 {
		detections = detections[:10]
	}
	for _, det := range detections {
		detectionSummary = append(detectionSummary,
			fmt.Sprintf("- %s: %.2f confidence", ClassName(det.ClassID), det.Confidence))
	}
	detectionBlock := "- None"
	if len(detectionSummary) > 0 {
		detectionBlock = strings.Join(detectionSummary, "\n")
	}

	return fmt.Sprintf(`You are analyzing surveillance camera footage from %s.

**Current Scene Trigger:**
- Motion Score: %.2f
- Objects Detected: %d
%s

**Scene Context (last %d frames):**
- Time Span: %.1f seconds
- Total Objects: %d
- Average Motion: %.2f
- Frames with Visual Data: %d

**Your Task:**
Provide a concise executive summary (2-3 sentences) of what's happening in this scene. Focus on:
1. What activity or event is occurring
2. Any notable objects or people
3. Whether this appears significant or routine
4. Any potential security concerns

Be specific and actionable. If nothing significant is happening, state that clearly.
`,
		cameraID,
		trigger.MotionScore,
		len(trigger.Detections),
		detectionBlock,
		sceneCtx.FramesAvailable,
		sceneCtx.TimeSpanSeconds,
		sceneCtx.TotalObjects,
		sceneCtx.AverageMotionScore,
		sceneCtx.FramesWithImages,
	)
}
