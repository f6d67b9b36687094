package core

import "encoding/json"

// Detection is a single object detection reported by the edge detector.
// ClassID indexes the 80-class COCO vocabulary.
type Detection struct {
	ClassID    int       `json:"class_id"`
	Confidence float64   `json:"confidence"`
	BBox       []float64 `json:"bbox,omitempty"`
}

// Metadata is the per-frame detection summary published on the metadata topic.
// TimestampUS is monotonic microseconds from the edge clock.
type Metadata struct {
	TimestampUS int64       `json:"timestamp_us"`
	Sequence    int64       `json:"sequence"`
	MotionScore float64     `json:"motion_score"`
	ObjectCount int         `json:"object_count"`
	SceneHash   *int64      `json:"scene_hash,omitempty"`
	Detections  []Detection `json:"detections"`

	// Raw carries the original payload for JSONB persistence. Not serialized
	// back out.
	Raw json.RawMessage `json:"-"`
}

// FramePayload is a JPEG delivery answering a frame request.
type FramePayload struct {
	RequestID   string `json:"request_id"`
	TimestampUS int64  `json:"timestamp_us"`
	ImageBase64 string `json:"image_base64"`
}

// FrameRequest is published to a camera to ask for a full frame.
type FrameRequest struct {
	RequestID string `json:"request_id"`
	Reason    string `json:"reason"`
	Timestamp int64  `json:"timestamp"`
}
