package scenememory

import (
	"context"
	"encoding/json"
	"log"
	"math"
	"sync"
	"time"

	"github.com/oneshot2001/axis-is-cloud/internal/cache"
	"github.com/oneshot2001/axis-is-cloud/internal/core"
)

// Entry is one slot in a camera's scene-memory ring. Metadata-only entries
// have HasImage false; frame deliveries upgrade them in place.
type Entry struct {
	TimestampUS int64            `json:"timestamp_us"`
	FrameID     *int64           `json:"frame_id,omitempty"`
	MotionScore float64          `json:"motion_score"`
	ObjectCount int              `json:"object_count"`
	SceneHash   *int64           `json:"scene_hash,omitempty"`
	Detections  []core.Detection `json:"detections,omitempty"`
	HasImage    bool             `json:"has_image"`
	ImageBase64 string           `json:"image_base64,omitempty"`
	RequestID   string           `json:"request_id,omitempty"`
}

// Context aggregates a camera's recent history for the analysis prompt.
type Context struct {
	CameraID            string  `json:"camera_id"`
	FramesAvailable     int     `json:"frames_available"`
	FramesWithImages    int     `json:"frames_with_images"`
	TimeSpanSeconds     float64 `json:"time_span_seconds"`
	TotalObjects        int     `json:"total_objects_detected"`
	AverageMotionScore  float64 `json:"average_motion_score"`
	UniqueObjectClasses int     `json:"unique_object_classes"`
	LatestTimestampUS   int64   `json:"latest_timestamp"`
}

// mergeToleranceUS is the timestamp window for matching an arriving image to
// a metadata entry.
const mergeToleranceUS = 1_000_000

type Memory struct {
	store     *cache.Store
	maxFrames int
	ttl       time.Duration

	mu              sync.Mutex
	framesPerCamera map[string]int64
}

func New(store *cache.Store, maxFrames int, ttl time.Duration) *Memory {
	return &Memory{
		store:           store,
		maxFrames:       maxFrames,
		ttl:             ttl,
		framesPerCamera: map[string]int64{},
	}
}

// AddMetadata inserts a metadata-only entry. Entries without a positive
// timestamp are dropped.
func (m *Memory) AddMetadata(ctx context.Context, cameraID string, md core.Metadata) error {
	if md.TimestampUS <= 0 {
		log.Printf("[SceneMemory] Metadata missing timestamp: %s", cameraID)
		return nil
	}

	entry := Entry{
		TimestampUS: md.TimestampUS,
		MotionScore: md.MotionScore,
		ObjectCount: md.ObjectCount,
		SceneHash:   md.SceneHash,
		Detections:  md.Detections,
		HasImage:    false,
	}
	if md.Sequence != 0 {
		seq := md.Sequence
		entry.FrameID = &seq
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := m.store.AddSceneEntry(ctx, cameraID, md.TimestampUS, raw, nil, m.ttl, m.maxFrames); err != nil {
		return err
	}

	m.mu.Lock()
	m.framesPerCamera[cameraID]++
	m.mu.Unlock()
	return nil
}

// AddFrameImage attaches an arriving JPEG to the closest entry within the 1 s
// tolerance, replacing it in place. When no entry matches (the metadata may
// have been evicted already) a standalone image entry is inserted.
func (m *Memory) AddFrameImage(ctx context.Context, cameraID, requestID string, timestampUS int64, imageBase64 string) error {
	raws, err := m.store.SceneEntries(ctx, cameraID, m.maxFrames)
	if err != nil {
		return err
	}

	bestIdx := -1
	var bestDelta int64
	var bestEntry Entry
	for i, raw := range raws {
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			continue
		}
		delta := e.TimestampUS - timestampUS
		if delta < 0 {
			delta = -delta
		}
		if delta < mergeToleranceUS && (bestIdx < 0 || delta < bestDelta) {
			bestIdx, bestDelta, bestEntry = i, delta, e
		}
	}

	if bestIdx >= 0 {
		bestEntry.HasImage = true
		bestEntry.ImageBase64 = imageBase64
		bestEntry.RequestID = requestID

		updated, err := json.Marshal(bestEntry)
		if err != nil {
			return err
		}
		if err := m.store.AddSceneEntry(ctx, cameraID, bestEntry.TimestampUS, updated, raws[bestIdx], m.ttl, m.maxFrames); err != nil {
			return err
		}
		log.Printf("[SceneMemory] Merged frame image: %s @ %d", cameraID, bestEntry.TimestampUS)
		return nil
	}

	entry := Entry{
		TimestampUS: timestampUS,
		RequestID:   requestID,
		HasImage:    true,
		ImageBase64: imageBase64,
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := m.store.AddSceneEntry(ctx, cameraID, timestampUS, raw, nil, m.ttl, m.maxFrames); err != nil {
		return err
	}
	log.Printf("[SceneMemory] Added standalone frame image: %s @ %d", cameraID, timestampUS)
	return nil
}

// Recent returns the k most recent entries in ascending timestamp order,
// optionally only those carrying images. Unknown cameras yield an empty
// slice.
func (m *Memory) Recent(ctx context.Context, cameraID string, k int, withImages bool) ([]Entry, error) {
	raws, err := m.store.SceneEntries(ctx, cameraID, m.maxFrames)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(raws))
	for _, raw := range raws {
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			continue
		}
		if withImages && !e.HasImage {
			continue
		}
		entries = append(entries, e)
	}

	if k > 0 && len(entries) > k {
		entries = entries[len(entries)-k:]
	}
	return entries, nil
}

// Context aggregates over up to the last maxFrames entries.
func (m *Memory) Context(ctx context.Context, cameraID string) (Context, error) {
	c := Context{CameraID: cameraID}

	entries, err := m.Recent(ctx, cameraID, 0, false)
	if err != nil {
		return c, err
	}
	if len(entries) == 0 {
		return c, nil
	}

	classes := map[int]struct{}{}
	var motionSum float64
	for _, e := range entries {
		c.TotalObjects += e.ObjectCount
		motionSum += e.MotionScore
		if e.HasImage {
			c.FramesWithImages++
		}
		for _, d := range e.Detections {
			classes[d.ClassID] = struct{}{}
		}
	}

	c.FramesAvailable = len(entries)
	c.AverageMotionScore = math.Round(motionSum/float64(len(entries))*1000) / 1000
	c.UniqueObjectClasses = len(classes)
	c.LatestTimestampUS = entries[len(entries)-1].TimestampUS
	if len(entries) > 1 {
		c.TimeSpanSeconds = float64(entries[len(entries)-1].TimestampUS-entries[0].TimestampUS) / 1_000_000
	}
	return c, nil
}

// Stats reports per-camera processed counters for the stats façade.
func (m *Memory) Stats() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total int64
	per := make(map[string]int64, len(m.framesPerCamera))
	for k, v := range m.framesPerCamera {
		per[k] = v
		total += v
	}
	return map[string]any{
		"cameras":                len(per),
		"total_frames_processed": total,
		"frames_per_camera":      per,
	}
}
