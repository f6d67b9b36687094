package trigger

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/oneshot2001/axis-is-cloud/internal/cache"
	"github.com/oneshot2001/axis-is-cloud/internal/core"
)

// Reasons returned by Evaluate. Motion and vehicle reasons carry the matched
// value (high_motion_0.92, vehicle_detected_7); the reasons below are bare.
const (
	ReasonCooldown    = "cooldown"
	ReasonDisabled    = "disabled"
	ReasonSceneChange = "scene_change"
	ReasonNoTrigger   = "no_trigger"
)

// vehicleClasses are COCO car, bus and truck.
var vehicleClasses = map[int]bool{2: true, 5: true, 7: true}

// stateKeyLastSceneHash is the camera-state field holding the last observed
// scene hash.
const stateKeyLastSceneHash = "last_scene_hash"

type Config struct {
	Enabled                    bool
	MotionThreshold            float64
	VehicleConfidenceThreshold float64
	SceneChangeEnabled         bool
	StateTTL                   time.Duration
}

// Evaluator decides whether a metadata message warrants a frame request.
// Evaluation order is fixed; the only side effect is recording the scene hash
// in camera state, which must be observable to subsequent calls even when no
// request fires.
type Evaluator struct {
	cfg   Config
	store *cache.Store
}

func New(cfg Config, store *cache.Store) *Evaluator {
	return &Evaluator{cfg: cfg, store: store}
}

// Evaluate returns (fire, reason). First matching rule wins:
// cooldown, disabled, high motion, vehicle detection, scene change.
func (e *Evaluator) Evaluate(ctx context.Context, cameraID string, md core.Metadata) (bool, string, error) {
	active, err := e.store.CooldownActive(ctx, cameraID)
	if err != nil {
		return false, "", err
	}
	if active {
		return false, ReasonCooldown, nil
	}

	if !e.cfg.Enabled {
		return false, ReasonDisabled, nil
	}

	if md.MotionScore > e.cfg.MotionThreshold {
		return true, fmt.Sprintf("high_motion_%.2f", md.MotionScore), nil
	}

	for _, det := range md.Detections {
		if vehicleClasses[det.ClassID] && det.Confidence > e.cfg.VehicleConfidenceThreshold {
			return true, fmt.Sprintf("vehicle_detected_%d", det.ClassID), nil
		}
	}

	if e.cfg.SceneChangeEnabled && md.SceneHash != nil {
		fired, err := e.checkSceneChange(ctx, cameraID, *md.SceneHash)
		if err != nil {
			return false, "", err
		}
		if fired {
			return true, ReasonSceneChange, nil
		}
	}

	return false, ReasonNoTrigger, nil
}

func (e *Evaluator) checkSceneChange(ctx context.Context, cameraID string, hash int64) (bool, error) {
	state, err := e.store.GetCameraState(ctx, cameraID)
	if err != nil {
		return false, err
	}

	current := strconv.FormatInt(hash, 10)
	last := ""
	if state != nil {
		last = state[stateKeyLastSceneHash]
	}

	if last == current {
		return false, nil
	}

	if err := e.store.SetCameraState(ctx, cameraID,
		map[string]string{stateKeyLastSceneHash: current}, e.cfg.StateTTL); err != nil {
		log.Printf("[Trigger] Failed to record scene hash for %s: %v", cameraID, err)
		return false, err
	}

	// First observation records the hash without firing.
	if last == "" {
		return false, nil
	}
	return true, nil
}
