package correlator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/oneshot2001/axis-is-cloud/internal/cache"
	"github.com/oneshot2001/axis-is-cloud/internal/core"
	"github.com/oneshot2001/axis-is-cloud/internal/metrics"
)

// sideTableTTL bounds how long a pending request waits for its frame.
const sideTableTTL = 300 * time.Second

// matchedCacheSize bounds the recently-matched fast path. Duplicate frame
// deliveries inside this window are rejected without touching Redis; the
// at-most-once guarantee itself comes from the store's atomic take.
const matchedCacheSize = 4096

// Publisher is the outbound half of the bus the correlator needs.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// Correlator issues frame requests and stitches asynchronous frame
// deliveries back to the events that triggered them.
type Correlator struct {
	store    *cache.Store
	pub      Publisher
	cooldown time.Duration
	matched  *lru.Cache[string, time.Time]
}

func New(store *cache.Store, pub Publisher, cooldown time.Duration) *Correlator {
	c, _ := lru.New[string, time.Time](matchedCacheSize)
	return &Correlator{
		store:    store,
		pub:      pub,
		cooldown: cooldown,
		matched:  c,
	}
}

// Request publishes a frame request for a camera. The side table is
// persisted before the publish; the cooldown mark is set only after a
// successful publish so a failed request may be retried by the next
// metadata message.
func (c *Correlator) Request(ctx context.Context, cameraID, reason string, eventID int64, md core.Metadata) (string, error) {
	requestID := uuid.New().String()

	trigger, err := json.Marshal(md)
	if err != nil {
		return "", fmt.Errorf("marshal trigger metadata: %w", err)
	}
	if err := c.store.PutFrameRequest(ctx, requestID, eventID, trigger, sideTableTTL); err != nil {
		return "", fmt.Errorf("persist frame request: %w", err)
	}

	payload, err := json.Marshal(core.FrameRequest{
		RequestID: requestID,
		Reason:    reason,
		Timestamp: md.TimestampUS,
	})
	if err != nil {
		return "", err
	}

	topic := fmt.Sprintf("axis-is/camera/%s/frame_request", cameraID)
	if err := c.pub.Publish(topic, 1, false, payload); err != nil {
		// Side table is left to expire; no cooldown so the next metadata
		// message may retry.
		return "", fmt.Errorf("publish frame request: %w", err)
	}

	if err := c.store.SetCooldown(ctx, cameraID, c.cooldown); err != nil {
		log.Printf("[Correlator] Failed to set cooldown for %s: %v", cameraID, err)
	}

	metrics.FrameRequestsSent.Inc()
	log.Printf("[Correlator] Frame requested: %s (id=%s, reason=%s)", cameraID, requestID, reason)
	return requestID, nil
}

// Match consumes the side-table pair for an arriving frame. ok is false when
// the request expired, was never issued, or was already matched; the caller
// still merges the frame into scene memory but dispatches no analysis.
func (c *Correlator) Match(ctx context.Context, cameraID, requestID string) (int64, core.Metadata, bool, error) {
	var md core.Metadata

	if _, dup := c.matched.Get(requestID); dup {
		log.Printf("[Correlator] Duplicate frame delivery ignored: %s (id=%s)", cameraID, requestID)
		return 0, md, false, nil
	}

	eventID, trigger, ok, err := c.store.TakeFrameRequest(ctx, requestID)
	if err != nil {
		return 0, md, false, err
	}
	if !ok {
		metrics.CorrelationMisses.Inc()
		log.Printf("[Correlator] No pending request for frame: %s (id=%s)", cameraID, requestID)
		return 0, md, false, nil
	}

	c.matched.Add(requestID, time.Now())

	if len(trigger) > 0 {
		if err := json.Unmarshal(trigger, &md); err != nil {
			log.Printf("[Correlator] Corrupt trigger metadata for %s: %v", requestID, err)
		}
	}
	return eventID, md, true, nil
}
