package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oneshot2001/axis-is-cloud/internal/cache"
	"github.com/oneshot2001/axis-is-cloud/internal/core"
)

type fakePublisher struct {
	published []publishCall
	fail      bool
}

type publishCall struct {
	topic   string
	qos     byte
	payload []byte
}

func (p *fakePublisher) Publish(topic string, qos byte, retained bool, payload []byte) error {
	if p.fail {
		return errors.New("broker unavailable")
	}
	p.published = append(p.published, publishCall{topic: topic, qos: qos, payload: payload})
	return nil
}

func newTestCorrelator(t *testing.T, pub Publisher) (*Correlator, *cache.Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := cache.NewStoreWithClient(client)
	return New(store, pub, 60*time.Second), store, mr
}

func TestRequest_PublishesAndSetsCooldown(t *testing.T) {
	pub := &fakePublisher{}
	corr, store, mr := newTestCorrelator(t, pub)
	ctx := context.Background()

	md := core.Metadata{TimestampUS: 5_000_000, MotionScore: 0.9}
	requestID, err := corr.Request(ctx, "cam1", "high_motion_0.90", 101, md)
	require.NoError(t, err)
	require.NotEmpty(t, requestID)

	// Publish on the camera's frame_request topic at QoS 1.
	require.Len(t, pub.published, 1)
	assert.Equal(t, "axis-is/camera/cam1/frame_request", pub.published[0].topic)
	assert.Equal(t, byte(1), pub.published[0].qos)

	var req core.FrameRequest
	require.NoError(t, json.Unmarshal(pub.published[0].payload, &req))
	assert.Equal(t, requestID, req.RequestID)
	assert.Equal(t, "high_motion_0.90", req.Reason)
	assert.Equal(t, int64(5_000_000), req.Timestamp)

	// Side table persisted with TTL.
	assert.True(t, mr.Exists(fmt.Sprintf("frame_request:%s:event_id", requestID)))
	assert.True(t, mr.Exists(fmt.Sprintf("frame_request:%s:metadata", requestID)))

	// Cooldown set after successful publish.
	active, err := store.CooldownActive(ctx, "cam1")
	require.NoError(t, err)
	assert.True(t, active)
}

func TestRequest_PublishFailureSkipsCooldown(t *testing.T) {
	pub := &fakePublisher{fail: true}
	corr, store, mr := newTestCorrelator(t, pub)
	ctx := context.Background()

	_, err := corr.Request(ctx, "cam1", "scene_change", 7, core.Metadata{TimestampUS: 1})
	require.Error(t, err)

	// No cooldown: the next metadata message may retry.
	active, err := store.CooldownActive(ctx, "cam1")
	require.NoError(t, err)
	assert.False(t, active)

	// Side table is left to expire on its own.
	keys := mr.Keys()
	assert.NotEmpty(t, keys)
}

func TestMatch_ReturnsEventAndDeletesSideTable(t *testing.T) {
	pub := &fakePublisher{}
	corr, _, mr := newTestCorrelator(t, pub)
	ctx := context.Background()

	md := core.Metadata{TimestampUS: 5_000_000, MotionScore: 0.9,
		Detections: []core.Detection{{ClassID: 7, Confidence: 0.8}}}
	requestID, err := corr.Request(ctx, "cam1", "vehicle_detected_7", 55, md)
	require.NoError(t, err)

	eventID, trigger, ok, err := corr.Match(ctx, "cam1", requestID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(55), eventID)
	assert.Equal(t, int64(5_000_000), trigger.TimestampUS)
	assert.Len(t, trigger.Detections, 1)

	assert.False(t, mr.Exists(fmt.Sprintf("frame_request:%s:event_id", requestID)))
	assert.False(t, mr.Exists(fmt.Sprintf("frame_request:%s:metadata", requestID)))
}

func TestMatch_IdempotentUnderDuplicateDelivery(t *testing.T) {
	pub := &fakePublisher{}
	corr, _, _ := newTestCorrelator(t, pub)
	ctx := context.Background()

	requestID, err := corr.Request(ctx, "cam1", "scene_change", 9, core.Metadata{TimestampUS: 1_000_000})
	require.NoError(t, err)

	_, _, ok, err := corr.Match(ctx, "cam1", requestID)
	require.NoError(t, err)
	require.True(t, ok)

	// Second delivery of the same frame matches nothing.
	_, _, ok, err = corr.Match(ctx, "cam1", requestID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMatch_ConcurrentDeliveriesMatchOnce(t *testing.T) {
	pub := &fakePublisher{}
	corr, _, _ := newTestCorrelator(t, pub)
	ctx := context.Background()

	requestID, err := corr.Request(ctx, "cam1", "high_motion_0.90", 13, core.Metadata{TimestampUS: 3_000_000})
	require.NoError(t, err)

	// QoS 1 redelivery lands each copy on its own handler goroutine.
	const deliveries = 8
	var wg sync.WaitGroup
	var matches atomic.Int32
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, ok, err := corr.Match(ctx, "cam1", requestID)
			assert.NoError(t, err)
			if ok {
				matches.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), matches.Load())
}

func TestMatch_ExpiredRequestIsNotAnError(t *testing.T) {
	pub := &fakePublisher{}
	corr, _, _ := newTestCorrelator(t, pub)

	eventID, _, ok, err := corr.Match(context.Background(), "cam1", "never-issued")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, eventID)
}
