package scenememory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oneshot2001/axis-is-cloud/internal/cache"
	"github.com/oneshot2001/axis-is-cloud/internal/core"
)

func newTestMemory(t *testing.T, maxFrames int) *Memory {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return New(cache.NewStoreWithClient(client), maxFrames, 600*time.Second)
}

func md(ts int64, motion float64, objects int) core.Metadata {
	return core.Metadata{
		TimestampUS: ts,
		MotionScore: motion,
		ObjectCount: objects,
	}
}

func TestAddMetadata_DropsMissingTimestamp(t *testing.T) {
	mem := newTestMemory(t, 30)
	ctx := context.Background()

	require.NoError(t, mem.AddMetadata(ctx, "cam1", md(0, 0.5, 1)))

	entries, err := mem.Recent(ctx, "cam1", 0, false)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAddMetadata_BoundedRing(t *testing.T) {
	mem := newTestMemory(t, 30)
	ctx := context.Background()

	for i := 1; i <= 50; i++ {
		require.NoError(t, mem.AddMetadata(ctx, "cam1", md(int64(i)*1_000_000, 0.1, 0)))
	}

	entries, err := mem.Recent(ctx, "cam1", 0, false)
	require.NoError(t, err)
	require.Len(t, entries, 30)

	// Eldest evicted: the survivors are 21..50, in non-decreasing order.
	assert.Equal(t, int64(21_000_000), entries[0].TimestampUS)
	for i := 1; i < len(entries); i++ {
		assert.LessOrEqual(t, entries[i-1].TimestampUS, entries[i].TimestampUS)
	}
}

func TestAddMetadata_RoundTrip(t *testing.T) {
	mem := newTestMemory(t, 30)
	ctx := context.Background()

	hash := int64(0x1234abcd)
	in := core.Metadata{
		TimestampUS: 5_000_000,
		Sequence:    42,
		MotionScore: 0.63,
		ObjectCount: 3,
		SceneHash:   &hash,
		Detections: []core.Detection{
			{ClassID: 0, Confidence: 0.9},
			{ClassID: 7, Confidence: 0.8},
		},
	}
	require.NoError(t, mem.AddMetadata(ctx, "cam1", in))

	entries, err := mem.Recent(ctx, "cam1", 1, false)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	got := entries[0]
	assert.Equal(t, in.TimestampUS, got.TimestampUS)
	assert.Equal(t, in.MotionScore, got.MotionScore)
	assert.Equal(t, in.ObjectCount, got.ObjectCount)
	require.NotNil(t, got.SceneHash)
	assert.Equal(t, hash, *got.SceneHash)
	assert.Len(t, got.Detections, 2)
	require.NotNil(t, got.FrameID)
	assert.Equal(t, int64(42), *got.FrameID)
	assert.False(t, got.HasImage)
}

func TestAddFrameImage_MergesWithinTolerance(t *testing.T) {
	mem := newTestMemory(t, 30)
	ctx := context.Background()

	require.NoError(t, mem.AddMetadata(ctx, "cam1", md(5_000_000, 0.8, 2)))

	// 250ms later: inside the 1s window.
	require.NoError(t, mem.AddFrameImage(ctx, "cam1", "req-1", 5_000_250, "aW1hZ2U="))

	entries, err := mem.Recent(ctx, "cam1", 0, false)
	require.NoError(t, err)
	require.Len(t, entries, 1, "merge must replace, not duplicate")

	got := entries[0]
	assert.True(t, got.HasImage)
	assert.Equal(t, "aW1hZ2U=", got.ImageBase64)
	assert.Equal(t, "req-1", got.RequestID)
	assert.Equal(t, int64(5_000_000), got.TimestampUS)
	assert.Equal(t, 0.8, got.MotionScore)
}

func TestAddFrameImage_PicksClosestEntry(t *testing.T) {
	mem := newTestMemory(t, 30)
	ctx := context.Background()

	require.NoError(t, mem.AddMetadata(ctx, "cam1", md(4_500_000, 0.1, 0)))
	require.NoError(t, mem.AddMetadata(ctx, "cam1", md(5_000_000, 0.9, 1)))

	require.NoError(t, mem.AddFrameImage(ctx, "cam1", "req-1", 5_000_100, "aW1n"))

	entries, err := mem.Recent(ctx, "cam1", 0, true)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(5_000_000), entries[0].TimestampUS)
}

func TestAddFrameImage_OutsideToleranceInsertsStandalone(t *testing.T) {
	mem := newTestMemory(t, 30)
	ctx := context.Background()

	require.NoError(t, mem.AddMetadata(ctx, "cam1", md(1_000_000, 0.2, 0)))

	require.NoError(t, mem.AddFrameImage(ctx, "cam1", "req-2", 9_000_000, "bGF0ZQ=="))

	entries, err := mem.Recent(ctx, "cam1", 0, false)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	last := entries[len(entries)-1]
	assert.True(t, last.HasImage)
	assert.Equal(t, int64(9_000_000), last.TimestampUS)
	assert.Equal(t, "req-2", last.RequestID)
}

func TestRecent_WithImagesFilter(t *testing.T) {
	mem := newTestMemory(t, 30)
	ctx := context.Background()

	for i := 1; i <= 6; i++ {
		require.NoError(t, mem.AddMetadata(ctx, "cam1", md(int64(i)*2_000_000, 0.1, 0)))
	}
	require.NoError(t, mem.AddFrameImage(ctx, "cam1", "r1", 4_000_000, "aQ=="))
	require.NoError(t, mem.AddFrameImage(ctx, "cam1", "r2", 8_000_000, "ag=="))

	withImages, err := mem.Recent(ctx, "cam1", 5, true)
	require.NoError(t, err)
	assert.Len(t, withImages, 2)
	for _, e := range withImages {
		assert.True(t, e.HasImage)
	}

	all, err := mem.Recent(ctx, "cam1", 3, false)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestRecent_UnknownCamera(t *testing.T) {
	mem := newTestMemory(t, 30)

	entries, err := mem.Recent(context.Background(), "ghost", 5, true)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestContext_Aggregates(t *testing.T) {
	mem := newTestMemory(t, 30)
	ctx := context.Background()

	in := []core.Metadata{
		{TimestampUS: 1_000_000, MotionScore: 0.2, ObjectCount: 1,
			Detections: []core.Detection{{ClassID: 0, Confidence: 0.9}}},
		{TimestampUS: 3_000_000, MotionScore: 0.4, ObjectCount: 2,
			Detections: []core.Detection{{ClassID: 0, Confidence: 0.8}, {ClassID: 7, Confidence: 0.7}}},
		{TimestampUS: 6_000_000, MotionScore: 0.6, ObjectCount: 0},
	}
	for _, m := range in {
		require.NoError(t, mem.AddMetadata(ctx, "cam1", m))
	}
	require.NoError(t, mem.AddFrameImage(ctx, "cam1", "r1", 3_000_000, "aQ=="))

	c, err := mem.Context(ctx, "cam1")
	require.NoError(t, err)

	assert.Equal(t, 3, c.FramesAvailable)
	assert.Equal(t, 1, c.FramesWithImages)
	assert.Equal(t, 3, c.TotalObjects)
	assert.InDelta(t, 5.0, c.TimeSpanSeconds, 0.001)
	assert.InDelta(t, 0.4, c.AverageMotionScore, 0.001)
	assert.Equal(t, 2, c.UniqueObjectClasses)
	assert.Equal(t, int64(6_000_000), c.LatestTimestampUS)
}

func TestContext_EmptyCamera(t *testing.T) {
	mem := newTestMemory(t, 30)

	c, err := mem.Context(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, 0, c.FramesAvailable)
	assert.Equal(t, 0.0, c.AverageMotionScore)
	assert.Equal(t, 0.0, c.TimeSpanSeconds)
}

func TestStats_TracksPerCamera(t *testing.T) {
	mem := newTestMemory(t, 30)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		require.NoError(t, mem.AddMetadata(ctx, "cam1", md(int64(i)*1_000_000, 0, 0)))
	}
	require.NoError(t, mem.AddMetadata(ctx, "cam2", md(1_000_000, 0, 0)))

	stats := mem.Stats()
	assert.Equal(t, 2, stats["cameras"])
	assert.Equal(t, int64(4), stats["total_frames_processed"])
}

func TestContext_FramesAvailableMatchesSetSize(t *testing.T) {
	mem := newTestMemory(t, 30)
	ctx := context.Background()

	for n := 1; n <= 35; n++ {
		require.NoError(t, mem.AddMetadata(ctx, "cam1", md(int64(n)*1_000_000, 0.1, 0)))

		entries, err := mem.Recent(ctx, "cam1", 0, false)
		require.NoError(t, err)
		c, err := mem.Context(ctx, "cam1")
		require.NoError(t, err)
		require.Equal(t, len(entries), c.FramesAvailable, fmt.Sprintf("after %d inserts", n))
	}
}
