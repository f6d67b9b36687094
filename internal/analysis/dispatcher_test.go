package analysis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oneshot2001/axis-is-cloud/internal/core"
)

type fakeAgent struct {
	mu        sync.Mutex
	calls     []string
	inFlight  atomic.Int32
	maxSeen   atomic.Int32
	delay     time.Duration
	resultErr error
	wg        sync.WaitGroup
}

func (f *fakeAgent) AnalyzeScene(ctx context.Context, cameraID string, trigger core.Metadata, eventID int64) (*Result, error) {
	defer f.wg.Done()

	n := f.inFlight.Add(1)
	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.inFlight.Add(-1)

	f.mu.Lock()
	f.calls = append(f.calls, cameraID)
	f.mu.Unlock()

	if f.resultErr != nil {
		return nil, f.resultErr
	}
	return &Result{Summary: "ok", FramesAnalyzed: 1}, nil
}

func (f *fakeAgent) ProviderName() string  { return "fake" }
func (f *fakeAgent) ModelName() string     { return "fake-1" }
func (f *fakeAgent) Stats() map[string]any { return map[string]any{} }

func TestDispatcher_ProcessesJobs(t *testing.T) {
	agent := &fakeAgent{}
	d := NewDispatcher(agent, 2)
	d.Start()

	agent.wg.Add(3)
	for i := 0; i < 3; i++ {
		d.Dispatch("cam1", core.Metadata{TimestampUS: int64(i + 1)}, int64(i))
	}
	agent.wg.Wait()
	d.Stop(time.Second)

	assert.Len(t, agent.calls, 3)
}

func TestDispatcher_BoundsConcurrency(t *testing.T) {
	agent := &fakeAgent{delay: 50 * time.Millisecond}
	d := NewDispatcher(agent, 2)
	d.Start()

	// Queue is 2x the pool; 4 jobs all fit.
	agent.wg.Add(4)
	for i := 0; i < 4; i++ {
		d.Dispatch("cam1", core.Metadata{}, int64(i))
	}
	agent.wg.Wait()
	d.Stop(time.Second)

	require.LessOrEqual(t, agent.maxSeen.Load(), int32(2))
}

func TestDispatcher_StopDrainsInFlight(t *testing.T) {
	agent := &fakeAgent{delay: 20 * time.Millisecond}
	d := NewDispatcher(agent, 1)
	d.Start()

	agent.wg.Add(2)
	d.Dispatch("cam1", core.Metadata{}, 1)
	d.Dispatch("cam2", core.Metadata{}, 2)

	d.Stop(2 * time.Second)
	assert.Len(t, agent.calls, 2)
}
