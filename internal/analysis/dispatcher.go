package analysis

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/oneshot2001/axis-is-cloud/internal/core"
	"github.com/oneshot2001/axis-is-cloud/internal/metrics"
)

type job struct {
	cameraID string
	trigger  core.Metadata
	eventID  int64
}

// Dispatcher bounds concurrent provider calls with a fixed worker pool fed
// by a buffered queue. The upstream arrival rate is already shaped by the
// per-camera cooldown, so queueing (not rejecting) is the backpressure
// policy; a full queue drops with a log line.
type Dispatcher struct {
	agent   Agent
	jobs    chan job
	workers int

	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewDispatcher(agent Agent, maxConcurrent int) *Dispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	return &Dispatcher{
		agent:   agent,
		jobs:    make(chan job, maxConcurrent*2),
		workers: maxConcurrent,
	}
}

func (d *Dispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
}

// Stop closes the queue and waits for in-flight analyses up to grace.
// Remaining work is abandoned; its state is discarded.
func (d *Dispatcher) Stop(grace time.Duration) {
	d.stopOnce.Do(func() { close(d.jobs) })

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		log.Printf("[Dispatcher] Shutdown grace expired with analyses in flight")
	}
}

// Dispatch enqueues an analysis. Counted as triggered here, at dispatch, so
// provider failures show as a gap between triggered and persisted counts.
func (d *Dispatcher) Dispatch(cameraID string, trigger core.Metadata, eventID int64) {
	metrics.AnalysesTriggered.Inc()

	select {
	case d.jobs <- job{cameraID: cameraID, trigger: trigger, eventID: eventID}:
	default:
		log.Printf("[Dispatcher] Queue full, dropping analysis for %s (event=%d)", cameraID, eventID)
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for j := range d.jobs {
		// The per-call timeout lives inside the agent; the background
		// context keeps a shutdown from tearing down a call mid-flight.
		if _, err := d.agent.AnalyzeScene(context.Background(), j.cameraID, j.trigger, j.eventID); err != nil {
			log.Printf("[Dispatcher] Analysis failed: %s - %v", j.cameraID, err)
		}
	}
}
