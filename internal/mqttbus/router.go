package mqttbus

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oneshot2001/axis-is-cloud/internal/analysis"
	"github.com/oneshot2001/axis-is-cloud/internal/cache"
	"github.com/oneshot2001/axis-is-cloud/internal/core"
	"github.com/oneshot2001/axis-is-cloud/internal/correlator"
	"github.com/oneshot2001/axis-is-cloud/internal/data"
	"github.com/oneshot2001/axis-is-cloud/internal/metrics"
	"github.com/oneshot2001/axis-is-cloud/internal/scenememory"
	"github.com/oneshot2001/axis-is-cloud/internal/trigger"
)

const topicPrefix = "axis-is/camera"

// cameraStateTTL bounds how long a silent camera stays listed.
const cameraStateTTL = 120 * time.Second

// handlerTimeout bounds the store work a single message may do.
const handlerTimeout = 10 * time.Second

// Subscriber is the inbound half of the bus the router needs.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
}

// Router subscribes to the camera topic classes and dispatches each message
// to its own goroutine, so a slow handler never blocks the ingress.
type Router struct {
	store      *cache.Store
	memory     *scenememory.Memory
	events     data.EventModel
	alerts     data.AlertModel
	evaluator  *trigger.Evaluator
	correlator *correlator.Correlator
	dispatcher *analysis.Dispatcher

	running atomic.Bool
	wg      sync.WaitGroup

	messagesReceived  atomic.Int64
	frameRequestsSent atomic.Int64
	analysesTriggered atomic.Int64
}

func NewRouter(store *cache.Store, memory *scenememory.Memory, events data.EventModel,
	alerts data.AlertModel, evaluator *trigger.Evaluator, corr *correlator.Correlator,
	dispatcher *analysis.Dispatcher) *Router {
	return &Router{
		store:      store,
		memory:     memory,
		events:     events,
		alerts:     alerts,
		evaluator:  evaluator,
		correlator: corr,
		dispatcher: dispatcher,
	}
}

// Start subscribes to all camera topic classes with QoS 1.
func (r *Router) Start(sub Subscriber) error {
	r.running.Store(true)

	topics := []string{
		topicPrefix + "/+/metadata",
		topicPrefix + "/+/frame",
		topicPrefix + "/+/status",
		topicPrefix + "/+/event",
		topicPrefix + "/+/alert",
	}
	for _, t := range topics {
		if err := sub.Subscribe(t, 1, r.Handle); err != nil {
			return err
		}
		log.Printf("[Router] Subscribed to: %s", t)
	}
	return nil
}

// Stop flags the ingress down and drains in-flight handlers for up to
// grace. Handlers past the deadline are abandoned.
func (r *Router) Stop(grace time.Duration) {
	r.running.Store(false)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		log.Printf("[Router] Drain grace expired with handlers in flight")
	}
}

// Handle routes one message. Topic shape: axis-is/camera/{id}/{class}.
func (r *Router) Handle(topic string, payload []byte) {
	if !r.running.Load() {
		return
	}

	parts := strings.Split(topic, "/")
	if len(parts) < 4 {
		log.Printf("[Router] Invalid topic format: %s", topic)
		metrics.MessagesDropped.WithLabelValues("bad_topic").Inc()
		return
	}
	cameraID := parts[2]
	topicClass := parts[3]

	r.messagesReceived.Add(1)
	metrics.MessagesReceived.WithLabelValues(topicClass).Inc()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()

		switch topicClass {
		case "metadata":
			r.handleMetadata(ctx, cameraID, payload)
		case "frame":
			r.handleFrame(ctx, cameraID, payload)
		case "status":
			r.handleStatus(ctx, cameraID, payload)
		case "event":
			r.handleEvent(cameraID, payload)
		case "alert":
			r.handleAlert(ctx, cameraID, payload)
		default:
			log.Printf("[Router] Unknown topic class: %s", topic)
			metrics.MessagesDropped.WithLabelValues("unknown_class").Inc()
		}
	}()
}

func (r *Router) handleMetadata(ctx context.Context, cameraID string, payload []byte) {
	var md core.Metadata
	if err := json.Unmarshal(payload, &md); err != nil {
		log.Printf("[ERROR] Invalid JSON in metadata from %s: %v", cameraID, err)
		metrics.MessagesDropped.WithLabelValues("bad_json").Inc()
		return
	}
	md.Raw = json.RawMessage(payload)

	if err := r.memory.AddMetadata(ctx, cameraID, md); err != nil {
		log.Printf("[ERROR] Scene memory add failed for %s: %v", cameraID, err)
	}

	eventID, err := r.events.Insert(ctx, cameraID, md)
	if err != nil {
		// Event lost; the trigger still runs so a frame can be captured.
		log.Printf("[ERROR] Event store failed for %s: %v", cameraID, err)
	}

	fire, reason, err := r.evaluator.Evaluate(ctx, cameraID, md)
	if err != nil {
		log.Printf("[ERROR] Trigger evaluation failed for %s: %v", cameraID, err)
		return
	}
	if !fire {
		return
	}

	log.Printf("[Router] Triggering frame request for %s: %s", cameraID, reason)
	if _, err := r.correlator.Request(ctx, cameraID, reason, eventID, md); err != nil {
		log.Printf("[ERROR] Frame request failed for %s: %v", cameraID, err)
		return
	}
	r.frameRequestsSent.Add(1)
}

func (r *Router) handleFrame(ctx context.Context, cameraID string, payload []byte) {
	var frame core.FramePayload
	if err := json.Unmarshal(payload, &frame); err != nil {
		log.Printf("[ERROR] Invalid JSON in frame from %s: %v", cameraID, err)
		metrics.MessagesDropped.WithLabelValues("bad_json").Inc()
		return
	}
	if frame.RequestID == "" || frame.TimestampUS <= 0 || frame.ImageBase64 == "" {
		log.Printf("[Router] Incomplete frame data from %s", cameraID)
		metrics.MessagesDropped.WithLabelValues("incomplete_frame").Inc()
		return
	}

	log.Printf("[Router] Received frame: %s @ %d (size: %d bytes)",
		cameraID, frame.TimestampUS, len(frame.ImageBase64))

	// The frame goes into scene memory whether or not the request is still
	// pending; a late frame is still useful context.
	if err := r.memory.AddFrameImage(ctx, cameraID, frame.RequestID, frame.TimestampUS, frame.ImageBase64); err != nil {
		log.Printf("[ERROR] Scene memory merge failed for %s: %v", cameraID, err)
	}

	eventID, triggerMD, ok, err := r.correlator.Match(ctx, cameraID, frame.RequestID)
	if err != nil {
		log.Printf("[ERROR] Frame match failed for %s: %v", cameraID, err)
		return
	}
	if !ok {
		return
	}

	log.Printf("[Router] Triggering analysis for %s (event=%d)", cameraID, eventID)
	r.analysesTriggered.Add(1)
	r.dispatcher.Dispatch(cameraID, triggerMD, eventID)
}

func (r *Router) handleStatus(ctx context.Context, cameraID string, payload []byte) {
	var status map[string]any
	if err := json.Unmarshal(payload, &status); err != nil {
		log.Printf("[ERROR] Invalid JSON in status from %s: %v", cameraID, err)
		metrics.MessagesDropped.WithLabelValues("bad_json").Inc()
		return
	}

	fields := make(map[string]string, len(status))
	for k, v := range status {
		b, err := json.Marshal(v)
		if err != nil {
			continue
		}
		fields[k] = string(b)
	}

	if err := r.store.SetCameraState(ctx, cameraID, fields, cameraStateTTL); err != nil {
		log.Printf("[ERROR] Camera state update failed for %s: %v", cameraID, err)
		return
	}
	if state, ok := status["state"]; ok {
		log.Printf("[DEBUG] Camera status: %s - %v", cameraID, state)
	}
}

func (r *Router) handleEvent(cameraID string, payload []byte) {
	var event map[string]any
	if err := json.Unmarshal(payload, &event); err != nil {
		log.Printf("[ERROR] Invalid JSON in event from %s: %v", cameraID, err)
		metrics.MessagesDropped.WithLabelValues("bad_json").Inc()
		return
	}
	// Placeholder for elevation to analysis.
	log.Printf("[Router] Camera event: %s - %v", cameraID, event["type"])
}

func (r *Router) handleAlert(ctx context.Context, cameraID string, payload []byte) {
	var alert struct {
		Type     string `json:"type"`
		Severity int    `json:"severity"`
		Message  string `json:"message"`
	}
	if err := json.Unmarshal(payload, &alert); err != nil {
		log.Printf("[ERROR] Invalid JSON in alert from %s: %v", cameraID, err)
		metrics.MessagesDropped.WithLabelValues("bad_json").Inc()
		return
	}

	log.Printf("[WARN] Camera ALERT: %s - %s", cameraID, alert.Message)

	alertType := alert.Type
	if alertType == "" {
		alertType = "edge"
	}
	if _, err := r.alerts.Insert(ctx, data.Alert{
		CameraID:  cameraID,
		AlertType: alertType,
		Severity:  alert.Severity,
		Message:   alert.Message,
		Metadata:  json.RawMessage(payload),
	}); err != nil {
		log.Printf("[ERROR] Alert store failed for %s: %v", cameraID, err)
	}
}

// Stats reports the router counters for the stats façade.
func (r *Router) Stats() map[string]any {
	return map[string]any{
		"messages_received":   r.messagesReceived.Load(),
		"frame_requests_sent": r.frameRequestsSent.Load(),
		"analyses_triggered":  r.analysesTriggered.Load(),
		"running":             r.running.Load(),
	}
}
