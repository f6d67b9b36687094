package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oneshot2001/axis-is-cloud/internal/analysis"
	"github.com/oneshot2001/axis-is-cloud/internal/cache"
	"github.com/oneshot2001/axis-is-cloud/internal/config"
	"github.com/oneshot2001/axis-is-cloud/internal/core"
	"github.com/oneshot2001/axis-is-cloud/internal/correlator"
	"github.com/oneshot2001/axis-is-cloud/internal/data"
	"github.com/oneshot2001/axis-is-cloud/internal/mqttbus"
	"github.com/oneshot2001/axis-is-cloud/internal/scenememory"
)

// Handler is the read-mostly operator façade over pipeline state.
type Handler struct {
	Settings   *config.Settings
	Store      *cache.Store
	Memory     *scenememory.Memory
	Analyses   data.AnalysisModel
	Alerts     data.AlertModel
	Router     *mqttbus.Router
	Agent      analysis.Agent
	Correlator *correlator.Correlator
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", h.Health)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", h.Stats)
		r.Get("/cameras", h.ListCameras)
		r.Get("/alerts", h.ListAlerts)
		r.Route("/cameras/{camera_id}", func(r chi.Router) {
			r.Get("/analyses", h.CameraAnalyses)
			r.Get("/context", h.CameraContext)
			r.Post("/request_frame", h.RequestFrame)
		})
	})

	return r
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": h.Settings.AppName,
	})
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	redisStats, err := h.Store.Stats(r.Context())
	if err != nil {
		log.Printf("[ERROR] Redis stats: %v", err)
		redisStats = map[string]any{"error": err.Error()}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"mqtt":         h.Router.Stats(),
		"scene_memory": h.Memory.Stats(),
		"ai":           h.Agent.Stats(),
		"redis":        redisStats,
		"config": map[string]any{
			"ai_provider":             h.Settings.AIProvider,
			"scene_memory_frames":     h.Settings.SceneMemoryFrames,
			"frame_request_cooldown":  h.Settings.FrameRequestCooldown,
			"frame_request_enabled":   h.Settings.FrameRequestEnabled,
			"motion_threshold":        h.Settings.MotionThreshold,
			"max_concurrent_analyses": h.Settings.MaxConcurrentAnalyses,
		},
	})
}

func (h *Handler) ListCameras(w http.ResponseWriter, r *http.Request) {
	ids, err := h.Store.ActiveCameras(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	cameras := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		state, err := h.Store.GetCameraState(r.Context(), id)
		if err != nil {
			continue
		}
		cameras = append(cameras, map[string]any{
			"camera_id": id,
			"state":     state,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"cameras": cameras, "count": len(cameras)})
}

func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := h.Alerts.Unacknowledged(r.Context(), queryLimit(r, 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if alerts == nil {
		alerts = []data.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (h *Handler) CameraAnalyses(w http.ResponseWriter, r *http.Request) {
	cameraID := chi.URLParam(r, "camera_id")

	analyses, err := h.Analyses.Recent(r.Context(), cameraID, queryLimit(r, 10))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if analyses == nil {
		analyses = []data.Analysis{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"camera_id": cameraID,
		"analyses":  analyses,
	})
}

func (h *Handler) CameraContext(w http.ResponseWriter, r *http.Request) {
	cameraID := chi.URLParam(r, "camera_id")

	sceneCtx, err := h.Memory.Context(r.Context(), cameraID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, sceneCtx)
}

// RequestFrame is the manual trigger. The per-camera cooldown still applies.
func (h *Handler) RequestFrame(w http.ResponseWriter, r *http.Request) {
	cameraID := chi.URLParam(r, "camera_id")

	active, err := h.Store.CooldownActive(r.Context(), cameraID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if active {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error": "cooldown active",
		})
		return
	}

	md := core.Metadata{TimestampUS: time.Now().UTC().UnixMicro()}
	requestID, err := h.Correlator.Request(r.Context(), cameraID, "manual", 0, md)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"camera_id":  cameraID,
		"request_id": requestID,
	})
}

func queryLimit(r *http.Request, fallback int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			return n
		}
	}
	return fallback
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[ERROR] Response encode: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}
