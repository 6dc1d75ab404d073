package screenagent

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// EnvListenAddr overrides the coordinator's HTTP listen address.
const EnvListenAddr = "LISTEN_ADDR"

// DefaultListenAddr is where the coordinator serves when nothing overrides it.
const DefaultListenAddr = ":8700"

// Server exposes the coordinator over HTTP. Status codes are part of the
// contract; the JSON envelope mirrors them in a `code` field so the embedded
// web views can branch without inspecting transport details.
type Server struct {
	coordinator *Coordinator
}

// NewServer wraps the coordinator with the HTTP surface.
func NewServer(coordinator *Coordinator) (*Server, error) {
	if coordinator == nil {
		return nil, errors.New("server: coordinator cannot be nil")
	}
	return &Server{coordinator: coordinator}, nil
}

// Handler returns the chi router with permissive CORS for the screen web views.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))
	s.RegisterRoutes(r)
	return r
}

// RegisterRoutes mounts the coordinator endpoints on the provided router.
func (s *Server) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", healthHandler)
	r.Post("/report-status", s.reportStatusHandler)
	r.Get("/get-task", s.getTaskHandler)
	r.Post("/tasks", s.enqueueTaskHandler)
	r.Get("/devices", s.listDevicesHandler)
}

type apiEnvelope struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg,omitempty"`
	Task   *Task  `json:"task,omitempty"`
	TaskID string `json:"taskId,omitempty"`
}

// reportStatusRequest uses pointer fields so absent keys are distinguishable
// from zero values.
type reportStatusRequest struct {
	DeviceID *string `json:"deviceId"`
	IsBusy   *bool   `json:"isBusy"`
	Memory   *int    `json:"memory"`
}

type enqueueTaskRequest struct {
	Content  string `json:"content"`
	ImageRef string `json:"imageRef"`
}

type deviceView struct {
	DeviceID         string    `json:"deviceId"`
	Busy             bool      `json:"busy"`
	MemoryMB         int       `json:"memoryMB"`
	Status           string    `json:"status"`
	LastReportedAt   time.Time `json:"lastReportedAt"`
	ReportAgeSeconds int64     `json:"reportAgeSeconds"`
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) reportStatusHandler(w http.ResponseWriter, r *http.Request) {
	var req reportStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeCode(w, http.StatusBadRequest)
		return
	}
	if req.DeviceID == nil || req.IsBusy == nil || req.Memory == nil {
		log.Warn().Msg("report-status rejected: missing fields")
		writeCode(w, http.StatusBadRequest)
		return
	}
	err := s.coordinator.ReportStatus(r.Context(), StatusReport{
		DeviceID: *req.DeviceID,
		Busy:     *req.IsBusy,
		MemoryMB: *req.Memory,
	})
	switch {
	case err == nil:
		writeCode(w, http.StatusOK)
	case errors.Is(err, ErrUnknownDevice):
		log.Warn().Str("device_id", *req.DeviceID).Msg("report-status rejected: unknown device")
		writeCode(w, http.StatusNotFound)
	case errors.Is(err, ErrMissingDeviceID), errors.Is(err, ErrMalformedReport):
		writeCode(w, http.StatusBadRequest)
	default:
		log.Error().Err(err).Msg("report-status failed")
		writeCode(w, http.StatusInternalServerError)
	}
}

func (s *Server) getTaskHandler(w http.ResponseWriter, r *http.Request) {
	deviceID := strings.TrimSpace(r.URL.Query().Get("deviceId"))
	if deviceID == "" {
		writeCode(w, http.StatusBadRequest)
		return
	}
	result, err := s.coordinator.RequestTask(r.Context(), deviceID)
	switch {
	case err == nil:
	case errors.Is(err, ErrUnknownDevice):
		log.Warn().Str("device_id", deviceID).Msg("get-task rejected: unknown device")
		writeCode(w, http.StatusNotFound)
		return
	case errors.Is(err, ErrMissingDeviceID):
		writeCode(w, http.StatusBadRequest)
		return
	default:
		log.Error().Err(err).Str("device_id", deviceID).Msg("get-task failed")
		writeCode(w, http.StatusInternalServerError)
		return
	}
	switch result.Status {
	case DispatchAssigned:
		writeJSON(w, http.StatusOK, apiEnvelope{Code: http.StatusOK, Task: result.Task})
	case DispatchIneligible:
		writeJSON(w, http.StatusForbidden, apiEnvelope{
			Code: http.StatusForbidden,
			Msg:  string(result.Reason),
		})
	default:
		// 204 responses carry no body; the status code is the whole signal.
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) enqueueTaskHandler(w http.ResponseWriter, r *http.Request) {
	var req enqueueTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeCode(w, http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeJSON(w, http.StatusBadRequest, apiEnvelope{
			Code: http.StatusBadRequest,
			Msg:  "content is required",
		})
		return
	}
	task := s.coordinator.Enqueue(Task{
		Content:  strings.TrimSpace(req.Content),
		ImageRef: strings.TrimSpace(req.ImageRef),
	})
	writeJSON(w, http.StatusOK, apiEnvelope{Code: http.StatusOK, TaskID: task.ID})
}

func (s *Server) listDevicesHandler(w http.ResponseWriter, r *http.Request) {
	records := s.coordinator.Snapshot()
	now := time.Now()
	views := make([]deviceView, 0, len(records))
	for _, rec := range records {
		age := int64(-1)
		if !rec.LastReportedAt.IsZero() {
			age = int64(now.Sub(rec.LastReportedAt).Seconds())
		}
		views = append(views, deviceView{
			DeviceID:         rec.DeviceID,
			Busy:             rec.Busy,
			MemoryMB:         rec.MemoryMB,
			Status:           deviceStatusLabel(rec, s.coordinator.MemoryCeilingMB()),
			LastReportedAt:   rec.LastReportedAt,
			ReportAgeSeconds: age,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"code":       http.StatusOK,
		"queueDepth": s.coordinator.QueueDepth(),
		"devices":    views,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeCode(w http.ResponseWriter, status int) {
	writeJSON(w, status, apiEnvelope{Code: status})
}
