package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gatewatch/internal/config"
	"gatewatch/internal/engine"
	"gatewatch/internal/ingest"
	"gatewatch/internal/model"
	"gatewatch/internal/notify"
	"gatewatch/internal/storage"
	"gatewatch/internal/visits"
)

type Server struct {
	cfg        *config.Manager
	engine     *engine.Engine
	visits     *visits.Service
	dispatcher *notify.Dispatcher
	store      storage.Store
	logger     *slog.Logger
	version    string
}

func Start(ctx context.Context, cfg *config.Manager, eng *engine.Engine, visitSvc *visits.Service, dispatcher *notify.Dispatcher, store storage.Store, logger *slog.Logger, version string) *http.Server {
	current := cfg.Get().API
	if !current.Enabled {
		logger.Info("api disabled")
		return nil
	}
	logger.Info("api enabled", "addr", current.Addr)
	server := &Server{
		cfg:        cfg,
		engine:     eng,
		visits:     visitSvc,
		dispatcher: dispatcher,
		store:      store,
		logger:     logger,
		version:    version,
	}

	httpServer := &http.Server{Addr: current.Addr, Handler: server.Router()}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server error", "err", err)
		}
	}()
	return httpServer
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Post("/detections", s.handleIngestDetection)
		r.Get("/detections", s.handleListDetections)

		r.Post("/attempts", s.handleManualAttempt)
		r.Get("/attempts", s.handleListAttempts)
		r.Get("/attempts/pending", s.handleListPending)
		r.Get("/attempts/pending/{id}/status", s.handlePendingStatus)
		r.Post("/attempts/pending/{id}/respond", s.handleRespondPending)

		r.Post("/visits", s.handleCreateVisit)
		r.Get("/visits", s.handleListVisits)
		r.Get("/visits/{id}", s.handleGetVisit)
		r.Post("/visits/{id}/checkin", s.handleCheckIn)
		r.Post("/visits/{id}/checkout", s.handleCheckOut)
		r.Post("/visits/{id}/cancel", s.handleCancelVisit)

		r.Get("/notifications", s.handleListNotifications)
	})

	r.Get("/status", s.handleStatus)
	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

func (s *Server) handleIngestDetection(w http.ResponseWriter, r *http.Request) {
	var payload ingest.DetectionPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, model.ErrValidation)
		return
	}
	res, err := s.engine.IngestDetection(r.Context(), payload.Detection())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleListDetections(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListDetections(r.Context(), queryInt(r, "limit"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"detections": list, "count": len(list)})
}

type manualAttemptRequest struct {
	Plate      string `json:"plate"`
	CameraID   string `json:"camera_id,omitempty"`
	Decision   string `json:"decision"`
	Reason     string `json:"reason,omitempty"`
	StaffID    string `json:"staff_id"`
	ResidentID string `json:"resident_id,omitempty"`
}

func (s *Server) handleManualAttempt(w http.ResponseWriter, r *http.Request) {
	var req manualAttemptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, model.ErrValidation)
		return
	}
	res, err := s.engine.RecordManualAttempt(r.Context(), engine.ManualAttemptInput{
		Plate:      req.Plate,
		CameraID:   req.CameraID,
		Decision:   model.Decision(req.Decision),
		Reason:     req.Reason,
		StaffID:    req.StaffID,
		ResidentID: req.ResidentID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := s.engine.ListAttempts(r.Context(), engine.AttemptQuery{
		Decision:    model.Decision(q.Get("decision")),
		Plate:       q.Get("plate"),
		CameraID:    q.Get("camera_id"),
		HouseholdID: q.Get("household_id"),
		Limit:       queryInt(r, "limit"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"attempts": list, "count": len(list)})
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	list, err := s.engine.ListPendingAttempts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"attempts": list, "count": len(list)})
}

func (s *Server) handlePendingStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.CheckPendingStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type respondRequest struct {
	ResponderID string `json:"responder_id"`
	Approve     bool   `json:"approve"`
	Comment     string `json:"comment,omitempty"`
}

func (s *Server) handleRespondPending(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, model.ErrValidation)
		return
	}
	att, err := s.engine.RespondToPending(r.Context(), chi.URLParam(r, "id"), req.ResponderID, req.Approve, req.Comment)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, att)
}

func (s *Server) handleCreateVisit(w http.ResponseWriter, r *http.Request) {
	var in visits.CreateVisitInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, model.ErrValidation)
		return
	}
	visit, err := s.visits.Create(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, visit)
}

func (s *Server) handleListVisits(w http.ResponseWriter, r *http.Request) {
	list, err := s.visits.List(r.Context(), model.VisitStatus(r.URL.Query().Get("status")), queryInt(r, "limit"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"visits": list, "count": len(list)})
}

func (s *Server) handleGetVisit(w http.ResponseWriter, r *http.Request) {
	visit, err := s.visits.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, visit)
}

func (s *Server) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	visit, err := s.visits.CheckIn(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, visit)
}

func (s *Server) handleCheckOut(w http.ResponseWriter, r *http.Request) {
	visit, err := s.visits.CheckOut(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, visit)
}

func (s *Server) handleCancelVisit(w http.ResponseWriter, r *http.Request) {
	visit, err := s.visits.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, visit)
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("recent") == "true" {
		list := s.dispatcher.Recent(queryInt(r, "limit"))
		writeJSON(w, http.StatusOK, map[string]any{"notifications": list, "count": len(list)})
		return
	}
	list, err := s.store.ListNotifications(r.Context(), r.URL.Query().Get("recipient_id"), queryInt(r, "limit"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": list, "count": len(list)})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Get()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"time":    time.Now().UTC().Format(time.RFC3339Nano),
		"version": s.version,
		"started": s.engine.Started().Format(time.RFC3339Nano),
		"api":     map[string]any{"enabled": cfg.API.Enabled, "addr": cfg.API.Addr},
		"ingest":  map[string]any{"kafka": cfg.Ingest.Kafka.Enabled},
		"engine": map[string]any{
			"pending_ttl":    cfg.Engine.PendingTTL.String(),
			"sweep_interval": cfg.Engine.SweepInterval.String(),
			"dedupe_window":  cfg.Engine.DedupeWindow.String(),
		},
		"storage": map[string]any{"driver": cfg.Storage.Driver},
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func queryInt(r *http.Request, key string) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	var invalid *model.InvalidStateError
	switch {
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":    invalid.Error(),
			"decision": invalid.Current,
		})
	case errors.Is(err, model.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
	case errors.Is(err, model.ErrValidation):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
	case errors.Is(err, model.ErrDuplicate), errors.Is(err, model.ErrVisitConflict):
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
	}
}
