package engine

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"gatewatch/internal/config"
	"gatewatch/internal/metrics"
	"gatewatch/internal/model"
	"gatewatch/internal/normalize"
	"gatewatch/internal/storage"
)

const charConfThreshold = 0.5

type Engine struct {
	logger     *slog.Logger
	metrics    *metrics.Metrics
	store      storage.Store
	directory  VehicleDirectory
	visits     VisitLifecycle
	dispatcher NotificationDispatcher
	cfg        atomic.Value
	pattern    atomic.Value
	deDupe     *DedupeCache
	started    time.Time
	now        func() time.Time
}

// IngestResult is what a caller gets back from one processed detection.
type IngestResult struct {
	Detection        model.Detection     `json:"detection"`
	Attempt          model.AccessAttempt `json:"attempt"`
	IsExit           bool                `json:"is_exit"`
	RequiresApproval bool                `json:"requires_approval"`
}

func NewEngine(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, store storage.Store, directory VehicleDirectory, visits VisitLifecycle, dispatcher NotificationDispatcher) *Engine {
	e := &Engine{
		logger:     logger,
		metrics:    m,
		store:      store,
		directory:  directory,
		visits:     visits,
		dispatcher: dispatcher,
		deDupe:     NewDedupeCache(),
		started:    time.Now().UTC(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	e.UpdateConfig(cfg)
	return e
}

func (e *Engine) UpdateConfig(cfg *config.Config) {
	e.cfg.Store(cfg)
	e.pattern.Store(compilePattern(cfg.Engine.PlatePattern))
}

func compilePattern(expr string) *regexp.Regexp {
	if expr == "" {
		expr = normalize.DefaultPlatePattern
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return regexp.MustCompile(normalize.DefaultPlatePattern)
	}
	return re
}

func (e *Engine) config() *config.Config {
	if v := e.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

func (e *Engine) platePattern() *regexp.Regexp {
	if v := e.pattern.Load(); v != nil {
		return v.(*regexp.Regexp)
	}
	return nil
}

func (e *Engine) Started() time.Time { return e.started }

// IngestDetection runs one detection through normalization, the decision
// cascade and the ledger. Exactly one attempt is written per accepted
// detection, durably, before this returns. Notification fan-out happens
// after the ledger write and never fails the ingest.
func (e *Engine) IngestDetection(ctx context.Context, det model.Detection) (IngestResult, error) {
	cfg := e.config()
	now := e.now()

	raw := det.Plate
	if det.PlateRaw != "" {
		raw = det.PlateRaw
	}
	det.PlateRaw = raw
	det.Plate = normalize.Plate(raw)
	if det.Plate == "" {
		e.metrics.RecordDrop("invalid")
		return IngestResult{}, fmt.Errorf("%w: plate is required", model.ErrValidation)
	}
	if !normalize.Plausible(det.Plate, e.platePattern()) {
		e.metrics.RecordDrop("implausible")
		return IngestResult{}, fmt.Errorf("%w: implausible plate %q", model.ErrValidation, det.Plate)
	}
	if det.CameraID == "" {
		e.metrics.RecordDrop("invalid")
		return IngestResult{}, fmt.Errorf("%w: camera_id is required", model.ErrValidation)
	}

	if ttl := cfg.Engine.DedupeWindow; ttl > 0 {
		if e.deDupe.Seen(det.Plate+"|"+det.CameraID, now, ttl) {
			e.metrics.RecordDrop("duplicate")
			return IngestResult{}, fmt.Errorf("%w: detection for %s on %s", model.ErrDuplicate, det.Plate, det.CameraID)
		}
	}

	if det.ID == "" {
		det.ID = uuid.NewString()
	}
	if det.ReceivedAt.IsZero() {
		det.ReceivedAt = now
	}
	normalize.Meta(det.Meta, charConfThreshold)

	if err := e.store.SaveDetection(ctx, det); err != nil {
		return IngestResult{}, fmt.Errorf("%w: save detection: %v", model.ErrPersistence, err)
	}

	res, err := e.resolve(ctx, cfg, det)
	if err != nil {
		return IngestResult{}, err
	}

	decided := e.now()
	att := model.AccessAttempt{
		ID:             uuid.NewString(),
		DetectionID:    det.ID,
		Decision:       res.decision,
		Reason:         res.reason,
		Method:         res.method,
		ResidentID:     res.residentID,
		ResponseTimeMs: max(decided.Sub(det.T1()).Milliseconds(), 0),
		CreatedAt:      decided,
	}
	if res.decision == model.DecisionPending {
		deadline := decided.Add(cfg.Engine.PendingTTL)
		att.ExpiresAt = &deadline
	}
	if err := e.store.SaveAttempt(ctx, att); err != nil {
		return IngestResult{}, fmt.Errorf("%w: save attempt: %v", model.ErrPersistence, err)
	}

	e.metrics.RecordDecision(string(att.Decision), decided.Sub(det.T1()))
	e.logger.Info("access decision",
		"plate", det.Plate,
		"camera_id", det.CameraID,
		"decision", att.Decision,
		"reason", att.Reason,
		"is_exit", res.isExit,
	)

	go e.notifyDecision(det, att, res)

	return IngestResult{
		Detection:        det,
		Attempt:          att,
		IsExit:           res.isExit,
		RequiresApproval: att.Decision == model.DecisionPending,
	}, nil
}

// ManualAttemptInput is a staff-recorded attempt without an LPR detection
// behind it: gate opened by hand, intercom decision, and the like.
type ManualAttemptInput struct {
	Plate      string
	CameraID   string
	Decision   model.Decision
	Reason     string
	StaffID    string
	ResidentID string
}

func (e *Engine) RecordManualAttempt(ctx context.Context, in ManualAttemptInput) (IngestResult, error) {
	plate := normalize.Plate(in.Plate)
	if plate == "" {
		return IngestResult{}, fmt.Errorf("%w: plate is required", model.ErrValidation)
	}
	if in.Decision != model.DecisionPermitted && in.Decision != model.DecisionDenied {
		return IngestResult{}, fmt.Errorf("%w: manual decision must be Permitted or Denied", model.ErrValidation)
	}
	if in.StaffID == "" {
		return IngestResult{}, fmt.Errorf("%w: staff_id is required", model.ErrValidation)
	}
	if _, err := e.store.GetUser(ctx, in.StaffID); err != nil {
		return IngestResult{}, err
	}

	now := e.now()
	camera := in.CameraID
	if camera == "" {
		camera = "manual"
	}
	det := model.Detection{
		ID:         uuid.NewString(),
		CameraID:   camera,
		Plate:      plate,
		PlateRaw:   in.Plate,
		Meta:       &model.DetectionMeta{ConfirmedBy: in.StaffID},
		ReceivedAt: now,
	}
	if err := e.store.SaveDetection(ctx, det); err != nil {
		return IngestResult{}, fmt.Errorf("%w: save detection: %v", model.ErrPersistence, err)
	}
	att := model.AccessAttempt{
		ID:          uuid.NewString(),
		DetectionID: det.ID,
		Decision:    in.Decision,
		Reason:      in.Reason,
		Method:      "manual",
		ResidentID:  in.ResidentID,
		RespondedBy: in.StaffID,
		RespondedAt: &now,
		CreatedAt:   now,
	}
	if err := e.store.SaveAttempt(ctx, att); err != nil {
		return IngestResult{}, fmt.Errorf("%w: save attempt: %v", model.ErrPersistence, err)
	}
	e.metrics.RecordDecision(string(att.Decision), 0)
	e.logger.Info("manual access attempt", "plate", plate, "decision", att.Decision, "staff_id", in.StaffID)
	return IngestResult{Detection: det, Attempt: att}, nil
}

// AttemptQuery is the external filter surface for the ledger. HouseholdID
// is resolved to the household's resident IDs before filtering.
type AttemptQuery struct {
	Decision    model.Decision
	Plate       string
	CameraID    string
	HouseholdID string
	Limit       int
}

func (e *Engine) ListAttempts(ctx context.Context, q AttemptQuery) ([]model.AccessAttempt, error) {
	filter := storage.AttemptFilter{
		Decision: q.Decision,
		Plate:    normalize.Plate(q.Plate),
		CameraID: q.CameraID,
		Limit:    q.Limit,
	}
	if q.HouseholdID != "" {
		residents, err := e.store.UsersByHousehold(ctx, q.HouseholdID)
		if err != nil {
			return nil, err
		}
		if len(residents) == 0 {
			return []model.AccessAttempt{}, nil
		}
		for _, u := range residents {
			filter.ResidentIDs = append(filter.ResidentIDs, u.ID)
		}
	}
	return e.store.ListAttempts(ctx, filter)
}

func (e *Engine) notifyDecision(det model.Detection, att model.AccessAttempt, res resolution) {
	cfg := e.config()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data := map[string]any{
		"attempt_id":   att.ID,
		"detection_id": det.ID,
		"plate":        det.Plate,
		"camera_id":    det.CameraID,
		"reason":       att.Reason,
	}
	if det.FrameRef != "" {
		data["frame_ref"] = det.FrameRef
	}

	var n model.Notification
	switch att.Decision {
	case model.DecisionPending:
		if att.ExpiresAt != nil {
			data["expires_at"] = att.ExpiresAt.Format(time.RFC3339)
		}
		n = model.Notification{
			Type:     model.NotifyAccessPending,
			Title:    "Gate approval needed",
			Message:  fmt.Sprintf("Vehicle %s is waiting at %s: %s", det.Plate, det.CameraID, att.Reason),
			Priority: model.PriorityHigh,
			Data:     data,
		}
	case model.DecisionDenied:
		n = model.Notification{
			Type:     model.NotifyAccessDenied,
			Title:    "Access denied",
			Message:  fmt.Sprintf("Vehicle %s denied at %s: %s", det.Plate, det.CameraID, att.Reason),
			Priority: model.PriorityNormal,
			Data:     data,
		}
	default:
		n = model.Notification{
			Type:     model.NotifyAccessPermitted,
			Title:    "Access permitted",
			Message:  fmt.Sprintf("Vehicle %s admitted at %s: %s", det.Plate, det.CameraID, att.Reason),
			Priority: model.PriorityNormal,
			Data:     data,
		}
	}

	if att.Decision != model.DecisionPending && res.hostID != "" {
		host := n
		host.RecipientID = res.hostID
		if _, err := e.dispatcher.Notify(ctx, host); err != nil {
			e.metrics.RecordNotifyFailure()
			e.logger.Error("host notification failed", "recipient_id", res.hostID, "error", err)
		}
	}

	sent, err := e.dispatcher.NotifyByRole(ctx, cfg.Notify.ConciergeRole, n)
	if err != nil {
		e.metrics.RecordNotifyFailure()
		e.logger.Error("role notification failed", "role", cfg.Notify.ConciergeRole, "error", err)
		return
	}
	if len(sent) > 0 {
		if err := e.store.SetNotificationRef(ctx, att.ID, sent[0].ID); err != nil {
			e.logger.Error("notification ref update failed", "attempt_id", att.ID, "error", err)
		}
	}
}
