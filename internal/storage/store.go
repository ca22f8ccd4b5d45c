package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"gatewatch/internal/config"
	"gatewatch/internal/model"
)

// AttemptFilter narrows ListAttempts. ResidentIDs is a pre-resolved
// ownership scope: callers resolve a household to its residents first and
// filter on the resulting set, never the reverse.
type AttemptFilter struct {
	Decision    model.Decision
	Plate       string
	CameraID    string
	ResidentIDs []string
	Limit       int
}

type Store interface {
	Init(ctx context.Context) error
	Close() error

	SaveDetection(ctx context.Context, det model.Detection) error
	GetDetection(ctx context.Context, id string) (model.Detection, error)
	ListDetections(ctx context.Context, limit int) ([]model.Detection, error)
	// DeleteDetection removes a detection and, by cascade, its attempts.
	DeleteDetection(ctx context.Context, id string) error

	SaveAttempt(ctx context.Context, att model.AccessAttempt) error
	GetAttempt(ctx context.Context, id string) (model.AccessAttempt, error)
	ListAttempts(ctx context.Context, filter AttemptFilter) ([]model.AccessAttempt, error)
	ListPending(ctx context.Context) ([]model.AccessAttempt, error)
	// ResolvePending transitions one attempt out of Pending with a single
	// conditional write. It reports false when the attempt was not Pending
	// at write time, which is how response/expiry races are settled.
	ResolvePending(ctx context.Context, id string, to model.Decision, reason, method, respondedBy string, respondedAt *time.Time) (bool, error)
	// ExpireOverdue bulk-transitions Pending attempts past their deadline.
	ExpireOverdue(ctx context.Context, now time.Time, reason string) (int64, error)
	SetNotificationRef(ctx context.Context, attemptID, ref string) error

	SaveVehicle(ctx context.Context, v model.Vehicle) error
	FindVehicleByPlate(ctx context.Context, plate string) (model.Vehicle, error)

	SaveVisit(ctx context.Context, v model.Visit) error
	GetVisit(ctx context.Context, id string) (model.Visit, error)
	// FindVisitByPlate returns the open visit (pending, active or ready
	// for re-entry) registered for a plate.
	FindVisitByPlate(ctx context.Context, plate string) (model.Visit, error)
	ListVisits(ctx context.Context, status model.VisitStatus, limit int) ([]model.Visit, error)
	// UpdateVisit writes v only if the stored status still equals from,
	// serializing concurrent lifecycle transitions.
	UpdateVisit(ctx context.Context, v model.Visit, from model.VisitStatus) (bool, error)

	SaveUser(ctx context.Context, u model.User) error
	GetUser(ctx context.Context, id string) (model.User, error)
	UsersByRole(ctx context.Context, role string) ([]model.User, error)
	UsersByHousehold(ctx context.Context, householdID string) ([]model.User, error)

	SaveNotification(ctx context.Context, n model.Notification) error
	ListNotifications(ctx context.Context, recipientID string, limit int) ([]model.Notification, error)
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

type baseStore struct {
	db *sql.DB
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func encodeJSON(value any) string {
	if value == nil {
		return ""
	}
	data, _ := json.Marshal(value)
	return string(data)
}

func decodeMeta(raw string) *model.DetectionMeta {
	if raw == "" || raw == "null" {
		return nil
	}
	var meta model.DetectionMeta
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil
	}
	return &meta
}

func decodeData(raw string) map[string]any {
	if raw == "" || raw == "null" {
		return nil
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil
	}
	return data
}

func openVisitStatuses() []model.VisitStatus {
	return []model.VisitStatus{model.VisitPending, model.VisitActive, model.VisitReadyForReentry}
}
