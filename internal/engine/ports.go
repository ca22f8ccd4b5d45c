package engine

import (
	"context"

	"gatewatch/internal/model"
)

// AccessValidation is the visit lifecycle's answer to "may this plate come
// through right now". Visit is set whenever a visit was found, valid or not.
type AccessValidation struct {
	Valid   bool
	Visit   *model.Visit
	Message string
}

// VehicleDirectory resolves plates against the vehicle registry. A nil
// vehicle with a nil error means the plate is unknown; errors mean the
// lookup itself failed and the whole ingest should be retried.
type VehicleDirectory interface {
	FindByPlate(ctx context.Context, plate string) (*model.Vehicle, error)
}

// VisitLifecycle owns visit state. The engine never mutates visits directly.
type VisitLifecycle interface {
	ValidateAccess(ctx context.Context, plate string) (AccessValidation, error)
	CheckIn(ctx context.Context, visitID string) (model.Visit, error)
	CheckOut(ctx context.Context, visitID string) (model.Visit, error)
}

// NotificationDispatcher delivers notifications. Notify fills in the
// notification ID and returns the stored record.
type NotificationDispatcher interface {
	Notify(ctx context.Context, n model.Notification) (model.Notification, error)
	NotifyByRole(ctx context.Context, role string, n model.Notification) ([]model.Notification, error)
}
