package engine

import (
	"context"
	"errors"
	"fmt"

	"gatewatch/internal/config"
	"gatewatch/internal/model"
)

type resolution struct {
	decision      model.Decision
	reason        string
	method        string
	residentID    string
	hostID        string
	isExit        bool
	informational bool
}

func permit(reason, residentID string) resolution {
	return resolution{decision: model.DecisionPermitted, reason: reason, method: "automatic", residentID: residentID}
}

func deny(reason, residentID string) resolution {
	return resolution{decision: model.DecisionDenied, reason: reason, method: "automatic", residentID: residentID}
}

func hold(reason string) resolution {
	return resolution{decision: model.DecisionPending, reason: reason, method: "automatic"}
}

// resolve runs the authorization cascade in strict priority order. The
// first matching rule wins. A returned error aborts the ingest; anything
// the cascade cannot decide becomes a Pending resolution instead.
func (e *Engine) resolve(ctx context.Context, cfg *config.Config, det model.Detection) (resolution, error) {
	vehicle, err := e.directory.FindByPlate(ctx, det.Plate)
	if err != nil {
		return resolution{}, fmt.Errorf("vehicle lookup for %s: %w", det.Plate, err)
	}

	switch {
	case vehicle == nil:
		return e.resolveVisit(ctx, cfg, det.Plate, true)
	case !vehicle.Active:
		return hold("inactive vehicle, requires approval"), nil
	case vehicle.VehicleType == model.VehicleResident || vehicle.AccessLevel == model.AccessPermanent:
		return permit("resident vehicle", vehicle.OwnerID), nil
	case vehicle.VehicleType == model.VehicleVisitor || vehicle.AccessLevel == model.AccessTemporary:
		return e.resolveVisit(ctx, cfg, det.Plate, false)
	default:
		return permit("registered and active", vehicle.OwnerID), nil
	}
}

// resolveVisit delegates to the visit lifecycle. unknownVehicle changes
// what a missing visit means: a registered visitor vehicle with no valid
// visit is denied outright, an unknown plate is held for a human instead.
func (e *Engine) resolveVisit(ctx context.Context, cfg *config.Config, plate string, unknownVehicle bool) (resolution, error) {
	vctx, cancel := context.WithTimeout(ctx, cfg.Engine.VisitTimeout)
	defer cancel()

	val, err := e.visits.ValidateAccess(vctx, plate)
	if err != nil {
		if errors.Is(err, model.ErrVisitConflict) {
			return resolution{}, err
		}
		e.logger.Warn("visit validation failed", "plate", plate, "error", err)
		return hold("validation error, manual review required"), nil
	}

	if !val.Valid {
		if unknownVehicle && val.Visit == nil {
			return hold("unregistered vehicle, no authorized visit"), nil
		}
		reason := val.Message
		if reason == "" {
			reason = "no valid visit"
		}
		res := deny(reason, "")
		if val.Visit != nil {
			res.residentID = val.Visit.HostID
			res.hostID = val.Visit.HostID
		}
		return res, nil
	}

	visit := *val.Visit
	switch visit.Status {
	case model.VisitPending, model.VisitReadyForReentry:
		reentry := visit.Status == model.VisitReadyForReentry
		if _, err := e.visits.CheckIn(vctx, visit.ID); err != nil {
			if errors.Is(err, model.ErrVisitConflict) {
				return resolution{}, err
			}
			e.logger.Warn("visit check-in failed", "visit_id", visit.ID, "error", err)
			return hold("validation error, manual review required"), nil
		}
		reason := "entry authorized"
		if reentry {
			reason = "re-entry authorized"
		}
		res := permit(reason, visit.HostID)
		res.hostID = visit.HostID
		return res, nil

	case model.VisitActive:
		if _, err := e.visits.CheckOut(vctx, visit.ID); err != nil {
			if errors.Is(err, model.ErrVisitConflict) {
				return resolution{}, err
			}
			e.logger.Warn("visit check-out failed", "visit_id", visit.ID, "error", err)
			return hold("validation error, manual review required"), nil
		}
		res := permit("exit recorded", visit.HostID)
		res.hostID = visit.HostID
		res.isExit = true
		return res, nil

	default:
		// A valid verdict on an already-settled visit carries no gate
		// action; record it as informational.
		res := permit("visit "+string(visit.Status), visit.HostID)
		res.hostID = visit.HostID
		res.informational = true
		return res, nil
	}
}
