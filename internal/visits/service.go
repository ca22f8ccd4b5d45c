package visits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"gatewatch/internal/engine"
	"gatewatch/internal/model"
	"gatewatch/internal/normalize"
	"gatewatch/internal/storage"
)

// Service owns visit state. Check-in and check-out are serialized per
// visit; concurrent transitions on the same visit surface
// model.ErrVisitConflict to the loser.
type Service struct {
	store      storage.Store
	dispatcher engine.NotificationDispatcher
	logger     *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	now func() time.Time
}

func NewService(store storage.Store, dispatcher engine.NotificationDispatcher, logger *slog.Logger) *Service {
	return &Service{
		store:      store,
		dispatcher: dispatcher,
		logger:     logger,
		locks:      make(map[string]*sync.Mutex),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) visitLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// CreateVisitInput is the registration surface for a pre-authorized visit.
type CreateVisitInput struct {
	VisitorName string    `json:"visitor_name"`
	HostID      string    `json:"host_id"`
	Plate       string    `json:"plate"`
	ValidFrom   time.Time `json:"valid_from"`
	ValidUntil  time.Time `json:"valid_until"`
	MaxUses     *int      `json:"max_uses,omitempty"`
}

func (s *Service) Create(ctx context.Context, in CreateVisitInput) (model.Visit, error) {
	if in.VisitorName == "" {
		return model.Visit{}, fmt.Errorf("%w: visitor_name is required", model.ErrValidation)
	}
	if in.HostID == "" {
		return model.Visit{}, fmt.Errorf("%w: host_id is required", model.ErrValidation)
	}
	if _, err := s.store.GetUser(ctx, in.HostID); err != nil {
		return model.Visit{}, err
	}
	if !in.ValidUntil.After(in.ValidFrom) {
		return model.Visit{}, fmt.Errorf("%w: valid_until must be after valid_from", model.ErrValidation)
	}
	if in.MaxUses != nil && *in.MaxUses <= 0 {
		return model.Visit{}, fmt.Errorf("%w: max_uses must be positive", model.ErrValidation)
	}
	v := model.Visit{
		ID:          uuid.NewString(),
		VisitorName: in.VisitorName,
		HostID:      in.HostID,
		Plate:       normalize.Plate(in.Plate),
		Status:      model.VisitPending,
		ValidFrom:   in.ValidFrom.UTC(),
		ValidUntil:  in.ValidUntil.UTC(),
		MaxUses:     in.MaxUses,
	}
	if err := s.store.SaveVisit(ctx, v); err != nil {
		return model.Visit{}, fmt.Errorf("%w: save visit: %v", model.ErrPersistence, err)
	}
	s.logger.Info("visit registered", "visit_id", v.ID, "plate", v.Plate, "host_id", v.HostID)
	return v, nil
}

func (s *Service) Get(ctx context.Context, id string) (model.Visit, error) {
	return s.store.GetVisit(ctx, id)
}

func (s *Service) List(ctx context.Context, status model.VisitStatus, limit int) ([]model.Visit, error) {
	return s.store.ListVisits(ctx, status, limit)
}

// ValidateAccess answers whether the open visit for a plate authorizes
// passage right now. An overdue visit is marked expired as a side effect
// and the host is told.
func (s *Service) ValidateAccess(ctx context.Context, plate string) (engine.AccessValidation, error) {
	visit, err := s.store.FindVisitByPlate(ctx, plate)
	if errors.Is(err, model.ErrNotFound) {
		return engine.AccessValidation{Valid: false}, nil
	}
	if err != nil {
		return engine.AccessValidation{}, err
	}

	now := s.now()
	if now.Before(visit.ValidFrom) {
		return engine.AccessValidation{Valid: false, Visit: &visit, Message: "visit not started"}, nil
	}
	if now.After(visit.ValidUntil) {
		s.expire(ctx, visit)
		return engine.AccessValidation{Valid: false, Visit: &visit, Message: "visit expired"}, nil
	}
	if visit.Status != model.VisitActive && visit.MaxUses != nil && visit.UsedCount >= *visit.MaxUses {
		return engine.AccessValidation{Valid: false, Visit: &visit, Message: "visit uses exhausted"}, nil
	}
	return engine.AccessValidation{Valid: true, Visit: &visit}, nil
}

func (s *Service) expire(ctx context.Context, visit model.Visit) {
	from := visit.Status
	visit.Status = model.VisitExpired
	ok, err := s.store.UpdateVisit(ctx, visit, from)
	if err != nil {
		s.logger.Error("visit expiry write failed", "visit_id", visit.ID, "error", err)
		return
	}
	if !ok {
		// another path settled the visit first
		return
	}
	s.logger.Info("visit expired", "visit_id", visit.ID, "plate", visit.Plate)
	s.notifyHost(visit, model.NotifyVisitExpired, "Visit expired",
		fmt.Sprintf("Visit for %s expired before completion", visit.VisitorName))
}

// CheckIn admits the visitor: use consumed, status Active, host notified.
func (s *Service) CheckIn(ctx context.Context, visitID string) (model.Visit, error) {
	lock := s.visitLock(visitID)
	lock.Lock()
	defer lock.Unlock()

	visit, err := s.store.GetVisit(ctx, visitID)
	if err != nil {
		return model.Visit{}, err
	}
	if visit.Status != model.VisitPending && visit.Status != model.VisitReadyForReentry {
		return model.Visit{}, fmt.Errorf("%w: cannot check in a %s visit", model.ErrValidation, visit.Status)
	}
	now := s.now()
	if now.Before(visit.ValidFrom) {
		return model.Visit{}, fmt.Errorf("%w: visit not started", model.ErrValidation)
	}
	if now.After(visit.ValidUntil) {
		s.expire(ctx, visit)
		return model.Visit{}, fmt.Errorf("%w: visit expired", model.ErrValidation)
	}
	if visit.MaxUses != nil && visit.UsedCount >= *visit.MaxUses {
		return model.Visit{}, fmt.Errorf("%w: visit uses exhausted", model.ErrValidation)
	}

	from := visit.Status
	visit.Status = model.VisitActive
	visit.UsedCount++
	visit.EntryTime = &now
	ok, err := s.store.UpdateVisit(ctx, visit, from)
	if err != nil {
		return model.Visit{}, fmt.Errorf("%w: update visit: %v", model.ErrPersistence, err)
	}
	if !ok {
		return model.Visit{}, model.ErrVisitConflict
	}

	s.logger.Info("visit check-in", "visit_id", visit.ID, "plate", visit.Plate, "used_count", visit.UsedCount)
	s.notifyHost(visit, model.NotifyVisitCheckIn, "Visitor arrived",
		fmt.Sprintf("%s checked in at the gate", visit.VisitorName))
	return visit, nil
}

// CheckOut records the exit: Active becomes ReadyForReentry while uses
// remain, Completed otherwise.
func (s *Service) CheckOut(ctx context.Context, visitID string) (model.Visit, error) {
	lock := s.visitLock(visitID)
	lock.Lock()
	defer lock.Unlock()

	visit, err := s.store.GetVisit(ctx, visitID)
	if err != nil {
		return model.Visit{}, err
	}
	if visit.Status != model.VisitActive {
		return model.Visit{}, fmt.Errorf("%w: cannot check out a %s visit", model.ErrValidation, visit.Status)
	}

	now := s.now()
	visit.ExitTime = &now
	if visit.MaxUses == nil || visit.UsedCount < *visit.MaxUses {
		visit.Status = model.VisitReadyForReentry
	} else {
		visit.Status = model.VisitCompleted
	}
	ok, err := s.store.UpdateVisit(ctx, visit, model.VisitActive)
	if err != nil {
		return model.Visit{}, fmt.Errorf("%w: update visit: %v", model.ErrPersistence, err)
	}
	if !ok {
		return model.Visit{}, model.ErrVisitConflict
	}

	s.logger.Info("visit check-out", "visit_id", visit.ID, "plate", visit.Plate, "status", visit.Status)
	s.notifyHost(visit, model.NotifyVisitCheckOut, "Visitor left",
		fmt.Sprintf("%s checked out at the gate", visit.VisitorName))
	return visit, nil
}

// Cancel withdraws a visit that has not settled yet.
func (s *Service) Cancel(ctx context.Context, visitID string) (model.Visit, error) {
	lock := s.visitLock(visitID)
	lock.Lock()
	defer lock.Unlock()

	visit, err := s.store.GetVisit(ctx, visitID)
	if err != nil {
		return model.Visit{}, err
	}
	switch visit.Status {
	case model.VisitPending, model.VisitActive, model.VisitReadyForReentry:
	default:
		return model.Visit{}, fmt.Errorf("%w: cannot cancel a %s visit", model.ErrValidation, visit.Status)
	}
	from := visit.Status
	visit.Status = model.VisitCancelled
	ok, err := s.store.UpdateVisit(ctx, visit, from)
	if err != nil {
		return model.Visit{}, fmt.Errorf("%w: update visit: %v", model.ErrPersistence, err)
	}
	if !ok {
		return model.Visit{}, model.ErrVisitConflict
	}
	s.logger.Info("visit cancelled", "visit_id", visit.ID)
	return visit, nil
}

func (s *Service) notifyHost(visit model.Visit, typ model.NotificationType, title, message string) {
	if s.dispatcher == nil || visit.HostID == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := s.dispatcher.Notify(ctx, model.Notification{
			RecipientID: visit.HostID,
			Type:        typ,
			Title:       title,
			Message:     message,
			Priority:    model.PriorityNormal,
			Data: map[string]any{
				"visit_id": visit.ID,
				"plate":    visit.Plate,
				"status":   string(visit.Status),
			},
		})
		if err != nil {
			s.logger.Error("host notification failed", "visit_id", visit.ID, "error", err)
		}
	}()
}
