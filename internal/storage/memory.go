package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"gatewatch/internal/model"
)

// memoryStore backs tests and single-process deployments that do not need
// durability. All conditional transitions happen under the write lock, so
// it honors the same race semantics as the SQL stores.
type memoryStore struct {
	mu            sync.RWMutex
	detections    map[string]model.Detection
	attempts      map[string]model.AccessAttempt
	vehicles      map[string]model.Vehicle
	visits        map[string]model.Visit
	users         map[string]model.User
	notifications []model.Notification
}

func NewMemory() Store {
	return &memoryStore{
		detections: make(map[string]model.Detection),
		attempts:   make(map[string]model.AccessAttempt),
		vehicles:   make(map[string]model.Vehicle),
		visits:     make(map[string]model.Visit),
		users:      make(map[string]model.User),
	}
}

func (s *memoryStore) Init(ctx context.Context) error { return nil }
func (s *memoryStore) Close() error                   { return nil }

func (s *memoryStore) SaveDetection(ctx context.Context, det model.Detection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detections[det.ID] = det
	return nil
}

func (s *memoryStore) GetDetection(ctx context.Context, id string) (model.Detection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	det, ok := s.detections[id]
	if !ok {
		return model.Detection{}, model.ErrNotFound
	}
	return det, nil
}

func (s *memoryStore) ListDetections(ctx context.Context, limit int) ([]model.Detection, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Detection, 0, len(s.detections))
	for _, det := range s.detections {
		out = append(out, det)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.After(out[j].ReceivedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) DeleteDetection(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.detections[id]; !ok {
		return model.ErrNotFound
	}
	delete(s.detections, id)
	for attID, att := range s.attempts {
		if att.DetectionID == id {
			delete(s.attempts, attID)
		}
	}
	return nil
}

func (s *memoryStore) SaveAttempt(ctx context.Context, att model.AccessAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[att.ID] = att
	return nil
}

func (s *memoryStore) GetAttempt(ctx context.Context, id string) (model.AccessAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	att, ok := s.attempts[id]
	if !ok {
		return model.AccessAttempt{}, model.ErrNotFound
	}
	return att, nil
}

func (s *memoryStore) ListAttempts(ctx context.Context, filter AttemptFilter) ([]model.AccessAttempt, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	scope := make(map[string]struct{}, len(filter.ResidentIDs))
	for _, id := range filter.ResidentIDs {
		scope[id] = struct{}{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.AccessAttempt, 0)
	for _, att := range s.attempts {
		if filter.Decision != "" && att.Decision != filter.Decision {
			continue
		}
		if len(scope) > 0 {
			if _, ok := scope[att.ResidentID]; !ok {
				continue
			}
		}
		if filter.Plate != "" || filter.CameraID != "" {
			det, ok := s.detections[att.DetectionID]
			if !ok {
				continue
			}
			if filter.Plate != "" && det.Plate != filter.Plate {
				continue
			}
			if filter.CameraID != "" && det.CameraID != filter.CameraID {
				continue
			}
		}
		out = append(out, att)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) ListPending(ctx context.Context) ([]model.AccessAttempt, error) {
	return s.ListAttempts(ctx, AttemptFilter{Decision: model.DecisionPending, Limit: 500})
}

func (s *memoryStore) ResolvePending(ctx context.Context, id string, to model.Decision, reason, method, respondedBy string, respondedAt *time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	att, ok := s.attempts[id]
	if !ok || att.Decision != model.DecisionPending {
		return false, nil
	}
	att.Decision = to
	att.Reason = reason
	att.Method = method
	att.RespondedBy = respondedBy
	att.RespondedAt = respondedAt
	s.attempts[id] = att
	return true, nil
}

func (s *memoryStore) ExpireOverdue(ctx context.Context, now time.Time, reason string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, att := range s.attempts {
		if att.Decision != model.DecisionPending || att.ExpiresAt == nil || !att.ExpiresAt.Before(now) {
			continue
		}
		att.Decision = model.DecisionExpired
		att.Reason = reason
		s.attempts[id] = att
		n++
	}
	return n, nil
}

func (s *memoryStore) SetNotificationRef(ctx context.Context, attemptID, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	att, ok := s.attempts[attemptID]
	if !ok {
		return model.ErrNotFound
	}
	att.NotificationRef = ref
	s.attempts[attemptID] = att
	return nil
}

func (s *memoryStore) SaveVehicle(ctx context.Context, v model.Vehicle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vehicles[v.ID] = v
	return nil
}

func (s *memoryStore) FindVehicleByPlate(ctx context.Context, plate string) (model.Vehicle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.vehicles {
		if strings.EqualFold(v.Plate, plate) {
			return v, nil
		}
	}
	return model.Vehicle{}, model.ErrNotFound
}

func (s *memoryStore) SaveVisit(ctx context.Context, v model.Visit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visits[v.ID] = v
	return nil
}

func (s *memoryStore) GetVisit(ctx context.Context, id string) (model.Visit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.visits[id]
	if !ok {
		return model.Visit{}, model.ErrNotFound
	}
	return v, nil
}

func (s *memoryStore) FindVisitByPlate(ctx context.Context, plate string) (model.Visit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *model.Visit
	for _, v := range s.visits {
		if !strings.EqualFold(v.Plate, plate) || !visitOpen(v.Status) {
			continue
		}
		v := v
		if best == nil || v.ValidFrom.After(best.ValidFrom) {
			best = &v
		}
	}
	if best == nil {
		return model.Visit{}, model.ErrNotFound
	}
	return *best, nil
}

func visitOpen(status model.VisitStatus) bool {
	for _, open := range openVisitStatuses() {
		if status == open {
			return true
		}
	}
	return false
}

func (s *memoryStore) ListVisits(ctx context.Context, status model.VisitStatus, limit int) ([]model.Visit, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Visit, 0)
	for _, v := range s.visits {
		if status != "" && v.Status != status {
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ValidFrom.After(out[j].ValidFrom) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) UpdateVisit(ctx context.Context, v model.Visit, from model.VisitStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.visits[v.ID]
	if !ok || stored.Status != from {
		return false, nil
	}
	s.visits[v.ID] = v
	return true, nil
}

func (s *memoryStore) SaveUser(ctx context.Context, u model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
	return nil
}

func (s *memoryStore) GetUser(ctx context.Context, id string) (model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return model.User{}, model.ErrNotFound
	}
	return u, nil
}

func (s *memoryStore) UsersByRole(ctx context.Context, role string) ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.User, 0)
	for _, u := range s.users {
		if u.Role == role {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) UsersByHousehold(ctx context.Context, householdID string) ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.User, 0)
	for _, u := range s.users {
		if u.HouseholdID == householdID {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) SaveNotification(ctx context.Context, n model.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, n)
	return nil
}

func (s *memoryStore) ListNotifications(ctx context.Context, recipientID string, limit int) ([]model.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Notification, 0)
	for i := len(s.notifications) - 1; i >= 0 && len(out) < limit; i-- {
		n := s.notifications[i]
		if recipientID != "" && n.RecipientID != recipientID {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}
