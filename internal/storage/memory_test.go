package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gatewatch/internal/model"
)

func seedAttempt(t *testing.T, s Store, id string, decision model.Decision, expires *time.Time) model.AccessAttempt {
	t.Helper()
	ctx := context.Background()
	det := model.Detection{
		ID:         "det-" + id,
		CameraID:   "gate-north",
		Plate:      "ABC123",
		ReceivedAt: time.Now().UTC(),
	}
	require.NoError(t, s.SaveDetection(ctx, det))
	att := model.AccessAttempt{
		ID:          id,
		DetectionID: det.ID,
		Decision:    decision,
		Reason:      "seed",
		ExpiresAt:   expires,
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, s.SaveAttempt(ctx, att))
	return att
}

func TestResolvePendingOnlyOnce(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Minute)
	seedAttempt(t, s, "att-1", model.DecisionPending, &deadline)

	now := time.Now().UTC()
	ok, err := s.ResolvePending(ctx, "att-1", model.DecisionPermitted, "approved by host", "pending_approval", "user-9", &now)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.ResolvePending(ctx, "att-1", model.DecisionDenied, "denied by host", "pending_approval", "user-9", &now)
	require.NoError(t, err)
	require.False(t, ok, "second transition must lose the race")

	att, err := s.GetAttempt(ctx, "att-1")
	require.NoError(t, err)
	require.Equal(t, model.DecisionPermitted, att.Decision)
	require.Equal(t, "user-9", att.RespondedBy)
}

func TestExpireOverdueIsIdempotent(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(10 * time.Minute)
	seedAttempt(t, s, "att-old", model.DecisionPending, &past)
	seedAttempt(t, s, "att-fresh", model.DecisionPending, &future)
	seedAttempt(t, s, "att-done", model.DecisionDenied, &past)

	n, err := s.ExpireOverdue(ctx, time.Now(), "decision window expired")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	n, err = s.ExpireOverdue(ctx, time.Now(), "decision window expired")
	require.NoError(t, err)
	require.EqualValues(t, 0, n)

	att, err := s.GetAttempt(ctx, "att-old")
	require.NoError(t, err)
	require.Equal(t, model.DecisionExpired, att.Decision)
	require.Equal(t, "decision window expired", att.Reason)

	att, err = s.GetAttempt(ctx, "att-fresh")
	require.NoError(t, err)
	require.Equal(t, model.DecisionPending, att.Decision)
}

func TestListAttemptsFilters(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	seedAttempt(t, s, "att-a", model.DecisionPermitted, nil)
	seedAttempt(t, s, "att-b", model.DecisionDenied, nil)

	other := model.Detection{ID: "det-x", CameraID: "gate-south", Plate: "ZZZ999", ReceivedAt: time.Now().UTC()}
	require.NoError(t, s.SaveDetection(ctx, other))
	require.NoError(t, s.SaveAttempt(ctx, model.AccessAttempt{
		ID: "att-c", DetectionID: other.ID, Decision: model.DecisionPermitted,
		ResidentID: "user-5", CreatedAt: time.Now().UTC(),
	}))

	got, err := s.ListAttempts(ctx, AttemptFilter{Decision: model.DecisionDenied})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "att-b", got[0].ID)

	got, err = s.ListAttempts(ctx, AttemptFilter{Plate: "ZZZ999"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "att-c", got[0].ID)

	got, err = s.ListAttempts(ctx, AttemptFilter{ResidentIDs: []string{"user-5"}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "att-c", got[0].ID)

	got, err = s.ListAttempts(ctx, AttemptFilter{ResidentIDs: []string{"user-404"}})
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestUpdateVisitConditional(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	visit := model.Visit{
		ID:          "visit-1",
		VisitorName: "Plumber",
		HostID:      "user-1",
		Plate:       "VIS100",
		Status:      model.VisitPending,
		ValidFrom:   time.Now().Add(-time.Hour),
		ValidUntil:  time.Now().Add(time.Hour),
	}
	require.NoError(t, s.SaveVisit(ctx, visit))

	visit.Status = model.VisitActive
	visit.UsedCount = 1
	ok, err := s.UpdateVisit(ctx, visit, model.VisitPending)
	require.NoError(t, err)
	require.True(t, ok)

	// stale writer still believes the visit is pending
	visit.Status = model.VisitCancelled
	ok, err = s.UpdateVisit(ctx, visit, model.VisitPending)
	require.NoError(t, err)
	require.False(t, ok)

	got, err := s.GetVisit(ctx, "visit-1")
	require.NoError(t, err)
	require.Equal(t, model.VisitActive, got.Status)
	require.Equal(t, 1, got.UsedCount)
}

func TestFindVisitByPlatePrefersOpen(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	base := time.Now().UTC()
	require.NoError(t, s.SaveVisit(ctx, model.Visit{
		ID: "visit-done", Plate: "VIS100", HostID: "user-1", VisitorName: "a",
		Status: model.VisitCompleted, ValidFrom: base.Add(-2 * time.Hour), ValidUntil: base.Add(-time.Hour),
	}))
	require.NoError(t, s.SaveVisit(ctx, model.Visit{
		ID: "visit-open", Plate: "VIS100", HostID: "user-1", VisitorName: "b",
		Status: model.VisitReadyForReentry, ValidFrom: base.Add(-time.Hour), ValidUntil: base.Add(time.Hour),
	}))

	got, err := s.FindVisitByPlate(ctx, "VIS100")
	require.NoError(t, err)
	require.Equal(t, "visit-open", got.ID)

	_, err = s.FindVisitByPlate(ctx, "NOPE42")
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestUsersByRoleAndHousehold(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	require.NoError(t, s.SaveUser(ctx, model.User{ID: "u1", Name: "Ana", Role: "concierge"}))
	require.NoError(t, s.SaveUser(ctx, model.User{ID: "u2", Name: "Bo", Role: "resident", HouseholdID: "h1"}))
	require.NoError(t, s.SaveUser(ctx, model.User{ID: "u3", Name: "Cy", Role: "resident", HouseholdID: "h1"}))

	got, err := s.UsersByRole(ctx, "concierge")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "u1", got[0].ID)

	got, err = s.UsersByHousehold(ctx, "h1")
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestDeleteDetectionCascades(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	seedAttempt(t, s, "att-1", model.DecisionPermitted, nil)

	require.NoError(t, s.DeleteDetection(ctx, "det-att-1"))
	_, err := s.GetAttempt(ctx, "att-1")
	require.ErrorIs(t, err, model.ErrNotFound)
	require.ErrorIs(t, s.DeleteDetection(ctx, "det-att-1"), model.ErrNotFound)
}
