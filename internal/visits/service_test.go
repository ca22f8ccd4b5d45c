package visits

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gatewatch/internal/model"
	"gatewatch/internal/notify"
	"gatewatch/internal/storage"
)

func newTestService(t *testing.T) (*Service, storage.Store, *notify.Buffer) {
	t.Helper()
	store := storage.NewMemory()
	buffer := notify.NewBuffer(100)
	logger := slog.New(slog.DiscardHandler)
	dispatcher := notify.NewDispatcher(store, buffer, logger)
	svc := NewService(store, dispatcher, logger)
	require.NoError(t, store.SaveUser(context.Background(), model.User{ID: "host-1", Name: "Rivera", Role: "resident"}))
	return svc, store, buffer
}

func seedVisit(t *testing.T, svc *Service, maxUses *int) model.Visit {
	t.Helper()
	v, err := svc.Create(context.Background(), CreateVisitInput{
		VisitorName: "Plumber",
		HostID:      "host-1",
		Plate:       "vis-100",
		ValidFrom:   time.Now().Add(-time.Hour),
		ValidUntil:  time.Now().Add(time.Hour),
		MaxUses:     maxUses,
	})
	require.NoError(t, err)
	return v
}

func TestCreateVisitValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateVisitInput{HostID: "host-1", ValidFrom: time.Now(), ValidUntil: time.Now().Add(time.Hour)})
	require.ErrorIs(t, err, model.ErrValidation)

	_, err = svc.Create(ctx, CreateVisitInput{VisitorName: "x", HostID: "ghost", ValidFrom: time.Now(), ValidUntil: time.Now().Add(time.Hour)})
	require.ErrorIs(t, err, model.ErrNotFound)

	_, err = svc.Create(ctx, CreateVisitInput{VisitorName: "x", HostID: "host-1", ValidFrom: time.Now(), ValidUntil: time.Now().Add(-time.Hour)})
	require.ErrorIs(t, err, model.ErrValidation)

	v := seedVisit(t, svc, nil)
	require.Equal(t, model.VisitPending, v.Status)
	require.Equal(t, "VIS100", v.Plate, "plate must be canonicalized")
}

func TestValidateAccessWindow(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	seedVisit(t, svc, nil)

	val, err := svc.ValidateAccess(ctx, "VIS100")
	require.NoError(t, err)
	require.True(t, val.Valid)

	// push the visit past its window
	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour).UTC() }
	val, err = svc.ValidateAccess(ctx, "VIS100")
	require.NoError(t, err)
	require.False(t, val.Valid)
	require.Equal(t, "visit expired", val.Message)

	stored, err := store.GetVisit(ctx, val.Visit.ID)
	require.NoError(t, err)
	require.Equal(t, model.VisitExpired, stored.Status, "overdue validation must settle the visit")

	val, err = svc.ValidateAccess(ctx, "NOPE42")
	require.NoError(t, err)
	require.False(t, val.Valid)
	require.Nil(t, val.Visit)
}

func TestCheckInAndOutCycle(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	two := 2
	v := seedVisit(t, svc, &two)

	got, err := svc.CheckIn(ctx, v.ID)
	require.NoError(t, err)
	require.Equal(t, model.VisitActive, got.Status)
	require.Equal(t, 1, got.UsedCount)
	require.NotNil(t, got.EntryTime)

	// already inside
	_, err = svc.CheckIn(ctx, v.ID)
	require.ErrorIs(t, err, model.ErrValidation)

	got, err = svc.CheckOut(ctx, v.ID)
	require.NoError(t, err)
	require.Equal(t, model.VisitReadyForReentry, got.Status, "one use left")
	require.NotNil(t, got.ExitTime)

	got, err = svc.CheckIn(ctx, v.ID)
	require.NoError(t, err)
	require.Equal(t, 2, got.UsedCount)

	got, err = svc.CheckOut(ctx, v.ID)
	require.NoError(t, err)
	require.Equal(t, model.VisitCompleted, got.Status, "uses exhausted")

	_, err = svc.CheckIn(ctx, v.ID)
	require.ErrorIs(t, err, model.ErrValidation)
}

func TestCheckInUsesExhausted(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	one := 1
	v := seedVisit(t, svc, &one)

	// simulate a consumed pass that came back to ready_for_reentry
	v.Status = model.VisitReadyForReentry
	v.UsedCount = 1
	ok, err := store.UpdateVisit(ctx, v, model.VisitPending)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = svc.CheckIn(ctx, v.ID)
	require.ErrorIs(t, err, model.ErrValidation)

	val, err := svc.ValidateAccess(ctx, "VIS100")
	require.NoError(t, err)
	require.False(t, val.Valid)
	require.Equal(t, "visit uses exhausted", val.Message)
}

func TestCheckOutRequiresActive(t *testing.T) {
	svc, _, _ := newTestService(t)
	v := seedVisit(t, svc, nil)
	_, err := svc.CheckOut(context.Background(), v.ID)
	require.ErrorIs(t, err, model.ErrValidation)
}

func TestCancelVisit(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	v := seedVisit(t, svc, nil)

	got, err := svc.Cancel(ctx, v.ID)
	require.NoError(t, err)
	require.Equal(t, model.VisitCancelled, got.Status)

	_, err = svc.Cancel(ctx, v.ID)
	require.ErrorIs(t, err, model.ErrValidation)
	_, err = svc.CheckIn(ctx, v.ID)
	require.ErrorIs(t, err, model.ErrValidation)
}

func TestSettledVisitCannotCheckIn(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	v := seedVisit(t, svc, nil)

	settled := v
	settled.Status = model.VisitCancelled
	ok, err := store.UpdateVisit(ctx, settled, model.VisitPending)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = svc.CheckIn(ctx, v.ID)
	require.ErrorIs(t, err, model.ErrValidation)
}

func TestHostNotifiedOnCheckIn(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	v := seedVisit(t, svc, nil)

	_, err := svc.CheckIn(ctx, v.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		list, err := store.ListNotifications(ctx, "host-1", 10)
		return err == nil && len(list) == 1 && list[0].Type == model.NotifyVisitCheckIn
	}, time.Second, 10*time.Millisecond)
}
