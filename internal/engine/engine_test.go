package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"gatewatch/internal/config"
	"gatewatch/internal/metrics"
	"gatewatch/internal/model"
	"gatewatch/internal/storage"
)

type fakeDirectory struct {
	vehicles map[string]model.Vehicle
	err      error
}

func (f *fakeDirectory) FindByPlate(ctx context.Context, plate string) (*model.Vehicle, error) {
	if f.err != nil {
		return nil, f.err
	}
	v, ok := f.vehicles[plate]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

type fakeVisits struct {
	mu          sync.Mutex
	validation  AccessValidation
	validateErr error
	checkInErr  error
	checkOutErr error
	checkIns    int
	checkOuts   int
}

func (f *fakeVisits) ValidateAccess(ctx context.Context, plate string) (AccessValidation, error) {
	if f.validateErr != nil {
		return AccessValidation{}, f.validateErr
	}
	return f.validation, nil
}

func (f *fakeVisits) CheckIn(ctx context.Context, visitID string) (model.Visit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.checkInErr != nil {
		return model.Visit{}, f.checkInErr
	}
	f.checkIns++
	return model.Visit{ID: visitID, Status: model.VisitActive}, nil
}

func (f *fakeVisits) CheckOut(ctx context.Context, visitID string) (model.Visit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.checkOutErr != nil {
		return model.Visit{}, f.checkOutErr
	}
	f.checkOuts++
	return model.Visit{ID: visitID, Status: model.VisitReadyForReentry}, nil
}

func (f *fakeVisits) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checkIns, f.checkOuts
}

type fakeDispatcher struct {
	mu   sync.Mutex
	sent []model.Notification
}

func (f *fakeDispatcher) Notify(ctx context.Context, n model.Notification) (model.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n.ID = "ntf-" + n.RecipientID
	f.sent = append(f.sent, n)
	return n, nil
}

func (f *fakeDispatcher) NotifyByRole(ctx context.Context, role string, n model.Notification) ([]model.Notification, error) {
	n.RecipientID = "role:" + role
	stored, _ := f.Notify(ctx, n)
	return []model.Notification{stored}, nil
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Engine.DedupeWindow = 0
	return cfg
}

func newEngineForTest(cfg *config.Config, dir *fakeDirectory, vis *fakeVisits) (*Engine, storage.Store) {
	store := storage.NewMemory()
	logger := slog.New(slog.DiscardHandler)
	eng := NewEngine(cfg, logger, metrics.New(prometheus.NewRegistry()), store, dir, vis, &fakeDispatcher{})
	return eng, store
}

func detection(plate, camera string) model.Detection {
	return model.Detection{CameraID: camera, Plate: plate}
}

func TestResidentVehiclePermitted(t *testing.T) {
	dir := &fakeDirectory{vehicles: map[string]model.Vehicle{
		"RES001": {ID: "v1", Plate: "RES001", Active: true, VehicleType: model.VehicleResident, OwnerID: "user-1"},
	}}
	eng, _ := newEngineForTest(testConfig(), dir, &fakeVisits{})

	res, err := eng.IngestDetection(context.Background(), detection("RES001", "gate"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Attempt.Decision != model.DecisionPermitted {
		t.Fatalf("expected Permitted, got %s", res.Attempt.Decision)
	}
	if res.Attempt.Reason != "resident vehicle" {
		t.Fatalf("unexpected reason %q", res.Attempt.Reason)
	}
	if res.Attempt.ResidentID != "user-1" {
		t.Fatalf("expected resident id user-1, got %q", res.Attempt.ResidentID)
	}
	if res.RequiresApproval {
		t.Fatalf("resident admission must not require approval")
	}
}

func TestUntypedActiveVehiclePermitted(t *testing.T) {
	dir := &fakeDirectory{vehicles: map[string]model.Vehicle{
		"UNT001": {ID: "v2", Plate: "UNT001", Active: true},
	}}
	eng, _ := newEngineForTest(testConfig(), dir, &fakeVisits{})

	res, err := eng.IngestDetection(context.Background(), detection("UNT001", "gate"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Attempt.Decision != model.DecisionPermitted || res.Attempt.Reason != "registered and active" {
		t.Fatalf("got %s / %q", res.Attempt.Decision, res.Attempt.Reason)
	}
}

func TestInactiveVehicleHeld(t *testing.T) {
	dir := &fakeDirectory{vehicles: map[string]model.Vehicle{
		"OLD001": {ID: "v3", Plate: "OLD001", Active: false, VehicleType: model.VehicleResident},
	}}
	eng, _ := newEngineForTest(testConfig(), dir, &fakeVisits{})

	res, err := eng.IngestDetection(context.Background(), detection("OLD001", "gate"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Attempt.Decision != model.DecisionPending {
		t.Fatalf("expected Pending, got %s", res.Attempt.Decision)
	}
	if res.Attempt.Reason != "inactive vehicle, requires approval" {
		t.Fatalf("unexpected reason %q", res.Attempt.Reason)
	}
	if res.Attempt.ExpiresAt == nil {
		t.Fatalf("pending attempt must carry a deadline")
	}
	if !res.RequiresApproval {
		t.Fatalf("pending attempt must require approval")
	}
}

func TestUnknownPlateNoVisitHeld(t *testing.T) {
	eng, _ := newEngineForTest(testConfig(), &fakeDirectory{}, &fakeVisits{})

	res, err := eng.IngestDetection(context.Background(), detection("ZZZ999", "gate"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Attempt.Decision != model.DecisionPending {
		t.Fatalf("expected Pending, got %s", res.Attempt.Decision)
	}
	if res.Attempt.Reason != "unregistered vehicle, no authorized visit" {
		t.Fatalf("unexpected reason %q", res.Attempt.Reason)
	}
}

func TestVisitorVehicleInvalidVisitDenied(t *testing.T) {
	dir := &fakeDirectory{vehicles: map[string]model.Vehicle{
		"VIS100": {ID: "v4", Plate: "VIS100", Active: true, VehicleType: model.VehicleVisitor},
	}}
	vis := &fakeVisits{validation: AccessValidation{
		Valid:   false,
		Visit:   &model.Visit{ID: "visit-1", HostID: "user-7", Status: model.VisitExpired},
		Message: "visit expired",
	}}
	eng, _ := newEngineForTest(testConfig(), dir, vis)

	res, err := eng.IngestDetection(context.Background(), detection("VIS100", "gate"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Attempt.Decision != model.DecisionDenied {
		t.Fatalf("expected Denied, got %s", res.Attempt.Decision)
	}
	if res.Attempt.Reason != "visit expired" {
		t.Fatalf("unexpected reason %q", res.Attempt.Reason)
	}
}

func TestVisitCheckInOnEntry(t *testing.T) {
	vis := &fakeVisits{validation: AccessValidation{
		Valid: true,
		Visit: &model.Visit{ID: "visit-1", HostID: "user-7", Status: model.VisitPending, Plate: "VIS100"},
	}}
	eng, _ := newEngineForTest(testConfig(), &fakeDirectory{}, vis)

	res, err := eng.IngestDetection(context.Background(), detection("VIS100", "gate"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Attempt.Decision != model.DecisionPermitted || res.Attempt.Reason != "entry authorized" {
		t.Fatalf("got %s / %q", res.Attempt.Decision, res.Attempt.Reason)
	}
	if res.IsExit {
		t.Fatalf("entry must not be an exit")
	}
	if ins, outs := vis.counts(); ins != 1 || outs != 0 {
		t.Fatalf("expected 1 check-in and 0 check-outs, got %d/%d", ins, outs)
	}
	if res.Attempt.ResidentID != "user-7" {
		t.Fatalf("attempt must carry the host, got %q", res.Attempt.ResidentID)
	}
}

func TestVisitReentry(t *testing.T) {
	vis := &fakeVisits{validation: AccessValidation{
		Valid: true,
		Visit: &model.Visit{ID: "visit-1", HostID: "user-7", Status: model.VisitReadyForReentry, Plate: "VIS100"},
	}}
	eng, _ := newEngineForTest(testConfig(), &fakeDirectory{}, vis)

	res, err := eng.IngestDetection(context.Background(), detection("VIS100", "gate"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Attempt.Reason != "re-entry authorized" {
		t.Fatalf("unexpected reason %q", res.Attempt.Reason)
	}
}

func TestVisitCheckOutOnExit(t *testing.T) {
	vis := &fakeVisits{validation: AccessValidation{
		Valid: true,
		Visit: &model.Visit{ID: "visit-1", HostID: "user-7", Status: model.VisitActive, Plate: "VIS100"},
	}}
	eng, _ := newEngineForTest(testConfig(), &fakeDirectory{}, vis)

	res, err := eng.IngestDetection(context.Background(), detection("VIS100", "gate"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Attempt.Decision != model.DecisionPermitted || res.Attempt.Reason != "exit recorded" {
		t.Fatalf("got %s / %q", res.Attempt.Decision, res.Attempt.Reason)
	}
	if !res.IsExit {
		t.Fatalf("expected exit")
	}
	if ins, outs := vis.counts(); ins != 0 || outs != 1 {
		t.Fatalf("expected 0 check-ins and 1 check-out, got %d/%d", ins, outs)
	}
}

func TestVisitValidationFailureHeld(t *testing.T) {
	vis := &fakeVisits{validateErr: errors.New("visit store down")}
	eng, _ := newEngineForTest(testConfig(), &fakeDirectory{}, vis)

	res, err := eng.IngestDetection(context.Background(), detection("VIS100", "gate"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Attempt.Decision != model.DecisionPending {
		t.Fatalf("expected Pending, got %s", res.Attempt.Decision)
	}
	if res.Attempt.Reason != "validation error, manual review required" {
		t.Fatalf("unexpected reason %q", res.Attempt.Reason)
	}
}

func TestVisitConflictIsHardError(t *testing.T) {
	vis := &fakeVisits{
		validation: AccessValidation{
			Valid: true,
			Visit: &model.Visit{ID: "visit-1", HostID: "user-7", Status: model.VisitPending},
		},
		checkInErr: model.ErrVisitConflict,
	}
	eng, store := newEngineForTest(testConfig(), &fakeDirectory{}, vis)

	_, err := eng.IngestDetection(context.Background(), detection("VIS100", "gate"))
	if !errors.Is(err, model.ErrVisitConflict) {
		t.Fatalf("expected conflict error, got %v", err)
	}
	attempts, _ := store.ListAttempts(context.Background(), storage.AttemptFilter{})
	if len(attempts) != 0 {
		t.Fatalf("no attempt must be recorded on a hard error, got %d", len(attempts))
	}
}

func TestDirectoryFailureIsHardError(t *testing.T) {
	dir := &fakeDirectory{err: errors.New("registry unavailable")}
	eng, store := newEngineForTest(testConfig(), dir, &fakeVisits{})

	_, err := eng.IngestDetection(context.Background(), detection("RES001", "gate"))
	if err == nil {
		t.Fatalf("expected error")
	}
	attempts, _ := store.ListAttempts(context.Background(), storage.AttemptFilter{})
	if len(attempts) != 0 {
		t.Fatalf("no attempt must be recorded, got %d", len(attempts))
	}
}

func TestExactlyOneAttemptPerDetection(t *testing.T) {
	dir := &fakeDirectory{vehicles: map[string]model.Vehicle{
		"RES001": {ID: "v1", Plate: "RES001", Active: true, VehicleType: model.VehicleResident},
	}}
	eng, store := newEngineForTest(testConfig(), dir, &fakeVisits{})

	for i := 0; i < 3; i++ {
		if _, err := eng.IngestDetection(context.Background(), detection("RES001", "gate")); err != nil {
			t.Fatalf("ingest %d: %v", i, err)
		}
	}
	attempts, _ := store.ListAttempts(context.Background(), storage.AttemptFilter{})
	if len(attempts) != 3 {
		t.Fatalf("expected 3 attempts for 3 detections, got %d", len(attempts))
	}
	seen := map[string]bool{}
	for _, att := range attempts {
		if seen[att.DetectionID] {
			t.Fatalf("detection %s has more than one attempt", att.DetectionID)
		}
		seen[att.DetectionID] = true
	}
}

func TestPlateNormalizedBeforeLookup(t *testing.T) {
	dir := &fakeDirectory{vehicles: map[string]model.Vehicle{
		"ABC123": {ID: "v1", Plate: "ABC123", Active: true, VehicleType: model.VehicleResident},
	}}
	eng, _ := newEngineForTest(testConfig(), dir, &fakeVisits{})

	res, err := eng.IngestDetection(context.Background(), detection("abc-123", "gate"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Detection.Plate != "ABC123" {
		t.Fatalf("expected canonical plate ABC123, got %q", res.Detection.Plate)
	}
	if res.Detection.PlateRaw != "abc-123" {
		t.Fatalf("raw reading must survive, got %q", res.Detection.PlateRaw)
	}
	if res.Attempt.Decision != model.DecisionPermitted {
		t.Fatalf("expected Permitted, got %s", res.Attempt.Decision)
	}
}

func TestImplausiblePlateRejected(t *testing.T) {
	eng, store := newEngineForTest(testConfig(), &fakeDirectory{}, &fakeVisits{})

	_, err := eng.IngestDetection(context.Background(), detection("A", "gate"))
	if !errors.Is(err, model.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	dets, _ := store.ListDetections(context.Background(), 10)
	if len(dets) != 0 {
		t.Fatalf("implausible detection must not be stored")
	}
}

func TestMissingCameraRejected(t *testing.T) {
	eng, _ := newEngineForTest(testConfig(), &fakeDirectory{}, &fakeVisits{})
	_, err := eng.IngestDetection(context.Background(), detection("ABC123", ""))
	if !errors.Is(err, model.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDedupeDropsRepeat(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.DedupeWindow = 10 * time.Second
	dir := &fakeDirectory{vehicles: map[string]model.Vehicle{
		"RES001": {ID: "v1", Plate: "RES001", Active: true, VehicleType: model.VehicleResident},
	}}
	eng, _ := newEngineForTest(cfg, dir, &fakeVisits{})

	if _, err := eng.IngestDetection(context.Background(), detection("RES001", "gate")); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	_, err := eng.IngestDetection(context.Background(), detection("RES001", "gate"))
	if !errors.Is(err, model.ErrDuplicate) {
		t.Fatalf("expected duplicate drop, got %v", err)
	}
	// different camera is not a duplicate
	if _, err := eng.IngestDetection(context.Background(), detection("RES001", "gate2")); err != nil {
		t.Fatalf("other camera: %v", err)
	}
}

func TestResponseTimeFromDetectionTimestamp(t *testing.T) {
	dir := &fakeDirectory{vehicles: map[string]model.Vehicle{
		"RES001": {ID: "v1", Plate: "RES001", Active: true, VehicleType: model.VehicleResident},
	}}
	eng, _ := newEngineForTest(testConfig(), dir, &fakeVisits{})
	now := time.Now().UTC()
	eng.now = func() time.Time { return now }

	ts := now.Add(-2 * time.Second).UnixMilli()
	det := detection("RES001", "gate")
	det.DetectionTS = &ts
	res, err := eng.IngestDetection(context.Background(), det)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Attempt.ResponseTimeMs != 2000 {
		t.Fatalf("expected 2000ms, got %d", res.Attempt.ResponseTimeMs)
	}
}

func TestManualAttempt(t *testing.T) {
	eng, store := newEngineForTest(testConfig(), &fakeDirectory{}, &fakeVisits{})
	ctx := context.Background()
	if err := store.SaveUser(ctx, model.User{ID: "staff-1", Name: "Dana", Role: "concierge"}); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	res, err := eng.RecordManualAttempt(ctx, ManualAttemptInput{
		Plate:    "abc 123",
		Decision: model.DecisionPermitted,
		Reason:   "delivery waved through",
		StaffID:  "staff-1",
	})
	if err != nil {
		t.Fatalf("manual attempt: %v", err)
	}
	if res.Attempt.Method != "manual" || res.Attempt.RespondedBy != "staff-1" {
		t.Fatalf("got method %q responder %q", res.Attempt.Method, res.Attempt.RespondedBy)
	}
	if res.Detection.CameraID != "manual" {
		t.Fatalf("expected synthetic camera, got %q", res.Detection.CameraID)
	}

	_, err = eng.RecordManualAttempt(ctx, ManualAttemptInput{
		Plate: "abc123", Decision: model.DecisionPermitted, StaffID: "ghost",
	})
	if !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("unknown staff must be rejected, got %v", err)
	}

	_, err = eng.RecordManualAttempt(ctx, ManualAttemptInput{
		Plate: "abc123", Decision: model.DecisionPending, StaffID: "staff-1",
	})
	if !errors.Is(err, model.ErrValidation) {
		t.Fatalf("manual Pending must be rejected, got %v", err)
	}
}

func TestListAttemptsHouseholdScope(t *testing.T) {
	dir := &fakeDirectory{vehicles: map[string]model.Vehicle{
		"RES001": {ID: "v1", Plate: "RES001", Active: true, VehicleType: model.VehicleResident, OwnerID: "user-1"},
		"RES002": {ID: "v2", Plate: "RES002", Active: true, VehicleType: model.VehicleResident, OwnerID: "user-9"},
	}}
	eng, store := newEngineForTest(testConfig(), dir, &fakeVisits{})
	ctx := context.Background()
	_ = store.SaveUser(ctx, model.User{ID: "user-1", Name: "Ana", Role: "resident", HouseholdID: "h1"})
	_ = store.SaveUser(ctx, model.User{ID: "user-9", Name: "Bo", Role: "resident", HouseholdID: "h2"})

	if _, err := eng.IngestDetection(ctx, detection("RES001", "gate")); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if _, err := eng.IngestDetection(ctx, detection("RES002", "gate")); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	got, err := eng.ListAttempts(ctx, AttemptQuery{HouseholdID: "h1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ResidentID != "user-1" {
		t.Fatalf("household scope leaked: %+v", got)
	}

	got, err = eng.ListAttempts(ctx, AttemptQuery{HouseholdID: "empty"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("unknown household must see nothing, got %d", len(got))
	}
}
