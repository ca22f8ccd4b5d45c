package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"gatewatch/internal/model"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/gatewatch?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS detections (
			id TEXT PRIMARY KEY,
			camera_id TEXT NOT NULL,
			plate TEXT NOT NULL,
			plate_raw TEXT NOT NULL DEFAULT '',
			det_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
			ocr_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
			frame_ref TEXT NOT NULL DEFAULT '',
			meta_json JSONB,
			detection_ts BIGINT,
			received_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_detections_plate ON detections(plate)`,
		`CREATE INDEX IF NOT EXISTS idx_detections_received ON detections(received_at)`,
		`CREATE TABLE IF NOT EXISTS access_attempts (
			id TEXT PRIMARY KEY,
			detection_id TEXT NOT NULL REFERENCES detections(id) ON DELETE CASCADE,
			decision TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			method TEXT NOT NULL DEFAULT '',
			resident_id TEXT NOT NULL DEFAULT '',
			expires_at TIMESTAMPTZ,
			responded_by TEXT NOT NULL DEFAULT '',
			responded_at TIMESTAMPTZ,
			notification_ref TEXT NOT NULL DEFAULT '',
			response_time_ms BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_decision ON access_attempts(decision)`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_detection ON access_attempts(detection_id)`,
		`CREATE TABLE IF NOT EXISTS vehicles (
			id TEXT PRIMARY KEY,
			plate TEXT NOT NULL UNIQUE,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			vehicle_type TEXT NOT NULL DEFAULT '',
			access_level TEXT NOT NULL DEFAULT '',
			owner_id TEXT NOT NULL DEFAULT '',
			owner_name TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS visits (
			id TEXT PRIMARY KEY,
			visitor_name TEXT NOT NULL,
			host_id TEXT NOT NULL,
			plate TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			valid_from TIMESTAMPTZ NOT NULL,
			valid_until TIMESTAMPTZ NOT NULL,
			max_uses INTEGER,
			used_count INTEGER NOT NULL DEFAULT 0,
			entry_time TIMESTAMPTZ,
			exit_time TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_visits_plate_status ON visits(plate, status)`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT '',
			household_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_users_role ON users(role)`,
		`CREATE TABLE IF NOT EXISTS notifications (
			id TEXT PRIMARY KEY,
			recipient_id TEXT NOT NULL,
			type TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT '',
			priority TEXT NOT NULL DEFAULT 'normal',
			data_json JSONB,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_recipient ON notifications(recipient_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *postgresStore) SaveDetection(ctx context.Context, det model.Detection) error {
	var meta any
	if det.Meta != nil {
		meta = encodeJSON(det.Meta)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO detections (id, camera_id, plate, plate_raw, det_confidence, ocr_confidence, frame_ref, meta_json, detection_ts, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		det.ID, det.CameraID, det.Plate, det.PlateRaw, det.DetConfidence, det.OCRConfidence,
		det.FrameRef, meta, det.DetectionTS, det.ReceivedAt.UTC(),
	)
	return err
}

const pgDetectionCols = `id, camera_id, plate, plate_raw, det_confidence, ocr_confidence, frame_ref, COALESCE(meta_json::text, ''), detection_ts, received_at`

func scanDetection(row interface{ Scan(...any) error }) (model.Detection, error) {
	var det model.Detection
	var meta string
	var ts sql.NullInt64
	err := row.Scan(&det.ID, &det.CameraID, &det.Plate, &det.PlateRaw, &det.DetConfidence,
		&det.OCRConfidence, &det.FrameRef, &meta, &ts, &det.ReceivedAt)
	if err != nil {
		return model.Detection{}, err
	}
	det.Meta = decodeMeta(meta)
	if ts.Valid {
		v := ts.Int64
		det.DetectionTS = &v
	}
	det.ReceivedAt = det.ReceivedAt.UTC()
	return det, nil
}

func (s *postgresStore) GetDetection(ctx context.Context, id string) (model.Detection, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pgDetectionCols+` FROM detections WHERE id = $1`, id)
	det, err := scanDetection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Detection{}, model.ErrNotFound
	}
	return det, err
}

func (s *postgresStore) ListDetections(ctx context.Context, limit int) ([]model.Detection, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pgDetectionCols+` FROM detections ORDER BY received_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Detection, 0)
	for rows.Next() {
		det, err := scanDetection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, det)
	}
	return out, rows.Err()
}

func (s *postgresStore) DeleteDetection(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM detections WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (s *postgresStore) SaveAttempt(ctx context.Context, att model.AccessAttempt) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO access_attempts (id, detection_id, decision, reason, method, resident_id, expires_at, responded_by, responded_at, notification_ref, response_time_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		att.ID, att.DetectionID, string(att.Decision), att.Reason, att.Method, att.ResidentID,
		nullTime(att.ExpiresAt), att.RespondedBy, nullTime(att.RespondedAt), att.NotificationRef,
		att.ResponseTimeMs, att.CreatedAt.UTC(),
	)
	return err
}

const pgAttemptCols = `a.id, a.detection_id, a.decision, a.reason, a.method, a.resident_id, a.expires_at, a.responded_by, a.responded_at, a.notification_ref, a.response_time_ms, a.created_at`

func scanAttempt(row interface{ Scan(...any) error }) (model.AccessAttempt, error) {
	var att model.AccessAttempt
	var decision string
	var expires, responded sql.NullTime
	err := row.Scan(&att.ID, &att.DetectionID, &decision, &att.Reason, &att.Method, &att.ResidentID,
		&expires, &att.RespondedBy, &responded, &att.NotificationRef, &att.ResponseTimeMs, &att.CreatedAt)
	if err != nil {
		return model.AccessAttempt{}, err
	}
	att.Decision = model.Decision(decision)
	if expires.Valid {
		t := expires.Time.UTC()
		att.ExpiresAt = &t
	}
	if responded.Valid {
		t := responded.Time.UTC()
		att.RespondedAt = &t
	}
	att.CreatedAt = att.CreatedAt.UTC()
	return att, nil
}

func (s *postgresStore) GetAttempt(ctx context.Context, id string) (model.AccessAttempt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pgAttemptCols+` FROM access_attempts a WHERE a.id = $1`, id)
	att, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.AccessAttempt{}, model.ErrNotFound
	}
	return att, err
}

func (s *postgresStore) ListAttempts(ctx context.Context, filter AttemptFilter) ([]model.AccessAttempt, error) {
	query := `SELECT ` + pgAttemptCols + ` FROM access_attempts a`
	var where []string
	var args []any
	if filter.Plate != "" || filter.CameraID != "" {
		query += ` JOIN detections d ON d.id = a.detection_id`
		if filter.Plate != "" {
			args = append(args, filter.Plate)
			where = append(where, fmt.Sprintf("d.plate = $%d", len(args)))
		}
		if filter.CameraID != "" {
			args = append(args, filter.CameraID)
			where = append(where, fmt.Sprintf("d.camera_id = $%d", len(args)))
		}
	}
	if filter.Decision != "" {
		args = append(args, string(filter.Decision))
		where = append(where, fmt.Sprintf("a.decision = $%d", len(args)))
	}
	if len(filter.ResidentIDs) > 0 {
		placeholders := make([]string, 0, len(filter.ResidentIDs))
		for _, id := range filter.ResidentIDs {
			args = append(args, id)
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		}
		where = append(where, "a.resident_id IN ("+strings.Join(placeholders, ", ")+")")
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY a.created_at DESC LIMIT $%d`, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.AccessAttempt, 0)
	for rows.Next() {
		att, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, att)
	}
	return out, rows.Err()
}

func (s *postgresStore) ListPending(ctx context.Context) ([]model.AccessAttempt, error) {
	return s.ListAttempts(ctx, AttemptFilter{Decision: model.DecisionPending, Limit: 500})
}

func (s *postgresStore) ResolvePending(ctx context.Context, id string, to model.Decision, reason, method, respondedBy string, respondedAt *time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE access_attempts
		SET decision = $1, reason = $2, method = $3, responded_by = $4, responded_at = $5
		WHERE id = $6 AND decision = $7`,
		string(to), reason, method, respondedBy, nullTime(respondedAt), id, string(model.DecisionPending),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *postgresStore) ExpireOverdue(ctx context.Context, now time.Time, reason string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE access_attempts
		SET decision = $1, reason = $2
		WHERE decision = $3 AND expires_at IS NOT NULL AND expires_at < $4`,
		string(model.DecisionExpired), reason, string(model.DecisionPending), now.UTC(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *postgresStore) SetNotificationRef(ctx context.Context, attemptID, ref string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE access_attempts SET notification_ref = $1 WHERE id = $2`, ref, attemptID)
	return err
}

func (s *postgresStore) SaveVehicle(ctx context.Context, v model.Vehicle) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO vehicles (id, plate, active, vehicle_type, access_level, owner_id, owner_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET plate = EXCLUDED.plate, active = EXCLUDED.active,
			vehicle_type = EXCLUDED.vehicle_type, access_level = EXCLUDED.access_level,
			owner_id = EXCLUDED.owner_id, owner_name = EXCLUDED.owner_name`,
		v.ID, v.Plate, v.Active, string(v.VehicleType), string(v.AccessLevel), v.OwnerID, v.OwnerName,
	)
	return err
}

func (s *postgresStore) FindVehicleByPlate(ctx context.Context, plate string) (model.Vehicle, error) {
	var v model.Vehicle
	var vt, al string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, plate, active, vehicle_type, access_level, owner_id, owner_name FROM vehicles WHERE plate = $1`,
		plate,
	).Scan(&v.ID, &v.Plate, &v.Active, &vt, &al, &v.OwnerID, &v.OwnerName)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Vehicle{}, model.ErrNotFound
	}
	if err != nil {
		return model.Vehicle{}, err
	}
	v.VehicleType = model.VehicleType(vt)
	v.AccessLevel = model.AccessLevel(al)
	return v, nil
}

func (s *postgresStore) SaveVisit(ctx context.Context, v model.Visit) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO visits (id, visitor_name, host_id, plate, status, valid_from, valid_until, max_uses, used_count, entry_time, exit_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		v.ID, v.VisitorName, v.HostID, v.Plate, string(v.Status), v.ValidFrom.UTC(), v.ValidUntil.UTC(),
		nullInt(v.MaxUses), v.UsedCount, nullTime(v.EntryTime), nullTime(v.ExitTime),
	)
	return err
}

const pgVisitCols = `id, visitor_name, host_id, plate, status, valid_from, valid_until, max_uses, used_count, entry_time, exit_time`

func scanVisit(row interface{ Scan(...any) error }) (model.Visit, error) {
	var v model.Visit
	var status string
	var maxUses sql.NullInt64
	var entry, exit sql.NullTime
	err := row.Scan(&v.ID, &v.VisitorName, &v.HostID, &v.Plate, &status, &v.ValidFrom, &v.ValidUntil,
		&maxUses, &v.UsedCount, &entry, &exit)
	if err != nil {
		return model.Visit{}, err
	}
	v.Status = model.VisitStatus(status)
	if maxUses.Valid {
		n := int(maxUses.Int64)
		v.MaxUses = &n
	}
	if entry.Valid {
		t := entry.Time.UTC()
		v.EntryTime = &t
	}
	if exit.Valid {
		t := exit.Time.UTC()
		v.ExitTime = &t
	}
	v.ValidFrom = v.ValidFrom.UTC()
	v.ValidUntil = v.ValidUntil.UTC()
	return v, nil
}

func (s *postgresStore) GetVisit(ctx context.Context, id string) (model.Visit, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pgVisitCols+` FROM visits WHERE id = $1`, id)
	v, err := scanVisit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Visit{}, model.ErrNotFound
	}
	return v, err
}

func (s *postgresStore) FindVisitByPlate(ctx context.Context, plate string) (model.Visit, error) {
	open := openVisitStatuses()
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pgVisitCols+` FROM visits
		WHERE plate = $1 AND status IN ($2, $3, $4)
		ORDER BY valid_from DESC LIMIT 1`,
		plate, string(open[0]), string(open[1]), string(open[2]),
	)
	v, err := scanVisit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Visit{}, model.ErrNotFound
	}
	return v, err
}

func (s *postgresStore) ListVisits(ctx context.Context, status model.VisitStatus, limit int) ([]model.Visit, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + pgVisitCols + ` FROM visits`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY valid_from DESC LIMIT $%d`, len(args))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Visit, 0)
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *postgresStore) UpdateVisit(ctx context.Context, v model.Visit, from model.VisitStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE visits
		SET status = $1, used_count = $2, entry_time = $3, exit_time = $4
		WHERE id = $5 AND status = $6`,
		string(v.Status), v.UsedCount, nullTime(v.EntryTime), nullTime(v.ExitTime), v.ID, string(from),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *postgresStore) SaveUser(ctx context.Context, u model.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, name, role, household_id) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, role = EXCLUDED.role, household_id = EXCLUDED.household_id`,
		u.ID, u.Name, u.Role, u.HouseholdID,
	)
	return err
}

func (s *postgresStore) GetUser(ctx context.Context, id string) (model.User, error) {
	var u model.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, role, household_id FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Name, &u.Role, &u.HouseholdID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, model.ErrNotFound
	}
	return u, err
}

func (s *postgresStore) UsersByRole(ctx context.Context, role string) ([]model.User, error) {
	return s.listUsers(ctx, `SELECT id, name, role, household_id FROM users WHERE role = $1`, role)
}

func (s *postgresStore) UsersByHousehold(ctx context.Context, householdID string) ([]model.User, error) {
	return s.listUsers(ctx, `SELECT id, name, role, household_id FROM users WHERE household_id = $1`, householdID)
}

func (s *postgresStore) listUsers(ctx context.Context, query string, arg any) ([]model.User, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.User, 0)
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.Name, &u.Role, &u.HouseholdID); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *postgresStore) SaveNotification(ctx context.Context, n model.Notification) error {
	var data any
	if n.Data != nil {
		data = encodeJSON(n.Data)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (id, recipient_id, type, title, message, priority, data_json, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		n.ID, n.RecipientID, string(n.Type), n.Title, n.Message, string(n.Priority), data, n.CreatedAt.UTC(),
	)
	return err
}

func (s *postgresStore) ListNotifications(ctx context.Context, recipientID string, limit int) ([]model.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, recipient_id, type, title, message, priority, COALESCE(data_json::text, ''), created_at FROM notifications`
	args := []any{}
	if recipientID != "" {
		query += ` WHERE recipient_id = $1`
		args = append(args, recipientID)
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Notification, 0)
	for rows.Next() {
		var n model.Notification
		var typ, prio, data string
		if err := rows.Scan(&n.ID, &n.RecipientID, &typ, &n.Title, &n.Message, &prio, &data, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.Type = model.NotificationType(typ)
		n.Priority = model.NotificationPriority(prio)
		n.Data = decodeData(data)
		n.CreatedAt = n.CreatedAt.UTC()
		out = append(out, n)
	}
	return out, rows.Err()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullInt(n *int) any {
	if n == nil {
		return nil
	}
	return *n
}
