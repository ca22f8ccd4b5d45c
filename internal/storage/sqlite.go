package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"gatewatch/internal/model"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:gatewatch.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return &sqliteStore{baseStore{db: db}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	stmts := []string{
		`PRAGMA foreign_keys = ON`,
		`CREATE TABLE IF NOT EXISTS detections (
			id TEXT PRIMARY KEY,
			camera_id TEXT NOT NULL,
			plate TEXT NOT NULL,
			plate_raw TEXT NOT NULL DEFAULT '',
			det_confidence REAL NOT NULL DEFAULT 0,
			ocr_confidence REAL NOT NULL DEFAULT 0,
			frame_ref TEXT NOT NULL DEFAULT '',
			meta_json TEXT,
			detection_ts INTEGER,
			received_at TEXT NOT NULL
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
			expires_at TEXT,
			responded_by TEXT NOT NULL DEFAULT '',
			responded_at TEXT,
			notification_ref TEXT NOT NULL DEFAULT '',
			response_time_ms INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_decision ON access_attempts(decision)`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_detection ON access_attempts(detection_id)`,
		`CREATE TABLE IF NOT EXISTS vehicles (
			id TEXT PRIMARY KEY,
			plate TEXT NOT NULL UNIQUE,
			active INTEGER NOT NULL DEFAULT 1,
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
			valid_from TEXT NOT NULL,
			valid_until TEXT NOT NULL,
			max_uses INTEGER,
			used_count INTEGER NOT NULL DEFAULT 0,
			entry_time TEXT,
			exit_time TEXT
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
			data_json TEXT,
			created_at TEXT NOT NULL
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

// sqlite stores timestamps as RFC3339 text so that lexical comparison in
// the expiry sweep matches chronological order.
func encodeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func encodeTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return encodeTime(*t)
}

func decodeTime(raw string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func decodeTimePtr(raw sql.NullString) *time.Time {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	t := decodeTime(raw.String)
	return &t
}

func (s *sqliteStore) SaveDetection(ctx context.Context, det model.Detection) error {
	var meta any
	if det.Meta != nil {
		meta = encodeJSON(det.Meta)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO detections (id, camera_id, plate, plate_raw, det_confidence, ocr_confidence, frame_ref, meta_json, detection_ts, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		det.ID, det.CameraID, det.Plate, det.PlateRaw, det.DetConfidence, det.OCRConfidence,
		det.FrameRef, meta, det.DetectionTS, encodeTime(det.ReceivedAt),
	)
	return err
}

const liteDetectionCols = `id, camera_id, plate, plate_raw, det_confidence, ocr_confidence, frame_ref, COALESCE(meta_json, ''), detection_ts, received_at`

func scanLiteDetection(row interface{ Scan(...any) error }) (model.Detection, error) {
	var det model.Detection
	var meta, received string
	var ts sql.NullInt64
	err := row.Scan(&det.ID, &det.CameraID, &det.Plate, &det.PlateRaw, &det.DetConfidence,
		&det.OCRConfidence, &det.FrameRef, &meta, &ts, &received)
	if err != nil {
		return model.Detection{}, err
	}
	det.Meta = decodeMeta(meta)
	if ts.Valid {
		v := ts.Int64
		det.DetectionTS = &v
	}
	det.ReceivedAt = decodeTime(received)
	return det, nil
}

func (s *sqliteStore) GetDetection(ctx context.Context, id string) (model.Detection, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+liteDetectionCols+` FROM detections WHERE id = ?`, id)
	det, err := scanLiteDetection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Detection{}, model.ErrNotFound
	}
	return det, err
}

func (s *sqliteStore) ListDetections(ctx context.Context, limit int) ([]model.Detection, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+liteDetectionCols+` FROM detections ORDER BY received_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Detection, 0)
	for rows.Next() {
		det, err := scanLiteDetection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, det)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteDetection(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM detections WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (s *sqliteStore) SaveAttempt(ctx context.Context, att model.AccessAttempt) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO access_attempts (id, detection_id, decision, reason, method, resident_id, expires_at, responded_by, responded_at, notification_ref, response_time_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		att.ID, att.DetectionID, string(att.Decision), att.Reason, att.Method, att.ResidentID,
		encodeTimePtr(att.ExpiresAt), att.RespondedBy, encodeTimePtr(att.RespondedAt),
		att.NotificationRef, att.ResponseTimeMs, encodeTime(att.CreatedAt),
	)
	return err
}

const liteAttemptCols = `a.id, a.detection_id, a.decision, a.reason, a.method, a.resident_id, a.expires_at, a.responded_by, a.responded_at, a.notification_ref, a.response_time_ms, a.created_at`

func scanLiteAttempt(row interface{ Scan(...any) error }) (model.AccessAttempt, error) {
	var att model.AccessAttempt
	var decision, created string
	var expires, responded sql.NullString
	err := row.Scan(&att.ID, &att.DetectionID, &decision, &att.Reason, &att.Method, &att.ResidentID,
		&expires, &att.RespondedBy, &responded, &att.NotificationRef, &att.ResponseTimeMs, &created)
	if err != nil {
		return model.AccessAttempt{}, err
	}
	att.Decision = model.Decision(decision)
	att.ExpiresAt = decodeTimePtr(expires)
	att.RespondedAt = decodeTimePtr(responded)
	att.CreatedAt = decodeTime(created)
	return att, nil
}

func (s *sqliteStore) GetAttempt(ctx context.Context, id string) (model.AccessAttempt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+liteAttemptCols+` FROM access_attempts a WHERE a.id = ?`, id)
	att, err := scanLiteAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.AccessAttempt{}, model.ErrNotFound
	}
	return att, err
}

func (s *sqliteStore) ListAttempts(ctx context.Context, filter AttemptFilter) ([]model.AccessAttempt, error) {
	query := `SELECT ` + liteAttemptCols + ` FROM access_attempts a`
	var where []string
	var args []any
	if filter.Plate != "" || filter.CameraID != "" {
		query += ` JOIN detections d ON d.id = a.detection_id`
		if filter.Plate != "" {
			where = append(where, "d.plate = ?")
			args = append(args, filter.Plate)
		}
		if filter.CameraID != "" {
			where = append(where, "d.camera_id = ?")
			args = append(args, filter.CameraID)
		}
	}
	if filter.Decision != "" {
		where = append(where, "a.decision = ?")
		args = append(args, string(filter.Decision))
	}
	if len(filter.ResidentIDs) > 0 {
		placeholders := make([]string, 0, len(filter.ResidentIDs))
		for _, id := range filter.ResidentIDs {
			placeholders = append(placeholders, "?")
			args = append(args, id)
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
	query += ` ORDER BY a.created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.AccessAttempt, 0)
	for rows.Next() {
		att, err := scanLiteAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, att)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListPending(ctx context.Context) ([]model.AccessAttempt, error) {
	return s.ListAttempts(ctx, AttemptFilter{Decision: model.DecisionPending, Limit: 500})
}

func (s *sqliteStore) ResolvePending(ctx context.Context, id string, to model.Decision, reason, method, respondedBy string, respondedAt *time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE access_attempts
		SET decision = ?, reason = ?, method = ?, responded_by = ?, responded_at = ?
		WHERE id = ? AND decision = ?`,
		string(to), reason, method, respondedBy, encodeTimePtr(respondedAt), id, string(model.DecisionPending),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) ExpireOverdue(ctx context.Context, now time.Time, reason string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE access_attempts
		SET decision = ?, reason = ?
		WHERE decision = ? AND expires_at IS NOT NULL AND expires_at < ?`,
		string(model.DecisionExpired), reason, string(model.DecisionPending), encodeTime(now),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) SetNotificationRef(ctx context.Context, attemptID, ref string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE access_attempts SET notification_ref = ? WHERE id = ?`, ref, attemptID)
	return err
}

func (s *sqliteStore) SaveVehicle(ctx context.Context, v model.Vehicle) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO vehicles (id, plate, active, vehicle_type, access_level, owner_id, owner_name)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET plate = excluded.plate, active = excluded.active,
			vehicle_type = excluded.vehicle_type, access_level = excluded.access_level,
			owner_id = excluded.owner_id, owner_name = excluded.owner_name`,
		v.ID, v.Plate, v.Active, string(v.VehicleType), string(v.AccessLevel), v.OwnerID, v.OwnerName,
	)
	return err
}

func (s *sqliteStore) FindVehicleByPlate(ctx context.Context, plate string) (model.Vehicle, error) {
	var v model.Vehicle
	var vt, al string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, plate, active, vehicle_type, access_level, owner_id, owner_name FROM vehicles WHERE plate = ?`,
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

func (s *sqliteStore) SaveVisit(ctx context.Context, v model.Visit) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO visits (id, visitor_name, host_id, plate, status, valid_from, valid_until, max_uses, used_count, entry_time, exit_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.VisitorName, v.HostID, v.Plate, string(v.Status), encodeTime(v.ValidFrom), encodeTime(v.ValidUntil),
		nullInt(v.MaxUses), v.UsedCount, encodeTimePtr(v.EntryTime), encodeTimePtr(v.ExitTime),
	)
	return err
}

const liteVisitCols = `id, visitor_name, host_id, plate, status, valid_from, valid_until, max_uses, used_count, entry_time, exit_time`

func scanLiteVisit(row interface{ Scan(...any) error }) (model.Visit, error) {
	var v model.Visit
	var status, from, until string
	var maxUses sql.NullInt64
	var entry, exit sql.NullString
	err := row.Scan(&v.ID, &v.VisitorName, &v.HostID, &v.Plate, &status, &from, &until,
		&maxUses, &v.UsedCount, &entry, &exit)
	if err != nil {
		return model.Visit{}, err
	}
	v.Status = model.VisitStatus(status)
	v.ValidFrom = decodeTime(from)
	v.ValidUntil = decodeTime(until)
	if maxUses.Valid {
		n := int(maxUses.Int64)
		v.MaxUses = &n
	}
	v.EntryTime = decodeTimePtr(entry)
	v.ExitTime = decodeTimePtr(exit)
	return v, nil
}

func (s *sqliteStore) GetVisit(ctx context.Context, id string) (model.Visit, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+liteVisitCols+` FROM visits WHERE id = ?`, id)
	v, err := scanLiteVisit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Visit{}, model.ErrNotFound
	}
	return v, err
}

func (s *sqliteStore) FindVisitByPlate(ctx context.Context, plate string) (model.Visit, error) {
	open := openVisitStatuses()
	row := s.db.QueryRowContext(ctx,
		`SELECT `+liteVisitCols+` FROM visits
		WHERE plate = ? AND status IN (?, ?, ?)
		ORDER BY valid_from DESC LIMIT 1`,
		plate, string(open[0]), string(open[1]), string(open[2]),
	)
	v, err := scanLiteVisit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Visit{}, model.ErrNotFound
	}
	return v, err
}

func (s *sqliteStore) ListVisits(ctx context.Context, status model.VisitStatus, limit int) ([]model.Visit, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + liteVisitCols + ` FROM visits`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY valid_from DESC LIMIT ?`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Visit, 0)
	for rows.Next() {
		v, err := scanLiteVisit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdateVisit(ctx context.Context, v model.Visit, from model.VisitStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE visits
		SET status = ?, used_count = ?, entry_time = ?, exit_time = ?
		WHERE id = ? AND status = ?`,
		string(v.Status), v.UsedCount, encodeTimePtr(v.EntryTime), encodeTimePtr(v.ExitTime), v.ID, string(from),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) SaveUser(ctx context.Context, u model.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, name, role, household_id) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, role = excluded.role, household_id = excluded.household_id`,
		u.ID, u.Name, u.Role, u.HouseholdID,
	)
	return err
}

func (s *sqliteStore) GetUser(ctx context.Context, id string) (model.User, error) {
	var u model.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, role, household_id FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Name, &u.Role, &u.HouseholdID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, model.ErrNotFound
	}
	return u, err
}

func (s *sqliteStore) UsersByRole(ctx context.Context, role string) ([]model.User, error) {
	return s.listUsers(ctx, `SELECT id, name, role, household_id FROM users WHERE role = ?`, role)
}

func (s *sqliteStore) UsersByHousehold(ctx context.Context, householdID string) ([]model.User, error) {
	return s.listUsers(ctx, `SELECT id, name, role, household_id FROM users WHERE household_id = ?`, householdID)
}

func (s *sqliteStore) listUsers(ctx context.Context, query string, arg any) ([]model.User, error) {
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

func (s *sqliteStore) SaveNotification(ctx context.Context, n model.Notification) error {
	var data any
	if n.Data != nil {
		data = encodeJSON(n.Data)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (id, recipient_id, type, title, message, priority, data_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.RecipientID, string(n.Type), n.Title, n.Message, string(n.Priority), data, encodeTime(n.CreatedAt),
	)
	return err
}

func (s *sqliteStore) ListNotifications(ctx context.Context, recipientID string, limit int) ([]model.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, recipient_id, type, title, message, priority, COALESCE(data_json, ''), created_at FROM notifications`
	args := []any{}
	if recipientID != "" {
		query += ` WHERE recipient_id = ?`
		args = append(args, recipientID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Notification, 0)
	for rows.Next() {
		var n model.Notification
		var typ, prio, data, created string
		if err := rows.Scan(&n.ID, &n.RecipientID, &typ, &n.Title, &n.Message, &prio, &data, &created); err != nil {
			return nil, err
		}
		n.Type = model.NotificationType(typ)
		n.Priority = model.NotificationPriority(prio)
		n.Data = decodeData(data)
		n.CreatedAt = decodeTime(created)
		out = append(out, n)
	}
	return out, rows.Err()
}
