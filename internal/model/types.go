package model

import "time"

type Decision string

const (
	DecisionPermitted Decision = "Permitted"
	DecisionDenied    Decision = "Denied"
	DecisionPending   Decision = "Pending"
	DecisionExpired   Decision = "Expired"
)

// Terminal reports whether no further transition is allowed from d.
// Only Pending attempts may change state.
func (d Decision) Terminal() bool {
	return d != DecisionPending
}

type VehicleType string

const (
	VehicleResident VehicleType = "resident"
	VehicleVisitor  VehicleType = "visitor"
)

type AccessLevel string

const (
	AccessPermanent AccessLevel = "permanent"
	AccessTemporary AccessLevel = "temporary"
)

type VisitStatus string

const (
	VisitPending         VisitStatus = "pending"
	VisitActive          VisitStatus = "active"
	VisitReadyForReentry VisitStatus = "ready_for_reentry"
	VisitCompleted       VisitStatus = "completed"
	VisitCancelled       VisitStatus = "cancelled"
	VisitExpired         VisitStatus = "expired"
	VisitDenied          VisitStatus = "denied"
)

type DetectionMeta struct {
	BBox            []float64 `json:"bbox,omitempty"`
	SnapshotB64     string    `json:"snapshot_jpeg_b64,omitempty"`
	CharConfidences []float64 `json:"char_confidences,omitempty"`
	CharConfMin     float64   `json:"char_conf_min,omitempty"`
	CharConfMean    float64   `json:"char_conf_mean,omitempty"`
	ConfirmedBy     string    `json:"confirmed_by,omitempty"`
}

// Detection is a single plate sighting as received from the edge LPR
// process. Immutable once stored.
type Detection struct {
	ID            string         `json:"id"`
	CameraID      string         `json:"camera_id"`
	Plate         string         `json:"plate"`
	PlateRaw      string         `json:"plate_raw,omitempty"`
	DetConfidence float64        `json:"det_confidence,omitempty"`
	OCRConfidence float64        `json:"ocr_confidence,omitempty"`
	FrameRef      string         `json:"frame_ref,omitempty"`
	Meta          *DetectionMeta `json:"meta,omitempty"`
	// DetectionTS is the producer clock in milliseconds since epoch. When
	// present it is authoritative for response-time measurement.
	DetectionTS *int64    `json:"detection_ts,omitempty"`
	ReceivedAt  time.Time `json:"received_at"`
}

// T1 is the reference instant for response-time measurement: the producer
// timestamp when provided, the ingestion clock otherwise.
func (d Detection) T1() time.Time {
	if d.DetectionTS != nil {
		return time.UnixMilli(*d.DetectionTS).UTC()
	}
	return d.ReceivedAt
}

// AccessAttempt is the durable record of one decision (or deferred
// decision) tied to one Detection. ExpiresAt, RespondedBy and RespondedAt
// are only meaningful for attempts that are or were Pending.
type AccessAttempt struct {
	ID              string     `json:"id"`
	DetectionID     string     `json:"detection_id"`
	Decision        Decision   `json:"decision"`
	Reason          string     `json:"reason,omitempty"`
	Method          string     `json:"method,omitempty"`
	ResidentID      string     `json:"resident_id,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	RespondedBy     string     `json:"responded_by,omitempty"`
	RespondedAt     *time.Time `json:"responded_at,omitempty"`
	NotificationRef string     `json:"notification_ref,omitempty"`
	ResponseTimeMs  int64      `json:"response_time_ms"`
	CreatedAt       time.Time  `json:"created_at"`
}

type Vehicle struct {
	ID          string      `json:"id"`
	Plate       string      `json:"plate"`
	Active      bool        `json:"active"`
	VehicleType VehicleType `json:"vehicle_type,omitempty"`
	AccessLevel AccessLevel `json:"access_level,omitempty"`
	OwnerID     string      `json:"owner_id,omitempty"`
	OwnerName   string      `json:"owner_name,omitempty"`
}

type Visit struct {
	ID          string      `json:"id"`
	VisitorName string      `json:"visitor_name"`
	HostID      string      `json:"host_id"`
	Plate       string      `json:"plate,omitempty"`
	Status      VisitStatus `json:"status"`
	ValidFrom   time.Time   `json:"valid_from"`
	ValidUntil  time.Time   `json:"valid_until"`
	// MaxUses limits entry/exit cycles; nil means unlimited.
	MaxUses   *int       `json:"max_uses,omitempty"`
	UsedCount int        `json:"used_count"`
	EntryTime *time.Time `json:"entry_time,omitempty"`
	ExitTime  *time.Time `json:"exit_time,omitempty"`
}

type NotificationType string

const (
	NotifyAccessPermitted NotificationType = "access_permitted"
	NotifyAccessDenied    NotificationType = "access_denied"
	NotifyAccessPending   NotificationType = "access_pending"
	NotifyVisitCheckIn    NotificationType = "visit_check_in"
	NotifyVisitCheckOut   NotificationType = "visit_check_out"
	NotifyVisitExpired    NotificationType = "visit_expired"
)

type NotificationPriority string

const (
	PriorityNormal NotificationPriority = "normal"
	PriorityHigh   NotificationPriority = "high"
)

type Notification struct {
	ID          string               `json:"id"`
	RecipientID string               `json:"recipient_id"`
	Type        NotificationType     `json:"type"`
	Title       string               `json:"title"`
	Message     string               `json:"message"`
	Priority    NotificationPriority `json:"priority"`
	Data        map[string]any       `json:"data,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
}

type User struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Role        string `json:"role,omitempty"`
	HouseholdID string `json:"household_id,omitempty"`
}
