package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gatewatch/internal/model"
)

// DetectionPayload is the wire shape the edge LPR workers publish. Either
// plate or plate_raw must be present; everything else is optional.
type DetectionPayload struct {
	ID            string               `json:"id,omitempty"`
	CameraID      string               `json:"camera_id"`
	Plate         string               `json:"plate"`
	PlateRaw      string               `json:"plate_raw,omitempty"`
	DetConfidence float64              `json:"det_confidence,omitempty"`
	OCRConfidence float64              `json:"ocr_confidence,omitempty"`
	FrameRef      string               `json:"frame_ref,omitempty"`
	Meta          *model.DetectionMeta `json:"meta,omitempty"`
	DetectionTS   *int64               `json:"detection_ts,omitempty"`
}

func ParseDetection(data []byte) (model.Detection, error) {
	var p DetectionPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return model.Detection{}, fmt.Errorf("%w: %v", model.ErrValidation, err)
	}
	return p.Detection(), nil
}

func (p DetectionPayload) Detection() model.Detection {
	return model.Detection{
		ID:            p.ID,
		CameraID:      p.CameraID,
		Plate:         p.Plate,
		PlateRaw:      p.PlateRaw,
		DetConfidence: p.DetConfidence,
		OCRConfidence: p.OCRConfidence,
		FrameRef:      p.FrameRef,
		Meta:          p.Meta,
		DetectionTS:   p.DetectionTS,
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
