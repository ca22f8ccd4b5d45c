package normalize

import (
	"regexp"
	"strings"

	"gatewatch/internal/model"
)

// DefaultPlatePattern accepts the plate formats the edge OCR emits once
// separators are stripped.
const DefaultPlatePattern = `^[A-Z0-9]{3,8}$`

var separators = regexp.MustCompile(`[_\s-]+`)

// Plate canonicalizes an OCR reading: separators removed, uppercased.
func Plate(raw string) string {
	return strings.ToUpper(separators.ReplaceAllString(strings.TrimSpace(raw), ""))
}

// Plausible reports whether a canonical plate matches the deployment's
// plate pattern. A nil pattern falls back to DefaultPlatePattern.
func Plausible(plate string, pattern *regexp.Regexp) bool {
	if plate == "" {
		return false
	}
	if pattern == nil {
		pattern = defaultPattern
	}
	return pattern.MatchString(plate)
}

var defaultPattern = regexp.MustCompile(DefaultPlatePattern)

// CharStats summarizes per-character OCR confidences the way the edge
// worker reports them: minimum, mean, and the ratio of characters at or
// above the threshold.
func CharStats(confidences []float64, threshold float64) (min, mean, ratioAbove float64) {
	if len(confidences) == 0 {
		return 0, 0, 0
	}
	min = confidences[0]
	var sum float64
	var above int
	for _, v := range confidences {
		if v < min {
			min = v
		}
		sum += v
		if v >= threshold {
			above++
		}
	}
	mean = sum / float64(len(confidences))
	ratioAbove = float64(above) / float64(len(confidences))
	return min, mean, ratioAbove
}

// Meta fills the derived confidence statistics on a detection's meta block.
func Meta(meta *model.DetectionMeta, threshold float64) {
	if meta == nil || len(meta.CharConfidences) == 0 {
		return
	}
	min, mean, _ := CharStats(meta.CharConfidences, threshold)
	meta.CharConfMin = min
	meta.CharConfMean = mean
}
