package sensing

import (
	"fmt"

	"github.com/banshee-data/presence.report/internal/monitoring"
)

// LogFrame dumps merged entities to the debug log, one record per entity.
func LogFrame(seq uint64, faces []Face, bodies []Body, hands []Hand) {
	if !monitoring.DebugEnabled() {
		return
	}
	monitoring.Debug(monitoring.Fields{
		"seq":    seq,
		"faces":  len(faces),
		"bodies": len(bodies),
		"hands":  len(hands),
	}, "frame")

	for i, b := range bodies {
		monitoring.Debug(monitoring.Fields{
			"index":       i,
			"tracking_id": b.TrackingID,
			"pos":         fmt.Sprintf("(%d, %d)", b.Position.X, b.Position.Y),
			"size":        b.Size,
			"confidence":  b.Confidence,
		}, "body")
	}
	for i, h := range hands {
		monitoring.Debug(monitoring.Fields{
			"index":      i,
			"pos":        fmt.Sprintf("(%d, %d)", h.Position.X, h.Position.Y),
			"size":       h.Size,
			"confidence": h.Confidence,
		}, "hand")
	}
	for i, f := range faces {
		monitoring.Debug(monitoring.Fields{
			"index":       i,
			"tracking_id": f.TrackingID,
			"pos":         fmt.Sprintf("(%d, %d)", f.Position.X, f.Position.Y),
			"size":        f.Size,
			"confidence":  f.Confidence,
			"direction":   fmt.Sprintf("(%d, %d, %d)/%d", f.Direction.Pitch, f.Direction.Roll, f.Direction.Yaw, f.DirectionConfidence),
			"age":         fmt.Sprintf("%d/%d/%s", f.Age, f.AgeConfidence, f.AgeState),
			"gender":      fmt.Sprintf("%s/%d/%s", f.Gender, f.GenderConfidence, f.GenderState),
			"gaze":        fmt.Sprintf("(%d, %d)", f.Gaze.X, f.Gaze.Y),
			"blink":       fmt.Sprintf("L%d R%d", f.BlinkLeft, f.BlinkRight),
			"expression":  fmt.Sprintf("%s %v degree %d", f.Expression, f.ExpressionScores, f.ExpressionDegree),
		}, "face")
	}
}
