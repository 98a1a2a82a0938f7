package sensing

import "errors"

// Capacity is the most entries of one category a raw frame can hold.
const Capacity = 35

// Sentinel is the raw value the device reports for "not estimated".
const Sentinel = -128

// RawDetection is a position, size and confidence as reported.
type RawDetection struct {
	X, Y       int
	Size       int
	Confidence int
}

// RawDirection is the face direction estimate. LR is yaw, UD is pitch.
type RawDirection struct {
	LR, UD, Roll int
	Confidence   int
}

// RawAge carries the age estimate. Confidence may have a stabilization
// state packed into it.
type RawAge struct {
	Age        int
	Confidence int
}

// RawGender carries the gender estimate: 1 male, 0 female.
type RawGender struct {
	Gender     int
	Confidence int
}

type RawGaze struct {
	LR, UD int
}

type RawBlink struct {
	Left, Right int
}

// RawExpression carries the expression scores. Top is 1-based into the
// Expression enum.
type RawExpression struct {
	Top    int
	Scores [ExpressionScoreCount]int
	Degree int
}

// RawFace groups every per-face field the device can return.
type RawFace struct {
	Detection  RawDetection
	Direction  RawDirection
	Age        RawAge
	Gender     RawGender
	Gaze       RawGaze
	Blink      RawBlink
	Expression RawExpression
}

// RawImage is an 8-bit grayscale frame.
type RawImage struct {
	Width, Height int
	Pixels        []byte
}

// RawFrameResult is the output of one detection call. Counts are as
// declared by the device and may exceed Capacity.
type RawFrameResult struct {
	Executed Feature

	BodyCount int
	HandCount int
	FaceCount int

	Bodies [Capacity]RawDetection
	Hands  [Capacity]RawDetection
	Faces  [Capacity]RawFace

	Image RawImage
}

// Counts returns the declared counts clamped to [0, Capacity].
func (r *RawFrameResult) Counts() (bodies, hands, faces int) {
	return clampCount(r.BodyCount), clampCount(r.HandCount), clampCount(r.FaceCount)
}

func clampCount(n int) int {
	return max(0, min(n, Capacity))
}

// ErrTrackingUnavailable is returned by a tracker that has nothing for this
// frame. It is not fatal; the merge falls back to raw geometry.
var ErrTrackingUnavailable = errors.New("tracking unavailable")

// TrackerStatus is the tracker's progress on a face property.
type TrackerStatus int

const (
	TrackerNoData TrackerStatus = iota
	TrackerCalculating
	TrackerComplete
	TrackerFixed
)

func (s TrackerStatus) String() string {
	switch s {
	case TrackerNoData:
		return "no_data"
	case TrackerCalculating:
		return "calculating"
	case TrackerComplete:
		return "complete"
	case TrackerFixed:
		return "fixed"
	}
	return "unknown"
}

// StabilizedValue is a smoothed face property.
type StabilizedValue struct {
	Value  int
	Status TrackerStatus
}

// TrackedEntity links a raw detection index to a persistent identity and
// smoothed geometry.
type TrackedEntity struct {
	DetectID   int
	TrackingID int
	Center     Point
	Size       int
}

// TrackedFace adds the smoothed age and gender.
type TrackedFace struct {
	TrackedEntity
	Age    StabilizedValue
	Gender StabilizedValue
}

// TrackingResult is the tracker output for one frame.
type TrackingResult struct {
	Faces  []TrackedFace
	Bodies []TrackedEntity
}
