// Package sensing holds the published detection model (faces, bodies,
// hands), the merge that turns a raw device frame plus tracker output into
// that model, and the store that hands it to readers on their own schedule.
package sensing

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Feature is a bitmask of detection features. Values match the device's
// execute mask.
type Feature uint32

const (
	FeatureBody       Feature = 0x001
	FeatureHand       Feature = 0x002
	FeatureFace       Feature = 0x004
	FeatureDirection  Feature = 0x008
	FeatureAge        Feature = 0x010
	FeatureGender     Feature = 0x020
	FeatureGaze       Feature = 0x040
	FeatureBlink      Feature = 0x080
	FeatureExpression Feature = 0x100

	// FaceFeatures is every feature that produces a Face entry.
	FaceFeatures = FeatureFace | FeatureDirection | FeatureAge | FeatureGender |
		FeatureGaze | FeatureBlink | FeatureExpression

	AllFeatures = FeatureBody | FeatureHand | FaceFeatures
)

var featureNames = map[Feature]string{
	FeatureBody:       "body",
	FeatureHand:       "hand",
	FeatureFace:       "face",
	FeatureDirection:  "direction",
	FeatureAge:        "age",
	FeatureGender:     "gender",
	FeatureGaze:       "gaze",
	FeatureBlink:      "blink",
	FeatureExpression: "expression",
}

// Has reports whether every bit of f2 is set in f.
func (f Feature) Has(f2 Feature) bool { return f&f2 == f2 && f2 != 0 }

// Any reports whether any bit of f2 is set in f.
func (f Feature) Any(f2 Feature) bool { return f&f2 != 0 }

// With returns f with f2 set or cleared.
func (f Feature) With(f2 Feature, on bool) Feature {
	if on {
		return f | f2
	}
	return f &^ f2
}

// Names returns the feature names set in f, in mask order.
func (f Feature) Names() []string {
	var bits []Feature
	for b := range featureNames {
		if f&b != 0 {
			bits = append(bits, b)
		}
	}
	sort.Slice(bits, func(i, j int) bool { return bits[i] < bits[j] })
	names := make([]string, len(bits))
	for i, b := range bits {
		names[i] = featureNames[b]
	}
	return names
}

func (f Feature) String() string {
	if f == 0 {
		return "none"
	}
	return strings.Join(f.Names(), "|")
}

// ParseFeature maps a single feature name to its bit.
func ParseFeature(name string) (Feature, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for b, s := range featureNames {
		if s == n {
			return b, nil
		}
	}
	return 0, fmt.Errorf("unknown feature %q", name)
}

// ParseFeatures folds names into a mask.
func ParseFeatures(names []string) (Feature, error) {
	var f Feature
	for _, n := range names {
		b, err := ParseFeature(n)
		if err != nil {
			return 0, err
		}
		f |= b
	}
	return f, nil
}

// ImageMode selects whether the device returns a frame image. Values match
// the device's execute image byte.
type ImageMode uint8

const (
	ImageNone     ImageMode = 0
	ImageQVGA     ImageMode = 1 // 320x240
	ImageQVGAHalf ImageMode = 2 // 160x120
)

func (m ImageMode) String() string {
	switch m {
	case ImageNone:
		return "none"
	case ImageQVGA:
		return "qvga"
	case ImageQVGAHalf:
		return "qvga_half"
	default:
		return fmt.Sprintf("ImageMode(%d)", uint8(m))
	}
}

// ParseImageMode accepts none, qvga and qvga_half (also "full" and "half").
func ParseImageMode(s string) (ImageMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return ImageNone, nil
	case "qvga", "full":
		return ImageQVGA, nil
	case "qvga_half", "half":
		return ImageQVGAHalf, nil
	}
	return ImageNone, fmt.Errorf("unknown image mode %q", s)
}

// StabilizationState says how far the tracker got with a face property.
type StabilizationState int

const (
	StateNone StabilizationState = iota
	StateInProgress
	StateComplete
)

var stateNames = [...]string{"none", "in_progress", "complete"}

func (s StabilizationState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("StabilizationState(%d)", int(s))
	}
	return stateNames[s]
}

func (s StabilizationState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *StabilizationState) UnmarshalText(b []byte) error {
	for i, n := range stateNames {
		if n == string(b) {
			*s = StabilizationState(i)
			return nil
		}
	}
	return fmt.Errorf("unknown stabilization state %q", b)
}

// Gender of a face.
type Gender int

const (
	GenderUnknown Gender = iota
	GenderMale
	GenderFemale
)

var genderNames = [...]string{"unknown", "male", "female"}

func (g Gender) String() string {
	if g < 0 || int(g) >= len(genderNames) {
		return fmt.Sprintf("Gender(%d)", int(g))
	}
	return genderNames[g]
}

func (g Gender) MarshalText() ([]byte, error) { return []byte(g.String()), nil }

func (g *Gender) UnmarshalText(b []byte) error {
	for i, n := range genderNames {
		if n == string(b) {
			*g = Gender(i)
			return nil
		}
	}
	return fmt.Errorf("unknown gender %q", b)
}

// Expression is the dominant facial expression.
type Expression int

const (
	ExpressionUnknown Expression = iota
	ExpressionNeutral
	ExpressionHappiness
	ExpressionSurprise
	ExpressionAnger
	ExpressionSadness
)

// ExpressionScoreCount is the number of real expressions scored per face.
const ExpressionScoreCount = int(ExpressionSadness)

var expressionNames = [...]string{"Unknown", "Neutral", "Happiness", "Surprise", "Anger", "Sadness"}

func (e Expression) String() string {
	if e < 0 || int(e) >= len(expressionNames) {
		return ""
	}
	return expressionNames[e]
}

func (e Expression) MarshalText() ([]byte, error) { return []byte(e.String()), nil }

func (e *Expression) UnmarshalText(b []byte) error {
	for i, n := range expressionNames {
		if strings.EqualFold(n, string(b)) {
			*e = Expression(i)
			return nil
		}
	}
	return fmt.Errorf("unknown expression %q", b)
}

// Point is an integer position in device pixels.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Direction is a face orientation in degrees.
type Direction struct {
	Pitch int `json:"pitch"`
	Roll  int `json:"roll"`
	Yaw   int `json:"yaw"`
}

// NoTrackingID marks a detection the tracker did not report.
const NoTrackingID = -1

// Body is one detected human body.
type Body struct {
	Position   Point `json:"position"`
	Size       int   `json:"size"`
	Confidence int   `json:"confidence"`
	TrackingID int   `json:"tracking_id"`
}

// Hand is one detected hand. Hands are not tracked.
type Hand struct {
	Position   Point `json:"position"`
	Size       int   `json:"size"`
	Confidence int   `json:"confidence"`
}

// Face is one detected face with its estimated properties. A property whose
// feature was disabled for the frame keeps its zero value.
type Face struct {
	Position   Point `json:"position"`
	Size       int   `json:"size"`
	Confidence int   `json:"confidence"`
	TrackingID int   `json:"tracking_id"`

	Direction           Direction `json:"direction"`
	DirectionConfidence int       `json:"direction_confidence"`

	Age           int                `json:"age"`
	AgeConfidence int                `json:"age_confidence"`
	AgeState      StabilizationState `json:"age_state"`

	Gender           Gender             `json:"gender"`
	GenderConfidence int                `json:"gender_confidence"`
	GenderState      StabilizationState `json:"gender_state"`

	Gaze       Point `json:"gaze"`
	BlinkLeft  int   `json:"blink_left"`
	BlinkRight int   `json:"blink_right"`

	Expression       Expression                `json:"expression"`
	ExpressionScores [ExpressionScoreCount]int `json:"expression_scores"`
	ExpressionDegree int                       `json:"expression_degree"`
}

// Frame is what one successful acquisition iteration hands to the store.
// A nil Image leaves the stored image untouched.
type Frame struct {
	Faces      []Face
	Bodies     []Body
	Hands      []Hand
	Image      *RawImage
	CapturedAt time.Time
	SessionID  string
}

// Snapshot is one published, internally consistent set of results.
type Snapshot struct {
	Sequence    uint64    `json:"sequence"`
	CapturedAt  time.Time `json:"captured_at"`
	SessionID   string    `json:"session_id"`
	Faces       []Face    `json:"faces"`
	Bodies      []Body    `json:"bodies"`
	Hands       []Hand    `json:"hands"`
	ImageWidth  int       `json:"image_width"`
	ImageHeight int       `json:"image_height"`
}
