// Package stb stabilizes raw detections across frames: it gives each face
// and body a persistent tracking id, damps position and size jitter, and
// settles a face's age and gender over several frames.
package stb

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/presence.report/internal/sensing"
)

// Params tunes the tracker.
type Params struct {
	// RetryCount is how many frames a track survives without a detection.
	RetryCount int
	// PositionSteadiness and SizeSteadiness are percentages of the tracked
	// size below which a change is treated as jitter and ignored.
	PositionSteadiness int
	SizeSteadiness     int

	// Property estimation accepts a face sample only when the direction
	// confidence reaches PropertyThreshold and the pose lies inside the
	// angle window.
	PropertyThreshold int
	AngleUDMin        int
	AngleUDMax        int
	AngleLRMin        int
	AngleLRMax        int
	// PropertyFrames is the number of samples averaged before a property
	// is complete.
	PropertyFrames int
}

// DefaultParams returns the stock tuning.
func DefaultParams() Params {
	return Params{
		RetryCount:         2,
		PositionSteadiness: 30,
		SizeSteadiness:     30,
		PropertyThreshold:  300,
		AngleUDMin:         -15,
		AngleUDMax:         20,
		AngleLRMin:         -20,
		AngleLRMax:         20,
		PropertyFrames:     10,
	}
}

// gate is the largest centre distance, in multiples of the tracked size,
// that may still continue a track.
const gate = 1.5

type property struct {
	values  []float64
	weights []float64
	value   int
	status  sensing.TrackerStatus
}

func (p *property) stabilized() sensing.StabilizedValue {
	return sensing.StabilizedValue{Value: p.value, Status: p.status}
}

type track struct {
	id     int
	center sensing.Point
	size   int
	misses int

	age    property
	gender property
}

type detection struct {
	index  int
	center sensing.Point
	size   int
}

// Tracker is safe for concurrent use, though the acquisition worker is its
// only caller in practice.
type Tracker struct {
	params Params

	mu     sync.Mutex
	faces  []*track
	bodies []*track
	nextID int
}

// New returns a Tracker with no tracks.
func New(p Params) *Tracker {
	if p.PropertyFrames < 1 {
		p.PropertyFrames = 1
	}
	return &Tracker{params: p}
}

// Reset drops every track. Tracking ids keep increasing across resets.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.faces = nil
	t.bodies = nil
}

// TrackCount returns the number of live face and body tracks.
func (t *Tracker) TrackCount() (faces, bodies int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.faces), len(t.bodies)
}

// Track updates the tracks with one raw frame. It returns
// sensing.ErrTrackingUnavailable when neither faces nor bodies were
// detected in the frame.
func (t *Tracker) Track(executed sensing.Feature, raw *sensing.RawFrameResult) (sensing.TrackingResult, error) {
	var res sensing.TrackingResult
	if raw == nil || !executed.Any(sensing.FeatureFace|sensing.FeatureBody) {
		return res, sensing.ErrTrackingUnavailable
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	nBodies, _, nFaces := raw.Counts()

	if executed.Has(sensing.FeatureBody) {
		dets := make([]detection, nBodies)
		for i := range dets {
			d := raw.Bodies[i]
			dets[i] = detection{index: i, center: sensing.Point{X: d.X, Y: d.Y}, size: d.Size}
		}
		var matched map[int]*track
		t.bodies, matched = t.step(t.bodies, dets)
		for _, d := range dets {
			tr := matched[d.index]
			res.Bodies = append(res.Bodies, sensing.TrackedEntity{
				DetectID: d.index, TrackingID: tr.id, Center: tr.center, Size: tr.size,
			})
		}
	}

	if executed.Has(sensing.FeatureFace) {
		dets := make([]detection, nFaces)
		for i := range dets {
			d := raw.Faces[i].Detection
			dets[i] = detection{index: i, center: sensing.Point{X: d.X, Y: d.Y}, size: d.Size}
		}
		var matched map[int]*track
		t.faces, matched = t.step(t.faces, dets)
		for _, d := range dets {
			tr := matched[d.index]
			t.estimate(tr, executed, raw.Faces[d.index])
			res.Faces = append(res.Faces, sensing.TrackedFace{
				TrackedEntity: sensing.TrackedEntity{
					DetectID: d.index, TrackingID: tr.id, Center: tr.center, Size: tr.size,
				},
				Age:    tr.age.stabilized(),
				Gender: tr.gender.stabilized(),
			})
		}
	}
	return res, nil
}

// step associates dets with tracks, ages out unmatched tracks and opens
// new ones. It returns the surviving tracks and the track each detection
// ended up on.
func (t *Tracker) step(tracks []*track, dets []detection) ([]*track, map[int]*track) {
	matched := make(map[int]*track, len(dets))

	var pairs []int
	if len(dets) > 0 && len(tracks) > 0 {
		cost := make([][]float64, len(dets))
		for i, d := range dets {
			cost[i] = make([]float64, len(tracks))
			for j, tr := range tracks {
				cost[i][j] = matchCost(d, tr)
			}
		}
		pairs = assign(cost)
	}

	hit := make([]bool, len(tracks))
	for i, d := range dets {
		if pairs != nil && pairs[i] >= 0 {
			tr := tracks[pairs[i]]
			hit[pairs[i]] = true
			t.follow(tr, d)
			matched[d.index] = tr
			continue
		}
		tr := &track{id: t.nextID, center: d.center, size: d.size}
		t.nextID++
		matched[d.index] = tr
	}

	kept := tracks[:0:0]
	for j, tr := range tracks {
		if !hit[j] {
			tr.misses++
			if tr.misses > t.params.RetryCount {
				continue
			}
		}
		kept = append(kept, tr)
	}
	for _, d := range dets {
		if tr := matched[d.index]; tr.misses == 0 && !containsTrack(kept, tr) {
			kept = append(kept, tr)
		}
	}
	return kept, matched
}

func containsTrack(ts []*track, tr *track) bool {
	for _, x := range ts {
		if x == tr {
			return true
		}
	}
	return false
}

func matchCost(d detection, tr *track) float64 {
	ref := float64(max(tr.size, 1))
	dist := math.Hypot(float64(d.center.X-tr.center.X), float64(d.center.Y-tr.center.Y)) / ref
	ratio := float64(max(d.size, 1)) / ref
	if dist > gate || ratio < 0.5 || ratio > 2 {
		return forbidden
	}
	return dist + math.Abs(math.Log(ratio))
}

// follow moves tr onto d unless the change is inside the steadiness band.
func (t *Tracker) follow(tr *track, d detection) {
	tr.misses = 0
	band := float64(tr.size)
	moved := math.Hypot(float64(d.center.X-tr.center.X), float64(d.center.Y-tr.center.Y))
	if moved > band*float64(t.params.PositionSteadiness)/100 {
		tr.center = d.center
	}
	if math.Abs(float64(d.size-tr.size)) > band*float64(t.params.SizeSteadiness)/100 {
		tr.size = d.size
	}
}

// estimate feeds a face sample into the track's age and gender.
func (t *Tracker) estimate(tr *track, executed sensing.Feature, f sensing.RawFace) {
	if executed.Has(sensing.FeatureDirection) && !t.poseUsable(f.Direction) {
		return
	}
	if executed.Has(sensing.FeatureAge) && f.Age.Age != sensing.Sentinel {
		t.sample(&tr.age, f.Age.Age, f.Age.Confidence, meanOf)
	}
	if executed.Has(sensing.FeatureGender) && f.Gender.Gender != sensing.Sentinel {
		t.sample(&tr.gender, f.Gender.Gender, f.Gender.Confidence, modeOf)
	}
}

func (t *Tracker) poseUsable(d sensing.RawDirection) bool {
	p := t.params
	return d.Confidence >= p.PropertyThreshold &&
		d.UD >= p.AngleUDMin && d.UD <= p.AngleUDMax &&
		d.LR >= p.AngleLRMin && d.LR <= p.AngleLRMax
}

func (t *Tracker) sample(p *property, value, confidence int, reduce func(x, w []float64) int) {
	switch p.status {
	case sensing.TrackerComplete:
		p.status = sensing.TrackerFixed
		return
	case sensing.TrackerFixed:
		return
	}
	p.values = append(p.values, float64(value))
	p.weights = append(p.weights, float64(max(confidence, 1)))
	p.status = sensing.TrackerCalculating
	if len(p.values) >= t.params.PropertyFrames {
		p.value = reduce(p.values, p.weights)
		p.status = sensing.TrackerComplete
		p.values, p.weights = nil, nil
	}
}

func meanOf(x, w []float64) int {
	return int(math.Round(stat.Mean(x, w)))
}

func modeOf(x, w []float64) int {
	v, _ := stat.Mode(x, w)
	return int(v)
}
