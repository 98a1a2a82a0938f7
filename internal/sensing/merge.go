package sensing

// Merge combines one raw frame with the tracker's output into freshly
// allocated entity lists, ordered by raw detection index.
//
// enabled is the requested feature set; only features that are both
// requested and reported as executed by the device contribute. A category
// that did not run yields a nil list. Tracker entries are correlated by
// detection index and entries pointing past the clamped count are ignored.
func Merge(raw *RawFrameResult, tracking TrackingResult, enabled Feature) (faces []Face, bodies []Body, hands []Hand) {
	if raw == nil {
		return nil, nil, nil
	}
	effective := enabled & raw.Executed
	nBodies, nHands, nFaces := raw.Counts()

	if effective.Has(FeatureBody) {
		bodies = mergeBodies(raw, nBodies, indexBodies(tracking.Bodies, nBodies))
	}
	if effective.Has(FeatureHand) {
		hands = mergeHands(raw, nHands)
	}
	if effective.Any(FaceFeatures) {
		faces = mergeFaces(raw, nFaces, indexFaces(tracking.Faces, nFaces), effective)
	}
	return faces, bodies, hands
}

func indexBodies(tracked []TrackedEntity, n int) map[int]TrackedEntity {
	if len(tracked) == 0 {
		return nil
	}
	byID := make(map[int]TrackedEntity, len(tracked))
	for _, t := range tracked {
		if t.DetectID < 0 || t.DetectID >= n {
			continue
		}
		byID[t.DetectID] = t
	}
	return byID
}

func indexFaces(tracked []TrackedFace, n int) map[int]TrackedFace {
	if len(tracked) == 0 {
		return nil
	}
	byID := make(map[int]TrackedFace, len(tracked))
	for _, t := range tracked {
		if t.DetectID < 0 || t.DetectID >= n {
			continue
		}
		byID[t.DetectID] = t
	}
	return byID
}

func mergeBodies(raw *RawFrameResult, n int, tracked map[int]TrackedEntity) []Body {
	out := make([]Body, n)
	for i := range out {
		d := raw.Bodies[i]
		b := Body{
			Position:   Point{X: d.X, Y: d.Y},
			Size:       d.Size,
			Confidence: d.Confidence,
			TrackingID: NoTrackingID,
		}
		if t, ok := tracked[i]; ok {
			b.Position = t.Center
			b.Size = t.Size
			b.TrackingID = t.TrackingID
		}
		out[i] = b
	}
	return out
}

func mergeHands(raw *RawFrameResult, n int) []Hand {
	out := make([]Hand, n)
	for i := range out {
		d := raw.Hands[i]
		out[i] = Hand{
			Position:   Point{X: d.X, Y: d.Y},
			Size:       d.Size,
			Confidence: d.Confidence,
		}
	}
	return out
}

func mergeFaces(raw *RawFrameResult, n int, tracked map[int]TrackedFace, effective Feature) []Face {
	out := make([]Face, n)
	for i := range out {
		rf := raw.Faces[i]
		t, isTracked := tracked[i]
		f := Face{TrackingID: NoTrackingID}

		if effective.Has(FeatureFace) {
			f.Position = Point{X: rf.Detection.X, Y: rf.Detection.Y}
			f.Size = rf.Detection.Size
			f.Confidence = rf.Detection.Confidence
			if isTracked {
				f.Position = t.Center
				f.Size = t.Size
				f.TrackingID = t.TrackingID
			}
		}

		if effective.Has(FeatureDirection) {
			f.Direction = Direction{Pitch: rf.Direction.UD, Roll: rf.Direction.Roll, Yaw: rf.Direction.LR}
			f.DirectionConfidence = rf.Direction.Confidence
		}

		if effective.Has(FeatureAge) {
			age, conf := rf.Age.Age, rf.Age.Confidence
			if isTracked {
				age, conf = foldTracker(age, conf, t.Age)
			}
			if age != Sentinel {
				f.Age = age
				f.AgeState, f.AgeConfidence = DecodeConfidence(conf)
			}
		}

		if effective.Has(FeatureGender) {
			gender, conf := rf.Gender.Gender, rf.Gender.Confidence
			if isTracked {
				gender, conf = foldTracker(gender, conf, t.Gender)
			}
			if gender != Sentinel {
				f.Gender = GenderFemale
				if gender == 1 {
					f.Gender = GenderMale
				}
				f.GenderState, f.GenderConfidence = DecodeConfidence(conf)
			}
		}

		if effective.Has(FeatureGaze) && rf.Gaze.LR != Sentinel && rf.Gaze.UD != Sentinel {
			f.Gaze = Point{X: rf.Gaze.LR, Y: rf.Gaze.UD}
		}

		if effective.Has(FeatureBlink) && rf.Blink.Left != Sentinel && rf.Blink.Right != Sentinel {
			f.BlinkLeft = rf.Blink.Left
			f.BlinkRight = rf.Blink.Right
		}

		if effective.Has(FeatureExpression) && rf.Expression.Scores[0] != Sentinel {
			f.Expression = clampExpression(rf.Expression.Top)
			for k, s := range rf.Expression.Scores {
				f.ExpressionScores[k] = s
				if s > f.ExpressionDegree {
					f.ExpressionDegree = s
				}
			}
		}

		out[i] = f
	}
	return out
}

func clampExpression(top int) Expression {
	if top < int(ExpressionUnknown) || top > int(ExpressionSadness) {
		return ExpressionUnknown
	}
	return Expression(top)
}
