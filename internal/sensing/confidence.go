package sensing

const (
	inProgressOffset = 10000
	completeOffset   = 20000
	confidenceModulo = 10000
)

// DecodeConfidence splits a packed confidence into its stabilization state
// and the plain confidence. It is total: negative input decodes to StateNone
// with the non-negative remainder.
func DecodeConfidence(v int) (StabilizationState, int) {
	state := StateNone
	switch {
	case v >= completeOffset:
		state = StateComplete
	case v >= inProgressOffset:
		state = StateInProgress
	}
	c := v % confidenceModulo
	if c < 0 {
		c += confidenceModulo
	}
	return state, c
}

// EncodeConfidence packs a state and a confidence in [0, 10000).
func EncodeConfidence(state StabilizationState, confidence int) int {
	switch state {
	case StateComplete:
		return completeOffset + confidence
	case StateInProgress:
		return inProgressOffset + confidence
	}
	return confidence
}

// foldTracker packs the tracker's progress into a raw confidence the way
// the device's own stabilized output is reported: tracked adds one offset,
// complete adds another and replaces the value.
func foldTracker(value, confidence int, tracked StabilizedValue) (int, int) {
	confidence += inProgressOffset
	if tracked.Status >= TrackerComplete {
		value = tracked.Value
		confidence += inProgressOffset
	}
	return value, confidence
}
