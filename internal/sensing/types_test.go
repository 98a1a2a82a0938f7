package sensing

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFeatures(t *testing.T) {
	t.Parallel()
	f, err := ParseFeatures([]string{"face", " Age ", "gender"})
	require.NoError(t, err)
	assert.Equal(t, FeatureFace|FeatureAge|FeatureGender, f)
	assert.Equal(t, "face|age|gender", f.String())
	assert.Equal(t, []string{"face", "age", "gender"}, f.Names())

	_, err = ParseFeatures([]string{"tail"})
	assert.Error(t, err)

	assert.Equal(t, "none", Feature(0).String())
	assert.Equal(t, Feature(0x1FF), AllFeatures)
}

func TestFeatureWith(t *testing.T) {
	t.Parallel()
	f := Feature(0).With(FeatureBlink, true).With(FeatureGaze, true)
	assert.True(t, f.Has(FeatureBlink))
	f = f.With(FeatureBlink, false)
	assert.False(t, f.Has(FeatureBlink))
	assert.True(t, f.Any(FaceFeatures))
	assert.False(t, f.Has(0))
}

func TestParseImageMode(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]ImageMode{"": ImageNone, "none": ImageNone, "qvga": ImageQVGA, "full": ImageQVGA, "half": ImageQVGAHalf, "QVGA_HALF": ImageQVGAHalf} {
		got, err := ParseImageMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseImageMode("vga")
	assert.Error(t, err)
	assert.Equal(t, "qvga_half", ImageQVGAHalf.String())
}

func TestExpressionNames(t *testing.T) {
	t.Parallel()
	want := []string{"Unknown", "Neutral", "Happiness", "Surprise", "Anger", "Sadness"}
	for i, n := range want {
		assert.Equal(t, n, Expression(i).String())
	}
	assert.Equal(t, "", Expression(6).String())
	assert.Equal(t, 5, ExpressionScoreCount)
}

func TestFaceJSONUsesNames(t *testing.T) {
	t.Parallel()
	in := Face{Gender: GenderFemale, GenderState: StateComplete, Expression: ExpressionSurprise, AgeState: StateInProgress}
	b, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"gender":"female"`)
	assert.Contains(t, string(b), `"gender_state":"complete"`)
	assert.Contains(t, string(b), `"expression":"Surprise"`)
	assert.Contains(t, string(b), `"age_state":"in_progress"`)

	var out Face
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, in, out)
}
