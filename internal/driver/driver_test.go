package driver

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/presence.report/internal/hvc"
	"github.com/banshee-data/presence.report/internal/monitoring"
	"github.com/banshee-data/presence.report/internal/sensing"
	"github.com/banshee-data/presence.report/internal/serialport"
	"github.com/banshee-data/presence.report/internal/stb"
)

func init() {
	monitoring.SetLogger(nil)
}

const waitFor = 2 * time.Second

type fakeLink struct {
	mu      sync.Mutex
	openErr error
	opens   int
	closes  int
}

func (l *fakeLink) Open(portID, baud int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.opens++
	return l.openErr
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closes++
	return nil
}

func (l *fakeLink) setOpenErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.openErr = err
}

func (l *fakeLink) counts() (opens, closes int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.opens, l.closes
}

type step struct {
	raw    *sensing.RawFrameResult
	status int
	err    error
}

// scriptedInvoker plays steps in order and then repeats the last one.
type scriptedInvoker struct {
	mu       sync.Mutex
	steps    []step
	calls    int
	features []sensing.Feature
}

func (s *scriptedInvoker) Execute(timeout time.Duration, features sensing.Feature, mode sensing.ImageMode) (*sensing.RawFrameResult, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := min(s.calls, len(s.steps)-1)
	s.calls++
	s.features = append(s.features, features)
	if s.calls > len(s.steps) {
		time.Sleep(time.Millisecond)
	}
	st := s.steps[i]
	return st.raw, st.status, st.err
}

func (s *scriptedInvoker) push(st step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps[:min(s.calls, len(s.steps))], st)
}

func (s *scriptedInvoker) lastFeatures() sensing.Feature {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.features) == 0 {
		return 0
	}
	return s.features[len(s.features)-1]
}

type countingStabilizer struct {
	mu     sync.Mutex
	resets int
}

func (c *countingStabilizer) Track(sensing.Feature, *sensing.RawFrameResult) (sensing.TrackingResult, error) {
	return sensing.TrackingResult{}, sensing.ErrTrackingUnavailable
}

func (c *countingStabilizer) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resets++
}

func (c *countingStabilizer) resetCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resets
}

func oneFace(age int) *sensing.RawFrameResult {
	raw := &sensing.RawFrameResult{Executed: sensing.FeatureFace | sensing.FeatureAge, FaceCount: 1}
	raw.Faces[0].Detection = sensing.RawDetection{X: 160, Y: 120, Size: 80, Confidence: 700}
	raw.Faces[0].Age = sensing.RawAge{Age: age, Confidence: 400}
	return raw
}

func testConfig() Config {
	return Config{Features: sensing.FeatureFace | sensing.FeatureAge, Timeout: 50 * time.Millisecond}
}

func waitState(t *testing.T, d *Driver, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return d.State() == want }, waitFor, time.Millisecond,
		"driver never reached %s (now %s)", want, d.State())
}

func TestSetup_OpenFailure(t *testing.T) {
	link := &fakeLink{openErr: errors.New("no such device")}
	d := New(testConfig(), link, &scriptedInvoker{steps: []step{{raw: oneFace(30)}}}, &countingStabilizer{})

	err := d.Setup()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such device")
	assert.Equal(t, NotStarted, d.State())
	assert.False(t, d.IsInitialized())
	assert.Equal(t, uint64(0), d.Store().Sequence())
	assert.Contains(t, d.Status().LastError, "no such device")
}

func TestStatusErrorStopsAndKeepsSnapshot(t *testing.T) {
	link := &fakeLink{}
	inv := &scriptedInvoker{steps: []step{
		{raw: oneFace(30)},
		{status: 3},
	}}
	d := New(testConfig(), link, inv, &countingStabilizer{})
	defer d.Close()

	require.NoError(t, d.Setup())
	waitState(t, d, Stopped)

	assert.False(t, d.IsInitialized())
	faces := d.Faces()
	require.Len(t, faces, 1, "previous snapshot must remain visible")
	assert.Equal(t, 30, faces[0].Age)
	assert.Equal(t, sensing.NoTrackingID, faces[0].TrackingID)
	assert.Equal(t, uint64(1), d.Store().Sequence())

	_, closes := link.counts()
	assert.Equal(t, 1, closes, "transport closed on failure")

	st := d.Status()
	assert.Contains(t, st.LastError, "0x03")
	assert.Equal(t, uint64(1), st.Failures)
	assert.Equal(t, uint64(2), st.Iterations)
}

func TestProtocolErrorStops(t *testing.T) {
	inv := &scriptedInvoker{steps: []step{
		{err: &hvc.ProtocolError{Code: hvc.CodeHeaderTimeout}},
	}}
	d := New(testConfig(), &fakeLink{}, inv, &countingStabilizer{})
	defer d.Close()

	require.NoError(t, d.Setup())
	waitState(t, d, Stopped)
	assert.Empty(t, d.Faces())
	assert.Contains(t, d.Status().LastError, "response header timeout (-20)")
}

func TestEnsureRunningRestarts(t *testing.T) {
	link := &fakeLink{}
	stab := &countingStabilizer{}
	inv := &scriptedInvoker{steps: []step{{status: 5}}}
	d := New(testConfig(), link, inv, stab)
	defer d.Close()

	require.NoError(t, d.Setup())
	first := d.Status().SessionID
	waitState(t, d, Stopped)

	inv.push(step{raw: oneFace(41)})
	require.NoError(t, d.EnsureRunning())
	assert.True(t, d.IsInitialized())

	st := d.Status()
	assert.NotEqual(t, first, st.SessionID)
	assert.Equal(t, 1, st.Restarts)
	assert.Equal(t, 2, stab.resetCount(), "tracker reset on every run")

	require.Eventually(t, func() bool { return len(d.Faces()) == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, st.SessionID, d.Snapshot().SessionID)

	// No-op while running.
	require.NoError(t, d.EnsureRunning())
	opens, _ := link.counts()
	assert.Equal(t, 2, opens)
}

// gatedDevice blocks setup until release is closed.
type gatedDevice struct {
	entered chan struct{}
	release chan struct{}
}

func newGatedDevice() *gatedDevice {
	return &gatedDevice{entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedDevice) GetVersion(time.Duration) (hvc.Version, error) {
	close(g.entered)
	<-g.release
	return hvc.Version{Model: "HVC-P2", Major: 1, Minor: 2, Release: 3, Revision: 4}, nil
}

func (g *gatedDevice) Apply(hvc.Params, time.Duration) error {
	<-g.release
	return nil
}

func TestAccessorsDoNotWaitOnDeviceSetup(t *testing.T) {
	dev := newGatedDevice()
	params := hvc.DefaultParams()
	cfg := testConfig()
	cfg.Params = &params
	inv := &scriptedInvoker{steps: []step{{raw: oneFace(22)}}}
	d := New(cfg, &fakeLink{}, inv, &countingStabilizer{}, WithDevice(dev))
	defer d.Close()

	setupErr := make(chan error, 1)
	go func() { setupErr <- d.Setup() }()
	<-dev.entered

	start := time.Now()
	assert.False(t, d.IsInitialized())
	assert.Equal(t, NotStarted, d.State())
	assert.Equal(t, "not_started", d.Status().State.String())
	assert.NoError(t, d.EnsureRunning(), "start already in flight")
	assert.Less(t, time.Since(start), 100*time.Millisecond, "readers blocked behind device setup")

	close(dev.release)
	require.NoError(t, <-setupErr)
	waitState(t, d, Running)
	assert.Equal(t, "HVC-P2 1.2.3.4", d.Status().Device)
}

func TestCloseDuringSetup(t *testing.T) {
	dev := newGatedDevice()
	link := &fakeLink{}
	d := New(testConfig(), link, &scriptedInvoker{steps: []step{{raw: oneFace(22)}}}, &countingStabilizer{}, WithDevice(dev))

	setupErr := make(chan error, 1)
	go func() { setupErr <- d.Setup() }()
	<-dev.entered

	require.NoError(t, d.Close())
	close(dev.release)
	assert.ErrorIs(t, <-setupErr, ErrClosed)
	assert.Equal(t, Closed, d.State())
	assert.Equal(t, uint64(0), d.Store().Sequence(), "no worker after Close")
	_, closes := link.counts()
	assert.Equal(t, 2, closes)
}

func TestUpdate_FrameEdge(t *testing.T) {
	link := &fakeLink{}
	d := New(testConfig(), link, &scriptedInvoker{steps: []step{{status: 1}}}, &countingStabilizer{})
	defer d.Close()

	require.NoError(t, d.Setup())
	waitState(t, d, Stopped)
	link.setOpenErr(errors.New("unplugged"))

	assert.Error(t, d.Update())
	assert.True(t, d.IsFrameNew(), "failed iteration still marks a frame")
	assert.True(t, d.IsFrameNew(), "edge is stable within a cycle")

	assert.Error(t, d.Update())
	assert.False(t, d.IsFrameNew())
	assert.Equal(t, Stopped, d.State())
}

func TestClose(t *testing.T) {
	link := &fakeLink{}
	d := New(testConfig(), link, &scriptedInvoker{steps: []step{{raw: oneFace(20)}}}, &countingStabilizer{})

	require.NoError(t, d.Setup())
	require.Eventually(t, func() bool { return d.Store().Sequence() > 0 }, waitFor, time.Millisecond)

	require.NoError(t, d.Close())
	assert.Equal(t, Closed, d.State())
	assert.ErrorIs(t, d.EnsureRunning(), ErrClosed)
	require.NoError(t, d.Close(), "second close is a no-op")

	seq := d.Store().Sequence()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, seq, d.Store().Sequence(), "no publishes after Close")
	assert.NotEmpty(t, d.Faces())
}

func TestFeatureSetters(t *testing.T) {
	inv := &scriptedInvoker{steps: []step{{raw: oneFace(20)}}}
	d := New(Config{Features: sensing.FeatureFace}, &fakeLink{}, inv, &countingStabilizer{})
	defer d.Close()

	d.SetAgeEstimation(true)
	d.SetGenderEstimation(true)
	d.SetFaceDetection(false)
	assert.Equal(t, sensing.FeatureAge|sensing.FeatureGender, d.Features())
	assert.True(t, d.IsFeatureEnabled(sensing.FeatureAge))
	assert.False(t, d.IsFeatureEnabled(sensing.FeatureFace))

	d.SetFeatures(sensing.AllFeatures | 0x8000)
	assert.Equal(t, sensing.AllFeatures, d.Features(), "unknown bits dropped")

	d.SetImageMode(sensing.ImageQVGAHalf)
	assert.Equal(t, sensing.ImageQVGAHalf, d.ImageMode())

	require.NoError(t, d.Setup())
	d.SetFeatures(sensing.FeatureBody)
	require.Eventually(t, func() bool { return inv.lastFeatures() == sensing.FeatureBody }, waitFor, time.Millisecond)
}

func TestSetDebugPrint(t *testing.T) {
	defer monitoring.SetDebug(false)
	d := New(Config{}, &fakeLink{}, &scriptedInvoker{steps: []step{{}}}, &countingStabilizer{})

	d.SetDebugPrint(true)
	assert.True(t, d.DebugPrint())
	assert.True(t, monitoring.DebugEnabled())
	d.SetDebugPrint(false)
	assert.False(t, monitoring.DebugEnabled())
}

func TestImageModeNoneLeavesImage(t *testing.T) {
	raw := oneFace(20)
	raw.Image = sensing.RawImage{Width: 4, Height: 2, Pixels: []byte{1, 2, 3, 4, 5, 6, 7, 8}}
	inv := &scriptedInvoker{steps: []step{{raw: raw}}}
	d := New(testConfig(), &fakeLink{}, inv, &countingStabilizer{})
	defer d.Close()

	require.NoError(t, d.Setup())
	require.Eventually(t, func() bool { return d.Store().Sequence() > 2 }, waitFor, time.Millisecond)
	assert.Nil(t, d.Image())

	d.SetImageMode(sensing.ImageQVGA)
	require.Eventually(t, func() bool { return d.Image() != nil }, waitFor, time.Millisecond)
	img := d.Image()
	assert.Equal(t, 4, img.Rect.Dx())
	assert.Equal(t, byte(8), img.Pix[7])
}

func TestSimulatedDevice(t *testing.T) {
	sim := hvc.NewSimulator(hvc.WanderingScene(2), 0)
	tr := serialport.NewTransport(sim, "", "/dev/ttySIM%d")
	client := hvc.NewClient(tr)
	params := hvc.DefaultParams()

	cfg := Config{
		Features:  sensing.FeatureFace | sensing.FeatureBody | sensing.FeatureDirection | sensing.FeatureAge | sensing.FeatureGender,
		ImageMode: sensing.ImageQVGAHalf,
		Timeout:   200 * time.Millisecond,
		Params:    &params,
	}
	d := New(cfg, tr, client, stb.New(stb.DefaultParams()), WithDevice(client))
	defer d.Close()

	require.NoError(t, d.Setup())
	require.Eventually(t, func() bool { return d.Store().Sequence() >= 5 }, waitFor, time.Millisecond)

	snap := d.Snapshot()
	require.Len(t, snap.Faces, 2)
	require.Len(t, snap.Bodies, 2)
	assert.Empty(t, snap.Hands)
	for _, f := range snap.Faces {
		assert.GreaterOrEqual(t, f.TrackingID, 0)
	}
	assert.NotEqual(t, snap.Faces[0].TrackingID, snap.Faces[1].TrackingID)
	assert.Equal(t, 160, snap.ImageWidth)
	assert.Equal(t, "B5T-007001 1.2.3.4", d.Status().Device)

	sim.SetStatus(func(int) byte { return 0x03 })
	waitState(t, d, Stopped)
	assert.Len(t, d.Faces(), 2)
	assert.False(t, tr.IsOpen())

	sim.SetStatus(nil)
	require.NoError(t, d.EnsureRunning())
	assert.True(t, tr.IsOpen())
}
