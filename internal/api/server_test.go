package api

import (
	"bytes"
	"context"
	"errors"
	"image/png"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/presence.report/internal/db"
	"github.com/banshee-data/presence.report/internal/driver"
	"github.com/banshee-data/presence.report/internal/monitoring"
	"github.com/banshee-data/presence.report/internal/sensing"
	"github.com/banshee-data/presence.report/internal/testutil"
)

func init() {
	monitoring.SetLogger(nil)
}

// fakeSensor serves a real store with in-memory configuration.
type fakeSensor struct {
	*sensing.Store

	mu       sync.Mutex
	features sensing.Feature
	mode     sensing.ImageMode
	debug    bool
}

func newFakeSensor() *fakeSensor {
	return &fakeSensor{Store: sensing.NewStore(), features: sensing.FeatureFace | sensing.FeatureAge}
}

func (f *fakeSensor) Status() driver.Status {
	return driver.Status{State: driver.Running, Initialized: true, Sequence: f.Sequence()}
}

func (f *fakeSensor) Features() sensing.Feature {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.features
}

func (f *fakeSensor) SetFeatures(v sensing.Feature) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.features = v
}

func (f *fakeSensor) ImageMode() sensing.ImageMode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mode
}

func (f *fakeSensor) SetImageMode(m sensing.ImageMode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mode = m
}

func (f *fakeSensor) DebugPrint() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.debug
}

func (f *fakeSensor) SetDebugPrint(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.debug = on
}

type fakeHistory struct {
	frames []db.FrameSummary
	err    error
	limit  int
}

func (h *fakeHistory) RecentFrames(_ context.Context, limit int) ([]db.FrameSummary, error) {
	h.limit = limit
	return h.frames, h.err
}

func (h *fakeHistory) Sessions(_ context.Context, limit int) ([]db.Session, error) {
	h.limit = limit
	return nil, h.err
}

func publishFace(s *sensing.Store, age int) {
	s.Publish(sensing.Frame{
		SessionID:  "sess",
		CapturedAt: time.Unix(1700000000, 0).UTC(),
		Faces:      []sensing.Face{{Position: sensing.Point{X: 10, Y: 20}, Size: 64, Age: age, TrackingID: 1}},
		Bodies:     []sensing.Body{{Position: sensing.Point{X: 12, Y: 90}, Size: 200, TrackingID: 2}},
	})
}

func TestReadEndpoints(t *testing.T) {
	sensor := newFakeSensor()
	publishFace(sensor.Store, 40)
	mux := NewServer(sensor, nil, 0).ServeMux()

	rec := testutil.Serve(mux, http.MethodGet, "/api/faces", "")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	faces := testutil.DecodeJSON[[]sensing.Face](t, rec)
	require.Len(t, faces, 1)
	assert.Equal(t, 40, faces[0].Age)

	rec = testutil.Serve(mux, http.MethodGet, "/api/hands", "")
	assert.Equal(t, "[]\n", rec.Body.String(), "empty list, not null")

	rec = testutil.Serve(mux, http.MethodGet, "/api/snapshot", "")
	snap := testutil.DecodeJSON[sensing.Snapshot](t, rec)
	assert.Equal(t, uint64(1), snap.Sequence)
	assert.Equal(t, "sess", snap.SessionID)
	assert.Len(t, snap.Bodies, 1)

	rec = testutil.Serve(mux, http.MethodGet, "/api/status", "")
	assert.Contains(t, rec.Body.String(), `"state":"running"`)

	rec = testutil.Serve(mux, http.MethodPost, "/api/faces", "")
	testutil.AssertStatusCode(t, rec.Code, http.StatusMethodNotAllowed)
}

func TestImageEndpoint(t *testing.T) {
	sensor := newFakeSensor()
	mux := NewServer(sensor, nil, 0).ServeMux()

	rec := testutil.Serve(mux, http.MethodGet, "/api/image.png", "")
	testutil.AssertStatusCode(t, rec.Code, http.StatusNotFound)

	px := make([]byte, 160*120)
	px[0] = 200
	sensor.Publish(sensing.Frame{Image: &sensing.RawImage{Width: 160, Height: 120, Pixels: px}})

	rec = testutil.Serve(mux, http.MethodGet, "/api/image.png", "")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	img, err := png.Decode(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 160, img.Bounds().Dx())
	r, _, _, _ := img.At(0, 0).RGBA()
	assert.Equal(t, uint32(200)*0x101, r)
}

func TestConfigEndpoint(t *testing.T) {
	sensor := newFakeSensor()
	mux := NewServer(sensor, nil, 0).ServeMux()

	rec := testutil.Serve(mux, http.MethodGet, "/api/config", "")
	view := testutil.DecodeJSON[ConfigView](t, rec)
	assert.Equal(t, []string{"face", "age"}, view.Features)
	assert.Equal(t, "none", view.ImageMode)

	rec = testutil.Serve(mux, http.MethodPut, "/api/config",
		`{"enable":["gender","gaze"],"disable":["age"],"image_mode":"qvga_half","debug_print":true}`)
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	view = testutil.DecodeJSON[ConfigView](t, rec)
	assert.Equal(t, []string{"face", "gender", "gaze"}, view.Features)
	assert.Equal(t, "qvga_half", view.ImageMode)
	assert.True(t, view.DebugPrint)
	assert.Equal(t, sensing.ImageQVGAHalf, sensor.ImageMode())

	rec = testutil.Serve(mux, http.MethodPut, "/api/config", `{"features":[]}`)
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Equal(t, sensing.Feature(0), sensor.Features())

	bad := []string{
		`{"features":["tail"]}`,
		`{"enable":["face"],"disable":["face"]}`,
		`{"image_mode":"vga"}`,
		`{"colour":"blue"}`,
		`not json`,
	}
	for _, body := range bad {
		before := sensor.Features()
		rec = testutil.Serve(mux, http.MethodPut, "/api/config", body)
		testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)
		assert.Equal(t, before, sensor.Features(), "rejected update %s must not apply", body)
	}

	rec = testutil.Serve(mux, http.MethodDelete, "/api/config", "")
	testutil.AssertStatusCode(t, rec.Code, http.StatusMethodNotAllowed)
}

func TestHistoryEndpoints(t *testing.T) {
	sensor := newFakeSensor()

	rec := testutil.Serve(NewServer(sensor, nil, 0).ServeMux(), http.MethodGet, "/api/frames", "")
	testutil.AssertStatusCode(t, rec.Code, http.StatusNotFound)

	hist := &fakeHistory{frames: []db.FrameSummary{{ID: 7, SessionID: "s", Sequence: 3, Faces: 1}}}
	mux := NewServer(sensor, hist, 0).ServeMux()

	rec = testutil.Serve(mux, http.MethodGet, "/api/frames?limit=5", "")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Equal(t, 5, hist.limit)
	frames := testutil.DecodeJSON[[]db.FrameSummary](t, rec)
	require.Len(t, frames, 1)
	assert.Equal(t, int64(7), frames[0].ID)

	rec = testutil.Serve(mux, http.MethodGet, "/api/sessions", "")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Equal(t, 50, hist.limit)
	assert.Equal(t, "[]\n", rec.Body.String())

	rec = testutil.Serve(mux, http.MethodGet, "/api/frames?limit=-1", "")
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)

	hist.err = errors.New("disk full")
	rec = testutil.Serve(mux, http.MethodGet, "/api/sessions", "")
	testutil.AssertStatusCode(t, rec.Code, http.StatusInternalServerError)
	assert.Contains(t, rec.Body.String(), "disk full")
}

func TestLoggingMiddleware(t *testing.T) {
	var lines []string
	monitoring.SetLogger(func(format string, v ...interface{}) { lines = append(lines, format) })
	defer monitoring.SetLogger(nil)

	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := testutil.Serve(h, http.MethodGet, "/api/faces?x=1", "")
	testutil.AssertStatusCode(t, rec.Code, http.StatusTeapot)
	require.Len(t, lines, 1)
	assert.True(t, strings.HasPrefix(lines[0], "[%s] %s"))

	assert.Contains(t, statusCodeColor(200), "200")
	assert.Contains(t, statusCodeColor(302), colorYellow)
	assert.Contains(t, statusCodeColor(500), colorBoldRed)
}
