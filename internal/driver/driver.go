// Package driver runs the acquisition loop: a worker goroutine that drives
// detection on the device, folds in the tracker and publishes each merged
// frame to a sensing.Store for readers on their own schedule.
package driver

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/presence.report/internal/hvc"
	"github.com/banshee-data/presence.report/internal/monitoring"
	"github.com/banshee-data/presence.report/internal/sensing"
	"github.com/banshee-data/presence.report/internal/timeutil"
)

// DefaultTimeout bounds one detection call.
const DefaultTimeout = time.Second

// ErrClosed is returned by EnsureRunning after Close.
var ErrClosed = errors.New("driver closed")

// Link is the transport the driver opens and closes across runs.
type Link interface {
	Open(portID, baud int) error
	Close() error
}

// Invoker runs one detection. A non-zero status with a nil error is a
// device-side failure.
type Invoker interface {
	Execute(timeout time.Duration, features sensing.Feature, mode sensing.ImageMode) (*sensing.RawFrameResult, int, error)
}

// Stabilizer tracks entities across frames.
type Stabilizer interface {
	Track(executed sensing.Feature, raw *sensing.RawFrameResult) (sensing.TrackingResult, error)
	Reset()
}

// Device is the optional setup surface used once per run.
type Device interface {
	GetVersion(timeout time.Duration) (hvc.Version, error)
	Apply(p hvc.Params, timeout time.Duration) error
}

// Config is the driver's static configuration.
type Config struct {
	PortID   int
	BaudRate int

	Features   sensing.Feature
	ImageMode  sensing.ImageMode
	DebugPrint bool

	// Timeout bounds each detection; zero means DefaultTimeout.
	Timeout time.Duration
	// Params, when set, is pushed to the device at the start of each run.
	Params *hvc.Params
}

// Driver owns the acquisition worker. Configuration setters and read
// accessors are safe to call from any goroutine.
type Driver struct {
	link    Link
	invoker Invoker
	stab    Stabilizer
	device  Device
	store   *sensing.Store
	clock   timeutil.Clock

	portID  int
	baud    int
	timeout time.Duration
	params  *hvc.Params

	features atomic.Uint32
	mode     atomic.Uint32
	debug    atomic.Bool

	iterations atomic.Uint64
	failures   atomic.Uint64

	// startMu serialises EnsureRunning; mu guards the fields below and is
	// only held for short sections.
	startMu  sync.Mutex
	mu       sync.Mutex
	state    State
	session  string
	version  string
	lastErr  error
	restarts int
	stop     chan struct{}
	done     chan struct{}
}

// Option customises a Driver.
type Option func(*Driver)

// WithDevice enables version logging and parameter setup on each run.
func WithDevice(dev Device) Option {
	return func(d *Driver) { d.device = dev }
}

// WithClock overrides the clock used for capture timestamps.
func WithClock(c timeutil.Clock) Option {
	return func(d *Driver) { d.clock = c }
}

// WithStore publishes into s instead of a fresh store.
func WithStore(s *sensing.Store) Option {
	return func(d *Driver) { d.store = s }
}

// New builds a driver in the NotStarted state. Nothing touches the device
// until Setup.
func New(cfg Config, link Link, invoker Invoker, stab Stabilizer, opts ...Option) *Driver {
	d := &Driver{
		link:    link,
		invoker: invoker,
		stab:    stab,
		store:   sensing.NewStore(),
		clock:   timeutil.RealClock{},
		portID:  cfg.PortID,
		baud:    cfg.BaudRate,
		timeout: cfg.Timeout,
		params:  cfg.Params,
	}
	if d.timeout <= 0 {
		d.timeout = DefaultTimeout
	}
	for _, opt := range opts {
		opt(d)
	}
	d.features.Store(uint32(cfg.Features & sensing.AllFeatures))
	d.mode.Store(uint32(cfg.ImageMode))
	d.SetDebugPrint(cfg.DebugPrint)
	return d
}

// Store returns the store the worker publishes into.
func (d *Driver) Store() *sensing.Store { return d.store }

// Setup opens the link and starts the first run.
func (d *Driver) Setup() error {
	return d.EnsureRunning()
}

// EnsureRunning starts a run unless one is already going. It reopens the
// link, resets the tracker and begins a new session. The open and device
// setup run without holding the state lock, so readers never wait on the
// device. A call made while another start is in flight returns nil.
func (d *Driver) EnsureRunning() error {
	if !d.startMu.TryLock() {
		return nil
	}
	defer d.startMu.Unlock()

	d.mu.Lock()
	state, done := d.state, d.done
	d.mu.Unlock()
	switch state {
	case Running:
		return nil
	case Closed:
		return ErrClosed
	}
	// A stopped worker has already released the link; let it finish.
	if done != nil {
		<-done
	}

	if err := d.link.Open(d.portID, d.baud); err != nil {
		err = fmt.Errorf("open port %d: %w", d.portID, err)
		d.mu.Lock()
		d.lastErr = err
		d.mu.Unlock()
		monitoring.Logf("driver: %v", err)
		return err
	}
	version := d.configureDevice()
	d.stab.Reset()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == Closed {
		// Close ran while the device was being set up.
		if err := d.link.Close(); err != nil {
			monitoring.Logf("driver: close port: %v", err)
		}
		return ErrClosed
	}
	if d.state == Stopped {
		d.restarts++
	}
	if version != "" {
		d.version = version
	}
	d.session = uuid.NewString()
	d.state = Running
	d.lastErr = nil
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	monitoring.Logf("driver: session %s started (features %s, image %s)", d.session, d.Features(), d.ImageMode())

	go d.run(d.session, d.stop, d.done)
	return nil
}

// configureDevice logs the firmware and applies parameters, returning the
// version string or "" when it could not be read. Failures here do not stop
// the run; detection will surface a dead device soon enough.
func (d *Driver) configureDevice() string {
	if d.device == nil {
		return ""
	}
	var version string
	if v, err := d.device.GetVersion(hvc.SettingTimeout); err != nil {
		monitoring.Logf("driver: read version: %v", err)
	} else {
		version = v.String()
		monitoring.Logf("driver: device %s", version)
	}
	if d.params == nil {
		return version
	}
	if err := d.device.Apply(*d.params, hvc.SettingTimeout); err != nil {
		monitoring.Logf("driver: apply device parameters: %v", err)
	}
	return version
}

func (d *Driver) run(session string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		default:
		}

		err := d.iterate(session)
		d.iterations.Add(1)
		d.store.MarkFrame()
		if err != nil {
			d.failures.Add(1)
			d.halt(err)
			return
		}
	}
}

// iterate runs one detection and publishes the merged result.
func (d *Driver) iterate(session string) error {
	features := d.Features()
	mode := d.ImageMode()

	raw, status, err := d.invoker.Execute(d.timeout, features, mode)
	if err != nil {
		monitoring.Logf("driver: execute detection failed: code %d: %v", hvc.Code(err), err)
		return fmt.Errorf("execute detection: %w", err)
	}
	if status != 0 {
		monitoring.Logf("driver: execute detection status 0x%02X", status)
		return &hvc.StatusError{Command: hvc.CmdExecute, Status: byte(status)}
	}
	if raw == nil {
		return fmt.Errorf("execute detection: empty result")
	}

	tracking, err := d.stab.Track(raw.Executed, raw)
	if err != nil && !errors.Is(err, sensing.ErrTrackingUnavailable) {
		monitoring.Logf("driver: tracking: %v", err)
	}

	faces, bodies, hands := sensing.Merge(raw, tracking, features)
	frame := sensing.Frame{
		Faces:      faces,
		Bodies:     bodies,
		Hands:      hands,
		CapturedAt: d.clock.Now(),
		SessionID:  session,
	}
	if mode != sensing.ImageNone {
		frame.Image = &raw.Image
	}
	seq := d.store.Publish(frame)
	if d.debug.Load() {
		sensing.LogFrame(seq, faces, bodies, hands)
	}
	return nil
}

// halt ends the current run after a failure. The last snapshot stays
// published.
func (d *Driver) halt(cause error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastErr = cause
	if err := d.link.Close(); err != nil {
		monitoring.Logf("driver: close port: %v", err)
	}
	if d.state == Running {
		d.state = Stopped
		monitoring.Logf("driver: session %s stopped: %v", d.session, cause)
	}
}

// Close stops the worker, waiting for the in-flight detection, and closes
// the link. The driver cannot be restarted.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.state == Closed {
		d.mu.Unlock()
		return nil
	}
	d.state = Closed
	stop, done := d.stop, d.done
	d.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	return d.link.Close()
}

// Update is the per-cycle hook for a polling host: it latches the frame
// edge and restarts a stopped run.
func (d *Driver) Update() error {
	d.store.Tick()
	return d.EnsureRunning()
}

// State returns the lifecycle state.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// IsInitialized reports whether a run is active.
func (d *Driver) IsInitialized() bool {
	return d.State() == Running
}

// IsFrameNew reports whether the worker produced a frame since the
// previous Update.
func (d *Driver) IsFrameNew() bool {
	return d.store.IsFrameNew()
}

func (d *Driver) Faces() []sensing.Face      { return d.store.Faces() }
func (d *Driver) Bodies() []sensing.Body     { return d.store.Bodies() }
func (d *Driver) Hands() []sensing.Hand      { return d.store.Hands() }
func (d *Driver) Image() *image.Gray         { return d.store.Image() }
func (d *Driver) Snapshot() sensing.Snapshot { return d.store.Snapshot() }

// Sequence returns the number of the latest published snapshot.
func (d *Driver) Sequence() uint64 { return d.store.Sequence() }

// Features returns the enabled feature set.
func (d *Driver) Features() sensing.Feature {
	return sensing.Feature(d.features.Load())
}

// SetFeatures replaces the enabled feature set. The worker picks it up on
// its next detection.
func (d *Driver) SetFeatures(f sensing.Feature) {
	d.features.Store(uint32(f & sensing.AllFeatures))
}

// SetFeature enables or disables a single feature.
func (d *Driver) SetFeature(f sensing.Feature, on bool) {
	for {
		old := d.features.Load()
		next := uint32(sensing.Feature(old).With(f&sensing.AllFeatures, on))
		if d.features.CompareAndSwap(old, next) {
			return
		}
	}
}

// IsFeatureEnabled reports whether every bit of f is enabled.
func (d *Driver) IsFeatureEnabled(f sensing.Feature) bool {
	return d.Features().Has(f)
}

func (d *Driver) SetBodyDetection(on bool)        { d.SetFeature(sensing.FeatureBody, on) }
func (d *Driver) SetHandDetection(on bool)        { d.SetFeature(sensing.FeatureHand, on) }
func (d *Driver) SetFaceDetection(on bool)        { d.SetFeature(sensing.FeatureFace, on) }
func (d *Driver) SetDirectionEstimation(on bool)  { d.SetFeature(sensing.FeatureDirection, on) }
func (d *Driver) SetAgeEstimation(on bool)        { d.SetFeature(sensing.FeatureAge, on) }
func (d *Driver) SetGenderEstimation(on bool)     { d.SetFeature(sensing.FeatureGender, on) }
func (d *Driver) SetGazeEstimation(on bool)       { d.SetFeature(sensing.FeatureGaze, on) }
func (d *Driver) SetBlinkEstimation(on bool)      { d.SetFeature(sensing.FeatureBlink, on) }
func (d *Driver) SetExpressionEstimation(on bool) { d.SetFeature(sensing.FeatureExpression, on) }

// ImageMode returns the capture mode.
func (d *Driver) ImageMode() sensing.ImageMode {
	return sensing.ImageMode(d.mode.Load())
}

// SetImageMode changes the capture mode from the next detection on.
func (d *Driver) SetImageMode(m sensing.ImageMode) {
	d.mode.Store(uint32(m))
}

// DebugPrint reports whether merged frames are logged.
func (d *Driver) DebugPrint() bool { return d.debug.Load() }

// SetDebugPrint toggles per-frame debug logging.
func (d *Driver) SetDebugPrint(on bool) {
	d.debug.Store(on)
	monitoring.SetDebug(on)
}

// Status is a point-in-time summary for status endpoints.
type Status struct {
	State       State     `json:"state"`
	Initialized bool      `json:"initialized"`
	SessionID   string    `json:"session_id,omitempty"`
	Device      string    `json:"device,omitempty"`
	Features    []string  `json:"features"`
	ImageMode   string    `json:"image_mode"`
	DebugPrint  bool      `json:"debug_print"`
	Sequence    uint64    `json:"sequence"`
	Iterations  uint64    `json:"iterations"`
	Failures    uint64    `json:"failures"`
	Restarts    int       `json:"restarts"`
	LastError   string    `json:"last_error,omitempty"`
	CapturedAt  time.Time `json:"captured_at,omitzero"`
}

// Status reports the driver state.
func (d *Driver) Status() Status {
	d.mu.Lock()
	st := Status{
		State:       d.state,
		Initialized: d.state == Running,
		SessionID:   d.session,
		Device:      d.version,
		Restarts:    d.restarts,
	}
	if d.lastErr != nil {
		st.LastError = d.lastErr.Error()
	}
	d.mu.Unlock()

	st.Features = d.Features().Names()
	st.ImageMode = d.ImageMode().String()
	st.DebugPrint = d.DebugPrint()
	st.Sequence = d.store.Sequence()
	st.Iterations = d.iterations.Load()
	st.Failures = d.failures.Load()
	st.CapturedAt = d.store.Snapshot().CapturedAt
	return st
}
