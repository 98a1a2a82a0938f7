package hvc

import (
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/presence.report/internal/serialport"
	"github.com/banshee-data/presence.report/internal/sensing"
)

// Scene produces the raw frame a simulated device reports for frame n.
type Scene func(n int, requested sensing.Feature, mode sensing.ImageMode) *sensing.RawFrameResult

// Simulator answers the command protocol in place of hardware. It is used
// by tests and by `presence run --simulate`.
type Simulator struct {
	mu       sync.Mutex
	scene    Scene
	frame    int
	interval time.Duration

	// Status, when set, overrides the execute status for frame n.
	Status func(n int) byte
	// Silent, when set, makes the device drop the response for frame n.
	Silent func(n int) bool

	Commands []byte
}

// NewSimulator returns a device that plays scene, pausing interval before
// each execute response to mimic the camera's frame time.
func NewSimulator(scene Scene, interval time.Duration) *Simulator {
	if scene == nil {
		scene = WanderingScene(2)
	}
	return &Simulator{scene: scene, interval: interval}
}

// Port returns a fresh scripted port wired to the simulator.
func (s *Simulator) Port() *serialport.TestableSerialPort {
	p := serialport.NewTestableSerialPort()
	p.Respond = s.respond
	return p
}

// Open implements serialport.Opener.
func (s *Simulator) Open(string, serialport.Options) (serialport.Port, error) {
	return s.Port(), nil
}

// SetStatus replaces the status override while the simulator is in use.
func (s *Simulator) SetStatus(fn func(n int) byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Status = fn
}

// Frames returns how many execute commands were answered.
func (s *Simulator) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame
}

func (s *Simulator) respond(written []byte) []byte {
	cmd, payload, err := DecodeCommand(written)
	if err != nil {
		return nil
	}

	s.mu.Lock()
	s.Commands = append(s.Commands, cmd)
	s.mu.Unlock()

	switch cmd {
	case CmdGetVersion:
		p := make([]byte, versionPayloadSize)
		copy(p, "B5T-007001  ")
		p[12], p[13], p[14] = 1, 2, 3
		binary.LittleEndian.PutUint32(p[15:], 4)
		return EncodeResponse(0, p)
	case CmdSetCameraAngle, CmdSetThreshold, CmdSetSizeRange, CmdSetFaceAngle:
		return EncodeResponse(0, nil)
	case CmdExecute:
		return s.execute(payload)
	default:
		return EncodeResponse(0x01, nil)
	}
}

func (s *Simulator) execute(payload []byte) []byte {
	if len(payload) < 3 {
		return EncodeResponse(0x02, nil)
	}
	requested := sensing.Feature(binary.LittleEndian.Uint16(payload[0:2]))
	mode := sensing.ImageMode(payload[2])

	s.mu.Lock()
	n := s.frame
	s.frame++
	statusFn, silentFn, scene := s.Status, s.Silent, s.scene
	s.mu.Unlock()

	if s.interval > 0 {
		time.Sleep(s.interval)
	}
	if silentFn != nil && silentFn(n) {
		return nil
	}
	if statusFn != nil {
		if st := statusFn(n); st != 0 {
			return EncodeResponse(st, nil)
		}
	}
	raw := scene(n, requested, mode)
	return EncodeResponse(0, EncodeExecute(raw, requested, mode))
}

// WanderingScene is a scene of people walking slow circles in front of the
// camera. Every person has a face, body and hand.
func WanderingScene(people int) Scene {
	return func(n int, requested sensing.Feature, mode sensing.ImageMode) *sensing.RawFrameResult {
		raw := &sensing.RawFrameResult{Executed: requested}
		count := min(people, sensing.Capacity)
		for i := 0; i < count; i++ {
			phase := float64(n)/30 + float64(i)*2*math.Pi/float64(max(count, 1))
			x := 800 + int(400*math.Cos(phase))
			y := 600 + int(200*math.Sin(phase))

			if requested.Has(sensing.FeatureBody) {
				raw.Bodies[raw.BodyCount] = sensing.RawDetection{X: x, Y: y + 300, Size: 420, Confidence: 800}
				raw.BodyCount++
			}
			if requested.Has(sensing.FeatureHand) {
				raw.Hands[raw.HandCount] = sensing.RawDetection{X: x + 150, Y: y + 250, Size: 90, Confidence: 650}
				raw.HandCount++
			}
			if requested.Any(sensing.FaceFeatures) {
				scores := [sensing.ExpressionScoreCount]int{20, 10, 10, 10, 10}
				scores[(n/45+i)%sensing.ExpressionScoreCount] = 60
				raw.Faces[raw.FaceCount] = sensing.RawFace{
					Detection:  sensing.RawDetection{X: x, Y: y, Size: 160, Confidence: 720},
					Direction:  sensing.RawDirection{LR: int(15 * math.Sin(phase*2)), UD: 3, Roll: 0, Confidence: 600},
					Age:        sensing.RawAge{Age: 25 + 10*i, Confidence: 500},
					Gender:     sensing.RawGender{Gender: i % 2, Confidence: 700},
					Gaze:       sensing.RawGaze{LR: int(10 * math.Cos(phase)), UD: -2},
					Blink:      sensing.RawBlink{Left: 300 + (n%20)*10, Right: 320},
					Expression: sensing.RawExpression{Scores: scores, Degree: 60},
				}
				raw.FaceCount++
			}
		}
		if mode != sensing.ImageNone {
			w, h := 320, 240
			if mode == sensing.ImageQVGAHalf {
				w, h = 160, 120
			}
			px := make([]byte, w*h)
			for j := range px {
				px[j] = byte((j%w + n) & 0xFF)
			}
			raw.Image = sensing.RawImage{Width: w, Height: h, Pixels: px}
		}
		return raw
	}
}
