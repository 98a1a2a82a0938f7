package hvc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/banshee-data/presence.report/internal/sensing"
)

// SettingTimeout bounds the configuration commands.
const SettingTimeout = time.Second

// Transport is the byte link the client drives.
type Transport interface {
	Send(p []byte) (int, error)
	// Receive returns exactly n bytes or an error with whatever arrived.
	Receive(timeout time.Duration, n int) ([]byte, error)
}

// Client issues commands over a Transport. It is not safe for concurrent
// use; the acquisition worker owns it.
type Client struct {
	tr Transport
}

// NewClient wraps tr.
func NewClient(tr Transport) *Client {
	return &Client{tr: tr}
}

// exchange sends one command and reads its response. A non-zero status is
// returned as-is with a nil error; the caller decides what it means.
func (c *Client) exchange(cmd byte, payload []byte, timeout time.Duration) (byte, []byte, error) {
	frame := EncodeCommand(cmd, payload)
	n, err := c.tr.Send(frame)
	if err != nil {
		return 0, nil, protoErr(CodeSendData, err)
	}
	if n != len(frame) {
		return 0, nil, protoErr(CodeSendData, fmt.Errorf("wrote %d of %d bytes", n, len(frame)))
	}

	header, err := c.tr.Receive(timeout, responseHeaderSize)
	if err != nil || len(header) != responseHeaderSize {
		return 0, nil, protoErr(CodeHeaderTimeout, err)
	}
	status, length, err := decodeResponseHeader(header)
	if err != nil {
		return 0, nil, protoErr(CodeHeaderInvalid, err)
	}
	if length == 0 {
		return status, nil, nil
	}
	data, err := c.tr.Receive(timeout, length)
	if err != nil || len(data) != length {
		return 0, nil, protoErr(CodeDataTimeout, err)
	}
	return status, data, nil
}

func (c *Client) command(cmd byte, payload []byte, timeout time.Duration) ([]byte, error) {
	status, data, err := c.exchange(cmd, payload, timeout)
	if err != nil {
		return nil, err
	}
	if status != 0 {
		return nil, &StatusError{Command: cmd, Status: status}
	}
	return data, nil
}

// Execute runs one detection. It returns the raw frame and the device
// status; a non-zero status comes back with a nil frame and nil error. The
// error is non-nil only when the exchange itself failed.
func (c *Client) Execute(timeout time.Duration, features sensing.Feature, mode sensing.ImageMode) (*sensing.RawFrameResult, int, error) {
	if features&^sensing.AllFeatures != 0 {
		return nil, 0, protoErr(CodeParameter, fmt.Errorf("unsupported feature bits 0x%X", uint32(features&^sensing.AllFeatures)))
	}
	if mode > sensing.ImageQVGAHalf {
		return nil, 0, protoErr(CodeParameter, fmt.Errorf("unsupported image mode %d", mode))
	}

	status, data, err := c.exchange(CmdExecute, executePayload(features, mode), timeout)
	if err != nil {
		return nil, 0, err
	}
	if status != 0 {
		return nil, int(status), nil
	}
	raw, err := DecodeExecute(data, features, mode)
	if err != nil {
		return nil, 0, protoErr(CodeDataTimeout, err)
	}
	return raw, 0, nil
}

// Version identifies the device firmware.
type Version struct {
	Model    string
	Major    int
	Minor    int
	Release  int
	Revision uint32
}

func (v Version) String() string {
	return fmt.Sprintf("%s %d.%d.%d.%d", v.Model, v.Major, v.Minor, v.Release, v.Revision)
}

const versionPayloadSize = 12 + 3 + 4

// GetVersion reads the model string and firmware version.
func (c *Client) GetVersion(timeout time.Duration) (Version, error) {
	data, err := c.command(CmdGetVersion, nil, timeout)
	if err != nil {
		return Version{}, err
	}
	if len(data) < versionPayloadSize {
		return Version{}, protoErr(CodeDataTimeout, fmt.Errorf("version payload %d bytes", len(data)))
	}
	return Version{
		Model:    strings.TrimRight(string(data[:12]), " \x00"),
		Major:    int(data[12]),
		Minor:    int(data[13]),
		Release:  int(data[14]),
		Revision: binary.LittleEndian.Uint32(data[15:19]),
	}, nil
}

// SetCameraAngle sets the mounting rotation: 0, 1, 2, 3 for 0, 90, 180, 270
// degrees.
func (c *Client) SetCameraAngle(angle int, timeout time.Duration) error {
	if angle < 0 || angle > 3 {
		return protoErr(CodeParameter, fmt.Errorf("camera angle %d", angle))
	}
	_, err := c.command(CmdSetCameraAngle, []byte{byte(angle)}, timeout)
	return err
}

// Thresholds are detection confidence thresholds, 1..1000.
type Thresholds struct {
	Body, Hand, Face, Recognition int
}

// SetThresholds sets the detection thresholds.
func (c *Client) SetThresholds(t Thresholds, timeout time.Duration) error {
	p := make([]byte, 0, 8)
	for _, v := range []int{t.Body, t.Hand, t.Face, t.Recognition} {
		if v < 1 || v > 1000 {
			return protoErr(CodeParameter, fmt.Errorf("threshold %d", v))
		}
		p = binary.LittleEndian.AppendUint16(p, uint16(v))
	}
	_, err := c.command(CmdSetThreshold, p, timeout)
	return err
}

// SizeRange is an inclusive size window in pixels.
type SizeRange struct {
	Min, Max int
}

// SizeRanges holds the per-category detection size windows.
type SizeRanges struct {
	Body, Hand, Face SizeRange
}

// SetSizeRanges sets the detection size windows.
func (c *Client) SetSizeRanges(s SizeRanges, timeout time.Duration) error {
	p := make([]byte, 0, 12)
	for _, r := range []SizeRange{s.Body, s.Hand, s.Face} {
		if r.Min < 20 || r.Max > 8192 || r.Min > r.Max {
			return protoErr(CodeParameter, fmt.Errorf("size range %d..%d", r.Min, r.Max))
		}
		p = binary.LittleEndian.AppendUint16(p, uint16(r.Min))
		p = binary.LittleEndian.AppendUint16(p, uint16(r.Max))
	}
	_, err := c.command(CmdSetSizeRange, p, timeout)
	return err
}

// SetFaceAngle sets the expected face pose (0 frontal, 1 half profile,
// 2 profile) and roll tolerance (0 for 15 degrees, 1 for 45).
func (c *Client) SetFaceAngle(pose, angle int, timeout time.Duration) error {
	if pose < 0 || pose > 2 || angle < 0 || angle > 1 {
		return protoErr(CodeParameter, fmt.Errorf("face pose %d angle %d", pose, angle))
	}
	_, err := c.command(CmdSetFaceAngle, []byte{byte(pose), byte(angle)}, timeout)
	return err
}

// Params is the device setup applied after the port opens.
type Params struct {
	CameraAngle int
	Thresholds  Thresholds
	Sizes       SizeRanges
	FacePose    int
	FaceAngle   int
}

// DefaultParams returns the power-on defaults.
func DefaultParams() Params {
	return Params{
		Thresholds: Thresholds{Body: 500, Hand: 500, Face: 500, Recognition: 500},
		Sizes: SizeRanges{
			Body: SizeRange{Min: 30, Max: 8192},
			Hand: SizeRange{Min: 40, Max: 8192},
			Face: SizeRange{Min: 64, Max: 8192},
		},
	}
}

// Apply pushes every parameter, continuing past failures. The returned
// error joins all failures.
func (c *Client) Apply(p Params, timeout time.Duration) error {
	return errors.Join(
		wrap("camera angle", c.SetCameraAngle(p.CameraAngle, timeout)),
		wrap("thresholds", c.SetThresholds(p.Thresholds, timeout)),
		wrap("size ranges", c.SetSizeRanges(p.Sizes, timeout)),
		wrap("face angle", c.SetFaceAngle(p.FacePose, p.FaceAngle, timeout)),
	)
}

func wrap(what string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("set %s: %w", what, err)
}
