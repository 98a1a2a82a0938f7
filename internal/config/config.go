// Package config loads the presence service configuration.
//
// Every field is a pointer so that a partial file only overrides what it
// names; the Get* accessors supply defaults for anything left nil. The
// same document is accepted as JSON or YAML.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is where `presence run` looks when --config is unset.
const DefaultConfigPath = "config/presence.yaml"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Feature names accepted in detection.features.
var FeatureNames = []string{"body", "hand", "face", "direction", "age", "gender", "gaze", "blink", "expression"}

// DefaultFeatures is the detection set used when detection.features is
// absent. Body and hand detection are heavy on the device and stay off.
var DefaultFeatures = []string{"face", "direction", "age", "gender", "gaze", "blink", "expression"}

// Config is the root configuration document.
type Config struct {
	Serial     SerialConfig     `json:"serial" yaml:"serial"`
	Detection  DetectionConfig  `json:"detection" yaml:"detection"`
	Stabilizer StabilizerConfig `json:"stabilizer" yaml:"stabilizer"`
	Device     DeviceConfig     `json:"device" yaml:"device"`
	HTTP       HTTPConfig       `json:"http" yaml:"http"`
	GRPC       GRPCConfig       `json:"grpc" yaml:"grpc"`
	Database   DatabaseConfig   `json:"database" yaml:"database"`
	MQTT       MQTTConfig       `json:"mqtt" yaml:"mqtt"`
	Health     HealthConfig     `json:"health" yaml:"health"`
	Log        LogConfig        `json:"log" yaml:"log"`
}

// SerialConfig selects the device port.
type SerialConfig struct {
	PortID       *int    `json:"port_id,omitempty" yaml:"port_id,omitempty"`
	Path         *string `json:"path,omitempty" yaml:"path,omitempty"`
	PathTemplate *string `json:"path_template,omitempty" yaml:"path_template,omitempty"`
	BaudRate     *int    `json:"baud_rate,omitempty" yaml:"baud_rate,omitempty"`
}

// DetectionConfig holds the initial feature set and capture mode.
type DetectionConfig struct {
	Features   []string `json:"features,omitempty" yaml:"features,omitempty"`
	ImageMode  *string  `json:"image_mode,omitempty" yaml:"image_mode,omitempty"` // none | qvga | qvga_half
	DebugPrint *bool    `json:"debug_print,omitempty" yaml:"debug_print,omitempty"`
	Timeout    *string  `json:"timeout,omitempty" yaml:"timeout,omitempty"` // duration string like "1s"
}

// StabilizerConfig tunes the tracker.
type StabilizerConfig struct {
	RetryCount         *int `json:"retry_count,omitempty" yaml:"retry_count,omitempty"`
	PositionSteadiness *int `json:"position_steadiness,omitempty" yaml:"position_steadiness,omitempty"`
	SizeSteadiness     *int `json:"size_steadiness,omitempty" yaml:"size_steadiness,omitempty"`
	PropertyThreshold  *int `json:"property_threshold,omitempty" yaml:"property_threshold,omitempty"`
	AngleUDMin         *int `json:"angle_ud_min,omitempty" yaml:"angle_ud_min,omitempty"`
	AngleUDMax         *int `json:"angle_ud_max,omitempty" yaml:"angle_ud_max,omitempty"`
	AngleLRMin         *int `json:"angle_lr_min,omitempty" yaml:"angle_lr_min,omitempty"`
	AngleLRMax         *int `json:"angle_lr_max,omitempty" yaml:"angle_lr_max,omitempty"`
	PropertyFrames     *int `json:"property_frames,omitempty" yaml:"property_frames,omitempty"`
}

// SizeRange is an inclusive detection size window in pixels.
type SizeRange struct {
	Min int `json:"min" yaml:"min"`
	Max int `json:"max" yaml:"max"`
}

// DeviceConfig holds the parameters pushed to the camera after open.
type DeviceConfig struct {
	ApplyParams    *bool      `json:"apply_params,omitempty" yaml:"apply_params,omitempty"`
	CameraAngle    *int       `json:"camera_angle,omitempty" yaml:"camera_angle,omitempty"`
	BodyThreshold  *int       `json:"body_threshold,omitempty" yaml:"body_threshold,omitempty"`
	HandThreshold  *int       `json:"hand_threshold,omitempty" yaml:"hand_threshold,omitempty"`
	FaceThreshold  *int       `json:"face_threshold,omitempty" yaml:"face_threshold,omitempty"`
	RecogThreshold *int       `json:"recognition_threshold,omitempty" yaml:"recognition_threshold,omitempty"`
	BodySize       *SizeRange `json:"body_size,omitempty" yaml:"body_size,omitempty"`
	HandSize       *SizeRange `json:"hand_size,omitempty" yaml:"hand_size,omitempty"`
	FaceSize       *SizeRange `json:"face_size,omitempty" yaml:"face_size,omitempty"`
	FacePose       *int       `json:"face_pose,omitempty" yaml:"face_pose,omitempty"`
	FaceAngle      *int       `json:"face_angle,omitempty" yaml:"face_angle,omitempty"`
}

// HTTPConfig configures the JSON API and live stream.
type HTTPConfig struct {
	Listen         *string `json:"listen,omitempty" yaml:"listen,omitempty"`
	StreamInterval *string `json:"stream_interval,omitempty" yaml:"stream_interval,omitempty"`
}

// GRPCConfig configures the health service. An empty listen address disables it.
type GRPCConfig struct {
	Listen *string `json:"listen,omitempty" yaml:"listen,omitempty"`
}

// DatabaseConfig configures the frame recorder.
type DatabaseConfig struct {
	Path         *string `json:"path,omitempty" yaml:"path,omitempty"`
	Record       *bool   `json:"record,omitempty" yaml:"record,omitempty"`
	PollInterval *string `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"`
}

// MQTTConfig configures the broker emitter. An empty broker disables it.
type MQTTConfig struct {
	Broker   *string `json:"broker,omitempty" yaml:"broker,omitempty"`
	ClientID *string `json:"client_id,omitempty" yaml:"client_id,omitempty"`
	Topic    *string `json:"topic,omitempty" yaml:"topic,omitempty"`
	Format   *string `json:"format,omitempty" yaml:"format,omitempty"` // json | msgpack
	QoS      *int    `json:"qos,omitempty" yaml:"qos,omitempty"`
}

// HealthConfig controls the restart watchdog.
type HealthConfig struct {
	Interval *string `json:"interval,omitempty" yaml:"interval,omitempty"`
}

// LogConfig configures the logrus backend.
type LogConfig struct {
	File     *string `json:"file,omitempty" yaml:"file,omitempty"`
	Level    *string `json:"level,omitempty" yaml:"level,omitempty"`
	NoColors *bool   `json:"no_colors,omitempty" yaml:"no_colors,omitempty"`
}

func ptrBool(v bool) *bool       { return &v }
func ptrString(v string) *string { return &v }
func ptrInt(v int) *int          { return &v }

// Empty returns a Config with every field unset.
func Empty() *Config { return &Config{} }

// Load reads a Config from a .json, .yaml or .yml file. Fields omitted from
// the file keep their defaults, so partial configs are safe.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Empty()
	if ext == ".json" {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", strings.TrimPrefix(ext, "."), err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *Config) Validate() error {
	if c.Serial.PortID != nil && *c.Serial.PortID < 0 {
		return fmt.Errorf("serial.port_id must be non-negative, got %d", *c.Serial.PortID)
	}
	if c.Serial.BaudRate != nil && *c.Serial.BaudRate < 0 {
		return fmt.Errorf("serial.baud_rate must be non-negative, got %d", *c.Serial.BaudRate)
	}
	if c.Serial.PathTemplate != nil && !strings.Contains(*c.Serial.PathTemplate, "%d") {
		return fmt.Errorf("serial.path_template must contain %%d, got %q", *c.Serial.PathTemplate)
	}

	for _, f := range c.Detection.Features {
		if !isFeatureName(f) {
			return fmt.Errorf("unknown detection feature %q", f)
		}
	}
	if c.Detection.ImageMode != nil {
		switch *c.Detection.ImageMode {
		case "none", "qvga", "qvga_half":
		default:
			return fmt.Errorf("detection.image_mode must be none, qvga or qvga_half, got %q", *c.Detection.ImageMode)
		}
	}

	durations := map[string]*string{
		"detection.timeout":      c.Detection.Timeout,
		"http.stream_interval":   c.HTTP.StreamInterval,
		"database.poll_interval": c.Database.PollInterval,
		"health.interval":        c.Health.Interval,
	}
	for name, v := range durations {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, *v)
		}
	}

	if err := c.Stabilizer.validate(); err != nil {
		return err
	}
	if err := c.Device.validate(); err != nil {
		return err
	}

	if c.MQTT.Format != nil {
		switch *c.MQTT.Format {
		case "json", "msgpack":
		default:
			return fmt.Errorf("mqtt.format must be json or msgpack, got %q", *c.MQTT.Format)
		}
	}
	if c.MQTT.QoS != nil && (*c.MQTT.QoS < 0 || *c.MQTT.QoS > 2) {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", *c.MQTT.QoS)
	}
	return nil
}

func isFeatureName(name string) bool {
	for _, n := range FeatureNames {
		if n == name {
			return true
		}
	}
	return false
}

func (s *StabilizerConfig) validate() error {
	if s.RetryCount != nil && (*s.RetryCount < 0 || *s.RetryCount > 30) {
		return fmt.Errorf("stabilizer.retry_count must be between 0 and 30, got %d", *s.RetryCount)
	}
	for name, v := range map[string]*int{"position_steadiness": s.PositionSteadiness, "size_steadiness": s.SizeSteadiness} {
		if v != nil && (*v < 0 || *v > 100) {
			return fmt.Errorf("stabilizer.%s must be between 0 and 100, got %d", name, *v)
		}
	}
	if s.PropertyThreshold != nil && (*s.PropertyThreshold < 0 || *s.PropertyThreshold > 1000) {
		return fmt.Errorf("stabilizer.property_threshold must be between 0 and 1000, got %d", *s.PropertyThreshold)
	}
	if s.PropertyFrames != nil && (*s.PropertyFrames < 1 || *s.PropertyFrames > 20) {
		return fmt.Errorf("stabilizer.property_frames must be between 1 and 20, got %d", *s.PropertyFrames)
	}
	if s.GetAngleUDMin() > s.GetAngleUDMax() {
		return fmt.Errorf("stabilizer.angle_ud_min (%d) exceeds angle_ud_max (%d)", s.GetAngleUDMin(), s.GetAngleUDMax())
	}
	if s.GetAngleLRMin() > s.GetAngleLRMax() {
		return fmt.Errorf("stabilizer.angle_lr_min (%d) exceeds angle_lr_max (%d)", s.GetAngleLRMin(), s.GetAngleLRMax())
	}
	return nil
}

func (d *DeviceConfig) validate() error {
	if d.CameraAngle != nil {
		switch *d.CameraAngle {
		case 0, 1, 2, 3:
		default:
			return fmt.Errorf("device.camera_angle must be 0..3 (0, 90, 180, 270 degrees), got %d", *d.CameraAngle)
		}
	}
	for name, v := range map[string]*int{
		"body_threshold":        d.BodyThreshold,
		"hand_threshold":        d.HandThreshold,
		"face_threshold":        d.FaceThreshold,
		"recognition_threshold": d.RecogThreshold,
	} {
		if v != nil && (*v < 1 || *v > 1000) {
			return fmt.Errorf("device.%s must be between 1 and 1000, got %d", name, *v)
		}
	}
	for name, r := range map[string]*SizeRange{"body_size": d.BodySize, "hand_size": d.HandSize, "face_size": d.FaceSize} {
		if r != nil && (r.Min < 20 || r.Max > 8192 || r.Min > r.Max) {
			return fmt.Errorf("device.%s must satisfy 20 <= min <= max <= 8192, got %d..%d", name, r.Min, r.Max)
		}
	}
	if d.FacePose != nil && (*d.FacePose < 0 || *d.FacePose > 2) {
		return fmt.Errorf("device.face_pose must be 0..2, got %d", *d.FacePose)
	}
	if d.FaceAngle != nil && (*d.FaceAngle < 0 || *d.FaceAngle > 1) {
		return fmt.Errorf("device.face_angle must be 0 or 1, got %d", *d.FaceAngle)
	}
	return nil
}

// GetPortID returns the numeric port id. Defaults to 0.
func (s *SerialConfig) GetPortID() int {
	if s.PortID == nil {
		return 0
	}
	return *s.PortID
}

// GetPath returns the explicit device path, or "" when the template applies.
func (s *SerialConfig) GetPath() string {
	if s.Path == nil {
		return ""
	}
	return *s.Path
}

// GetPathTemplate returns the printf template that turns a port id into a path.
func (s *SerialConfig) GetPathTemplate() string {
	if s.PathTemplate != nil && *s.PathTemplate != "" {
		return *s.PathTemplate
	}
	if runtime.GOOS == "windows" {
		return "COM%d"
	}
	return "/dev/ttyACM%d"
}

// GetBaudRate returns the configured baud rate; 0 selects the device default.
func (s *SerialConfig) GetBaudRate() int {
	if s.BaudRate == nil {
		return 0
	}
	return *s.BaudRate
}

// GetFeatures returns the enabled feature names.
func (d *DetectionConfig) GetFeatures() []string {
	if d.Features == nil {
		return append([]string(nil), DefaultFeatures...)
	}
	return append([]string(nil), d.Features...)
}

// GetImageMode returns the capture mode name. Defaults to "none".
func (d *DetectionConfig) GetImageMode() string {
	if d.ImageMode == nil {
		return "none"
	}
	return *d.ImageMode
}

// GetDebugPrint reports whether merged frames are dumped to the log.
func (d *DetectionConfig) GetDebugPrint() bool {
	return d.DebugPrint != nil && *d.DebugPrint
}

// GetTimeout returns the per-execute timeout. Defaults to 1s.
func (d *DetectionConfig) GetTimeout() time.Duration {
	return parseDurationOr(d.Timeout, time.Second)
}

// GetRetryCount returns the number of frames a lost track is kept. Defaults to 2.
func (s *StabilizerConfig) GetRetryCount() int { return intOr(s.RetryCount, 2) }

// GetPositionSteadiness returns the position jitter band in percent. Defaults to 30.
func (s *StabilizerConfig) GetPositionSteadiness() int { return intOr(s.PositionSteadiness, 30) }

// GetSizeSteadiness returns the size jitter band in percent. Defaults to 30.
func (s *StabilizerConfig) GetSizeSteadiness() int { return intOr(s.SizeSteadiness, 30) }

// GetPropertyThreshold returns the minimum direction confidence. Defaults to 300.
func (s *StabilizerConfig) GetPropertyThreshold() int { return intOr(s.PropertyThreshold, 300) }

func (s *StabilizerConfig) GetAngleUDMin() int     { return intOr(s.AngleUDMin, -15) }
func (s *StabilizerConfig) GetAngleUDMax() int     { return intOr(s.AngleUDMax, 20) }
func (s *StabilizerConfig) GetAngleLRMin() int     { return intOr(s.AngleLRMin, -20) }
func (s *StabilizerConfig) GetAngleLRMax() int     { return intOr(s.AngleLRMax, 20) }
func (s *StabilizerConfig) GetPropertyFrames() int { return intOr(s.PropertyFrames, 10) }

// GetApplyParams reports whether device parameters are pushed after open.
func (d *DeviceConfig) GetApplyParams() bool {
	return d.ApplyParams == nil || *d.ApplyParams
}

func (d *DeviceConfig) GetCameraAngle() int    { return intOr(d.CameraAngle, 0) }
func (d *DeviceConfig) GetBodyThreshold() int  { return intOr(d.BodyThreshold, 500) }
func (d *DeviceConfig) GetHandThreshold() int  { return intOr(d.HandThreshold, 500) }
func (d *DeviceConfig) GetFaceThreshold() int  { return intOr(d.FaceThreshold, 500) }
func (d *DeviceConfig) GetRecogThreshold() int { return intOr(d.RecogThreshold, 500) }
func (d *DeviceConfig) GetFacePose() int       { return intOr(d.FacePose, 0) }
func (d *DeviceConfig) GetFaceAngle() int      { return intOr(d.FaceAngle, 0) }

func (d *DeviceConfig) GetBodySize() SizeRange { return sizeOr(d.BodySize, SizeRange{Min: 30, Max: 8192}) }
func (d *DeviceConfig) GetHandSize() SizeRange { return sizeOr(d.HandSize, SizeRange{Min: 40, Max: 8192}) }
func (d *DeviceConfig) GetFaceSize() SizeRange { return sizeOr(d.FaceSize, SizeRange{Min: 64, Max: 8192}) }

// GetListen returns the HTTP listen address. Defaults to ":8088".
func (h *HTTPConfig) GetListen() string { return stringOr(h.Listen, ":8088") }

// GetStreamInterval returns the live stream poll cadence. Defaults to 100ms.
func (h *HTTPConfig) GetStreamInterval() time.Duration {
	return parseDurationOr(h.StreamInterval, 100*time.Millisecond)
}

// GetListen returns the gRPC listen address; "" disables the health service.
func (g *GRPCConfig) GetListen() string { return stringOr(g.Listen, "") }

// GetPath returns the sqlite database path. Defaults to "presence.db".
func (d *DatabaseConfig) GetPath() string { return stringOr(d.Path, "presence.db") }

// GetRecord reports whether frames are written to the database.
func (d *DatabaseConfig) GetRecord() bool { return d.Record != nil && *d.Record }

// GetPollInterval returns the recorder poll cadence. Defaults to 200ms.
func (d *DatabaseConfig) GetPollInterval() time.Duration {
	return parseDurationOr(d.PollInterval, 200*time.Millisecond)
}

func (m *MQTTConfig) GetBroker() string   { return stringOr(m.Broker, "") }
func (m *MQTTConfig) GetClientID() string { return stringOr(m.ClientID, "presence-report") }
func (m *MQTTConfig) GetTopic() string    { return stringOr(m.Topic, "presence") }
func (m *MQTTConfig) GetFormat() string   { return stringOr(m.Format, "json") }
func (m *MQTTConfig) GetQoS() int         { return intOr(m.QoS, 0) }

// GetInterval returns the watchdog cadence. Defaults to 1s.
func (h *HealthConfig) GetInterval() time.Duration {
	return parseDurationOr(h.Interval, time.Second)
}

func (l *LogConfig) GetFile() string   { return stringOr(l.File, "") }
func (l *LogConfig) GetLevel() string  { return stringOr(l.Level, "info") }
func (l *LogConfig) GetNoColors() bool { return l.NoColors != nil && *l.NoColors }

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func stringOr(p *string, def string) string {
	if p == nil {
		return def
	}
	return *p
}

func sizeOr(p *SizeRange, def SizeRange) SizeRange {
	if p == nil {
		return def
	}
	return *p
}

func parseDurationOr(p *string, def time.Duration) time.Duration {
	if p == nil || *p == "" {
		return def
	}
	d, err := time.ParseDuration(*p)
	if err != nil {
		return def
	}
	return d
}
