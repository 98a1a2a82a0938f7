package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/banshee-data/presence.report/internal/config"
	"github.com/banshee-data/presence.report/internal/driver"
	"github.com/banshee-data/presence.report/internal/hvc"
	"github.com/banshee-data/presence.report/internal/sensing"
	"github.com/banshee-data/presence.report/internal/stb"
)

// loadConfig reads path, or the default path when it exists, or returns an
// empty configuration.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		if _, err := os.Stat(config.DefaultConfigPath); errors.Is(err, fs.ErrNotExist) {
			return config.Empty(), nil
		}
		path = config.DefaultConfigPath
	}
	return config.Load(path)
}

func driverConfig(cfg *config.Config) (driver.Config, error) {
	features, err := sensing.ParseFeatures(cfg.Detection.GetFeatures())
	if err != nil {
		return driver.Config{}, fmt.Errorf("detection.features: %w", err)
	}
	mode, err := sensing.ParseImageMode(cfg.Detection.GetImageMode())
	if err != nil {
		return driver.Config{}, fmt.Errorf("detection.image_mode: %w", err)
	}
	dc := driver.Config{
		PortID:     cfg.Serial.GetPortID(),
		BaudRate:   cfg.Serial.GetBaudRate(),
		Features:   features,
		ImageMode:  mode,
		DebugPrint: cfg.Detection.GetDebugPrint(),
		Timeout:    cfg.Detection.GetTimeout(),
	}
	if cfg.Device.GetApplyParams() {
		p := deviceParams(&cfg.Device)
		dc.Params = &p
	}
	return dc, nil
}

func deviceParams(d *config.DeviceConfig) hvc.Params {
	size := func(r config.SizeRange) hvc.SizeRange { return hvc.SizeRange{Min: r.Min, Max: r.Max} }
	return hvc.Params{
		CameraAngle: d.GetCameraAngle(),
		Thresholds: hvc.Thresholds{
			Body:        d.GetBodyThreshold(),
			Hand:        d.GetHandThreshold(),
			Face:        d.GetFaceThreshold(),
			Recognition: d.GetRecogThreshold(),
		},
		Sizes: hvc.SizeRanges{
			Body: size(d.GetBodySize()),
			Hand: size(d.GetHandSize()),
			Face: size(d.GetFaceSize()),
		},
		FacePose:  d.GetFacePose(),
		FaceAngle: d.GetFaceAngle(),
	}
}

func trackerParams(s *config.StabilizerConfig) stb.Params {
	return stb.Params{
		RetryCount:         s.GetRetryCount(),
		PositionSteadiness: s.GetPositionSteadiness(),
		SizeSteadiness:     s.GetSizeSteadiness(),
		PropertyThreshold:  s.GetPropertyThreshold(),
		AngleUDMin:         s.GetAngleUDMin(),
		AngleUDMax:         s.GetAngleUDMax(),
		AngleLRMin:         s.GetAngleLRMin(),
		AngleLRMax:         s.GetAngleLRMax(),
		PropertyFrames:     s.GetPropertyFrames(),
	}
}
