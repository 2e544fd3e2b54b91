package sf45

import (
	"context"
	"fmt"

	"github.com/banshee-data/rangefinder/internal/config"
	"github.com/banshee-data/rangefinder/internal/monitoring"
)

// plan is a fully validated DeviceConfig.
type plan struct {
	fields     OutputFields
	rate       *SampleRate
	scanSpeed  *int
	fov        *float64
	low, high  *float64
	fixedAngle *float64
	scanning   bool
	stream     bool
}

func planConfig(cfg *config.DeviceConfig) (plan, error) {
	if err := cfg.Validate(); err != nil {
		return plan{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	p := plan{scanning: cfg.GetScanning(), stream: cfg.GetStream()}

	fields, err := ParseOutputFields(cfg.GetOutputFields())
	if err != nil {
		return plan{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	p.fields = fields

	if cfg.SampleRateHz != nil {
		r, err := SampleRateFromHz(*cfg.SampleRateHz)
		if err != nil {
			return plan{}, err
		}
		p.rate = &r
	}
	if cfg.ScanSpeed != nil {
		if err := checkRange("scan speed", float64(*cfg.ScanSpeed), MinScanSpeed, MaxScanSpeed); err != nil {
			return plan{}, err
		}
		p.scanSpeed = cfg.ScanSpeed
	}
	if cfg.FieldOfView != nil {
		if err := checkRange("field of view", *cfg.FieldOfView, MinFieldOfView, MaxFieldOfView); err != nil {
			return plan{}, err
		}
		p.fov = cfg.FieldOfView
	}
	if cfg.LowAngle != nil {
		if err := checkRange("low angle", *cfg.LowAngle, MinLowAngle, MaxLowAngle); err != nil {
			return plan{}, err
		}
		if err := checkRange("high angle", *cfg.HighAngle, MinHighAngle, MaxHighAngle); err != nil {
			return plan{}, err
		}
		p.low, p.high = cfg.LowAngle, cfg.HighAngle
	}
	if cfg.FixedAngle != nil {
		if err := checkRange("angle", *cfg.FixedAngle, MinFixedAngle, MaxFixedAngle); err != nil {
			return plan{}, err
		}
		p.fixedAngle = cfg.FixedAngle
	}
	return p, nil
}

// Apply writes cfg to the device: output fields, sample rate, scan speed,
// scan window, fixed angle, scanning and finally streaming. The whole config
// is validated before the first write, so a bad config leaves the device
// untouched.
func Apply(ctx context.Context, s *Session, cfg *config.DeviceConfig) error {
	p, err := planConfig(cfg)
	if err != nil {
		return err
	}

	if err := s.SetOutputFields(ctx, p.fields); err != nil {
		return fmt.Errorf("failed to set output fields: %w", err)
	}
	if p.rate != nil {
		if err := s.SetSampleRate(ctx, *p.rate); err != nil {
			return fmt.Errorf("failed to set sample rate: %w", err)
		}
	}
	if p.scanSpeed != nil {
		if err := s.SetScanSpeed(ctx, *p.scanSpeed); err != nil {
			return fmt.Errorf("failed to set scan speed: %w", err)
		}
	}
	switch {
	case p.fov != nil:
		if err := s.SetFieldOfView(ctx, *p.fov); err != nil {
			return fmt.Errorf("failed to set field of view: %w", err)
		}
	case p.low != nil:
		if err := s.SetHighAngle(ctx, *p.high); err != nil {
			return fmt.Errorf("failed to set high angle: %w", err)
		}
		if err := s.SetLowAngle(ctx, *p.low); err != nil {
			return fmt.Errorf("failed to set low angle: %w", err)
		}
	}
	if p.fixedAngle != nil {
		if err := s.SetAngle(ctx, *p.fixedAngle); err != nil {
			return fmt.Errorf("failed to set angle: %w", err)
		}
	}
	if err := s.EnableScanning(ctx, p.scanning); err != nil {
		return fmt.Errorf("failed to set scanning: %w", err)
	}
	if err := s.EnableStream(ctx, p.stream); err != nil {
		return fmt.Errorf("failed to set stream: %w", err)
	}
	monitoring.Logf("sf45: applied config: fields=%s scanning=%t stream=%t", p.fields, p.scanning, p.stream)
	return nil
}
