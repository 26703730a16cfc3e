package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// TuningConfig holds the analysis thresholds and session timing knobs.
// Every field is optional; the Get* methods fall back to the values the
// beam monitor has always used on the E3 test beam line, so partial JSON
// files are safe.
type TuningConfig struct {
	// Windowed aggregation
	IntegrationTime *float64 `json:"integration_time,omitempty"` // seconds per window

	// Beam-state detection
	HitratePeak      *float64 `json:"hitrate_peak,omitempty"`      // burst factor over baseline
	ColumnVariance   *float64 `json:"column_variance,omitempty"`   // pixel^2
	RowVariance      *float64 `json:"row_variance,omitempty"`      // pixel^2
	ResetInterval    *int     `json:"reset_interval,omitempty"`    // spatial history cap
	BeamOn           *float64 `json:"beam_on,omitempty"`           // ratio to median rate
	BeamOff          *float64 `json:"beam_off,omitempty"`          // ratio to median rate
	StartLen         *int     `json:"start_len,omitempty"`         // windows before evaluation
	StartSum         *float64 `json:"start_sum,omitempty"`         // summed Hz before evaluation
	RateHistoryLen   *int     `json:"rate_history_len,omitempty"`  // bound on rate history
	ColumnPitchMM    *float64 `json:"column_pitch_mm,omitempty"`   // FE-I4 column pitch
	RowPitchMM       *float64 `json:"row_pitch_mm,omitempty"`      // FE-I4 row pitch
	AnalysisDisabled *bool    `json:"analysis_disabled,omitempty"` // start with analysis off

	// Session control
	PollInterval           *string `json:"poll_interval,omitempty"` // duration string like "1s"
	TargetThreshold        *int    `json:"target_threshold,omitempty"`
	ReadoutIntervalAcquire *string `json:"readout_interval_acquire,omitempty"`
	ReadoutIntervalIdle    *string `json:"readout_interval_idle,omitempty"`
	PowerSettle            *string `json:"power_settle,omitempty"`
}

// MinIntegrationTime is the floor applied to any requested window length.
const MinIntegrationTime = 0.05

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// DefaultTuningConfig returns a TuningConfig with every field populated with
// its default value.
func DefaultTuningConfig() *TuningConfig {
	return &TuningConfig{
		IntegrationTime:        ptrFloat64(0.1),
		HitratePeak:            ptrFloat64(2.5),
		ColumnVariance:         ptrFloat64(100),
		RowVariance:            ptrFloat64(500),
		ResetInterval:          ptrInt(100),
		BeamOn:                 ptrFloat64(0.7),
		BeamOff:                ptrFloat64(0.2),
		StartLen:               ptrInt(10),
		StartSum:               ptrFloat64(10000),
		RateHistoryLen:         ptrInt(6000),
		ColumnPitchMM:          ptrFloat64(0.25),
		RowPitchMM:             ptrFloat64(0.05),
		AnalysisDisabled:       ptrBool(false),
		PollInterval:           ptrString("1s"),
		TargetThreshold:        ptrInt(54),
		ReadoutIntervalAcquire: ptrString("50ms"),
		ReadoutIntervalIdle:    ptrString("1s"),
		PowerSettle:            ptrString("3s"),
	}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for invalid values.
func (c *TuningConfig) Validate() error {
	if c.IntegrationTime != nil && *c.IntegrationTime <= 0 {
		return fmt.Errorf("integration_time must be positive, got %f", *c.IntegrationTime)
	}

	if c.BeamOn != nil && *c.BeamOn <= 0 {
		return fmt.Errorf("beam_on must be positive, got %f", *c.BeamOn)
	}
	if c.BeamOff != nil && *c.BeamOff < 0 {
		return fmt.Errorf("beam_off must be non-negative, got %f", *c.BeamOff)
	}
	if c.GetBeamOff() >= c.GetBeamOn() {
		return fmt.Errorf("beam_off (%f) must be below beam_on (%f)", c.GetBeamOff(), c.GetBeamOn())
	}

	if c.HitratePeak != nil && *c.HitratePeak <= 1 {
		return fmt.Errorf("hitrate_peak must be greater than 1, got %f", *c.HitratePeak)
	}

	if c.ResetInterval != nil && *c.ResetInterval < 2 {
		return fmt.Errorf("reset_interval must be at least 2, got %d", *c.ResetInterval)
	}
	if c.StartLen != nil && *c.StartLen < 1 {
		return fmt.Errorf("start_len must be at least 1, got %d", *c.StartLen)
	}
	if c.RateHistoryLen != nil && *c.RateHistoryLen < c.GetStartLen() {
		return fmt.Errorf("rate_history_len (%d) must be at least start_len (%d)", *c.RateHistoryLen, c.GetStartLen())
	}

	for name, v := range map[string]*string{
		"poll_interval":            c.PollInterval,
		"readout_interval_acquire": c.ReadoutIntervalAcquire,
		"readout_interval_idle":    c.ReadoutIntervalIdle,
		"power_settle":             c.PowerSettle,
	} {
		if v == nil || *v == "" {
			continue
		}
		if _, err := time.ParseDuration(*v); err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
	}

	if c.TargetThreshold != nil && *c.TargetThreshold <= 0 {
		return fmt.Errorf("target_threshold must be positive, got %d", *c.TargetThreshold)
	}

	return nil
}

// GetIntegrationTime returns the window length in seconds, clamped to
// MinIntegrationTime.
func (c *TuningConfig) GetIntegrationTime() float64 {
	if c.IntegrationTime == nil {
		return 0.1 // default
	}
	if *c.IntegrationTime < MinIntegrationTime {
		return MinIntegrationTime
	}
	return *c.IntegrationTime
}

// GetHitratePeak returns the burst factor or the default.
func (c *TuningConfig) GetHitratePeak() float64 {
	if c.HitratePeak == nil {
		return 2.5 // default
	}
	return *c.HitratePeak
}

// GetColumnVariance returns the column variance threshold or the default.
func (c *TuningConfig) GetColumnVariance() float64 {
	if c.ColumnVariance == nil {
		return 100 // default
	}
	return *c.ColumnVariance
}

// GetRowVariance returns the row variance threshold or the default.
func (c *TuningConfig) GetRowVariance() float64 {
	if c.RowVariance == nil {
		return 500 // default
	}
	return *c.RowVariance
}

// GetResetInterval returns the spatial history cap or the default.
func (c *TuningConfig) GetResetInterval() int {
	if c.ResetInterval == nil {
		return 100 // default
	}
	return *c.ResetInterval
}

// GetBeamOn returns the beam-on ratio or the default.
func (c *TuningConfig) GetBeamOn() float64 {
	if c.BeamOn == nil {
		return 0.7 // default
	}
	return *c.BeamOn
}

// GetBeamOff returns the beam-off ratio or the default.
func (c *TuningConfig) GetBeamOff() float64 {
	if c.BeamOff == nil {
		return 0.2 // default
	}
	return *c.BeamOff
}

// GetStartLen returns the number of windows needed before evaluation.
func (c *TuningConfig) GetStartLen() int {
	if c.StartLen == nil {
		return 10 // default
	}
	return *c.StartLen
}

// GetStartSum returns the summed rate needed before evaluation.
func (c *TuningConfig) GetStartSum() float64 {
	if c.StartSum == nil {
		return 10000 // default
	}
	return *c.StartSum
}

// GetRateHistoryLen returns the bound on the rate history.
func (c *TuningConfig) GetRateHistoryLen() int {
	if c.RateHistoryLen == nil {
		return 6000 // default
	}
	return *c.RateHistoryLen
}

// GetColumnPitchMM returns the column pitch in millimetres.
func (c *TuningConfig) GetColumnPitchMM() float64 {
	if c.ColumnPitchMM == nil {
		return 0.25 // default
	}
	return *c.ColumnPitchMM
}

// GetRowPitchMM returns the row pitch in millimetres.
func (c *TuningConfig) GetRowPitchMM() float64 {
	if c.RowPitchMM == nil {
		return 0.05 // default
	}
	return *c.RowPitchMM
}

// GetAnalysisDisabled reports whether beam analysis starts switched off.
func (c *TuningConfig) GetAnalysisDisabled() bool {
	if c.AnalysisDisabled == nil {
		return false // default
	}
	return *c.AnalysisDisabled
}

// GetTargetThreshold returns the GDAC tuning target or the default.
func (c *TuningConfig) GetTargetThreshold() int {
	if c.TargetThreshold == nil {
		return 54 // default
	}
	return *c.TargetThreshold
}

// GetPollInterval returns the tuning-chain poll interval.
func (c *TuningConfig) GetPollInterval() time.Duration {
	return parseDurationOr(c.PollInterval, time.Second)
}

// GetReadoutIntervalAcquire returns the FIFO readout interval used while
// acquiring beam data.
func (c *TuningConfig) GetReadoutIntervalAcquire() time.Duration {
	return parseDurationOr(c.ReadoutIntervalAcquire, 50*time.Millisecond)
}

// GetReadoutIntervalIdle returns the FIFO readout interval used for
// calibration scans.
func (c *TuningConfig) GetReadoutIntervalIdle() time.Duration {
	return parseDurationOr(c.ReadoutIntervalIdle, time.Second)
}

// GetPowerSettle returns how long to wait after switching the supply on.
func (c *TuningConfig) GetPowerSettle() time.Duration {
	return parseDurationOr(c.PowerSettle, 3*time.Second)
}

func parseDurationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def // default on parse error
	}
	return d
}
