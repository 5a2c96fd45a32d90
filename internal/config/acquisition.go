package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical acquisition defaults file.
const DefaultConfigPath = "config/acquisition.defaults.json"

// AcquisitionConfig holds every instrument and processing parameter. It is
// loaded once at startup and passed by reference to each component. Unset
// fields fall back to the defaults returned by the Get* accessors, so
// partial files are safe.
type AcquisitionConfig struct {
	// Digitizer
	BolometerChannel *string `json:"bolometer_channel,omitempty"`
	EncoderChannel   *string `json:"encoder_channel,omitempty"`
	ScanFrequencyHz  *int    `json:"scan_frequency_hz,omitempty"`
	SettleSamples    *int    `json:"settle_samples,omitempty"` // readings dropped from the head of every packet
	DigitizerPort    *string `json:"digitizer_port,omitempty"`
	DigitizerBaud    *int    `json:"digitizer_baud_rate,omitempty"`

	// Actuator
	ActuatorPorts   []string `json:"actuator_ports,omitempty"` // empty: probe every serial port
	ActuatorBaud    *int     `json:"actuator_baud_rate,omitempty"`
	Axis            *int     `json:"axis,omitempty"`
	SweepLengthMM   *float64 `json:"sweep_length_mm,omitempty"`
	StartPointMM    *float64 `json:"start_point_mm,omitempty"`
	ResetSpeedMMs   *float64 `json:"reset_speed_mm_s,omitempty"`
	MotorSpeedMMs   *float64 `json:"motor_speed_mm_s,omitempty"`
	MicrostepSizeUM *float64 `json:"microstep_size_um,omitempty"`

	// Quality gate and processing
	MaxErrorCount    *int     `json:"max_error_count,omitempty"`
	MaxMissedCount   *int     `json:"max_missed_count,omitempty"`
	PositionBound    *float64 `json:"position_bound,omitempty"`
	PolyDegree       *int     `json:"poly_degree,omitempty"`
	MinRunSamples    *int     `json:"min_run_samples,omitempty"`
	WatchdogMultiple *float64 `json:"watchdog_multiple,omitempty"`

	// Storage
	RawDataDir       *string `json:"raw_data_dir,omitempty"`
	ProcessedDataDir *string `json:"processed_data_dir,omitempty"`
	AverageDataDir   *string `json:"average_data_dir,omitempty"`
	DatabasePath     *string `json:"database_path,omitempty"`
}

func ptrString(v string) *string    { return &v }
func ptrFloat64(v float64) *float64 { return &v }

// EmptyAcquisitionConfig returns a config with every field unset, which
// resolves to the built-in defaults.
func EmptyAcquisitionConfig() *AcquisitionConfig {
	return &AcquisitionConfig{}
}

// LoadAcquisitionConfig loads an AcquisitionConfig from a JSON file.
func LoadAcquisitionConfig(path string) (*AcquisitionConfig, error) {
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

	cfg := EmptyAcquisitionConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that every set value is usable.
func (c *AcquisitionConfig) Validate() error {
	if c.ScanFrequencyHz != nil && *c.ScanFrequencyHz <= 0 {
		return fmt.Errorf("scan_frequency_hz must be positive, got %d", *c.ScanFrequencyHz)
	}
	if c.SettleSamples != nil && *c.SettleSamples < 0 {
		return fmt.Errorf("settle_samples must be non-negative, got %d", *c.SettleSamples)
	}
	if c.Axis != nil && *c.Axis < 1 {
		return fmt.Errorf("axis must be 1 or greater, got %d", *c.Axis)
	}
	for name, v := range map[string]*float64{
		"sweep_length_mm":   c.SweepLengthMM,
		"reset_speed_mm_s":  c.ResetSpeedMMs,
		"motor_speed_mm_s":  c.MotorSpeedMMs,
		"microstep_size_um": c.MicrostepSizeUM,
		"watchdog_multiple": c.WatchdogMultiple,
	} {
		if v != nil && *v <= 0 {
			return fmt.Errorf("%s must be positive, got %g", name, *v)
		}
	}
	if c.MaxErrorCount != nil && *c.MaxErrorCount < 0 {
		return fmt.Errorf("max_error_count must be non-negative, got %d", *c.MaxErrorCount)
	}
	if c.MaxMissedCount != nil && *c.MaxMissedCount < 0 {
		return fmt.Errorf("max_missed_count must be non-negative, got %d", *c.MaxMissedCount)
	}
	if c.PolyDegree != nil && (*c.PolyDegree < 0 || *c.PolyDegree > 20) {
		return fmt.Errorf("poly_degree must be between 0 and 20, got %d", *c.PolyDegree)
	}
	if c.MinRunSamples != nil && *c.MinRunSamples < c.GetPolyDegree()+1 {
		return fmt.Errorf("min_run_samples must be at least poly_degree+1 (%d), got %d", c.GetPolyDegree()+1, *c.MinRunSamples)
	}
	return nil
}

// GetBolometerChannel returns the analog channel carrying the detector signal.
func (c *AcquisitionConfig) GetBolometerChannel() string {
	if c.BolometerChannel == nil || *c.BolometerChannel == "" {
		return "AIN0"
	}
	return *c.BolometerChannel
}

// GetEncoderChannel returns the channel carrying the mirror encoder count.
func (c *AcquisitionConfig) GetEncoderChannel() string {
	if c.EncoderChannel == nil || *c.EncoderChannel == "" {
		return "AIN200"
	}
	return *c.EncoderChannel
}

// Channels returns the streamed channels in reading order (encoder, detector).
func (c *AcquisitionConfig) Channels() []string {
	return []string{c.GetEncoderChannel(), c.GetBolometerChannel()}
}

func (c *AcquisitionConfig) GetScanFrequencyHz() int {
	if c.ScanFrequencyHz == nil {
		return 1000
	}
	return *c.ScanFrequencyHz
}

func (c *AcquisitionConfig) GetSettleSamples() int {
	if c.SettleSamples == nil {
		return 2
	}
	return *c.SettleSamples
}

func (c *AcquisitionConfig) GetDigitizerPort() string {
	if c.DigitizerPort == nil {
		return ""
	}
	return *c.DigitizerPort
}

func (c *AcquisitionConfig) GetDigitizerBaud() int {
	if c.DigitizerBaud == nil {
		return 921600
	}
	return *c.DigitizerBaud
}

func (c *AcquisitionConfig) GetActuatorBaud() int {
	if c.ActuatorBaud == nil {
		return 115200
	}
	return *c.ActuatorBaud
}

func (c *AcquisitionConfig) GetAxis() int {
	if c.Axis == nil {
		return 1
	}
	return *c.Axis
}

func (c *AcquisitionConfig) GetSweepLengthMM() float64 {
	if c.SweepLengthMM == nil {
		return 50
	}
	return *c.SweepLengthMM
}

func (c *AcquisitionConfig) GetStartPointMM() float64 {
	if c.StartPointMM == nil {
		return 0
	}
	return *c.StartPointMM
}

func (c *AcquisitionConfig) GetResetSpeedMMs() float64 {
	if c.ResetSpeedMMs == nil {
		return 10
	}
	return *c.ResetSpeedMMs
}

func (c *AcquisitionConfig) GetMotorSpeedMMs() float64 {
	if c.MotorSpeedMMs == nil {
		return 2
	}
	return *c.MotorSpeedMMs
}

// GetMicrostepSizeUM returns the linear distance of one actuator microstep.
func (c *AcquisitionConfig) GetMicrostepSizeUM() float64 {
	if c.MicrostepSizeUM == nil {
		return 0.047625
	}
	return *c.MicrostepSizeUM
}

func (c *AcquisitionConfig) GetMaxErrorCount() int {
	if c.MaxErrorCount == nil {
		return 50
	}
	return *c.MaxErrorCount
}

func (c *AcquisitionConfig) GetMaxMissedCount() int {
	if c.MaxMissedCount == nil {
		return 50
	}
	return *c.MaxMissedCount
}

func (c *AcquisitionConfig) GetPositionBound() float64 {
	if c.PositionBound == nil {
		return 17000
	}
	return *c.PositionBound
}

func (c *AcquisitionConfig) GetPolyDegree() int {
	if c.PolyDegree == nil {
		return 8
	}
	return *c.PolyDegree
}

// GetMinRunSamples returns the smallest run that is worth processing.
func (c *AcquisitionConfig) GetMinRunSamples() int {
	if c.MinRunSamples == nil {
		return c.GetPolyDegree() + 1
	}
	return *c.MinRunSamples
}

func (c *AcquisitionConfig) GetWatchdogMultiple() float64 {
	if c.WatchdogMultiple == nil {
		return 3
	}
	return *c.WatchdogMultiple
}

func (c *AcquisitionConfig) GetRawDataDir() string {
	if c.RawDataDir == nil || *c.RawDataDir == "" {
		return "raw_data"
	}
	return *c.RawDataDir
}

func (c *AcquisitionConfig) GetProcessedDataDir() string {
	if c.ProcessedDataDir == nil || *c.ProcessedDataDir == "" {
		return "processed_data"
	}
	return *c.ProcessedDataDir
}

func (c *AcquisitionConfig) GetAverageDataDir() string {
	if c.AverageDataDir == nil || *c.AverageDataDir == "" {
		return "average_processed_data"
	}
	return *c.AverageDataDir
}

func (c *AcquisitionConfig) GetDatabasePath() string {
	if c.DatabasePath == nil || *c.DatabasePath == "" {
		return "fts_data.db"
	}
	return *c.DatabasePath
}

// SweepDuration is the nominal time of one forward and backward stroke at
// the operating speed.
func (c *AcquisitionConfig) SweepDuration() time.Duration {
	seconds := 2 * c.GetSweepLengthMM() / c.GetMotorSpeedMMs()
	return time.Duration(seconds * float64(time.Second))
}

// WatchdogTimeout bounds how long one cycle's stream and sweep may take
// before the cycle is abandoned.
func (c *AcquisitionConfig) WatchdogTimeout() time.Duration {
	const minimum = 5 * time.Second
	d := time.Duration(c.GetWatchdogMultiple() * float64(c.SweepDuration()))
	if d < minimum {
		return minimum
	}
	return d
}

// WithDataRoot returns a copy of the config with the storage paths placed
// under root. Used by tests and the --data flag.
func (c *AcquisitionConfig) WithDataRoot(root string) *AcquisitionConfig {
	cp := *c
	cp.RawDataDir = ptrString(filepath.Join(root, c.GetRawDataDir()))
	cp.ProcessedDataDir = ptrString(filepath.Join(root, c.GetProcessedDataDir()))
	cp.AverageDataDir = ptrString(filepath.Join(root, c.GetAverageDataDir()))
	cp.DatabasePath = ptrString(filepath.Join(root, c.GetDatabasePath()))
	return &cp
}
