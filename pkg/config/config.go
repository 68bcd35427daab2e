package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/mwstream/board"
	"github.com/srg/mwstream/internal/device"
	"github.com/srg/mwstream/internal/device/go-ble"
	"github.com/srg/mwstream/scanner"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel          string        `yaml:"log_level" default:"info"`
	ServiceUUID       string        `yaml:"service_uuid" default:"326a9000-85cb-9195-d9dd-464cfbbae75a"`
	ScanTimeout       time.Duration `yaml:"scan_timeout" default:"0s"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout" default:"30s"`
	MinBatteryPercent uint8         `yaml:"min_battery_percent" default:"20"`
	SampleBuffer      int           `yaml:"sample_buffer" default:"256"`
	EventBuffer       int           `yaml:"event_buffer" default:"64"`

	// AllowList and BlockList restrict which discovered boards are kept.
	AllowList []string `yaml:"allow_list"`
	BlockList []string `yaml:"block_list"`

	Streaming StreamingConfig `yaml:"streaming"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Radio     RadioConfig     `yaml:"radio"`
}

type StreamingConfig struct {
	Accelerometer AccelerometerConfig `yaml:"accelerometer"`
	SensorFusion  SensorFusionConfig  `yaml:"sensor_fusion"`
	Combined      CombinedConfig      `yaml:"combined"`
}

type AccelerometerConfig struct {
	ODRHz              float64       `yaml:"odr_hz" default:"25"`
	RangeG             float64       `yaml:"range_g" default:"4"`
	ConnectionInterval time.Duration `yaml:"connection_interval" default:"7.5ms"`
	IntervalSettle     time.Duration `yaml:"interval_settle" default:"1.5s"`
}

type SensorFusionConfig struct {
	Mode   string  `yaml:"mode" default:"ndof"`
	RangeG float64 `yaml:"range_g" default:"16"`
}

// CombinedConfig is the reduced accelerometer profile run beside sensor fusion.
type CombinedConfig struct {
	AccelODRHz  float64 `yaml:"accel_odr_hz" default:"12.5"`
	AccelPacked bool    `yaml:"accel_packed" default:"true"`
}

// ReconnectConfig configures recovery after an unexpected disconnect.
// Zero attempts only reports the disconnect.
type ReconnectConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" default:"0"`
	InitialBackoff time.Duration `yaml:"initial_backoff" default:"1s"`
	MaxBackoff     time.Duration `yaml:"max_backoff" default:"10s"`
}

type RadioConfig struct {
	ModuleProbeTimeout time.Duration `yaml:"module_probe_timeout" default:"2s"`
	WriteWithResponse  bool          `yaml:"write_with_response" default:"false"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load returns the defaults overlaid with the YAML file at path. An empty
// path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail later at connect time.
func (c *Config) Validate() error {
	var errs []error
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if _, err := device.ValidateUUID(c.ServiceUUID); err != nil {
		errs = append(errs, fmt.Errorf("service_uuid: %w", err))
	}
	if _, err := c.fusionMode(); err != nil {
		errs = append(errs, err)
	}
	if _, err := parseAddresses(c.AllowList); err != nil {
		errs = append(errs, fmt.Errorf("allow_list: %w", err))
	}
	if _, err := parseAddresses(c.BlockList); err != nil {
		errs = append(errs, fmt.Errorf("block_list: %w", err))
	}
	if c.Streaming.Accelerometer.ODRHz <= 0 || c.Streaming.Combined.AccelODRHz <= 0 {
		errs = append(errs, errors.New("accelerometer ODR must be positive"))
	}
	if c.Reconnect.MaxAttempts < 0 {
		errs = append(errs, errors.New("reconnect.max_attempts must not be negative"))
	}
	return errors.Join(errs...)
}

// Level returns the configured log level, or info when it does not parse.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

// BoardOptions maps the configuration onto board.Options.
func (c *Config) BoardOptions() *board.Options {
	return &board.Options{
		MinBattery:     c.MinBatteryPercent,
		ConnectTimeout: c.ConnectTimeout,
		SampleBuffer:   c.SampleBuffer,
		EventBuffer:    c.EventBuffer,
		Reconnect:      c.ReconnectPolicy(),
	}
}

// ReconnectPolicy returns board.NoReconnect unless attempts are configured.
func (c *Config) ReconnectPolicy() board.ReconnectPolicy {
	if c.Reconnect.MaxAttempts <= 0 {
		return board.NoReconnect
	}
	return board.BoundedBackoff{
		MaxAttempts: c.Reconnect.MaxAttempts,
		Initial:     c.Reconnect.InitialBackoff,
		Max:         c.Reconnect.MaxBackoff,
	}
}

// CoordinatorOptions maps the streaming profiles onto board.CoordinatorOptions.
func (c *Config) CoordinatorOptions() *board.CoordinatorOptions {
	mode, err := c.fusionMode()
	if err != nil {
		mode = device.FusionNDoF
	}
	s := c.Streaming
	return &board.CoordinatorOptions{
		Accel:              device.AccelConfig{ODR: s.Accelerometer.ODRHz, RangeG: s.Accelerometer.RangeG},
		Fusion:             device.FusionConfig{Mode: mode, RangeG: s.SensorFusion.RangeG},
		CombinedAccel:      device.AccelConfig{ODR: s.Combined.AccelODRHz, RangeG: s.Accelerometer.RangeG},
		CombinedPacked:     s.Combined.AccelPacked,
		ConnectionInterval: s.Accelerometer.ConnectionInterval,
		IntervalSettle:     s.Accelerometer.IntervalSettle,
	}
}

// ScanOptions maps the discovery filters onto scanner.ScanOptions.
func (c *Config) ScanOptions() (*scanner.ScanOptions, error) {
	allow, err := parseAddresses(c.AllowList)
	if err != nil {
		return nil, err
	}
	block, err := parseAddresses(c.BlockList)
	if err != nil {
		return nil, err
	}
	opts := scanner.DefaultScanOptions()
	opts.ServiceUUID = c.ServiceUUID
	opts.AllowList = allow
	opts.BlockList = block
	return opts, nil
}

// LinkOptions maps the radio settings onto goble.LinkOptions.
func (c *Config) LinkOptions() *goble.LinkOptions {
	return &goble.LinkOptions{
		ModuleProbeTimeout: c.Radio.ModuleProbeTimeout,
		WriteWithResponse:  c.Radio.WriteWithResponse,
	}
}

var fusionModes = map[string]device.FusionMode{
	"ndof":    device.FusionNDoF,
	"imuplus": device.FusionIMUPlus,
	"compass": device.FusionCompass,
	"m4g":     device.FusionM4G,
}

func (c *Config) fusionMode() (device.FusionMode, error) {
	m, ok := fusionModes[c.Streaming.SensorFusion.Mode]
	if !ok {
		return 0, fmt.Errorf("unknown sensor fusion mode %q", c.Streaming.SensorFusion.Mode)
	}
	return m, nil
}

func parseAddresses(in []string) ([]device.Address, error) {
	out := make([]device.Address, 0, len(in))
	for _, s := range in {
		a, err := device.ParseAddress(s)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}
