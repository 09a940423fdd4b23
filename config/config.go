package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server      ServerConfig      `toml:"server" yaml:"server" json:"server"`
	Stream      StreamConfig      `toml:"stream" yaml:"stream" json:"stream"`
	Camera      CameraConfig      `toml:"camera" yaml:"camera" json:"camera"`
	Motion      MotionConfig      `toml:"motion" yaml:"motion" json:"motion"`
	Network     NetworkConfig     `toml:"network" yaml:"network" json:"network"`
	Update      UpdateConfig      `toml:"update" yaml:"update" json:"update"`
	MQTT        MQTTConfig        `toml:"mqtt" yaml:"mqtt" json:"mqtt"`
	Telemetry   TelemetryConfig   `toml:"telemetry" yaml:"telemetry" json:"telemetry"`
	Diagnostics DiagnosticsConfig `toml:"diagnostics" yaml:"diagnostics" json:"diagnostics"`
	Logging     LoggingConfig     `toml:"logging" yaml:"logging" json:"logging"`
	Timeouts    TimeoutConfig     `toml:"timeouts" yaml:"timeouts" json:"timeouts"`
}

// ServerConfig holds the single-client appliance HTTP surface
type ServerConfig struct {
	Port             int    `toml:"port" yaml:"port" json:"port"`
	BindIP           string `toml:"bind_ip" yaml:"bind_ip" json:"bind_ip"`
	StreamPath       string `toml:"stream_path" yaml:"stream_path" json:"stream_path"`
	Title            string `toml:"title" yaml:"title" json:"title"`
	AcceptWaitMS     int    `toml:"accept_wait_ms" yaml:"accept_wait_ms" json:"accept_wait_ms"`
	RequestTimeoutMS int    `toml:"request_timeout_ms" yaml:"request_timeout_ms" json:"request_timeout_ms"`
	WriteTimeoutMS   int    `toml:"write_timeout_ms" yaml:"write_timeout_ms" json:"write_timeout_ms"`
	PeerProbeMS      int    `toml:"peer_probe_ms" yaml:"peer_probe_ms" json:"peer_probe_ms"`
}

// StreamConfig holds MJPEG streaming settings
type StreamConfig struct {
	FrameDelayMS       int `toml:"frame_delay_ms" yaml:"frame_delay_ms" json:"frame_delay_ms"`
	MaxDurationSeconds int `toml:"max_duration_seconds" yaml:"max_duration_seconds" json:"max_duration_seconds"` // 0 = unbounded
}

// CameraConfig holds camera driver settings
type CameraConfig struct {
	Driver              string `toml:"driver" yaml:"driver" json:"driver"` // gstreamer, testpattern
	Device              string `toml:"device" yaml:"device" json:"device"`
	FlipMethod          string `toml:"flip_method" yaml:"flip_method" json:"flip_method"`
	FPS                 int    `toml:"fps" yaml:"fps" json:"fps"`
	ExtendedMemory      string `toml:"extended_memory" yaml:"extended_memory" json:"extended_memory"` // auto, true, false
	ExtendedMemoryMinMB int    `toml:"extended_memory_min_mb" yaml:"extended_memory_min_mb" json:"extended_memory_min_mb"`
	AcquireTimeoutMS    int    `toml:"acquire_timeout_ms" yaml:"acquire_timeout_ms" json:"acquire_timeout_ms"`
	MaxFrameSizeKB      int    `toml:"max_frame_size_kb" yaml:"max_frame_size_kb" json:"max_frame_size_kb"`
}

// MotionConfig holds PIR and frame-diff settings
type MotionConfig struct {
	PIREnabled      bool   `toml:"pir_enabled" yaml:"pir_enabled" json:"pir_enabled"`
	PIRChip         string `toml:"pir_chip" yaml:"pir_chip" json:"pir_chip"`
	PIRLine         int    `toml:"pir_line" yaml:"pir_line" json:"pir_line"`
	Threshold       int    `toml:"threshold" yaml:"threshold" json:"threshold"`
	NoiseThreshold  int    `toml:"noise_threshold" yaml:"noise_threshold" json:"noise_threshold"`
	Stride          int    `toml:"stride" yaml:"stride" json:"stride"`
	CheckIntervalMS int    `toml:"check_interval_ms" yaml:"check_interval_ms" json:"check_interval_ms"`
}

// NetworkConfig holds link credentials and reconnect settings
type NetworkConfig struct {
	Interface               string   `toml:"interface" yaml:"interface" json:"interface"` // empty = always up
	SSID                    string   `toml:"ssid" yaml:"ssid" json:"ssid"`
	Password                string   `toml:"password" yaml:"password" json:"-"`
	ReconnectCommand        []string `toml:"reconnect_command" yaml:"reconnect_command" json:"reconnect_command"`
	ReconnectTimeoutSeconds int      `toml:"reconnect_timeout_seconds" yaml:"reconnect_timeout_seconds" json:"reconnect_timeout_seconds"`
}

// UpdateConfig holds remote firmware update servicing settings
type UpdateConfig struct {
	Enabled             bool   `toml:"enabled" yaml:"enabled" json:"enabled"`
	SupervisorAddress   string `toml:"supervisor_address" yaml:"supervisor_address" json:"supervisor_address"`
	APIKey              string `toml:"api_key" yaml:"api_key" json:"-"`
	PollIntervalSeconds int    `toml:"poll_interval_seconds" yaml:"poll_interval_seconds" json:"poll_interval_seconds"`
	RequestTimeoutMS    int    `toml:"request_timeout_ms" yaml:"request_timeout_ms" json:"request_timeout_ms"`
	ApplyPending        bool   `toml:"apply_pending" yaml:"apply_pending" json:"apply_pending"`
}

// MQTTConfig holds motion event publishing settings
type MQTTConfig struct {
	Broker           string `toml:"broker" yaml:"broker" json:"broker"` // empty = disabled
	ClientID         string `toml:"client_id" yaml:"client_id" json:"client_id"`
	Topic            string `toml:"topic" yaml:"topic" json:"topic"`
	QoS              byte   `toml:"qos" yaml:"qos" json:"qos"`
	PublishTimeoutMS int    `toml:"publish_timeout_ms" yaml:"publish_timeout_ms" json:"publish_timeout_ms"`
}

// TelemetryConfig holds OpenTelemetry metric export settings
type TelemetryConfig struct {
	OTLPEndpoint          string `toml:"otlp_endpoint" yaml:"otlp_endpoint" json:"otlp_endpoint"` // empty = disabled
	ServiceName           string `toml:"service_name" yaml:"service_name" json:"service_name"`
	ExportIntervalSeconds int    `toml:"export_interval_seconds" yaml:"export_interval_seconds" json:"export_interval_seconds"`
}

// DiagnosticsConfig holds the read-only diagnostics API settings
type DiagnosticsConfig struct {
	Port           int    `toml:"port" yaml:"port" json:"port"` // 0 = disabled
	BindIP         string `toml:"bind_ip" yaml:"bind_ip" json:"bind_ip"`
	PushIntervalMS int    `toml:"push_interval_ms" yaml:"push_interval_ms" json:"push_interval_ms"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level            string `toml:"level" yaml:"level" json:"level"`
	Dir              string `toml:"dir" yaml:"dir" json:"dir"`
	MaxLogFiles      int    `toml:"max_log_files" yaml:"max_log_files" json:"max_log_files"`
	StatsSchedule    string `toml:"stats_schedule" yaml:"stats_schedule" json:"stats_schedule"`
	FrameLogInterval int    `toml:"frame_log_interval" yaml:"frame_log_interval" json:"frame_log_interval"`
}

// TimeoutConfig holds process lifecycle timeouts
type TimeoutConfig struct {
	ShutdownTimeout     int `toml:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds" json:"shutdown_timeout_seconds"`
	HTTPShutdownTimeout int `toml:"http_shutdown_timeout_seconds" yaml:"http_shutdown_timeout_seconds" json:"http_shutdown_timeout_seconds"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:             80,
			BindIP:           "0.0.0.0",
			StreamPath:       "/stream",
			Title:            "PIR Motion Camera",
			AcceptWaitMS:     50,
			RequestTimeoutMS: 1000,
			WriteTimeoutMS:   10000,
			PeerProbeMS:      1,
		},
		Stream: StreamConfig{
			FrameDelayMS:       100,
			MaxDurationSeconds: 0,
		},
		Camera: CameraConfig{
			Driver:              "gstreamer",
			Device:              "",
			FPS:                 10,
			ExtendedMemory:      "auto",
			ExtendedMemoryMinMB: 1024,
			AcquireTimeoutMS:    2000,
			MaxFrameSizeKB:      1024,
		},
		Motion: MotionConfig{
			PIREnabled:      true,
			PIRChip:         "gpiochip0",
			PIRLine:         13,
			Threshold:       30,
			NoiseThreshold:  10,
			Stride:          10,
			CheckIntervalMS: 1000,
		},
		Network: NetworkConfig{
			Interface:               "",
			ReconnectTimeoutSeconds: 30,
		},
		Update: UpdateConfig{
			Enabled:             false,
			PollIntervalSeconds: 15,
			RequestTimeoutMS:    500,
		},
		MQTT: MQTTConfig{
			ClientID:         "pir-motion-cam",
			Topic:            "camera/motion",
			QoS:              1,
			PublishTimeoutMS: 500,
		},
		Telemetry: TelemetryConfig{
			ServiceName:           "pir-motion-cam",
			ExportIntervalSeconds: 10,
		},
		Diagnostics: DiagnosticsConfig{
			Port:           8080,
			BindIP:         "0.0.0.0",
			PushIntervalMS: 1000,
		},
		Logging: LoggingConfig{
			Level:            "info",
			Dir:              "logs",
			MaxLogFiles:      20,
			StatsSchedule:    "@every 60s",
			FrameLogInterval: 100,
		},
		Timeouts: TimeoutConfig{
			ShutdownTimeout:     10,
			HTTPShutdownTimeout: 5,
		},
	}
}

// LoadConfig loads configuration from a TOML or YAML file on top of the defaults
func LoadConfig(configPath string) (*Config, error) {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	config := Default()

	// Load from file if it exists
	if _, err := os.Stat(configPath); err == nil {
		if err := decodeFile(configPath, config); err != nil {
			return nil, err
		}
		logger.Info("Config loaded from file", zap.String("path", configPath))
	} else {
		logger.Info("Config file not found, using defaults", zap.String("path", configPath))
	}

	applyEnv(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func decodeFile(path string, config *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to decode config file: %w", err)
		}
	default:
		if _, err := toml.DecodeFile(path, config); err != nil {
			return fmt.Errorf("failed to decode config file: %w", err)
		}
	}
	return nil
}

// applyEnv overrides credentials from the environment
func applyEnv(config *Config) {
	if v := os.Getenv("BALENA_SUPERVISOR_ADDRESS"); v != "" {
		config.Update.SupervisorAddress = v
	}
	if v := os.Getenv("BALENA_SUPERVISOR_API_KEY"); v != "" {
		config.Update.APIKey = v
	}
	if v := os.Getenv("CAM_WIFI_SSID"); v != "" {
		config.Network.SSID = v
	}
	if v := os.Getenv("CAM_WIFI_PASSWORD"); v != "" {
		config.Network.Password = v
	}
}

// Validate checks the configuration for values the appliance cannot run with
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	// The status page reports motion as a bare YES or NO
	for _, v := range []string{c.Server.Title, c.Server.StreamPath} {
		if strings.Contains(v, "YES") || strings.Contains(v, "NO") {
			return fmt.Errorf("server title and stream path must not contain YES or NO: %q", v)
		}
	}
	if c.Server.AcceptWaitMS <= 0 {
		return fmt.Errorf("server accept wait must be positive, got %dms", c.Server.AcceptWaitMS)
	}
	if c.Server.RequestTimeoutMS <= 0 {
		return fmt.Errorf("server request timeout must be positive, got %dms", c.Server.RequestTimeoutMS)
	}
	if !strings.HasPrefix(c.Server.StreamPath, "/") {
		return fmt.Errorf("stream path must start with '/': %q", c.Server.StreamPath)
	}
	if c.Diagnostics.Port < 0 || c.Diagnostics.Port > 65535 {
		return fmt.Errorf("invalid diagnostics port: %d", c.Diagnostics.Port)
	}
	if c.Diagnostics.Port != 0 && c.Diagnostics.Port == c.Server.Port {
		return fmt.Errorf("diagnostics port %d collides with server port", c.Diagnostics.Port)
	}
	if c.Motion.Stride < 1 {
		return fmt.Errorf("motion stride must be >= 1, got %d", c.Motion.Stride)
	}
	if c.Motion.NoiseThreshold < 0 || c.Motion.NoiseThreshold > 255 {
		return fmt.Errorf("motion noise threshold out of range: %d", c.Motion.NoiseThreshold)
	}
	if c.Motion.Threshold < 0 {
		return fmt.Errorf("motion threshold must be >= 0, got %d", c.Motion.Threshold)
	}
	if c.Motion.CheckIntervalMS <= 0 {
		return fmt.Errorf("motion check interval must be positive, got %dms", c.Motion.CheckIntervalMS)
	}
	switch c.Camera.Driver {
	case "gstreamer", "testpattern":
	default:
		return fmt.Errorf("unknown camera driver: %q", c.Camera.Driver)
	}
	switch c.Camera.ExtendedMemory {
	case "auto", "true", "false":
	default:
		return fmt.Errorf("camera extended_memory must be auto, true or false, got %q", c.Camera.ExtendedMemory)
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("invalid mqtt qos: %d", c.MQTT.QoS)
	}
	if c.Update.Enabled && c.Update.SupervisorAddress == "" {
		return fmt.Errorf("update servicing enabled without supervisor address")
	}
	return nil
}

// CheckInterval returns the motion sampling interval
func (m MotionConfig) CheckInterval() time.Duration {
	return time.Duration(m.CheckIntervalMS) * time.Millisecond
}

// FrameDelay returns the pacing delay between streamed frames
func (s StreamConfig) FrameDelay() time.Duration {
	return time.Duration(s.FrameDelayMS) * time.Millisecond
}

// MaxDuration returns the optional stream bound, zero when unbounded
func (s StreamConfig) MaxDuration() time.Duration {
	return time.Duration(s.MaxDurationSeconds) * time.Second
}

// Address returns the listen address of the appliance surface
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.BindIP, s.Port)
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// AcceptWait returns how long each tick waits for a pending client
func (s ServerConfig) AcceptWait() time.Duration { return ms(s.AcceptWaitMS) }

// RequestTimeout returns the request-line read timeout
func (s ServerConfig) RequestTimeout() time.Duration { return ms(s.RequestTimeoutMS) }

// WriteTimeout returns the per-write deadline, zero when disabled
func (s ServerConfig) WriteTimeout() time.Duration { return ms(s.WriteTimeoutMS) }

// PeerProbe returns the read window used to check whether the peer is connected
func (s ServerConfig) PeerProbe() time.Duration { return ms(s.PeerProbeMS) }

// SaveConfig saves the current configuration to a file
func SaveConfig(config *Config, configPath string) error {
	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return nil
}
