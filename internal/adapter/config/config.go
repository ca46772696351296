// Package config loads the gateway settings and the machine file.
// Settings come from defaults, an optional config.yaml, a .env file and
// environment variables, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/nexus-edge/machine-gateway/internal/arbiter"
	"github.com/spf13/viper"
)

// Config holds all configuration for the machine gateway.
type Config struct {
	// Environment is the deployment environment (development, production)
	Environment string `mapstructure:"environment"`

	// MachinesPath is the path to the machine file
	MachinesPath string `mapstructure:"machines_path"`

	HTTP         HTTPConfig         `mapstructure:"http"`
	Influx       InfluxConfig       `mapstructure:"influx"`
	ControlPlane ControlPlaneConfig `mapstructure:"control_plane"`
	Modbus       ModbusConfig       `mapstructure:"modbus"`
	Serial       SerialConfig       `mapstructure:"serial"`
	Polling      PollingConfig      `mapstructure:"polling"`
	Commands     CommandsConfig     `mapstructure:"commands"`
	MQTT         MQTTConfig         `mapstructure:"mqtt"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`

	// AllowedOrigins restricts CORS; empty allows any origin.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// InfluxConfig holds the telemetry sink settings.
type InfluxConfig struct {
	URL     string        `mapstructure:"url"`
	Token   string        `mapstructure:"token"`
	Org     string        `mapstructure:"org"`
	Bucket  string        `mapstructure:"bucket"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ControlPlaneConfig holds the control plane endpoints.
type ControlPlaneConfig struct {
	StringsURL    string        `mapstructure:"strings_url"`
	ConfirmURL    string        `mapstructure:"confirm_url"`
	BatchURL      string        `mapstructure:"batch_url"`
	TriggerURL    string        `mapstructure:"trigger_url"`
	FetchInterval time.Duration `mapstructure:"fetch_interval"`
	FetchTimeout  time.Duration `mapstructure:"fetch_timeout"`
	CallTimeout   time.Duration `mapstructure:"call_timeout"`
}

// ModbusConfig holds link pool configuration.
type ModbusConfig struct {
	TCPTimeout        time.Duration `mapstructure:"tcp_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
	BreakerTimeout    time.Duration `mapstructure:"breaker_timeout"`
	BreakerFailures   uint32        `mapstructure:"breaker_failures"`
}

// SerialConfig holds the shared RTU line parameters.
type SerialConfig struct {
	Port     string        `mapstructure:"port"`
	BaudRate int           `mapstructure:"baudrate"`
	DataBits int           `mapstructure:"data_bits"`
	Parity   string        `mapstructure:"parity"`
	StopBits int           `mapstructure:"stop_bits"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// PollingConfig holds polling service configuration.
type PollingConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	ReadGap         time.Duration `mapstructure:"read_gap"`
	Arbitration     string        `mapstructure:"arbitration"`
	Sentinel        int64         `mapstructure:"sentinel"`
	ByteSwap        bool          `mapstructure:"byte_swap"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// CommandsConfig holds command writer configuration.
type CommandsConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// MQTTConfig holds the optional event mirror settings.
type MQTTConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BrokerURL      string        `mapstructure:"broker_url"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	TopicPrefix    string        `mapstructure:"topic_prefix"`
	CleanSession   bool          `mapstructure:"clean_session"`
	QoS            byte          `mapstructure:"qos"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	TLSEnabled     bool          `mapstructure:"tls_enabled"`
	TLSCertFile    string        `mapstructure:"tls_cert_file"`
	TLSKeyFile     string        `mapstructure:"tls_key_file"`
	TLSCAFile      string        `mapstructure:"tls_ca_file"`
	BufferSize     int           `mapstructure:"buffer_size"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json or console
	Output     string `mapstructure:"output"` // stdout, stderr, or file path
	TimeFormat string `mapstructure:"time_format"`
}

// Load loads configuration from the default search paths.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile loads configuration from an explicit settings file, or from the
// search paths when path is empty.
func LoadFile(path string) (*Config, error) {
	// .env is optional; real environment variables win over it
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("error reading .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/machine-gateway")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets the reference deployment values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "production")
	v.SetDefault("machines_path", "machines.json")

	// HTTP
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)

	// InfluxDB
	v.SetDefault("influx.url", "http://localhost:8086")
	v.SetDefault("influx.org", "")
	v.SetDefault("influx.bucket", "machines")
	v.SetDefault("influx.timeout", 10*time.Second)

	// Control plane
	v.SetDefault("control_plane.fetch_interval", 10*time.Second)
	v.SetDefault("control_plane.fetch_timeout", 5*time.Second)
	v.SetDefault("control_plane.call_timeout", 10*time.Second)

	// Modbus
	v.SetDefault("modbus.tcp_timeout", 5*time.Second)
	v.SetDefault("modbus.idle_timeout", time.Minute)
	v.SetDefault("modbus.connection_timeout", 5*time.Second)
	v.SetDefault("modbus.health_check_period", 30*time.Second)
	v.SetDefault("modbus.breaker_timeout", 30*time.Second)
	v.SetDefault("modbus.breaker_failures", 5)

	// Serial line
	v.SetDefault("serial.port", "/dev/ttyUSB0")
	v.SetDefault("serial.baudrate", 9600)
	v.SetDefault("serial.data_bits", 8)
	v.SetDefault("serial.parity", "E")
	v.SetDefault("serial.stop_bits", 1)
	v.SetDefault("serial.timeout", time.Second)

	// Polling
	v.SetDefault("polling.interval", 5*time.Second)
	v.SetDefault("polling.read_gap", 10*time.Millisecond)
	v.SetDefault("polling.arbitration", string(arbiter.PolicyAuto))
	v.SetDefault("polling.sentinel", 305)
	v.SetDefault("polling.byte_swap", true)
	v.SetDefault("polling.shutdown_timeout", 30*time.Second)

	// Commands
	v.SetDefault("commands.poll_interval", time.Second)
	v.SetDefault("commands.write_timeout", 5*time.Second)

	// MQTT mirror
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker_url", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "machine-gateway")
	v.SetDefault("mqtt.topic_prefix", "factory")
	v.SetDefault("mqtt.clean_session", true)
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.keep_alive", 30*time.Second)
	v.SetDefault("mqtt.connect_timeout", 10*time.Second)
	v.SetDefault("mqtt.reconnect_delay", 5*time.Second)
	v.SetDefault("mqtt.buffer_size", 1000)

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.time_format", time.RFC3339)
}

// bindEnvVars binds the environment names the deployment scripts use.
func bindEnvVars(v *viper.Viper) {
	_ = v.BindEnv("environment", "ENVIRONMENT")
	_ = v.BindEnv("machines_path", "MACHINES_FILE")
	_ = v.BindEnv("http.port", "HTTP_PORT")

	_ = v.BindEnv("influx.url", "INFLUX_URL")
	_ = v.BindEnv("influx.token", "INFLUX_TOKEN")
	_ = v.BindEnv("influx.org", "INFLUX_ORG")
	_ = v.BindEnv("influx.bucket", "INFLUX_BUCKET")

	_ = v.BindEnv("control_plane.batch_url", "API_URL_BATCH")
	_ = v.BindEnv("control_plane.trigger_url", "API_TRIGGER_URL")
	_ = v.BindEnv("control_plane.strings_url", "API_URL_STRINGS")
	_ = v.BindEnv("control_plane.confirm_url", "API_URL_STRINGS_CONF")

	_ = v.BindEnv("serial.port", "SERIAL_PORT")
	_ = v.BindEnv("serial.baudrate", "BAUDRATE")

	_ = v.BindEnv("mqtt.enabled", "MQTT_ENABLED")
	_ = v.BindEnv("mqtt.broker_url", "MQTT_BROKER_URL")
	_ = v.BindEnv("mqtt.username", "MQTT_USERNAME")
	_ = v.BindEnv("mqtt.password", "MQTT_PASSWORD")

	_ = v.BindEnv("logging.level", "LOG_LEVEL")
	_ = v.BindEnv("logging.format", "LOG_FORMAT")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.MachinesPath == "" {
		return fmt.Errorf("machines file path is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTP.Port)
	}
	if c.Influx.URL == "" {
		return fmt.Errorf("influx url is required")
	}
	if c.Influx.Bucket == "" {
		return fmt.Errorf("influx bucket is required")
	}
	if c.Polling.Interval <= 0 {
		return fmt.Errorf("polling interval must be positive")
	}
	if c.Polling.ReadGap < 0 {
		return fmt.Errorf("read gap must not be negative")
	}
	if _, err := arbiter.ParsePolicy(c.Polling.Arbitration); err != nil {
		return err
	}
	if c.Polling.Sentinel <= 0 {
		return fmt.Errorf("completion sentinel must be positive")
	}
	if c.ControlPlane.FetchInterval <= 0 {
		return fmt.Errorf("control plane fetch interval must be positive")
	}
	// the serial driver only accepts upper-case parity letters
	c.Serial.Parity = strings.ToUpper(strings.TrimSpace(c.Serial.Parity))
	switch c.Serial.Parity {
	case "N", "E", "O":
	default:
		return fmt.Errorf("invalid serial parity %q", c.Serial.Parity)
	}
	if c.Serial.BaudRate <= 0 {
		return fmt.Errorf("invalid serial baudrate: %d", c.Serial.BaudRate)
	}
	if c.MQTT.Enabled && c.MQTT.BrokerURL == "" {
		return fmt.Errorf("MQTT broker URL is required when the mirror is enabled")
	}
	return nil
}
