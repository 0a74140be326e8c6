// Package config provides configuration management for the Modbus bridge.
// It supports environment variables, config files (YAML/JSON), and defaults.
package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the Modbus bridge.
type Config struct {
	// Environment is the deployment environment (development, staging, production)
	Environment string `mapstructure:"environment"`

	// BlocksConfigPath is the path to the poll block definitions file
	BlocksConfigPath string `mapstructure:"blocks_config_path"`

	// HTTP server configuration (metrics and health endpoints)
	HTTP HTTPConfig `mapstructure:"http"`

	// MQTT configuration
	MQTT MQTTConfig `mapstructure:"mqtt"`

	// Modbus client configuration
	Modbus ModbusConfig `mapstructure:"modbus"`

	// Polling configuration
	Polling PollingConfig `mapstructure:"polling"`

	// MQTT command handling
	Commands CommandsConfig `mapstructure:"commands"`

	// Logging configuration
	Logging LoggingConfig `mapstructure:"logging"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// MQTTConfig holds MQTT client configuration.
type MQTTConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BrokerURL      string        `mapstructure:"broker_url"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	TopicPrefix    string        `mapstructure:"topic_prefix"`
	CleanSession   bool          `mapstructure:"clean_session"`
	QoS            byte          `mapstructure:"qos"`
	Retained       bool          `mapstructure:"retained"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	TLSEnabled     bool          `mapstructure:"tls_enabled"`
	TLSCertFile    string        `mapstructure:"tls_cert_file"`
	TLSKeyFile     string        `mapstructure:"tls_key_file"`
	TLSCAFile      string        `mapstructure:"tls_ca_file"`
}

// ModbusConfig holds configuration of the resilient Modbus client.
type ModbusConfig struct {
	// Address is host:port of the remote unit
	Address string `mapstructure:"address"`

	// UnitID is the initial unit address
	UnitID byte `mapstructure:"unit_id"`

	Timeout     time.Duration `mapstructure:"timeout"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	// Retry policies; both default to 3 attempts with a 10ms jittered delay
	ConnectAttempts int           `mapstructure:"connect_attempts"`
	CommandAttempts int           `mapstructure:"command_attempts"`
	RetryBaseDelay  time.Duration `mapstructure:"retry_base_delay"`

	ReconnectOnException bool `mapstructure:"reconnect_on_exception"`
	UnitQueueSize        int  `mapstructure:"unit_queue_size"`
	TraceFrames          bool `mapstructure:"trace_frames"`

	// Reconnect circuit breaker
	CBEnabled          bool          `mapstructure:"cb_enabled"`
	CBMaxRequests      uint32        `mapstructure:"cb_max_requests"`
	CBInterval         time.Duration `mapstructure:"cb_interval"`
	CBTimeout          time.Duration `mapstructure:"cb_timeout"`
	CBFailureThreshold uint32        `mapstructure:"cb_failure_threshold"`
}

// PollingConfig holds polling service configuration.
type PollingConfig struct {
	WorkerCount     int           `mapstructure:"worker_count"`
	DefaultInterval time.Duration `mapstructure:"default_interval"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	PublishFailures bool          `mapstructure:"publish_failures"`
}

// CommandsConfig holds configuration of the MQTT command handler.
type CommandsConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	TopicPrefix         string        `mapstructure:"topic_prefix"`
	ResponseTopicPrefix string        `mapstructure:"response_topic_prefix"`
	WriteTimeout        time.Duration `mapstructure:"write_timeout"`
	QueueSize           int           `mapstructure:"queue_size"`
	Acknowledge         bool          `mapstructure:"acknowledge"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json or console
	Output     string `mapstructure:"output"` // stdout, stderr, or file path
	TimeFormat string `mapstructure:"time_format"`
}

// Load loads configuration from the given file, or from config.yaml in the
// search paths when file is empty, overlaid with environment variables.
func Load(file string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/robust-modbus")
	}

	// Read config file (optional unless given explicitly)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || file != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Environment variable binding
	v.SetEnvPrefix("ROBUST_MODBUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bind specific environment variables
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

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Environment
	v.SetDefault("environment", "development")
	v.SetDefault("blocks_config_path", "./config/blocks.yaml")

	// HTTP
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)

	// MQTT
	v.SetDefault("mqtt.enabled", true)
	v.SetDefault("mqtt.broker_url", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "robust-modbus")
	v.SetDefault("mqtt.topic_prefix", "modbus")
	v.SetDefault("mqtt.clean_session", true)
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.retained", false)
	v.SetDefault("mqtt.keep_alive", 30*time.Second)
	v.SetDefault("mqtt.connect_timeout", 10*time.Second)
	v.SetDefault("mqtt.reconnect_delay", 5*time.Second)
	v.SetDefault("mqtt.publish_timeout", 5*time.Second)
	v.SetDefault("mqtt.tls_enabled", false)
	v.SetDefault("mqtt.tls_cert_file", "")
	v.SetDefault("mqtt.tls_key_file", "")
	v.SetDefault("mqtt.tls_ca_file", "")

	// Modbus
	v.SetDefault("modbus.address", "localhost:502")
	v.SetDefault("modbus.unit_id", 1)
	v.SetDefault("modbus.timeout", 5*time.Second)
	v.SetDefault("modbus.idle_timeout", 0)
	v.SetDefault("modbus.connect_attempts", 3)
	v.SetDefault("modbus.command_attempts", 3)
	v.SetDefault("modbus.retry_base_delay", 10*time.Millisecond)
	v.SetDefault("modbus.reconnect_on_exception", false)
	v.SetDefault("modbus.unit_queue_size", 8)
	v.SetDefault("modbus.trace_frames", false)
	v.SetDefault("modbus.cb_enabled", false)
	v.SetDefault("modbus.cb_max_requests", 1)
	v.SetDefault("modbus.cb_interval", time.Minute)
	v.SetDefault("modbus.cb_timeout", 10*time.Second)
	v.SetDefault("modbus.cb_failure_threshold", 5)

	// Polling
	v.SetDefault("polling.worker_count", 4)
	v.SetDefault("polling.default_interval", 1*time.Second)
	v.SetDefault("polling.read_timeout", 5*time.Second)
	v.SetDefault("polling.shutdown_timeout", 30*time.Second)
	v.SetDefault("polling.publish_failures", false)

	// Commands
	v.SetDefault("commands.enabled", false)
	v.SetDefault("commands.topic_prefix", "modbus/cmd")
	v.SetDefault("commands.response_topic_prefix", "modbus/cmd/response")
	v.SetDefault("commands.write_timeout", 10*time.Second)
	v.SetDefault("commands.queue_size", 100)
	v.SetDefault("commands.acknowledge", true)

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.time_format", time.RFC3339)
}

// bindEnvVars binds environment variables to config keys.
func bindEnvVars(v *viper.Viper) {
	// MQTT environment variables
	_ = v.BindEnv("mqtt.broker_url", "MQTT_BROKER_URL")
	_ = v.BindEnv("mqtt.username", "MQTT_USERNAME")
	_ = v.BindEnv("mqtt.password", "MQTT_PASSWORD")
	_ = v.BindEnv("mqtt.client_id", "MQTT_CLIENT_ID")
	_ = v.BindEnv("mqtt.tls_enabled", "MQTT_TLS_ENABLED")
	_ = v.BindEnv("mqtt.tls_cert_file", "MQTT_TLS_CERT_FILE")
	_ = v.BindEnv("mqtt.tls_key_file", "MQTT_TLS_KEY_FILE")
	_ = v.BindEnv("mqtt.tls_ca_file", "MQTT_TLS_CA_FILE")

	// Modbus
	_ = v.BindEnv("modbus.address", "MODBUS_ADDRESS")
	_ = v.BindEnv("modbus.unit_id", "MODBUS_UNIT_ID")

	// General environment variables
	_ = v.BindEnv("environment", "ENVIRONMENT")
	_ = v.BindEnv("blocks_config_path", "BLOCKS_CONFIG_PATH")

	// HTTP
	_ = v.BindEnv("http.port", "HTTP_PORT")

	// Logging
	_ = v.BindEnv("logging.level", "LOG_LEVEL")
	_ = v.BindEnv("logging.format", "LOG_FORMAT")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Modbus.Address == "" {
		return fmt.Errorf("modbus address is required")
	}
	if _, _, err := net.SplitHostPort(c.Modbus.Address); err != nil {
		return fmt.Errorf("invalid modbus address %q: %w", c.Modbus.Address, err)
	}
	if c.Modbus.ConnectAttempts <= 0 || c.Modbus.CommandAttempts <= 0 {
		return fmt.Errorf("modbus retry attempts must be positive")
	}
	if c.Modbus.RetryBaseDelay < 0 {
		return fmt.Errorf("modbus retry base delay must not be negative")
	}
	if c.MQTT.Enabled && c.MQTT.BrokerURL == "" {
		return fmt.Errorf("MQTT broker URL is required")
	}
	if c.MQTT.TLSEnabled && (c.MQTT.TLSCertFile == "") != (c.MQTT.TLSKeyFile == "") {
		return fmt.Errorf("MQTT TLS client certificate and key must be set together")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("invalid MQTT QoS: %d", c.MQTT.QoS)
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTP.Port)
	}
	if c.Commands.Enabled && !c.MQTT.Enabled {
		return fmt.Errorf("MQTT commands require MQTT to be enabled")
	}
	if c.Polling.WorkerCount <= 0 {
		return fmt.Errorf("polling worker count must be positive")
	}
	return nil
}
