package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Serial     SerialConfig     `mapstructure:"serial"`
	Protocol   ProtocolConfig   `mapstructure:"protocol"`
	Simulation SimulationConfig `mapstructure:"simulation"`
	Homing     HomingConfig     `mapstructure:"homing"`
	Profile    ProfileConfig    `mapstructure:"profile"`
}

type ServerConfig struct {
	GRPCPort        int           `mapstructure:"grpc_port"`
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Development bool `mapstructure:"development"`
}

type DatabaseConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// Auth Configuration
type AuthConfig struct {
	JWTSecretEnv   string           `mapstructure:"jwt_secret_env"`
	AccessTokenTTL time.Duration    `mapstructure:"access_token_ttl"`
	Operators      []OperatorConfig `mapstructure:"operators"`
}

// OperatorConfig is a login known to the stage service. PasswordHash is an
// argon2id encoded hash as produced by auth.PasswordHasher.
type OperatorConfig struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
	Role         string `mapstructure:"role"`
}

// SerialConfig selects the link to the stage controller. An empty Device
// means auto-detect.
type SerialConfig struct {
	Device            string        `mapstructure:"device"`
	Baud              int           `mapstructure:"baud"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	Simulate          bool          `mapstructure:"simulate"`
	SimulateOnFailure bool          `mapstructure:"simulate_on_failure"`
}

type ProtocolConfig struct {
	CommandLength   int           `mapstructure:"command_length"`
	StatusLength    int           `mapstructure:"status_length"`
	ResendThreshold int           `mapstructure:"resend_threshold"`
	MaxResends      int           `mapstructure:"max_resends"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	ResyncAfter     time.Duration `mapstructure:"resync_after"`
}

type SimulationConfig struct {
	Latency  time.Duration `mapstructure:"latency"`
	Interval time.Duration `mapstructure:"interval"`
}

type HomingConfig struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	ZReturnTimeout time.Duration `mapstructure:"z_return_timeout"`
	XClearanceMM   float64       `mapstructure:"x_clearance_mm"`
	RepositionXMM  float64       `mapstructure:"reposition_x_mm"`
	RepositionYMM  float64       `mapstructure:"reposition_y_mm"`
	DefaultZMM     float64       `mapstructure:"default_z_mm"`
	OnStart        bool          `mapstructure:"on_start"`
}

type ProfileConfig struct {
	Path string `mapstructure:"path"`
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	setDefaults(v)

	// OSC_SERIAL_DEVICE overrides serial.device
	v.SetEnvPrefix("OSC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var config Config
	// Defaults only, cannot fail
	_ = v.Unmarshal(&config)
	return &config
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("serial.device", "")
	v.SetDefault("serial.baud", 2000000)
	v.SetDefault("serial.read_timeout", "10ms")
	v.SetDefault("serial.simulate", false)
	v.SetDefault("serial.simulate_on_failure", false)

	v.SetDefault("protocol.command_length", 8)
	v.SetDefault("protocol.status_length", 24)
	v.SetDefault("protocol.resend_threshold", 10)
	v.SetDefault("protocol.max_resends", 1)
	v.SetDefault("protocol.poll_interval", "5ms")
	v.SetDefault("protocol.resync_after", "100ms")

	v.SetDefault("simulation.latency", "50ms")
	v.SetDefault("simulation.interval", "10ms")

	v.SetDefault("homing.timeout", "10s")
	v.SetDefault("homing.z_return_timeout", "5s")
	v.SetDefault("homing.x_clearance_mm", 20.0)
	v.SetDefault("homing.reposition_x_mm", 20.0)
	v.SetDefault("homing.reposition_y_mm", 20.0)
	v.SetDefault("homing.default_z_mm", 2.0)
	v.SetDefault("homing.on_start", false)

	v.SetDefault("profile.path", "configs/stage-profile.yaml")

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.max_connections", 4)

	// Auth Defaults
	v.SetDefault("auth.jwt_secret_env", "JWT_SECRET")
	v.SetDefault("auth.access_token_ttl", "60m")
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// JWT Secret aus Environment Variable laden
func (a *AuthConfig) GetJWTSecret() string {
	envVar := a.JWTSecretEnv
	if envVar == "" {
		envVar = "JWT_SECRET"
	}

	secret := os.Getenv(envVar)
	if secret == "" {
		// Development Fallback
		return "dev-secret-change-in-production-min-32-chars"
	}
	return secret
}

func (a *AuthConfig) IsProductionReady() bool {
	secret := a.GetJWTSecret()
	return secret != "dev-secret-change-in-production-min-32-chars" && len(secret) >= 32
}
