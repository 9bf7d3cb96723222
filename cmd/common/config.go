package common

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/octomil/secagg/privacy"
	"github.com/octomil/secagg/protocol"
	"github.com/octomil/secagg/services"
)

// Config is the YAML configuration shared by the service binaries. Every
// field can be overridden by a command-line flag; flags win over file values.
type Config struct {
	// ServiceType selects the role for the multiservice binary: client,
	// aggregator, or coordinator. Ignored by the single-role binaries.
	ServiceType string `yaml:"service_type"`

	HTTPAddr    string `yaml:"http_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	RegistryURL string `yaml:"registry_url"`

	// AdminToken authenticates admin registration (user:pass). Required by
	// coordinators and aggregators; clients self-register without it.
	AdminToken string `yaml:"admin_token"`

	Keys        KeySettings        `yaml:"keys"`
	Attestation AttestationConfig  `yaml:"attestation"`
	Postgres    PostgresSettings   `yaml:"postgres"`
	Deployment  DeploymentSettings `yaml:"deployment"`
}

// KeySettings holds hex-encoded private keys. Empty values generate fresh
// keys at startup.
type KeySettings struct {
	SigningKey  string `yaml:"signing_key"`
	ExchangeKey string `yaml:"exchange_key"`
}

// AttestationConfig selects the TEE provider and measurement source.
type AttestationConfig struct {
	UseTDX          bool   `yaml:"use_tdx"`
	TDXRemoteURL    string `yaml:"tdx_remote_url"`
	MeasurementsURL string `yaml:"measurements_url"`
}

// PostgresSettings configures optional persistence. An empty host disables
// the database and keeps state in memory.
type PostgresSettings struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
}

// DeploymentSettings is the YAML form of the deployment configuration the
// registry distributes. RoundDuration is a string ("10s") so the file stays
// human-editable.
type DeploymentSettings struct {
	NumClients       int             `yaml:"num_clients"`
	Threshold        int             `yaml:"threshold"`
	MaxWeightNorm    float64         `yaml:"max_weight_norm"`
	QuantizationBits int             `yaml:"quantization_bits"`
	RoundDuration    string          `yaml:"round_duration"`
	TensorSchema     map[string]int  `yaml:"tensor_schema"`
	Privacy          *privacy.Budget `yaml:"privacy,omitempty"`
}

// ToSecAggConfig converts the YAML settings into a validated protocol
// configuration.
func (d *DeploymentSettings) ToSecAggConfig() (*protocol.SecAggConfig, error) {
	duration, err := time.ParseDuration(d.RoundDuration)
	if err != nil {
		return nil, fmt.Errorf("round_duration: %w", err)
	}

	config := &protocol.SecAggConfig{
		NumClients:       d.NumClients,
		Threshold:        d.Threshold,
		MaxWeightNorm:    d.MaxWeightNorm,
		QuantizationBits: d.QuantizationBits,
		RoundDuration:    duration,
		TensorSchema:     d.TensorSchema,
		Privacy:          d.Privacy,
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// DefaultConfig returns a configuration suitable for a local deployment.
func DefaultConfig() *Config {
	return &Config{
		HTTPAddr: ":8080",
		Postgres: PostgresSettings{
			Port:    5432,
			SSLMode: "disable",
		},
		Deployment: DeploymentSettings{
			NumClients:    4,
			Threshold:     2,
			MaxWeightNorm: 100,
			RoundDuration: "10s",
			TensorSchema:  map[string]int{"dense/kernel": 64, "dense/bias": 8},
		},
	}
}

// LoadConfig reads a YAML configuration file on top of the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// NewStore opens the configured PostgreSQL store, or returns nil when no
// host is set. The returned store serves both registration and round result
// persistence.
func NewStore(settings *PostgresSettings) (*services.PostgresStore, error) {
	if settings.Host == "" {
		return nil, nil
	}
	return services.NewPostgresStore(&services.PostgresConfig{
		Host:     settings.Host,
		Port:     settings.Port,
		User:     settings.User,
		Password: settings.Password,
		Database: settings.Database,
		SSLMode:  settings.SSLMode,
	})
}
