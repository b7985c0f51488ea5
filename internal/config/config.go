package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/vitebski/pipeline-populator/internal/cluster"
	"github.com/vitebski/pipeline-populator/internal/connector"
)

// Config holds the settings of the populator and its workers.
// Values come from an optional YAML file; environment variables override them.
type Config struct {
	MySQL  MySQLConfig         `yaml:"mysql"`
	Redis  cluster.RedisConfig `yaml:"redis"`
	Schema SchemaConfig        `yaml:"schema"`

	// LogLevel is one of debug, info, warn, error
	LogLevel string `yaml:"log_level" env:"PIPELINE_LOG_LEVEL" env-default:"info"`
}

// MySQLConfig holds the store connection settings
type MySQLConfig struct {
	Host     string `yaml:"host" env:"MYSQL_HOST" env-default:"localhost"`
	Port     string `yaml:"port" env:"MYSQL_PORT" env-default:"3306"`
	User     string `yaml:"user" env:"MYSQL_USER" env-default:"root"`
	Password string `yaml:"-" env:"MYSQL_PASSWORD"` // Secret - not in YAML
	Database string `yaml:"database" env:"MYSQL_DATABASE"`

	InitStatement      string `yaml:"init_statement" env:"PIPELINE_INIT_STATEMENT"`
	StrictTransactions bool   `yaml:"strict_transactions" env:"PIPELINE_STRICT_TRANSACTIONS" env-default:"true"`
}

// SchemaConfig holds the table naming and safety settings
type SchemaConfig struct {
	// Prefix is prepended to every store-side table name
	Prefix string `yaml:"prefix" env:"PIPELINE_TABLE_PREFIX"`
	// SafeMode asks for confirmation before deleting rows
	SafeMode bool `yaml:"safe_mode" env:"PIPELINE_SAFE_MODE" env-default:"true"`
	// DecimalTolerance is the largest rounding loss accepted on decimal columns
	DecimalTolerance string `yaml:"decimal_tolerance" env:"PIPELINE_DECIMAL_TOLERANCE" env-default:"0"`
}

// Load reads the YAML file when it exists and applies environment overrides.
// An empty path reads the environment only.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := cleanenv.ReadConfig(path, cfg); err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", path, err)
			}
			return cfg, cfg.validate()
		}
	}

	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if _, err := strconv.Atoi(c.MySQL.Port); err != nil {
		return fmt.Errorf("invalid MySQL port %q", c.MySQL.Port)
	}
	if c.MySQL.InitStatement == "" {
		c.MySQL.InitStatement = connector.DefaultInitStatement
	}
	if c.Redis.Queue == "" {
		c.Redis.Queue = cluster.DefaultQueue
	}
	return nil
}

// Usage returns the list of supported environment variables
func Usage() string {
	text, err := cleanenv.GetDescription(&Config{}, nil)
	if err != nil {
		return ""
	}
	return text
}
