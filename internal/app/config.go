package app

import (
	"encoding/base64"
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/barryq93/db2prom/internal/types"
	"github.com/barryq93/db2prom/internal/utils"
)

// envOverrides are applied on top of the YAML file, so deployments can
// tweak the exposition port or log level without editing the config.
type envOverrides struct {
	Port          int    `envconfig:"PORT"`
	LogLevel      string `envconfig:"LOG_LEVEL"`
	EncryptionKey string `envconfig:"ENCRYPTION_KEY"`
}

// LoadConfig reads, validates and defaults the YAML configuration, applies
// DB2PROM_* environment overrides and decrypts stored credentials.
func LoadConfig(filename string) (types.Config, error) {
	var config types.Config
	data, err := os.ReadFile(filename)
	if err != nil {
		return config, errors.Wrap(err, "reading config file")
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return config, errors.Wrap(err, "unmarshaling YAML")
	}

	var ov envOverrides
	if err := envconfig.Process("db2prom", &ov); err != nil {
		return config, errors.Wrap(err, "processing environment overrides")
	}
	if ov.Port != 0 {
		config.GlobalConfig.Port = ov.Port
	}
	if ov.LogLevel != "" {
		config.GlobalConfig.LogLevel = ov.LogLevel
	}
	if ov.EncryptionKey != "" {
		config.GlobalConfig.EncryptionKey = ov.EncryptionKey
	}

	applyDefaults(&config)

	if err := validate(config); err != nil {
		return config, err
	}
	if err := decryptCredentials(&config); err != nil {
		return config, err
	}
	return config, nil
}

func applyDefaults(config *types.Config) {
	gc := &config.GlobalConfig
	if gc.Port == 0 {
		gc.Port = 9844
	}
	if gc.RetryConnInterval == 0 {
		gc.RetryConnInterval = 60
	}
	if gc.DefaultTimeInterval == 0 {
		gc.DefaultTimeInterval = 15
	}
	if gc.ShutdownTimeout == 0 {
		gc.ShutdownTimeout = 30
	}
	if gc.RateLimitRequests == 0 {
		gc.RateLimitRequests = 100
	}
	if gc.RateLimitBurst == 0 {
		gc.RateLimitBurst = 50
	}
	for i := range config.Queries {
		if config.Queries[i].TimeInterval == 0 {
			config.Queries[i].TimeInterval = gc.DefaultTimeInterval
		}
	}
}

func validate(config types.Config) error {
	if config.GlobalConfig.RetryConnInterval < 0 {
		return fmt.Errorf("retry_conn_interval cannot be negative")
	}
	for _, conn := range config.Connections {
		for field, value := range map[string]string{
			"db_host": conn.DBHost,
			"db_name": conn.DBName,
			"db_user": conn.DBUser,
			"db_type": conn.DBType,
		} {
			if value == "" {
				return fmt.Errorf("connection %s: missing %s", conn.ID(), field)
			}
		}
		if conn.DBPort <= 0 || conn.DBPort > 65535 {
			return fmt.Errorf("connection %s: invalid db_port %d", conn.ID(), conn.DBPort)
		}
	}
	for _, q := range config.Queries {
		if q.Name == "" {
			return fmt.Errorf("query with SQL %q is missing a name", q.Query)
		}
		if q.Query == "" {
			return fmt.Errorf("query %s: missing SQL text", q.Name)
		}
		if q.TimeInterval <= 0 {
			return fmt.Errorf("query %s: time_interval must be positive", q.Name)
		}
		if q.Timeout < 0 {
			return fmt.Errorf("query %s: timeout cannot be negative", q.Name)
		}
		if len(q.Gauges) == 0 {
			return fmt.Errorf("query %s: at least one gauge is required", q.Name)
		}
		for _, g := range q.Gauges {
			if g.Name == "" {
				return fmt.Errorf("query %s: gauge missing name", q.Name)
			}
			if g.Col < 1 {
				return fmt.Errorf("query %s: gauge %s: col must be >= 1", q.Name, g.Name)
			}
		}
	}
	return nil
}

func decryptCredentials(config *types.Config) error {
	env := config.GlobalConfig.Env
	if env == "" {
		env = os.Getenv("ENV")
	}
	if env == "" {
		env = "production"
		logrus.Warn("Environment not specified in config or ENV; defaulting to production")
	}
	isDev := env == "development"

	if config.GlobalConfig.EncryptionKey == "" {
		if !isDev {
			return fmt.Errorf("encryption_key must be set in production")
		}
		return nil
	}

	key := []byte(config.GlobalConfig.EncryptionKey)
	for i := range config.Connections {
		conn := &config.Connections[i]
		if !isEncrypted(conn.DBPasswd) && !isDev {
			return fmt.Errorf("db_passwd for %s must be encrypted in production", conn.DBName)
		}
		if decrypted, err := utils.Decrypt(key, conn.DBPasswd); err == nil {
			conn.DBPasswd = decrypted
		} else if !isDev {
			return errors.Wrapf(err, "decrypting db_passwd for %s", conn.DBName)
		}
	}
	if config.BasicAuth.Username != "" {
		if !isEncrypted(config.BasicAuth.Password) && !isDev {
			return fmt.Errorf("basic_auth.password must be encrypted in production")
		}
		if decrypted, err := utils.Decrypt(key, config.BasicAuth.Password); err == nil {
			config.BasicAuth.Password = decrypted
		} else if !isDev {
			return errors.Wrap(err, "decrypting basic_auth.password")
		}
	}
	return nil
}

func isEncrypted(s string) bool {
	_, err := base64.StdEncoding.DecodeString(s)
	return err == nil && len(s) > 32
}

// maskPasswords returns a copy safe for logging the loaded configuration.
func maskPasswords(config types.Config) types.Config {
	masked := config
	masked.Connections = append([]types.Connection(nil), config.Connections...)
	for i := range masked.Connections {
		if masked.Connections[i].DBPasswd != "" {
			masked.Connections[i].DBPasswd = "******"
		}
	}
	if masked.BasicAuth.Password != "" {
		masked.BasicAuth.Password = "******"
	}
	if masked.GlobalConfig.EncryptionKey != "" {
		masked.GlobalConfig.EncryptionKey = "******"
	}
	return masked
}
