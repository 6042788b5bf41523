package types

import "fmt"

// Config is the top-level structure of config.yml.
type Config struct {
	GlobalConfig GlobalConfig `yaml:"global_config"`
	Connections  []Connection `yaml:"connections"`
	Queries      []Query      `yaml:"queries"`
	BasicAuth    BasicAuth    `yaml:"basic_auth"`
}

type GlobalConfig struct {
	Env                    string               `yaml:"env"`
	LogLevel               string               `yaml:"log_level"`
	LogPath                string               `yaml:"log_path"`
	Port                   int                  `yaml:"port"`
	RetryConnInterval      int                  `yaml:"retry_conn_interval"`
	DefaultTimeInterval    int                  `yaml:"default_time_interval"`
	ShutdownTimeout        int                  `yaml:"shutdown_timeout"`
	UseHTTPS               bool                 `yaml:"use_https"`
	CertFile               string               `yaml:"cert_file"`
	KeyFile                string               `yaml:"key_file"`
	PrometheusMTLSEnabled  bool                 `yaml:"prometheus_mtls_enabled"`
	PrometheusClientCACert string               `yaml:"prometheus_client_ca_cert_file"`
	EncryptionKey          string               `yaml:"encryption_key"`
	RateLimitRequests      int                  `yaml:"rate_limit_requests"`
	RateLimitBurst         int                  `yaml:"rate_limit_burst"`
	CircuitBreakerConfig   CircuitBreakerConfig `yaml:"circuit_breaker_config"`
}

type CircuitBreakerConfig struct {
	Timeout       int `yaml:"timeout"`
	MaxConcurrent int `yaml:"max_concurrent"`
	ErrorPercent  int `yaml:"error_percent"`
	SleepWindow   int `yaml:"sleep_window"`
}

type BasicAuth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Connection describes one monitored database. Identity is
// (host, port, database name); immutable after load.
type Connection struct {
	DBHost        string            `yaml:"db_host"`
	DBName        string            `yaml:"db_name"`
	DBPort        int               `yaml:"db_port"`
	DBUser        string            `yaml:"db_user"`
	DBPasswd      string            `yaml:"db_passwd"`
	DBType        string            `yaml:"db_type"`
	TLSEnabled    bool              `yaml:"tls_enabled"`
	TLSCACertFile string            `yaml:"tls_ca_cert_file"`
	Tags          []string          `yaml:"tags"`
	ExtraLabels   map[string]string `yaml:"extra_labels"`
	MaxConns      int               `yaml:"max_conns,omitempty"`
	IdleTimeout   int               `yaml:"idle_timeout,omitempty"`
}

// ID returns the connection identity used for log prefixes and circuit
// breaker command names.
func (c Connection) ID() string {
	return fmt.Sprintf("%s:%d/%s", c.DBHost, c.DBPort, c.DBName)
}

// IdentityLabels returns the fixed identifying labels plus the operator's
// static extra labels. Extra labels never override the identity keys.
func (c Connection) IdentityLabels() map[string]string {
	labels := map[string]string{
		"dbhost": c.DBHost,
		"dbport": fmt.Sprintf("%d", c.DBPort),
		"dbname": c.DBName,
	}
	for k, v := range c.ExtraLabels {
		if _, fixed := labels[k]; !fixed {
			labels[k] = v
		}
	}
	return labels
}

// Query describes one SQL statement and the gauges derived from its rows.
type Query struct {
	Name         string   `yaml:"name"`
	DBType       string   `yaml:"db_type"`
	RunsOn       []string `yaml:"runs_on"`
	TimeInterval int      `yaml:"time_interval"`
	Query        string   `yaml:"query"`
	Gauges       []Gauge  `yaml:"gauges"`
	Timeout      int      `yaml:"timeout,omitempty"`
}

// Gauge maps one result column to a Prometheus gauge. Col is 1-based.
// ExtraLabels values are either literals or $N back-references into the
// same result row.
type Gauge struct {
	Name        string            `yaml:"name"`
	Desc        string            `yaml:"desc"`
	Col         int               `yaml:"col"`
	ExtraLabels map[string]string `yaml:"extra_labels,omitempty"`
}
