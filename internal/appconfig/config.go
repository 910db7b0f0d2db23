// Package appconfig loads the web server configuration from a YAML file
// with environment variable overrides. The resulting struct is passed
// explicitly into every component constructor.
package appconfig

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Dispatch      DispatchConfig      `yaml:"dispatch"`
	Postgres      PostgresConfig      `yaml:"postgres"`
	Redis         RedisConfig         `yaml:"redis"`
	MinIO         MinIOConfig         `yaml:"minio"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Port               int    `yaml:"port"`
	PublicURL          string `yaml:"public_url"` // base URL executors use for downloads
	GinMode            string `yaml:"gin_mode"`
	ShutdownTimeoutSec int    `yaml:"shutdown_timeout_sec"`
}

type DispatchConfig struct {
	// Secret shared with all executors. Protects the job endpoints only,
	// the executors come from trusted networks.
	Secret string `yaml:"secret"`
	// QueuePolicy decides which pending tier is served first:
	// "full_first" (default) or "validity_first".
	QueuePolicy string `yaml:"queue_policy"`
}

type PostgresConfig struct {
	URL                string `yaml:"url"`
	MaxConns           int    `yaml:"max_conns"`
	MinConns           int    `yaml:"min_conns"`
	MaxConnLifetimeMin int    `yaml:"max_conn_lifetime_min"`
	MaxConnIdleMin     int    `yaml:"max_conn_idle_min"`
}

type RedisConfig struct {
	URL            string `yaml:"url"`
	StudentStream  string `yaml:"student_stream"`
	AlertStream    string `yaml:"alert_stream"`
	StreamMaxLen   int64  `yaml:"stream_maxlen"`
	DialTimeoutMs  int    `yaml:"dial_timeout_ms"`
	ReadTimeoutMs  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMs int    `yaml:"write_timeout_ms"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
}

type ObservabilityConfig struct {
	ServiceName string `yaml:"service_name"`
	InstanceID  string `yaml:"instance_id"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// ResolveConfigPath prefers an explicit APP_CONFIG, then the usual
// locations of the deployed config file.
func ResolveConfigPath() string {
	if v := os.Getenv("APP_CONFIG"); v != "" {
		return v
	}
	for _, p := range []string{"config.yaml", "/etc/opensubmit/web.yaml"} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Load reads the YAML config, applies env overrides and fills defaults.
func Load() (*Config, string, error) {
	var cfg Config
	path := ResolveConfigPath()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, path, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, path, err
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return &cfg, path, nil
}

func (c *Config) applyEnv() {
	overrideString(&c.Server.PublicURL, "PUBLIC_URL")
	overrideInt(&c.Server.Port, "PORT")
	overrideString(&c.Server.GinMode, "GIN_MODE")
	overrideString(&c.Dispatch.Secret, "JOB_EXECUTOR_SECRET")
	overrideString(&c.Dispatch.QueuePolicy, "QUEUE_POLICY")
	overrideString(&c.Postgres.URL, "DATABASE_URL")
	overrideString(&c.Redis.URL, "REDIS_URL")
	overrideString(&c.MinIO.Endpoint, "MINIO_ENDPOINT")
	overrideString(&c.MinIO.AccessKey, "MINIO_ACCESS_KEY")
	overrideString(&c.MinIO.SecretKey, "MINIO_SECRET_KEY")
	overrideString(&c.MinIO.Bucket, "MINIO_BUCKET")
	overrideString(&c.Observability.ServiceName, "SERVICE_NAME")
	overrideString(&c.Observability.InstanceID, "INSTANCE_ID")
	overrideString(&c.Observability.MetricsAddr, "METRICS_ADDR")
}

func (c *Config) applyDefaults() {
	if c.Server.Port <= 0 {
		c.Server.Port = 8000
	}
	if c.Server.ShutdownTimeoutSec <= 0 {
		c.Server.ShutdownTimeoutSec = 5
	}
	if c.Dispatch.QueuePolicy == "" {
		c.Dispatch.QueuePolicy = "full_first"
	}
	if c.Redis.StudentStream == "" {
		c.Redis.StudentStream = "opensubmit:notify:student"
	}
	if c.Redis.AlertStream == "" {
		c.Redis.AlertStream = "opensubmit:alerts"
	}
	if c.Redis.StreamMaxLen <= 0 {
		c.Redis.StreamMaxLen = 10000
	}
	if c.MinIO.Bucket == "" {
		c.MinIO.Bucket = "opensubmit-files"
	}
	if c.Observability.ServiceName == "" {
		c.Observability.ServiceName = "opensubmit-web"
	}
	if c.Observability.InstanceID == "" {
		c.Observability.InstanceID, _ = os.Hostname()
	}
}

func overrideString(target *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*target = v
	}
}

func overrideInt(target *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil && i > 0 {
			*target = i
		}
	}
}
