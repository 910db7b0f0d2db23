// Package executor implements the test machine side of the job
// protocol: a cron-driven batch process that polls the web server for
// work, runs student code under timeout containment and reports back.
package executor

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// DefaultConfigPath is where a production executor expects its config.
const DefaultConfigPath = "/etc/opensubmit/executor.ini"

// Config is the executor configuration, read once at startup and
// passed explicitly into every component.
type Config struct {
	Execution ExecutionConfig
	Server    ServerConfig
	Logging   LoggingConfig
}

type ExecutionConfig struct {
	// Cleanup removes the working directory after the job. Disable to
	// debug problems only reproducible by running the student code
	// manually.
	Cleanup      bool
	MessageSize  int    // student message size limit in bytes, <=0 disables
	TimeoutSec   int    // ultimate runtime safeguard for the reaper
	CompileCmd   string // compilation command when the job demands a compile step
	Directory    string // base directory for per-job working directories
	PIDFile      string // lock file serializing executor cycles
	ScriptRunner string // interpreter for validation scripts
}

type ServerConfig struct {
	URL    string
	Secret string
	UUID   string
}

type LoggingConfig struct {
	File   string
	ToFile bool
	Level  string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("execution.cleanup", true)
	v.SetDefault("execution.message_size", 10000)
	v.SetDefault("execution.timeout", 3600)
	v.SetDefault("execution.compile_cmd", "make")
	v.SetDefault("execution.directory", "/tmp/")
	v.SetDefault("execution.pidfile", "/tmp/executor.lock")
	v.SetDefault("execution.script_runner", "/usr/bin/env python3")
	v.SetDefault("server.url", "http://localhost:8000")
	v.SetDefault("server.secret", "")
	v.SetDefault("server.uuid", "")
	v.SetDefault("logging.file", "/tmp/executor.log")
	v.SetDefault("logging.to_file", false)
	v.SetDefault("logging.level", "INFO")
}

// LoadConfig reads the INI config file. A missing file yields the
// defaults, a malformed one is an error.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		v.SetConfigType("ini")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{
		Execution: ExecutionConfig{
			Cleanup:      v.GetBool("execution.cleanup"),
			MessageSize:  v.GetInt("execution.message_size"),
			TimeoutSec:   v.GetInt("execution.timeout"),
			CompileCmd:   v.GetString("execution.compile_cmd"),
			Directory:    v.GetString("execution.directory"),
			PIDFile:      v.GetString("execution.pidfile"),
			ScriptRunner: v.GetString("execution.script_runner"),
		},
		Server: ServerConfig{
			URL:    strings.TrimRight(v.GetString("server.url"), "/"),
			Secret: v.GetString("server.secret"),
			UUID:   v.GetString("server.uuid"),
		},
		Logging: LoggingConfig{
			File:   v.GetString("logging.file"),
			ToFile: v.GetBool("logging.to_file"),
			Level:  v.GetString("logging.level"),
		},
	}
	return cfg, nil
}

// HasConfig reports whether the config file exists.
func HasConfig(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

const configTemplate = `[Server]

# The OpenSubmit server
url=%s

# Shared secret, must match the web server configuration
secret=%s

# UUID of this executor
uuid=%s

[Execution]

# Place where downloaded archives are extracted, compiled and validated.
# The executor creates sub-directories per fetched job.
directory=/tmp/

# Delete all student files after the executor did its work.
cleanup=true

# Script interpreter for the validation scripts
script_runner=/usr/bin/env python3

# Lock file serializing executor cycles on this machine
pidfile=/tmp/executor.lock

# Whatever runs under this account is not allowed to run longer than
# this many seconds. Last-resort safeguard for deadlocked submissions.
timeout=3600

# Limit result message size in bytes, <=0 means no limit
message_size=10000

# Compilation command used when the job demands a compile step
compile_cmd=make

[Logging]

# Target file for logging, only used if to_file=true
file=/tmp/executor.log
to_file=false
level=INFO
`

// CreateConfig writes a fresh config file with a new machine UUID.
func CreateConfig(path, serverURL string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	content := fmt.Sprintf(configTemplate, serverURL, uuid.NewString(), uuid.NewString())
	return os.WriteFile(path, []byte(content), 0644)
}

// CheckConfig verifies the configuration is usable: reachable server,
// absolute working directory, a machine identity.
func CheckConfig(cfg *Config) error {
	if cfg.Server.UUID == "" {
		return fmt.Errorf("no machine uuid configured")
	}
	if cfg.Server.Secret == "" {
		return fmt.Errorf("no shared secret configured")
	}
	if !filepath.IsAbs(cfg.Execution.Directory) {
		return fmt.Errorf("execution directory %q must be an absolute path", cfg.Execution.Directory)
	}
	if _, err := os.Stat(cfg.Execution.Directory); err != nil {
		return fmt.Errorf("execution directory %q not usable: %w", cfg.Execution.Directory, err)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(cfg.Server.URL)
	if err != nil {
		return fmt.Errorf("server url %q not reachable: %w", cfg.Server.URL, err)
	}
	resp.Body.Close()
	return nil
}
