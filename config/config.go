// Package config holds the server configuration, read from an optional JSON
// file and overridden by command-line flags.
package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Duration is a time.Duration written as a string ("90s", "12h") in JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Model lists the served versions of one built-in model.
type Model struct {
	Name           string   `json:"name"`
	Versions       []string `json:"versions"`
	DefaultVersion string   `json:"default_version,omitempty"`
	DataDir        string   `json:"data_dir,omitempty"`
}

// Server is the configuration of eeval-server.
type Server struct {
	Listen  string `json:"listen"`
	DataDir string `json:"data_dir"`
	// TTL bounds the lifetime of registered contexts and datasets. Zero
	// keeps them until the server stops.
	TTL            Duration `json:"ttl"`
	MaxMessageSize int      `json:"max_message_size"`
	Workers        int      `json:"workers"`
	LogLevel       string   `json:"log_level"`
	Models         []Model  `json:"models"`
}

// Default returns the configuration used when no file is given.
func Default() Server {
	return Server{
		Listen:         ":8000",
		DataDir:        "data",
		MaxMessageSize: 1 << 30,
		Workers:        runtime.NumCPU(),
		LogLevel:       "info",
		Models: []Model{
			{Name: "fc", Versions: []string{"0.1"}},
			{Name: "linear", Versions: []string{"0.1"}},
			{Name: "sequential", Versions: []string{"0.1"}},
			{Name: "conv", Versions: []string{"0.1"}},
		},
	}
}

// Load reads a JSON configuration file on top of the defaults.
func Load(path string) (Server, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read file: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// RegisterFlags binds the fields of cfg to fs. Flag defaults are the current
// values, so flags parsed after Load override the file.
func (cfg *Server) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "Address to listen on")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Directory holding model parameter files")
	fs.DurationVar((*time.Duration)(&cfg.TTL), "ttl", time.Duration(cfg.TTL), "Lifetime of registered contexts and datasets (0 = no expiry)")
	fs.IntVar(&cfg.MaxMessageSize, "max-message-size", cfg.MaxMessageSize, "Maximum gRPC message size in bytes")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "Goroutines used by a training round")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
}

// Validate checks the values a server can't start without.
func (cfg *Server) Validate() error {
	if cfg.Listen == "" {
		return errors.New("listen address is empty")
	}
	if cfg.TTL < 0 {
		return errors.New("ttl can't be negative")
	}
	if cfg.MaxMessageSize <= 0 {
		return errors.New("max_message_size must be positive")
	}
	if cfg.Workers <= 0 {
		return errors.New("workers must be positive")
	}
	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		return err
	}
	for _, m := range cfg.Models {
		if strings.TrimSpace(m.Name) == "" {
			return errors.New("model without a name")
		}
		if len(m.Versions) == 0 {
			return fmt.Errorf("model %s has no versions", m.Name)
		}
	}
	return nil
}

// Logger builds a logrus logger at the configured level.
func (cfg *Server) Logger() *logrus.Logger {
	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	return logger
}
