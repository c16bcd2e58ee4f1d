// Package profile carries the process startup configuration.
package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Profile is the configuration to start the main server.
type Profile struct {
	// Mode is dev, demo, or prod.
	Mode string
	// Addr is the bind address; empty binds all interfaces.
	Addr string
	// Port is the HTTP listen port.
	Port int
	// Data is the data directory holding event logs, state and blobs.
	Data string
	// ConfigDir holds config.json and models.json. Defaults to Data.
	ConfigDir string
	// InstanceURL is the externally visible base URL.
	InstanceURL string
	// Version is the current service version.
	Version string
	// StreamTimeoutSeconds bounds one upstream generation stream.
	StreamTimeoutSeconds int
}

// IsDev reports whether the profile runs in development mode.
func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// FromEnv overlays environment variables onto the profile.
func (p *Profile) FromEnv() {
	p.Mode = getEnvOrDefault("ANIMACHAT_MODE", p.Mode)
	p.Addr = getEnvOrDefault("ANIMACHAT_ADDR", p.Addr)
	p.Port = getEnvOrDefaultInt("ANIMACHAT_PORT", p.Port)
	p.Data = getEnvOrDefault("ANIMACHAT_DATA", p.Data)
	p.ConfigDir = getEnvOrDefault("ANIMACHAT_CONFIG_DIR", p.ConfigDir)
	p.InstanceURL = getEnvOrDefault("ANIMACHAT_INSTANCE_URL", p.InstanceURL)
	p.StreamTimeoutSeconds = getEnvOrDefaultInt("ANIMACHAT_STREAM_TIMEOUT", p.StreamTimeoutSeconds)
}

// Validate normalizes the profile and ensures the data directory exists.
func (p *Profile) Validate() error {
	if !strings.HasPrefix(p.Mode, "dev") && p.Mode != "demo" && p.Mode != "prod" {
		p.Mode = "demo"
	}
	if p.Port <= 0 {
		p.Port = 8230
	}
	if p.Data == "" {
		p.Data = "data"
	}
	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		return err
	}
	p.Data = dataDir
	if p.ConfigDir == "" {
		p.ConfigDir = p.Data
	}
	if p.StreamTimeoutSeconds <= 0 {
		p.StreamTimeoutSeconds = 600
	}
	return nil
}

func checkDataDir(dataDir string) (string, error) {
	if !filepath.IsAbs(dataDir) {
		absDir, err := filepath.Abs(dataDir)
		if err != nil {
			return "", errors.Wrapf(err, "resolve data directory %s", dataDir)
		}
		dataDir = absDir
	}
	dataDir = strings.TrimRight(dataDir, "/")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", errors.Wrapf(err, "create data directory %s", dataDir)
	}
	return dataDir, nil
}

// ListenAddr renders the bind address.
func (p *Profile) ListenAddr() string {
	return fmt.Sprintf("%s:%d", p.Addr, p.Port)
}
