// Package config loads the runtime configuration: provider profiles, model
// catalog, feature flags. Both files reload atomically through an explicit
// Reload; consumers read a consistent snapshot per use.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/anima-research/animachat/internal/errs"
)

// ModelCost prices one model on one profile, per million tokens.
type ModelCost struct {
	InputPerMTok      float64 `json:"inputPerMTok"`
	OutputPerMTok     float64 `json:"outputPerMTok"`
	CacheReadPerMTok  float64 `json:"cacheReadPerMTok,omitempty"`
	CacheWritePerMTok float64 `json:"cacheWritePerMTok,omitempty"`
	Currency          string  `json:"currency,omitempty"`
}

// Profile is one credentialed route to an upstream provider.
type Profile struct {
	ID                string               `json:"id"`
	Provider          string               `json:"provider"` // anthropic or openai
	BaseURL           string               `json:"baseUrl,omitempty"`
	APIKeyEnv         string               `json:"apiKeyEnv,omitempty"`
	APIKey            string               `json:"apiKey,omitempty"`
	Priority          int                  `json:"priority"`
	AllowedModels     []string             `json:"allowedModels,omitempty"`
	ModelCosts        map[string]ModelCost `json:"modelCosts,omitempty"`
	AllowedUserGroups []string             `json:"allowedUserGroups,omitempty"`
	TimeoutSeconds    int                  `json:"timeoutSeconds,omitempty"`
}

// Key resolves the credential, preferring the environment indirection.
func (p *Profile) Key() string {
	if p.APIKeyEnv != "" {
		if v := os.Getenv(p.APIKeyEnv); v != "" {
			return v
		}
	}
	return p.APIKey
}

// LoadBalancing selects the selector tie-break strategy.
type LoadBalancing struct {
	Strategy string `json:"strategy,omitempty"` // first, random, round-robin, least-used
}

// Config is the top-level config.json shape.
type Config struct {
	Providers       map[string][]Profile `json:"providers"`
	DefaultProfiles map[string]string    `json:"defaultProfiles,omitempty"`
	DefaultModel    string               `json:"defaultModel,omitempty"`
	Features        map[string]bool      `json:"features,omitempty"`
	LoadBalancing   LoadBalancing        `json:"loadBalancing,omitempty"`
	Currencies      []string             `json:"currencies,omitempty"`
}

// Snapshot is one consistent view of both config files.
type Snapshot struct {
	Config Config
	Models Catalog
}

// Loader reads config.json and models.json from one directory.
type Loader struct {
	dir     string
	current atomic.Pointer[Snapshot]
}

// NewLoader creates a loader rooted at dir and performs the initial load.
func NewLoader(dir string) (*Loader, error) {
	l := &Loader{dir: dir}
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Current returns the live snapshot.
func (l *Loader) Current() *Snapshot { return l.current.Load() }

// Reload re-reads both files and swaps the snapshot atomically. A failed
// reload leaves the previous snapshot in place.
func (l *Loader) Reload() error {
	var snap Snapshot
	if err := readJSONFile(filepath.Join(l.dir, "config.json"), &snap.Config); err != nil {
		return err
	}
	if err := readJSONFile(filepath.Join(l.dir, "models.json"), &snap.Models); err != nil {
		if !errs.IsNotFound(err) {
			return err
		}
	}
	if snap.Config.LoadBalancing.Strategy == "" {
		snap.Config.LoadBalancing.Strategy = "random"
	}
	snap.Models.buildIndex()
	l.current.Store(&snap)
	return nil
}

func readJSONFile(path string, target any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return errs.Wrap(err, errs.KindNotFound, "config file %s", path)
		}
		return errs.Wrap(err, errs.KindIO, "read config file %s", path)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return errs.Wrap(err, errs.KindValidation, "parse config file %s", path)
	}
	return nil
}
