// Package config is the engine's entire configuration surface: typed reads
// off envutil plus the one piece of config that isn't a scalar, the service
// manifest set. Grounded on the internal/app.Config /
// internal/app.LoadConfig shape — a flat struct populated by one loader
// function, no file-based binding framework.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/jamesstaub/listenup/internal/domain"
	"github.com/jamesstaub/listenup/internal/platform/envutil"
)

type Config struct {
	Port string

	StatusConsumerConcurrency int
	StatusConsumerPollTimeout time.Duration

	SweeperInterval time.Duration

	ManifestPath string
}

func Load() Config {
	return Config{
		Port:                      envutil.String("PORT", "8080"),
		StatusConsumerConcurrency: envutil.Int("STATUS_CONSUMER_CONCURRENCY", 8),
		StatusConsumerPollTimeout: envutil.Duration("STATUS_CONSUMER_POLL_TIMEOUT", 5*time.Second),
		SweeperInterval:           envutil.Duration("SWEEPER_INTERVAL", 30*time.Second),
		ManifestPath:              envutil.String("MANIFEST_PATH", "manifests.json"),
	}
}

// LoadManifests reads the service manifest set the Validator, Graph
// Planner, and Dispatcher consult (§4.1) from a JSON file: a plain object of
// service name -> domain.ServiceManifest, the same shape domain.ManifestSet
// marshals to.
func LoadManifests(path string) (domain.ManifestSet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest file %q: %w", path, err)
	}
	var set domain.ManifestSet
	if err := json.Unmarshal(raw, &set); err != nil {
		return nil, fmt.Errorf("parse manifest file %q: %w", path, err)
	}
	for service, m := range set {
		if m.Service == "" {
			m.Service = service
			set[service] = m
		}
	}
	return set, nil
}
