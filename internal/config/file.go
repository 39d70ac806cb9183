package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/caseline/relay/internal/model/cases"
)

// fileConfig is the optional YAML overlay. Zero values leave the
// environment-derived setting untouched. ${VAR} references are expanded
// before parsing.
type fileConfig struct {
	Defaults struct {
		Victim  string `yaml:"victim"`
		Officer string `yaml:"officer"`
		Admin   string `yaml:"admin"`
	} `yaml:"defaults"`
	// Actors lists additional user ids and their role so that messages can
	// be queued for them before they ever connect.
	Actors      map[string]string `yaml:"actors"`
	CrimeNumber *string           `yaml:"crime_number"`
	QueueLimit  *int              `yaml:"queue_limit"`
	Cases       []cases.Case      `yaml:"cases"`
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var fc fileConfig
	if err := yaml.Unmarshal([]byte(expanded), &fc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	if fc.Defaults.Victim != "" {
		cfg.Relay.VictimID = fc.Defaults.Victim
	}
	if fc.Defaults.Officer != "" {
		cfg.Relay.OfficerID = fc.Defaults.Officer
	}
	if fc.Defaults.Admin != "" {
		cfg.Relay.AdminID = fc.Defaults.Admin
	}
	if len(fc.Actors) > 0 {
		cfg.Relay.Actors = fc.Actors
	}
	if fc.CrimeNumber != nil {
		cfg.Relay.CrimeNumber = *fc.CrimeNumber
	}
	if fc.QueueLimit != nil {
		cfg.Relay.QueueLimit = *fc.QueueLimit
	}
	if len(fc.Cases) > 0 {
		cfg.Cases = fc.Cases
	}
	return nil
}
