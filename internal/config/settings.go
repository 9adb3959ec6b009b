// internal/config/settings.go
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Settings struct {
	Version int `yaml:"version"`

	Network struct {
		ListenAddress string `yaml:"listen_address"`
		ListenPort    int    `yaml:"listen_port"`
	} `yaml:"network"`

	OOB struct {
		AcceptTimeoutSeconds int    `yaml:"accept_timeout_seconds"`
		WireFormat           string `yaml:"wire_format"` // "structured" or "raw"
		MaxPayloadBytes      uint32 `yaml:"max_payload_bytes"`
		ServiceID            string `yaml:"service_id"` // override the built-in constant
	} `yaml:"oob"`

	PeersFile string `yaml:"peers_file"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// Load reads the settings file and applies defaults for anything unset.
func Load(path string) (*Settings, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Settings
	if err := yaml.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("parse settings %q: %w", path, err)
	}
	s.applyDefaults()
	return &s, nil
}

// Default returns settings with all defaults applied, for running without
// a config file.
func Default() *Settings {
	var s Settings
	s.applyDefaults()
	return &s
}

// Save writes the settings file with 0600 perms.
func Save(path string, s *Settings) error {
	b, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

func (s *Settings) applyDefaults() {
	if s.Version == 0 {
		s.Version = 1
	}
	if s.Network.ListenAddress == "" {
		s.Network.ListenAddress = "0.0.0.0"
	}
	if s.Network.ListenPort == 0 {
		s.Network.ListenPort = 52012
	}
	if s.OOB.AcceptTimeoutSeconds == 0 {
		s.OOB.AcceptTimeoutSeconds = 60
	}
	if s.OOB.WireFormat == "" {
		s.OOB.WireFormat = "structured"
	}
	if s.PeersFile == "" {
		s.PeersFile = "peers.json"
	}
	if s.Logging.Level == "" {
		s.Logging.Level = "info"
	}
}

// ListenAddr joins address and port into the host:port form net.Listen
// expects.
func (s *Settings) ListenAddr() string {
	return fmt.Sprintf("%s:%d", s.Network.ListenAddress, s.Network.ListenPort)
}

// AcceptTimeout returns the configured accept bound as a duration.
func (s *Settings) AcceptTimeout() time.Duration {
	return time.Duration(s.OOB.AcceptTimeoutSeconds) * time.Second
}
