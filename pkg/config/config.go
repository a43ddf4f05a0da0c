package config

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/pion/webrtc/v4"
)

// Config is the call peer configuration, read from YAML with environment
// overrides.
type Config struct {
	RelayURL    string            `yaml:"relay_url" env:"CALLPEER_RELAY_URL"`
	LogLevel    string            `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	Backend     BackendConfig     `yaml:"backend"`
	Participant ParticipantConfig `yaml:"participant"`
	ICEServers  []ICEServerConfig `yaml:"ice_servers"`
}

// BackendConfig points at the appointment/session collaborator.
type BackendConfig struct {
	BaseURL   string `yaml:"base_url" env:"CALLPEER_BACKEND_URL"`
	AuthToken string `yaml:"auth_token" env:"CALLPEER_AUTH_TOKEN"`
}

// ParticipantConfig identifies the local participant.
type ParticipantConfig struct {
	ID   string `yaml:"id" env:"CALLPEER_PARTICIPANT_ID"`
	Role string `yaml:"role" env:"CALLPEER_ROLE" env-default:"CLIENT"`
}

// ICEServerConfig is one STUN/TURN entry in the recognized shape.
type ICEServerConfig struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`
}

// Load reads configuration from the given YAML file (environment variables
// override) or, with an empty path, from the environment alone.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("read env config: %w", err)
		}
	}

	cfg.setDefaults()
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Participant.ID == "" {
		c.Participant.ID = uuid.NewString()
	}
	if len(c.ICEServers) == 0 {
		c.ICEServers = []ICEServerConfig{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
			{URLs: []string{"stun:stun1.l.google.com:19302"}},
		}
	}
}

// WebRTCICEServers converts the configured entries into the peer-connection
// shape.
func (c *Config) WebRTCICEServers() []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(c.ICEServers))
	for _, s := range c.ICEServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return servers
}
