package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"

	"meshsync/secure"
)

// Gossip groups the synchronization tunables.
type Gossip struct {
	LoopDelaySeconds int     `toml:"LoopDelaySeconds"`
	BandwidthMbps    float64 `toml:"BandwidthMbps"`
	QueueCapacity    int     `toml:"QueueCapacity"`
	MaxPeersPerRound int     `toml:"MaxPeersPerRound"`
	BloomResetHours  int     `toml:"BloomResetHours"`
}

// Security selects the session mode and its key material. PSKKey is hex.
type Security struct {
	Mode                string `toml:"Mode"`
	PSKIdentity         string `toml:"PSKIdentity"`
	PSKKey              string `toml:"PSKKey"`
	CertificateFile     string `toml:"CertificateFile"`
	PrivateKeyFile      string `toml:"PrivateKeyFile"`
	CAFile              string `toml:"CAFile"`
	VerifyPeer          bool   `toml:"VerifyPeer"`
	SessionTimeoutHours int    `toml:"SessionTimeoutHours"`
	MaxSessions         int    `toml:"MaxSessions"`
}

// Mesh groups the multi-hop relay tunables.
type Mesh struct {
	RelayTTL     int `toml:"RelayTTL"`
	SeenCapacity int `toml:"SeenCapacity"`
}

// Telemetry configures metrics export. An empty endpoint disables export.
type Telemetry struct {
	OTLPEndpoint string `toml:"OTLPEndpoint"`
	Insecure     bool   `toml:"Insecure"`
}

type Config struct {
	NodeID        string   `toml:"NodeID"`
	ListenAddress string   `toml:"ListenAddress"`
	DataDir       string   `toml:"DataDir"`
	LogLevel      string   `toml:"LogLevel"`
	LogFile       string   `toml:"LogFile"`
	Peers         []string `toml:"Peers"`

	Gossip    Gossip    `toml:"Gossip"`
	Security  Security  `toml:"Security"`
	Mesh      Mesh      `toml:"Mesh"`
	Telemetry Telemetry `toml:"Telemetry"`
}

// Load loads the configuration from the given path, creating a default file
// when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.NodeID) == "" {
		cfg.NodeID = uuid.NewString()
		if err := persist(path, cfg); err != nil {
			return nil, err
		}
	}
	if cfg.Peers == nil {
		cfg.Peers = []string{}
	}
	applyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = "0.0.0.0:5683"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./meshsync-data"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Gossip.LoopDelaySeconds <= 0 {
		cfg.Gossip.LoopDelaySeconds = 10
	}
	if cfg.Gossip.BandwidthMbps <= 0 {
		cfg.Gossip.BandwidthMbps = 1.0
	}
	if cfg.Gossip.QueueCapacity <= 0 {
		cfg.Gossip.QueueCapacity = 256
	}
	if cfg.Gossip.MaxPeersPerRound <= 0 {
		cfg.Gossip.MaxPeersPerRound = 5
	}
	if cfg.Gossip.BloomResetHours <= 0 {
		cfg.Gossip.BloomResetHours = 6
	}
	if cfg.Security.Mode == "" {
		cfg.Security.Mode = "nosec"
	}
	if cfg.Security.SessionTimeoutHours <= 0 {
		cfg.Security.SessionTimeoutHours = 24
	}
	if cfg.Security.MaxSessions <= 0 {
		cfg.Security.MaxSessions = 100
	}
	if cfg.Mesh.RelayTTL <= 0 {
		cfg.Mesh.RelayTTL = 5
	}
	if cfg.Mesh.SeenCapacity <= 0 {
		cfg.Mesh.SeenCapacity = 10000
	}
}

// SecurityMode maps the configured mode string onto the session manager's
// mode constants.
func (c *Config) SecurityMode() (secure.Mode, error) {
	switch strings.ToLower(strings.TrimSpace(c.Security.Mode)) {
	case "", "nosec":
		return secure.ModeNoSec, nil
	case "psk":
		return secure.ModePreSharedKey, nil
	case "certificate", "cert":
		return secure.ModeCertificate, nil
	default:
		return secure.ModeNoSec, fmt.Errorf("unknown security mode %q", c.Security.Mode)
	}
}

// PSKBytes decodes the configured hex key.
func (c *Config) PSKBytes() ([]byte, error) {
	if c.Security.PSKKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.Security.PSKKey)
	if err != nil {
		return nil, fmt.Errorf("invalid Security.PSKKey: %w", err)
	}
	return key, nil
}

// createDefault creates and saves a default configuration file. A fresh
// pre-shared key is generated so switching the mode to psk needs no extra
// provisioning step.
func createDefault(path string) (*Config, error) {
	psk, err := secure.GeneratePSK()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		NodeID:        uuid.NewString(),
		ListenAddress: "0.0.0.0:5683",
		DataDir:       "./meshsync-data",
		LogLevel:      "info",
		Peers:         []string{},
		Gossip: Gossip{
			LoopDelaySeconds: 10,
			BandwidthMbps:    1.0,
			QueueCapacity:    256,
			MaxPeersPerRound: 5,
			BloomResetHours:  6,
		},
		Security: Security{
			Mode:                "nosec",
			PSKIdentity:         "meshsync-node",
			PSKKey:              hex.EncodeToString(psk),
			SessionTimeoutHours: 24,
			MaxSessions:         100,
		},
		Mesh: Mesh{
			RelayTTL:     5,
			SeenCapacity: 10000,
		},
	}

	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
