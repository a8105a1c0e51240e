package config

import (
	"fmt"
	"net"
	"strings"

	"meshsync/secure"
)

// Validate rejects configurations that cannot produce a working node.
func Validate(cfg *Config) error {
	if strings.TrimSpace(cfg.NodeID) == "" {
		return fmt.Errorf("NodeID must not be empty")
	}
	if _, _, err := net.SplitHostPort(cfg.ListenAddress); err != nil {
		return fmt.Errorf("ListenAddress %q: %w", cfg.ListenAddress, err)
	}
	if cfg.Gossip.BandwidthMbps <= 0 {
		return fmt.Errorf("Gossip.BandwidthMbps must be positive")
	}
	if cfg.Gossip.QueueCapacity <= 0 {
		return fmt.Errorf("Gossip.QueueCapacity must be positive")
	}
	mode, err := cfg.SecurityMode()
	if err != nil {
		return err
	}
	switch mode {
	case secure.ModePreSharedKey:
		if cfg.Security.PSKIdentity == "" || cfg.Security.PSKKey == "" {
			return fmt.Errorf("psk mode requires Security.PSKIdentity and Security.PSKKey")
		}
		if _, err := cfg.PSKBytes(); err != nil {
			return err
		}
	case secure.ModeCertificate:
		if cfg.Security.CertificateFile == "" || cfg.Security.PrivateKeyFile == "" {
			return fmt.Errorf("certificate mode requires Security.CertificateFile and Security.PrivateKeyFile")
		}
	}
	if cfg.Mesh.RelayTTL > 255 {
		return fmt.Errorf("Mesh.RelayTTL must fit in one byte")
	}
	for _, peer := range cfg.Peers {
		if _, _, err := net.SplitHostPort(peer); err != nil {
			return fmt.Errorf("peer %q: %w", peer, err)
		}
	}
	return nil
}
