// Package auth builds the TLS configurations used between overlay clients,
// federation servers and gossip peers.
package auth

import (
	"errors"
)

var (
	ErrInvalidCertificate = errors.New("invalid certificate")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidCA          = errors.New("invalid CA certificate")
)

// TLSConfig holds transport security configuration
type TLSConfig struct {
	Enabled           bool   `json:"enabled"`
	CAPath            string `json:"ca_cert"`
	CertPath          string `json:"cert"`
	KeyPath           string `json:"key"`
	RequireClientAuth bool   `json:"require_client_auth"`
	// AllowedNames restricts accepted peer certificates by common name.
	AllowedNames  []string `json:"allowed_names,omitempty"`
	MinTLSVersion string   `json:"min_tls_version,omitempty"`
}

// DefaultTLSConfig returns a disabled configuration
func DefaultTLSConfig() TLSConfig {
	return TLSConfig{
		Enabled:       false,
		MinTLSVersion: "1.2",
	}
}

// Validate checks if the TLS configuration is usable
func (c *TLSConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.CAPath == "" {
		return errors.New("CA certificate path is required when TLS is enabled")
	}

	if c.CertPath == "" || c.KeyPath == "" {
		return errors.New("certificate and key paths are required when TLS is enabled")
	}

	return nil
}
