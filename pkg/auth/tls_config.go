package auth

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// TLSConfigBuilder builds TLS configurations for servers and clients
type TLSConfigBuilder struct {
	config TLSConfig
}

// NewTLSConfigBuilder creates a new TLS configuration builder
func NewTLSConfigBuilder(config TLSConfig) (*TLSConfigBuilder, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &TLSConfigBuilder{config: config}, nil
}

// BuildServerConfig creates TLS configuration for federation and gossip
// servers. It returns nil when TLS is disabled.
func (b *TLSConfigBuilder) BuildServerConfig() (*tls.Config, error) {
	if !b.config.Enabled {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(b.config.CertPath, b.config.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   b.getTLSVersion(),
		CipherSuites: b.getCipherSuites(),
	}

	if b.config.RequireClientAuth {
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert

		clientCAPool, err := b.loadCAPool(b.config.CAPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load client CA pool: %w", err)
		}
		tlsConfig.ClientCAs = clientCAPool
		tlsConfig.VerifyPeerCertificate = b.verifyPeerCertificate
	}

	return tlsConfig, nil
}

// BuildClientConfig creates TLS configuration for clients. It returns nil
// when TLS is disabled so callers dial in plaintext.
func (b *TLSConfigBuilder) BuildClientConfig() (*tls.Config, error) {
	if !b.config.Enabled {
		return nil, nil
	}

	caPool, err := b.loadCAPool(b.config.CAPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load CA pool: %w", err)
	}

	tlsConfig := &tls.Config{
		RootCAs:      caPool,
		MinVersion:   b.getTLSVersion(),
		CipherSuites: b.getCipherSuites(),
	}

	// The client certificate is only needed against servers that ask for it.
	if b.config.RequireClientAuth {
		cert, err := tls.LoadX509KeyPair(b.config.CertPath, b.config.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if len(b.config.AllowedNames) > 0 {
		tlsConfig.VerifyPeerCertificate = b.verifyPeerCertificate
	}

	return tlsConfig, nil
}

// verifyPeerCertificate enforces the allowed common names on top of chain
// verification
func (b *TLSConfigBuilder) verifyPeerCertificate(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return fmt.Errorf("%w: no certificates provided", ErrInvalidCertificate)
	}

	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
	}

	if len(b.config.AllowedNames) == 0 {
		return nil
	}
	for _, name := range b.config.AllowedNames {
		if cert.Subject.CommonName == name {
			return nil
		}
	}
	return fmt.Errorf("%w: %s not allowed", ErrUnauthorized, cert.Subject.CommonName)
}

// loadCAPool loads a CA certificate pool from file
func (b *TLSConfigBuilder) loadCAPool(path string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caCert) {
		return nil, ErrInvalidCA
	}

	return caPool, nil
}

// getTLSVersion returns the minimum TLS version from config
func (b *TLSConfigBuilder) getTLSVersion() uint16 {
	switch b.config.MinTLSVersion {
	case "1.3":
		return tls.VersionTLS13
	default:
		return tls.VersionTLS12
	}
}

// getCipherSuites returns the TLS 1.2 suites compatible with Ed25519 and
// ECDSA certificates. TLS 1.3 suites are not configurable.
func (b *TLSConfigBuilder) getCipherSuites() []uint16 {
	return []uint16{
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	}
}
