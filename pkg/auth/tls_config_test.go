package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type testPKI struct {
	dir    string
	caPath string
	ca     *x509.Certificate
	caKey  ed25519.PrivateKey
}

// newTestPKI creates a self-signed Ed25519 CA in a temp directory
func newTestPKI(t *testing.T) *testPKI {
	t.Helper()
	dir := t.TempDir()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate CA key: %v", err)
	}

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "overlay-test-ca"},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, pub, priv)
	if err != nil {
		t.Fatalf("Failed to create CA certificate: %v", err)
	}
	ca, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("Failed to parse CA certificate: %v", err)
	}

	caPath := filepath.Join(dir, "ca.crt")
	writePEM(t, caPath, "CERTIFICATE", der)

	return &testPKI{dir: dir, caPath: caPath, ca: ca, caKey: priv}
}

// issue creates a leaf certificate for name and returns its cert and key paths
func (p *testPKI) issue(t *testing.T, name string, serial int64) (string, string) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: name},
		DNSNames:     []string{name},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, p.ca, pub, p.caKey)
	if err != nil {
		t.Fatalf("Failed to create certificate: %v", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		t.Fatalf("Failed to marshal key: %v", err)
	}

	certPath := filepath.Join(p.dir, name+".crt")
	keyPath := filepath.Join(p.dir, name+".key")
	writePEM(t, certPath, "CERTIFICATE", der)
	writePEM(t, keyPath, "PRIVATE KEY", keyDER)
	return certPath, keyPath
}

func writePEM(t *testing.T, path, blockType string, der []byte) {
	t.Helper()
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

// handshake runs a TLS handshake over an in-memory pipe
func handshake(serverCfg, clientCfg *tls.Config) (serverErr, clientErr error) {
	// net.Pipe is unbuffered; tickets written after the handshake would block.
	serverCfg = serverCfg.Clone()
	serverCfg.SessionTicketsDisabled = true

	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	done := make(chan error, 1)
	go func() {
		srv := tls.Server(serverConn, serverCfg)
		err := srv.Handshake()
		if err != nil {
			serverConn.Close()
		}
		done <- err
	}()

	cli := tls.Client(clientConn, clientCfg)
	clientErr = cli.Handshake()
	if clientErr != nil {
		clientConn.Close()
	}
	serverErr = <-done
	return serverErr, clientErr
}

func TestTLSConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  TLSConfig
		wantErr bool
	}{
		{"disabled", DefaultTLSConfig(), false},
		{"missing CA", TLSConfig{Enabled: true, CertPath: "c", KeyPath: "k"}, true},
		{"missing key", TLSConfig{Enabled: true, CAPath: "ca", CertPath: "c"}, true},
		{"complete", TLSConfig{Enabled: true, CAPath: "ca", CertPath: "c", KeyPath: "k"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTLSConfigBuilder_Disabled(t *testing.T) {
	b, err := NewTLSConfigBuilder(DefaultTLSConfig())
	if err != nil {
		t.Fatalf("NewTLSConfigBuilder failed: %v", err)
	}

	serverCfg, err := b.BuildServerConfig()
	if err != nil || serverCfg != nil {
		t.Errorf("Expected nil server config, got %v, %v", serverCfg, err)
	}
	clientCfg, err := b.BuildClientConfig()
	if err != nil || clientCfg != nil {
		t.Errorf("Expected nil client config, got %v, %v", clientCfg, err)
	}
}

func TestTLSConfigBuilder_MutualAuth(t *testing.T) {
	pki := newTestPKI(t)
	serverCert, serverKey := pki.issue(t, "fed-0", 2)
	clientCert, clientKey := pki.issue(t, "client", 3)

	server, err := NewTLSConfigBuilder(TLSConfig{
		Enabled:           true,
		CAPath:            pki.caPath,
		CertPath:          serverCert,
		KeyPath:           serverKey,
		RequireClientAuth: true,
		MinTLSVersion:     "1.3",
	})
	if err != nil {
		t.Fatalf("NewTLSConfigBuilder failed: %v", err)
	}
	serverCfg, err := server.BuildServerConfig()
	if err != nil {
		t.Fatalf("BuildServerConfig failed: %v", err)
	}
	if serverCfg.ClientAuth != tls.RequireAndVerifyClientCert {
		t.Error("Server should require client certificates")
	}
	if serverCfg.MinVersion != tls.VersionTLS13 {
		t.Errorf("Expected TLS 1.3 minimum, got %x", serverCfg.MinVersion)
	}

	client, err := NewTLSConfigBuilder(TLSConfig{
		Enabled:           true,
		CAPath:            pki.caPath,
		CertPath:          clientCert,
		KeyPath:           clientKey,
		RequireClientAuth: true,
		AllowedNames:      []string{"fed-0"},
	})
	if err != nil {
		t.Fatalf("NewTLSConfigBuilder failed: %v", err)
	}
	clientCfg, err := client.BuildClientConfig()
	if err != nil {
		t.Fatalf("BuildClientConfig failed: %v", err)
	}
	clientCfg.ServerName = "fed-0"

	serverErr, clientErr := handshake(serverCfg, clientCfg)
	if serverErr != nil || clientErr != nil {
		t.Fatalf("Handshake failed: server=%v client=%v", serverErr, clientErr)
	}
}

func TestTLSConfigBuilder_RejectsUnlistedServer(t *testing.T) {
	pki := newTestPKI(t)
	serverCert, serverKey := pki.issue(t, "fed-9", 2)

	server, _ := NewTLSConfigBuilder(TLSConfig{
		Enabled:  true,
		CAPath:   pki.caPath,
		CertPath: serverCert,
		KeyPath:  serverKey,
	})
	serverCfg, err := server.BuildServerConfig()
	if err != nil {
		t.Fatalf("BuildServerConfig failed: %v", err)
	}

	client, _ := NewTLSConfigBuilder(TLSConfig{
		Enabled:      true,
		CAPath:       pki.caPath,
		CertPath:     "unused",
		KeyPath:      "unused",
		AllowedNames: []string{"fed-0", "fed-1"},
	})
	clientCfg, err := client.BuildClientConfig()
	if err != nil {
		t.Fatalf("BuildClientConfig failed: %v", err)
	}
	clientCfg.ServerName = "fed-9"

	_, clientErr := handshake(serverCfg, clientCfg)
	if !errors.Is(clientErr, ErrUnauthorized) {
		t.Errorf("Expected ErrUnauthorized, got %v", clientErr)
	}
}

func TestTLSConfigBuilder_BadCA(t *testing.T) {
	dir := t.TempDir()
	caPath := filepath.Join(dir, "ca.crt")
	if err := os.WriteFile(caPath, []byte("not a certificate"), 0600); err != nil {
		t.Fatal(err)
	}

	b, _ := NewTLSConfigBuilder(TLSConfig{Enabled: true, CAPath: caPath, CertPath: "c", KeyPath: "k"})
	if _, err := b.BuildClientConfig(); !errors.Is(err, ErrInvalidCA) {
		t.Errorf("Expected ErrInvalidCA, got %v", err)
	}
}
