package auth

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// TLSConfigBuilder builds TLS configurations for the different channels: the
// master's mutually-authenticated daemon/client listener, the daemon peer
// channel, and outbound connections.
type TLSConfigBuilder struct {
	config *AuthConfig
}

// NewTLSConfigBuilder creates a new TLS configuration builder.
func NewTLSConfigBuilder(config *AuthConfig) (*TLSConfigBuilder, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &TLSConfigBuilder{config: config}, nil
}

// BuildServerConfig creates the TLS configuration for servers. Peers must
// present a certificate signed by the cluster CA; identity extraction happens
// at the request layer from the verified leaf certificate.
func (b *TLSConfigBuilder) BuildServerConfig() (*tls.Config, error) {
	if !b.config.Enabled {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(b.config.CertPath, b.config.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}

	caPool, err := b.loadCAPool()
	if err != nil {
		return nil, fmt.Errorf("failed to load CA pool: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    caPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   b.getTLSVersion(),
	}, nil
}

// BuildClientConfig creates the TLS configuration for outbound connections
// (daemon to master, daemon to daemon, client to master).
func (b *TLSConfigBuilder) BuildClientConfig() (*tls.Config, error) {
	if !b.config.Enabled {
		return nil, nil
	}

	caPool, err := b.loadCAPool()
	if err != nil {
		return nil, fmt.Errorf("failed to load CA pool: %w", err)
	}

	tlsConfig := &tls.Config{
		RootCAs:    caPool,
		MinVersion: b.getTLSVersion(),
	}

	if b.config.CertPath != "" && b.config.KeyPath != "" {
		cert, err := tls.LoadX509KeyPair(b.config.CertPath, b.config.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func (b *TLSConfigBuilder) loadCAPool() (*x509.CertPool, error) {
	caCert, err := os.ReadFile(b.config.CAPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}

	return caPool, nil
}

func (b *TLSConfigBuilder) getTLSVersion() uint16 {
	switch b.config.MinTLSVersion {
	case "1.3":
		return tls.VersionTLS13
	default:
		return tls.VersionTLS12
	}
}
