package auth

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"strata/pkg/types"
)

var (
	ErrInvalidCertificate = errors.New("invalid certificate")
	ErrCertificateExpired = errors.New("certificate expired")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidCA          = errors.New("invalid CA certificate")
)

// ComponentType identifies the type of component in the cluster.
type ComponentType string

const (
	ComponentMaster ComponentType = "master"
	ComponentDaemon ComponentType = "daemon"
	ComponentClient ComponentType = "client"
)

// Identity represents an authenticated entity. For daemons the ID doubles as
// the stable DaemonID used in placement, derived from the certificate
// fingerprint so it survives restarts and address changes.
type Identity struct {
	Type        ComponentType
	ComponentID string
	Fingerprint string

	Subject   string
	NotBefore time.Time
	NotAfter  time.Time
}

// DaemonID returns the placement identity for a daemon component.
func (i *Identity) DaemonID() types.DaemonID {
	return types.DaemonID(i.Fingerprint)
}

// Fingerprint derives the stable identity of a certificate: the first 16
// bytes of the SHA-256 digest of its DER encoding, hex encoded.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:16])
}

// IdentityFromCert extracts an Identity from a verified peer certificate.
// The common name encodes the component as "<type>:<id>".
func IdentityFromCert(cert *x509.Certificate) (*Identity, error) {
	cn := cert.Subject.CommonName
	parts := strings.SplitN(cn, ":", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("%w: malformed common name %q", ErrInvalidCertificate, cn)
	}

	componentType := ComponentType(parts[0])
	switch componentType {
	case ComponentMaster, ComponentDaemon, ComponentClient:
	default:
		return nil, fmt.Errorf("%w: unknown component type %q", ErrInvalidCertificate, parts[0])
	}

	now := time.Now()
	if now.After(cert.NotAfter) {
		return nil, ErrCertificateExpired
	}

	return &Identity{
		Type:        componentType,
		ComponentID: parts[1],
		Fingerprint: Fingerprint(cert),
		Subject:     cn,
		NotBefore:   cert.NotBefore,
		NotAfter:    cert.NotAfter,
	}, nil
}

// InsecureIdentity builds an identity from a declared name when the cluster
// runs without TLS (development and tests). The fingerprint is derived from
// the name so placement identities stay stable across restarts.
func InsecureIdentity(componentType ComponentType, name string) *Identity {
	sum := sha256.Sum256([]byte(string(componentType) + ":" + name))
	return &Identity{
		Type:        componentType,
		ComponentID: name,
		Fingerprint: hex.EncodeToString(sum[:16]),
		Subject:     name,
	}
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	Enabled       bool   `json:"enabled"`
	CAPath        string `json:"ca_cert"`
	CertPath      string `json:"cert"`
	KeyPath       string `json:"key"`
	MinTLSVersion string `json:"min_tls_version,omitempty"`
}

// DefaultAuthConfig returns default authentication configuration.
func DefaultAuthConfig() *AuthConfig {
	return &AuthConfig{
		Enabled:       false,
		MinTLSVersion: "1.2",
	}
}

// Validate checks if the authentication configuration is valid.
func (c *AuthConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.CAPath == "" {
		return errors.New("CA certificate path is required when authentication is enabled")
	}

	if c.CertPath == "" || c.KeyPath == "" {
		return errors.New("certificate and key paths are required when authentication is enabled")
	}

	return nil
}
