package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsecureIdentityStable(t *testing.T) {
	a := InsecureIdentity(ComponentDaemon, "node-1")
	b := InsecureIdentity(ComponentDaemon, "node-1")
	assert.Equal(t, a.Fingerprint, b.Fingerprint)
	assert.Len(t, a.Fingerprint, 32)

	other := InsecureIdentity(ComponentDaemon, "node-2")
	assert.NotEqual(t, a.Fingerprint, other.Fingerprint)

	// Same name, different component type: different identity.
	client := InsecureIdentity(ComponentClient, "node-1")
	assert.NotEqual(t, a.Fingerprint, client.Fingerprint)
}

func TestIdentityFromCert(t *testing.T) {
	cm, err := NewCertManager(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, cm.GenerateCA("test-cluster", time.Hour))

	cert, _, err := cm.GenerateCertificate(ComponentDaemon, "d1", []string{"127.0.0.1", "localhost"}, time.Hour)
	require.NoError(t, err)

	identity, err := IdentityFromCert(cert)
	require.NoError(t, err)

	assert.Equal(t, ComponentDaemon, identity.Type)
	assert.Equal(t, "d1", identity.ComponentID)
	assert.Equal(t, Fingerprint(cert), identity.Fingerprint)
	assert.Equal(t, identity.Fingerprint, string(identity.DaemonID()))
}

func TestIdentityFromCertRejectsMalformedCN(t *testing.T) {
	cm, err := NewCertManager(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, cm.GenerateCA("test-cluster", time.Hour))

	cert, _, err := cm.GenerateCertificate("gateway", "g1", nil, time.Hour)
	require.NoError(t, err)

	_, err = IdentityFromCert(cert)
	assert.ErrorIs(t, err, ErrInvalidCertificate)
}

func TestCertManagerReloadsCA(t *testing.T) {
	dir := t.TempDir()

	cm, err := NewCertManager(dir)
	require.NoError(t, err)
	require.NoError(t, cm.GenerateCA("test-cluster", time.Hour))

	// A second manager over the same directory signs with the same CA.
	reloaded, err := NewCertManager(dir)
	require.NoError(t, err)

	cert, _, err := reloaded.GenerateCertificate(ComponentClient, "alice", nil, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "client:alice", cert.Subject.CommonName)
}

func TestAuthConfigValidate(t *testing.T) {
	assert.NoError(t, (&AuthConfig{Enabled: false}).Validate())
	assert.Error(t, (&AuthConfig{Enabled: true}).Validate())
	assert.Error(t, (&AuthConfig{Enabled: true, CAPath: "ca.crt"}).Validate())
	assert.NoError(t, (&AuthConfig{Enabled: true, CAPath: "ca.crt", CertPath: "c.crt", KeyPath: "c.key"}).Validate())
}

func TestTLSBuilderDisabled(t *testing.T) {
	builder, err := NewTLSConfigBuilder(DefaultAuthConfig())
	require.NoError(t, err)

	server, err := builder.BuildServerConfig()
	require.NoError(t, err)
	assert.Nil(t, server)

	client, err := builder.BuildClientConfig()
	require.NoError(t, err)
	assert.Nil(t, client)
}
