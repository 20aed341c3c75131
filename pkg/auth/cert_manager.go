package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// CertManager generates the cluster CA and component certificates with
// Ed25519 keys. It exists for cluster bring-up; daily operation only loads
// the files it produced.
type CertManager struct {
	caPath string
	caCert *x509.Certificate
	caKey  ed25519.PrivateKey
}

// NewCertManager creates a certificate manager rooted at caPath.
func NewCertManager(caPath string) (*CertManager, error) {
	cm := &CertManager{caPath: caPath}

	if caPath != "" {
		certPath := filepath.Join(caPath, "ca.crt")
		if _, err := os.Stat(certPath); err == nil {
			if err := cm.loadCA(); err != nil {
				return nil, fmt.Errorf("failed to load existing CA: %w", err)
			}
		}
	}

	return cm, nil
}

// GenerateCA creates a new cluster Certificate Authority.
func (cm *CertManager) GenerateCA(clusterName string, validity time.Duration) error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate Ed25519 key: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"Strata Storage"},
			CommonName:   fmt.Sprintf("%s-CA", clusterName),
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(validity),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, pub, priv)
	if err != nil {
		return fmt.Errorf("failed to create CA certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	cm.caCert = cert
	cm.caKey = priv

	if cm.caPath != "" {
		if err := cm.saveCA(certDER, priv); err != nil {
			return fmt.Errorf("failed to save CA: %w", err)
		}
	}

	return nil
}

// GenerateCertificate creates a component certificate signed by the CA. The
// common name encodes "<type>:<id>" so the receiving side can recover the
// component identity from the verified leaf.
func (cm *CertManager) GenerateCertificate(componentType ComponentType, componentID string, addresses []string, validity time.Duration) (*x509.Certificate, ed25519.PrivateKey, error) {
	if cm.caCert == nil || cm.caKey == nil {
		return nil, nil, fmt.Errorf("CA not initialized")
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate Ed25519 key: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject: pkix.Name{
			Organization: []string{"Strata Storage"},
			CommonName:   fmt.Sprintf("%s:%s", componentType, componentID),
		},
		NotBefore:   time.Now(),
		NotAfter:    time.Now().Add(validity),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	for _, addr := range addresses {
		if ip := net.ParseIP(addr); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, addr)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, cm.caCert, pub, cm.caKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	return cert, priv, nil
}

// SaveCertificate writes a certificate and key pair as PEM files.
func (cm *CertManager) SaveCertificate(cert *x509.Certificate, key ed25519.PrivateKey, certPath, keyPath string) error {
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}

	return nil
}

func (cm *CertManager) saveCA(certDER []byte, key ed25519.PrivateKey) error {
	if err := os.MkdirAll(cm.caPath, 0755); err != nil {
		return err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	if err := os.WriteFile(filepath.Join(cm.caPath, "ca.crt"), certPEM, 0644); err != nil {
		return err
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	return os.WriteFile(filepath.Join(cm.caPath, "ca.key"), keyPEM, 0600)
}

func (cm *CertManager) loadCA() error {
	certPEM, err := os.ReadFile(filepath.Join(cm.caPath, "ca.crt"))
	if err != nil {
		return err
	}
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return ErrInvalidCA
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return err
	}

	keyPEM, err := os.ReadFile(filepath.Join(cm.caPath, "ca.key"))
	if err != nil {
		return err
	}
	block, _ = pem.Decode(keyPEM)
	if block == nil {
		return ErrInvalidCA
	}
	keyAny, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return err
	}
	key, ok := keyAny.(ed25519.PrivateKey)
	if !ok {
		return fmt.Errorf("CA key is not Ed25519")
	}

	cm.caCert = cert
	cm.caKey = key
	return nil
}
