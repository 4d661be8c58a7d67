package proxy

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	caCertFile = "proxy-ca.crt"
	caKeyFile  = "proxy-ca.key"

	caOrganization   = "episode-harvester"
	caCommonName     = "episode-harvester Root CA"
	caValidityYears  = 10
	hostValidityDays = 365
)

// authority signs per-host leaf certificates for intercepted TLS connections
type authority struct {
	cert *x509.Certificate
	key  *rsa.PrivateKey

	mu     sync.RWMutex
	leaves map[string]*tls.Certificate
}

// loadOrCreateAuthority loads the CA from dir, generating it on first use
func loadOrCreateAuthority(dir string, logger *slog.Logger) (*authority, error) {
	certPath := filepath.Join(dir, caCertFile)
	keyPath := filepath.Join(dir, caKeyFile)

	if fileExists(certPath) && fileExists(keyPath) {
		ca, err := loadAuthority(certPath, keyPath)
		if err != nil {
			return nil, err
		}
		logger.Info("loaded existing CA certificate", "path", certPath)
		return ca, nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cert directory: %w", err)
	}
	if err := generateAuthority(certPath, keyPath); err != nil {
		return nil, err
	}
	logger.Info("generated CA certificate", "path", certPath)
	return loadAuthority(certPath, keyPath)
}

func generateAuthority(certPath, keyPath string) error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return err
	}

	serialNumber, err := randomSerial()
	if err != nil {
		return err
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{caOrganization},
			CommonName:   caCommonName,
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(caValidityYears, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("failed to create CA certificate: %w", err)
	}

	if err := writePEM(certPath, "CERTIFICATE", certDER, 0644); err != nil {
		return err
	}
	return writePEM(keyPath, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key), 0600)
}

func loadAuthority(certPath, keyPath string) (*authority, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to decode certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, err
	}

	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}
	block, _ = pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to decode key PEM")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}

	return &authority{
		cert:   cert,
		key:    key,
		leaves: make(map[string]*tls.Certificate),
	}, nil
}

// leafFor returns a cached certificate for host, signing one if needed
func (a *authority) leafFor(host string) (*tls.Certificate, error) {
	hostname := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		hostname = h
	}

	a.mu.RLock()
	cert, ok := a.leaves[hostname]
	a.mu.RUnlock()
	if ok {
		return cert, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if cert, ok := a.leaves[hostname]; ok {
		return cert, nil
	}

	cert, err := a.sign(hostname)
	if err != nil {
		return nil, err
	}
	a.leaves[hostname] = cert
	return cert, nil
}

func (a *authority) sign(hostname string) (*tls.Certificate, error) {
	serialNumber, err := randomSerial()
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{caOrganization},
			CommonName:   hostname,
		},
		NotBefore:   time.Now().Add(-time.Hour),
		NotAfter:    time.Now().AddDate(0, 0, hostValidityDays),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	if ip := net.ParseIP(hostname); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{hostname}
		// Add wildcard if hostname has subdomain
		if strings.Count(hostname, ".") > 1 {
			parts := strings.SplitN(hostname, ".", 2)
			template.DNSNames = append(template.DNSNames, "*."+parts[1])
		}
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	certDER, err := x509.CreateCertificate(rand.Reader, template, a.cert, &key.PublicKey, a.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign certificate for %s: %w", hostname, err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{certDER, a.cert.Raw},
		PrivateKey:  key,
	}, nil
}

func randomSerial() (*big.Int, error) {
	return rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
}

func writePEM(path, blockType string, der []byte, perm os.FileMode) error {
	out, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if err := pem.Encode(out, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
