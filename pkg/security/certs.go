package security

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"
)

const (
	// Warn when a loaded certificate expires within this window
	certExpiryWarning = 30 * 24 * time.Hour
)

var (
	// ErrNoCertificates is returned when a CA file holds no certificate
	ErrNoCertificates = errors.New("no certificates found")

	// ErrCRLSignature is returned when a CRL is not signed by the bundle's CA
	ErrCRLSignature = errors.New("CRL signature does not verify against CA")

	// ErrRevoked is returned when a peer presents a revoked certificate
	ErrRevoked = errors.New("certificate revoked")
)

// LoadCACerts reads every PEM certificate in path
func LoadCACerts(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrNoCertificates)
	}
	return certs, nil
}

// CertPool builds a pool from parsed CA certificates
func CertPool(cas []*x509.Certificate) *x509.CertPool {
	pool := x509.NewCertPool()
	for _, ca := range cas {
		pool.AddCert(ca)
	}
	return pool
}

// RevocationList is the set of revoked serial numbers from a verified CRL
type RevocationList struct {
	serials    map[string]struct{}
	nextUpdate time.Time
}

// LoadCRL parses a PEM or DER CRL and verifies its signature against one of cas
func LoadCRL(path string, cas []*x509.Certificate) (*RevocationList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CRL: %w", err)
	}
	if block, _ := pem.Decode(data); block != nil {
		data = block.Bytes
	}

	crl, err := x509.ParseRevocationList(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CRL: %w", err)
	}

	verified := false
	for _, ca := range cas {
		if err := crl.CheckSignatureFrom(ca); err == nil {
			verified = true
			break
		}
	}
	if !verified {
		return nil, fmt.Errorf("%s: %w", path, ErrCRLSignature)
	}

	rl := &RevocationList{
		serials:    make(map[string]struct{}, len(crl.RevokedCertificateEntries)),
		nextUpdate: crl.NextUpdate,
	}
	for _, entry := range crl.RevokedCertificateEntries {
		rl.serials[entry.SerialNumber.String()] = struct{}{}
	}
	return rl, nil
}

// IsRevoked reports whether serial appears in the list
func (rl *RevocationList) IsRevoked(serial *big.Int) bool {
	if rl == nil || serial == nil {
		return false
	}
	_, ok := rl.serials[serial.String()]
	return ok
}

// Expired reports whether the CRL is past its next update time
func (rl *RevocationList) Expired(now time.Time) bool {
	return rl != nil && !rl.nextUpdate.IsZero() && now.After(rl.nextUpdate)
}

// checkChains rejects any verified chain that contains a revoked certificate
func (rl *RevocationList) checkChains(chains [][]*x509.Certificate) error {
	for _, chain := range chains {
		for _, cert := range chain {
			if rl.IsRevoked(cert.SerialNumber) {
				return fmt.Errorf("%w: serial %s (%s)", ErrRevoked, cert.SerialNumber, cert.Subject.CommonName)
			}
		}
	}
	return nil
}

// ValidateCertChain verifies cert against roots, ignoring host names
func ValidateCertChain(cert *x509.Certificate, intermediates []*x509.Certificate, roots *x509.CertPool) ([][]*x509.Certificate, error) {
	if cert == nil {
		return nil, fmt.Errorf("certificate is nil")
	}

	inter := x509.NewCertPool()
	for _, c := range intermediates {
		inter.AddCert(c)
	}

	opts := x509.VerifyOptions{
		Roots:         roots,
		Intermediates: inter,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}

	chains, err := cert.Verify(opts)
	if err != nil {
		return nil, fmt.Errorf("certificate verification failed: %w", err)
	}
	return chains, nil
}

// CertExpiresSoon returns true if the certificate is within the expiry warning window
func CertExpiresSoon(cert *x509.Certificate) bool {
	if cert == nil {
		return true
	}
	return time.Until(cert.NotAfter) < certExpiryWarning
}

// GetCertInfo returns log-friendly information about a certificate
func GetCertInfo(cert *x509.Certificate) map[string]interface{} {
	if cert == nil {
		return map[string]interface{}{"error": "certificate is nil"}
	}

	return map[string]interface{}{
		"subject":       cert.Subject.CommonName,
		"issuer":        cert.Issuer.CommonName,
		"serial_number": cert.SerialNumber.String(),
		"not_before":    cert.NotBefore.Format(time.RFC3339),
		"not_after":     cert.NotAfter.Format(time.RFC3339),
	}
}

func leafOf(cert tls.Certificate) (*x509.Certificate, error) {
	if cert.Leaf != nil {
		return cert.Leaf, nil
	}
	if len(cert.Certificate) == 0 {
		return nil, fmt.Errorf("empty certificate chain")
	}
	return x509.ParseCertificate(cert.Certificate[0])
}
