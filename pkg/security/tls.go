package security

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cuemby/nodemanager/pkg/config"
	"github.com/cuemby/nodemanager/pkg/log"
)

// ErrEncryptedPKCS8 is returned for "ENCRYPTED PRIVATE KEY" blocks, which the
// standard library cannot decrypt
var ErrEncryptedPKCS8 = errors.New("encrypted PKCS#8 keys are not supported")

// cipherSuites restricts TLS 1.2 to forward-secret AEAD suites
var cipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
}

// Bundle is a loaded and verified TLS bundle
type Bundle struct {
	Certificate tls.Certificate
	CAs         []*x509.Certificate
	Pool        *x509.CertPool
	CRL         *RevocationList
}

// LoadBundle loads the CA, certificate, key and optional CRL named by b. An
// encrypted key is decrypted with the password obtained from dec; the
// plaintext password is zeroed before LoadBundle returns.
func LoadBundle(ctx context.Context, b config.TLSBundle, dec Decrypter) (*Bundle, error) {
	cas, err := LoadCACerts(b.CAFile)
	if err != nil {
		return nil, err
	}

	var crl *RevocationList
	if b.CRLFile != "" {
		crl, err = LoadCRL(b.CRLFile, cas)
		if err != nil {
			return nil, err
		}
		if crl.Expired(time.Now()) {
			l := log.WithComponent("security")
			l.Warn().Str("crl", b.CRLFile).Msg("CRL is past its next update time")
		}
	}

	cert, err := loadKeyPair(ctx, b, dec)
	if err != nil {
		return nil, err
	}

	leaf, err := leafOf(cert)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	cert.Leaf = leaf

	if CertExpiresSoon(leaf) {
		l := log.WithComponent("security")
		l.Warn().
			Fields(GetCertInfo(leaf)).
			Msg("Certificate expires soon")
	}

	return &Bundle{
		Certificate: cert,
		CAs:         cas,
		Pool:        CertPool(cas),
		CRL:         crl,
	}, nil
}

func loadKeyPair(ctx context.Context, b config.TLSBundle, dec Decrypter) (tls.Certificate, error) {
	certPEM, err := os.ReadFile(b.CertFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to read certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(b.KeyFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to read private key: %w", err)
	}
	defer Zero(keyPEM)

	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return tls.Certificate{}, fmt.Errorf("%s: no PEM private key", b.KeyFile)
	}
	if block.Type == "ENCRYPTED PRIVATE KEY" {
		return tls.Certificate{}, fmt.Errorf("%s: %w", b.KeyFile, ErrEncryptedPKCS8)
	}

	//nolint:staticcheck // legacy encrypted PEM is the format the key files ship in
	if !x509.IsEncryptedPEMBlock(block) {
		cert, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("failed to load key pair: %w", err)
		}
		return cert, nil
	}

	if dec == nil {
		return tls.Certificate{}, fmt.Errorf("%s: key is encrypted but no decrypter is configured", b.KeyFile)
	}
	password, err := dec.Decrypt(ctx, b.PasswordFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to decrypt key password: %w", err)
	}

	//nolint:staticcheck // see above
	der, err := x509.DecryptPEMBlock(block, password)
	Zero(password)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to decrypt private key: %w", err)
	}
	defer Zero(der)

	plainPEM := pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der})
	defer Zero(plainPEM)

	cert, err := tls.X509KeyPair(certPEM, plainPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to load key pair: %w", err)
	}
	return cert, nil
}

// ClientConfig builds the TLS config used to reach engines and the
// controller. Peers are addressed by IP, so the chain is verified against
// the bundle's CA without host name checks.
func (b *Bundle) ClientConfig() *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		CipherSuites:       cipherSuites,
		Certificates:       []tls.Certificate{b.Certificate},
		RootCAs:            b.Pool,
		InsecureSkipVerify: true, // replaced by VerifyConnection below
		VerifyConnection: func(cs tls.ConnectionState) error {
			if len(cs.PeerCertificates) == 0 {
				return fmt.Errorf("server presented no certificate")
			}
			chains, err := ValidateCertChain(cs.PeerCertificates[0], cs.PeerCertificates[1:], b.Pool)
			if err != nil {
				return err
			}
			return b.CRL.checkChains(chains)
		},
	}
}

// ServerConfig builds the TLS config for the control server: client
// certificates are required, verified against the CA and checked against the CRL.
func (b *Bundle) ServerConfig() *tls.Config {
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		CipherSuites: cipherSuites,
		Certificates: []tls.Certificate{b.Certificate},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    b.Pool,
		VerifyPeerCertificate: func(_ [][]byte, chains [][]*x509.Certificate) error {
			return b.CRL.checkChains(chains)
		},
	}
}
