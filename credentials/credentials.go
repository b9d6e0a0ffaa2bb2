// Package credentials resolves user-supplied configuration (passwords,
// keystore files, PEM files) into authenticators usable by the connection
// pool. Resolution happens once, at coordinate construction time; the
// resulting authenticator is immutable.
package credentials

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"log/slog"
	"net/http"
	"os"

	"github.com/youmark/pkcs8"
	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

// Authenticator supplies authentication material for requests against the
// analytics service. Exactly one concrete implementation is active per
// connection coordinate.
type Authenticator interface {
	// ApplyTo attaches request-level authentication (basic auth for the
	// password modes; a no-op for certificate auth, which happens during
	// the TLS handshake).
	ApplyTo(req *http.Request)

	// ClientCertificate returns the TLS client certificate and true when
	// certificate authentication is in use.
	ClientCertificate() (*tls.Certificate, bool)

	// Fingerprint returns a stable digest of the credential material.
	// Coordinates with equal fingerprints carry equal credentials, which
	// the pool relies on for keying.
	Fingerprint() string
}

// PasswordAuthenticator authenticates with a username and password.
// PlainSasl marks the PLAIN-SASL-compatible variant used for external
// authentication systems (LDAP, PAM); over HTTP both variants are carried
// as basic auth, but the flag participates in coordinate identity.
type PasswordAuthenticator struct {
	Username  string
	Password  string
	PlainSasl bool
}

func (a *PasswordAuthenticator) ApplyTo(req *http.Request) {
	req.SetBasicAuth(a.Username, a.Password)
}

func (a *PasswordAuthenticator) ClientCertificate() (*tls.Certificate, bool) {
	return nil, false
}

func (a *PasswordAuthenticator) Fingerprint() string {
	mode := "password"
	if a.PlainSasl {
		mode = "plain-sasl"
	}
	return digest([]byte(mode + "\x00" + a.Username + "\x00" + a.Password))
}

// CertificateAuthenticator authenticates with a client certificate presented
// during the TLS handshake.
type CertificateAuthenticator struct {
	cert tls.Certificate
}

func (a *CertificateAuthenticator) ApplyTo(req *http.Request) {}

func (a *CertificateAuthenticator) ClientCertificate() (*tls.Certificate, bool) {
	return &a.cert, true
}

func (a *CertificateAuthenticator) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte("certificate"))
	for _, der := range a.cert.Certificate {
		h.Write([]byte{0})
		h.Write(der)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CertificateConfig carries the inputs for certificate-mode resolution.
// Exactly one of KeystorePath or the CertPath/KeyPath pair must be set.
type CertificateConfig struct {
	KeystorePath     string
	KeystorePassword string
	CertPath         string
	KeyPath          string
	KeyPassword      string
}

// ResolvePassword builds a password authenticator. Empty strings are
// permitted; validating them is the caller's concern.
func ResolvePassword(username, password string, plainSasl bool) *PasswordAuthenticator {
	return &PasswordAuthenticator{Username: username, Password: password, PlainSasl: plainSasl}
}

// ResolveCertificate dispatches to keystore or PEM resolution based on which
// configuration is present. A keystore path takes precedence; an incomplete
// PEM pair or no configuration at all fails with an error naming the missing
// property.
func ResolveCertificate(cfg CertificateConfig) (*CertificateAuthenticator, error) {
	if cfg.KeystorePath != "" {
		return ResolveCertificateFromKeystore(cfg.KeystorePath, cfg.KeystorePassword)
	}
	if cfg.CertPath != "" && cfg.KeyPath != "" {
		return ResolveCertificateFromPEM(cfg.CertPath, cfg.KeyPath, cfg.KeyPassword)
	}
	if cfg.CertPath != "" {
		return nil, &CredentialError{Kind: KindIncompleteConfiguration,
			Err: errMissing("clientKeyPath")}
	}
	if cfg.KeyPath != "" {
		return nil, &CredentialError{Kind: KindIncompleteConfiguration,
			Err: errMissing("clientCertPath")}
	}
	return nil, &CredentialError{Kind: KindIncompleteConfiguration,
		Err: errMissing("clientCertKeystorePath, or both clientCertPath and clientKeyPath")}
}

// ResolveCertificateFromKeystore loads a client certificate and private key
// from a PKCS#12 keystore. The password may be empty for keystores created
// without one. Any decode failure, including a missing file or a wrong
// password, is reported as a keystore load error carrying the cause.
func ResolveCertificateFromKeystore(path, password string) (*CertificateAuthenticator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &CredentialError{Kind: KindKeystoreLoad, Path: path, Err: err}
	}

	key, leaf, caCerts, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		return nil, &CredentialError{Kind: KindKeystoreLoad, Path: path, Err: err}
	}

	chain := [][]byte{leaf.Raw}
	for _, ca := range caCerts {
		chain = append(chain, ca.Raw)
	}

	slog.Debug("Resolved client certificate from keystore.", "path", path,
		"chain_length", len(chain))

	return &CertificateAuthenticator{cert: tls.Certificate{
		Certificate: chain,
		PrivateKey:  key,
		Leaf:        leaf,
	}}, nil
}

// ResolveCertificateFromPEM loads a certificate chain from certPath and a
// single private key from keyPath. The key may be unencrypted or encrypted
// PKCS#8, or an unencrypted or encrypted legacy (PKCS#1/SEC1) key. Encrypted
// forms require keyPassword.
func ResolveCertificateFromPEM(certPath, keyPath, keyPassword string) (*CertificateAuthenticator, error) {
	chain, leaf, err := loadCertificateChain(certPath)
	if err != nil {
		return nil, err
	}

	key, err := loadPrivateKey(keyPath, keyPassword)
	if err != nil {
		return nil, err
	}

	slog.Debug("Resolved client certificate from PEM files.", "cert_path", certPath,
		"key_path", keyPath, "chain_length", len(chain))

	return &CertificateAuthenticator{cert: tls.Certificate{
		Certificate: chain,
		PrivateKey:  key,
		Leaf:        leaf,
	}}, nil
}

// loadCertificateChain reads one or more CERTIFICATE blocks from a PEM file.
func loadCertificateChain(path string) ([][]byte, *x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, &CredentialError{Kind: KindFileNotFound, Path: path, Err: err}
	}

	var chain [][]byte
	var leaf *x509.Certificate
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, nil, &CredentialError{Kind: KindInvalidCertificate, Path: path, Err: err}
		}
		if leaf == nil {
			leaf = cert
		}
		chain = append(chain, block.Bytes)
	}

	if len(chain) == 0 {
		return nil, nil, &CredentialError{Kind: KindInvalidCertificate, Path: path,
			Err: errNoPEMContent("certificate")}
	}
	return chain, leaf, nil
}

// loadPrivateKey reads exactly one private key from a PEM file, decrypting it
// if needed.
func loadPrivateKey(path, password string) (any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &CredentialError{Kind: KindFileNotFound, Path: path, Err: err}
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, &CredentialError{Kind: KindInvalidKeyFormat, Path: path,
			Err: errNoPEMContent("private key")}
	}

	// Encrypted PKCS#8 (BEGIN ENCRYPTED PRIVATE KEY). The stdlib cannot
	// decrypt these, hence the pkcs8 package.
	if block.Type == "ENCRYPTED PRIVATE KEY" {
		if password == "" {
			return nil, &CredentialError{Kind: KindMissingKeyPassword, Path: path}
		}
		key, err := pkcs8.ParsePKCS8PrivateKey(block.Bytes, []byte(password))
		if err != nil {
			return nil, &CredentialError{Kind: KindKeyDecryptionFailed, Path: path, Err: err}
		}
		return key, nil
	}

	// Legacy OpenSSL encryption (DEK-Info header on RSA/EC PRIVATE KEY blocks).
	if x509.IsEncryptedPEMBlock(block) { //nolint:staticcheck // legacy key files still exist in the wild
		if password == "" {
			return nil, &CredentialError{Kind: KindMissingKeyPassword, Path: path}
		}
		der, err := x509.DecryptPEMBlock(block, []byte(password)) //nolint:staticcheck
		if err != nil {
			return nil, &CredentialError{Kind: KindKeyDecryptionFailed, Path: path, Err: err}
		}
		return parseKeyDER(block.Type, der, path)
	}

	return parseKeyDER(block.Type, block.Bytes, path)
}

func parseKeyDER(blockType string, der []byte, path string) (any, error) {
	var key any
	var err error
	switch blockType {
	case "PRIVATE KEY":
		key, err = x509.ParsePKCS8PrivateKey(der)
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(der)
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(der)
	default:
		return nil, &CredentialError{Kind: KindInvalidKeyFormat, Path: path,
			Err: errUnsupportedBlock(blockType)}
	}
	if err != nil {
		return nil, &CredentialError{Kind: KindInvalidKeyFormat, Path: path, Err: err}
	}
	return key, nil
}

func digest(material []byte) string {
	sum := sha256.Sum256(material)
	return hex.EncodeToString(sum[:])
}
