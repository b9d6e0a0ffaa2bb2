package pool

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"log/slog"
	"net/http"
	"os"
	"time"

	"golang.org/x/crypto/pkcs12"
)

// environment is the shared transport state behind pooled connections: the
// TLS trust configuration and the retry policy. Environments are built
// lazily and cached by their effective TLS configuration, so coordinates
// with different TLS settings never share trust material, no matter which
// one connected first.
type environment struct {
	key       string
	transport *http.Transport
	retry     retryPolicy
}

// tlsConfigKey extracts the parts of a coordinate that determine transport
// identity: the TLS-related properties plus the client certificate material.
func tlsConfigKey(coord Coordinate) string {
	props := coord.Properties()
	key := props.Get(PropSSL) + "|" +
		props.Get(PropSSLMode) + "|" +
		props.Get(PropSSLCertPath) + "|" +
		props.Get(PropSSLKeystorePath)
	if coord.IsCertificateAuth() {
		key += "|" + coord.Authenticator().Fingerprint()
	}
	return key
}

// buildEnvironment constructs the transport environment for a coordinate.
// Trust material comes from either a single trust-certificate PEM file or a
// PKCS#12 trust store, never both.
func buildEnvironment(coord Coordinate) (*environment, error) {
	props := coord.Properties()

	env := &environment{
		key:   tlsConfigKey(coord),
		retry: &backoffPolicy{maxRetries: defaultMaxRetries},
	}

	transport := &http.Transport{
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	if props.Bool(PropSSL) {
		tlsConf, err := buildTLSConfig(coord)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConf
	}

	env.transport = transport
	slog.Debug("Built transport environment.", "tls", props.Bool(PropSSL),
		"mode", props.Get(PropSSLMode))
	return env, nil
}

func buildTLSConfig(coord Coordinate) (*tls.Config, error) {
	props := coord.Properties()

	conf := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	switch props.Get(PropSSLMode) {
	case SSLModeNoVerify:
		conf.InsecureSkipVerify = true
	case SSLModeVerifyCA:
		// Verify the chain but not the hostname. crypto/tls has no direct
		// switch for this, so the chain check runs in a callback with
		// built-in verification disabled.
		conf.InsecureSkipVerify = true
		conf.VerifyPeerCertificate = verifyChainOnly(conf)
	default:
		// verify-full, or unset: full hostname and chain verification.
	}

	certPath := props.Get(PropSSLCertPath)
	storePath := props.Get(PropSSLKeystorePath)

	if certPath != "" && storePath != "" {
		return nil, &ConnectionError{Kind: KindConfigurationConflict,
			Msg: "either trust certificates or a trust store can be provided, but not both"}
	}

	if certPath != "" {
		roots, err := trustPoolFromPEM(certPath)
		if err != nil {
			return nil, err
		}
		conf.RootCAs = roots
	}

	if storePath != "" {
		password := props.Get(PropSSLKeystorePassword)
		if password == "" {
			return nil, &ConnectionError{Kind: KindConfigurationConflict,
				Msg: "if a trust store is provided, the password also needs to be provided"}
		}
		roots, err := trustPoolFromKeystore(storePath, password)
		if err != nil {
			return nil, err
		}
		conf.RootCAs = roots
	}

	if cert, ok := coord.Authenticator().ClientCertificate(); ok {
		conf.Certificates = []tls.Certificate{*cert}
	}

	return conf, nil
}

// verifyChainOnly returns a VerifyPeerCertificate callback performing chain
// verification against conf.RootCAs without checking the hostname.
func verifyChainOnly(conf *tls.Config) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		certs := make([]*x509.Certificate, 0, len(rawCerts))
		for _, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return err
			}
			certs = append(certs, cert)
		}
		if len(certs) == 0 {
			return &ConnectionError{Kind: KindConfigurationConflict,
				Msg: "server presented no certificates"}
		}

		opts := x509.VerifyOptions{
			Roots:         conf.RootCAs,
			Intermediates: x509.NewCertPool(),
		}
		for _, cert := range certs[1:] {
			opts.Intermediates.AddCert(cert)
		}
		_, err := certs[0].Verify(opts)
		return err
	}
}

func trustPoolFromPEM(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConnectionError{Kind: KindConfigurationConflict,
			Msg: "could not read trust certificate " + path, Err: err}
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, &ConnectionError{Kind: KindConfigurationConflict,
			Msg: "no usable certificates in trust certificate file " + path}
	}
	return pool, nil
}

func trustPoolFromKeystore(path, password string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConnectionError{Kind: KindConfigurationConflict,
			Msg: "could not read trust store " + path, Err: err}
	}
	blocks, err := pkcs12.ToPEM(data, password)
	if err != nil {
		return nil, &ConnectionError{Kind: KindConfigurationConflict,
			Msg: "could not decode trust store " + path, Err: err}
	}

	pool := x509.NewCertPool()
	added := 0
	for _, block := range blocks {
		if block.Type != "CERTIFICATE" {
			continue
		}
		if pool.AppendCertsFromPEM(pem.EncodeToMemory(block)) {
			added++
		}
	}
	if added == 0 {
		return nil, &ConnectionError{Kind: KindConfigurationConflict,
			Msg: "no usable certificates in trust store " + path}
	}
	return pool, nil
}

func (e *environment) shutdown() {
	e.transport.CloseIdleConnections()
}
