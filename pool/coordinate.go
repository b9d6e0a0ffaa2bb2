package pool

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/analytics-sql/goanalytics/credentials"
)

// Coordinate is an immutable pointer to one logical cluster: target address,
// resolved authenticator, property bag and connect-timeout budget. Two
// coordinates with the same connection string, credential material and
// properties are interchangeable, and the pool keys its cache on exactly
// that equality.
type Coordinate struct {
	connectionString string
	auth             credentials.Authenticator
	props            Properties
	connectTimeout   time.Duration
	certificateAuth  bool
	plainSasl        bool
	key              string
}

// NewCoordinate resolves credentials from the given inputs and builds a
// coordinate. The property bag is copied; callers may reuse theirs. When
// clientCertAuth is enabled in the properties the username and password are
// ignored and certificate material is resolved from the bag instead.
func NewCoordinate(connectionString, username, password string, props Properties, connectTimeout time.Duration) (Coordinate, error) {
	if connectionString == "" {
		return Coordinate{}, fmt.Errorf("connection string must not be empty")
	}
	props = props.clone()

	var auth credentials.Authenticator
	certificateAuth := props.Bool(PropClientCertAuth)
	plainSasl := false

	if certificateAuth {
		resolved, err := credentials.ResolveCertificate(credentials.CertificateConfig{
			KeystorePath:     props.Get(PropClientCertKeystorePath),
			KeystorePassword: props.Get(PropClientCertKeystorePassword),
			CertPath:         props.Get(PropClientCertPath),
			KeyPath:          props.Get(PropClientKeyPath),
			KeyPassword:      props.Get(PropClientKeyPassword),
		})
		if err != nil {
			return Coordinate{}, err
		}
		auth = resolved
	} else {
		plainSasl = props.Bool(PropEnablePlainSaslAuth)
		auth = credentials.ResolvePassword(username, password, plainSasl)
	}

	c := Coordinate{
		connectionString: connectionString,
		auth:             auth,
		props:            props,
		connectTimeout:   connectTimeout,
		certificateAuth:  certificateAuth,
		plainSasl:        plainSasl,
	}
	c.key = c.computeKey()
	return c, nil
}

// ConnectionString returns the target address.
func (c Coordinate) ConnectionString() string { return c.connectionString }

// Authenticator returns the resolved authenticator.
func (c Coordinate) Authenticator() credentials.Authenticator { return c.auth }

// Properties returns the coordinate's property bag. The bag is shared and
// must be treated as read-only.
func (c Coordinate) Properties() Properties { return c.props }

// ConnectTimeout returns the readiness-wait budget. Zero means no waiting.
func (c Coordinate) ConnectTimeout() time.Duration { return c.connectTimeout }

// IsCertificateAuth reports whether the coordinate authenticates with a
// client certificate.
func (c Coordinate) IsCertificateAuth() bool { return c.certificateAuth }

// IsPlainSasl reports whether the coordinate uses the PLAIN-SASL-compatible
// password variant.
func (c Coordinate) IsPlainSasl() bool { return c.plainSasl }

// Key returns the cache key derived from connection string, credential
// material and properties.
func (c Coordinate) Key() string { return c.key }

func (c Coordinate) computeKey() string {
	h := sha256.New()
	h.Write([]byte(c.connectionString))
	h.Write([]byte{0})
	h.Write([]byte(c.auth.Fingerprint()))
	h.Write([]byte{0})
	h.Write([]byte(c.props.canonical()))
	return hex.EncodeToString(h.Sum(nil))
}

// String renders the coordinate for logs without exposing credentials.
func (c Coordinate) String() string {
	mode := "password"
	if c.certificateAuth {
		mode = "certificate"
	} else if c.plainSasl {
		mode = "plain-sasl"
	}
	return fmt.Sprintf("Coordinate{connectionString=%q, auth=%s}", c.connectionString, mode)
}
