package pool

import (
	"sort"
	"strconv"
	"strings"
)

// Property names recognized by the connection layer. Anything else in the
// bag is passed through untouched for the adapter layers above.
const (
	PropSSL                        = "ssl"
	PropSSLMode                    = "sslMode"
	PropSSLCertPath                = "sslCertPath"
	PropSSLKeystorePath            = "sslKeystorePath"
	PropSSLKeystorePassword        = "sslKeystorePassword"
	PropClientCertAuth             = "clientCertAuth"
	PropClientCertKeystorePath     = "clientCertKeystorePath"
	PropClientCertKeystorePassword = "clientCertKeystorePassword"
	PropClientCertPath             = "clientCertPath"
	PropClientKeyPath              = "clientKeyPath"
	PropClientKeyPassword          = "clientKeyPassword"
	PropEnablePlainSaslAuth        = "enablePlainSaslAuth"
	PropConnectTimeout             = "connectTimeout"
	PropScanConsistency            = "scanConsistency"
	PropScanWait                   = "scanWait"
)

// SSL verification modes.
const (
	SSLModeVerifyFull = "verify-full"
	SSLModeVerifyCA   = "verify-ca"
	SSLModeNoVerify   = "no-verify"
)

// Properties is the property bag attached to a coordinate. It is copied on
// coordinate construction and treated as read-only afterwards.
type Properties map[string]string

// Get returns the property value or the empty string.
func (p Properties) Get(name string) string {
	if p == nil {
		return ""
	}
	return p[name]
}

// Bool reports whether the property parses as a true boolean. Absent or
// malformed values are false.
func (p Properties) Bool(name string) bool {
	b, err := strconv.ParseBool(p.Get(name))
	return err == nil && b
}

func (p Properties) clone() Properties {
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// canonical renders the bag deterministically so that equal bags produce
// equal coordinate keys.
func (p Properties) canonical() string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(p[k])
		sb.WriteByte(';')
	}
	return sb.String()
}
