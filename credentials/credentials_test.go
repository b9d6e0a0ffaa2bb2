package credentials

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/youmark/pkcs8"
)

func writeTestCertificate(t *testing.T, dir string, key *ecdsa.PrivateKey) string {
	t.Helper()

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test-client"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("failed to create certificate: %v", err)
	}

	path := filepath.Join(dir, "client.crt")
	var buf []byte
	buf = append(buf, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	if err := os.WriteFile(path, buf, 0600); err != nil {
		t.Fatalf("failed to write certificate: %v", err)
	}
	return path
}

func writeTestKey(t *testing.T, dir, name string, block *pem.Block) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}
	return path
}

func newTestKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return key
}

func credentialKind(t *testing.T, err error) string {
	t.Helper()
	var credErr *CredentialError
	if !errors.As(err, &credErr) {
		t.Fatalf("expected CredentialError, got %T: %v", err, err)
	}
	return credErr.Kind
}

func TestResolveCertificateFromPEMUnencrypted(t *testing.T) {
	dir := t.TempDir()
	key := newTestKey(t)
	certPath := writeTestCertificate(t, dir, key)

	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}
	keyPath := writeTestKey(t, dir, "client.key", &pem.Block{Type: "PRIVATE KEY", Bytes: der})

	auth, err := ResolveCertificateFromPEM(certPath, keyPath, "")
	if err != nil {
		t.Fatalf("resolution failed: %v", err)
	}

	cert, ok := auth.ClientCertificate()
	if !ok {
		t.Fatalf("expected a client certificate")
	}
	if len(cert.Certificate) != 1 {
		t.Fatalf("expected 1 certificate in chain, got %d", len(cert.Certificate))
	}
	if cert.PrivateKey == nil {
		t.Fatalf("expected a private key")
	}
}

func TestResolveCertificateFromPEMSECKey(t *testing.T) {
	dir := t.TempDir()
	key := newTestKey(t)
	certPath := writeTestCertificate(t, dir, key)

	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}
	keyPath := writeTestKey(t, dir, "client.key", &pem.Block{Type: "EC PRIVATE KEY", Bytes: der})

	if _, err := ResolveCertificateFromPEM(certPath, keyPath, ""); err != nil {
		t.Fatalf("resolution failed: %v", err)
	}
}

func TestResolveCertificateFromPEMEncryptedKey(t *testing.T) {
	dir := t.TempDir()
	key := newTestKey(t)
	certPath := writeTestCertificate(t, dir, key)

	der, err := pkcs8.MarshalPrivateKey(key, []byte("hunter2"), nil)
	if err != nil {
		t.Fatalf("failed to marshal encrypted key: %v", err)
	}
	keyPath := writeTestKey(t, dir, "client.key", &pem.Block{Type: "ENCRYPTED PRIVATE KEY", Bytes: der})

	// No password
	_, err = ResolveCertificateFromPEM(certPath, keyPath, "")
	if kind := credentialKind(t, err); kind != KindMissingKeyPassword {
		t.Fatalf("expected %s, got %s", KindMissingKeyPassword, kind)
	}

	// Wrong password
	_, err = ResolveCertificateFromPEM(certPath, keyPath, "wrong")
	if kind := credentialKind(t, err); kind != KindKeyDecryptionFailed {
		t.Fatalf("expected %s, got %s", KindKeyDecryptionFailed, kind)
	}

	// Right password
	if _, err := ResolveCertificateFromPEM(certPath, keyPath, "hunter2"); err != nil {
		t.Fatalf("resolution with correct password failed: %v", err)
	}
}

func TestResolveCertificateFromPEMLegacyEncryptedKey(t *testing.T) {
	dir := t.TempDir()

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate RSA key: %v", err)
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test-client"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &rsaKey.PublicKey, rsaKey)
	if err != nil {
		t.Fatalf("failed to create certificate: %v", err)
	}
	certPath := filepath.Join(dir, "client.crt")
	if err := os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}), 0600); err != nil {
		t.Fatalf("failed to write certificate: %v", err)
	}

	block, err := x509.EncryptPEMBlock(rand.Reader, "RSA PRIVATE KEY", //nolint:staticcheck // generating a legacy key on purpose
		x509.MarshalPKCS1PrivateKey(rsaKey), []byte("hunter2"), x509.PEMCipherAES256)
	if err != nil {
		t.Fatalf("failed to encrypt key: %v", err)
	}
	keyPath := writeTestKey(t, dir, "client.key", block)

	_, err = ResolveCertificateFromPEM(certPath, keyPath, "")
	if kind := credentialKind(t, err); kind != KindMissingKeyPassword {
		t.Fatalf("expected %s, got %s", KindMissingKeyPassword, kind)
	}

	_, err = ResolveCertificateFromPEM(certPath, keyPath, "wrong")
	if kind := credentialKind(t, err); kind != KindKeyDecryptionFailed {
		t.Fatalf("expected %s, got %s", KindKeyDecryptionFailed, kind)
	}

	if _, err := ResolveCertificateFromPEM(certPath, keyPath, "hunter2"); err != nil {
		t.Fatalf("resolution with correct password failed: %v", err)
	}
}

func TestResolveCertificateFromPEMMissingFiles(t *testing.T) {
	dir := t.TempDir()
	key := newTestKey(t)
	certPath := writeTestCertificate(t, dir, key)

	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}
	keyPath := writeTestKey(t, dir, "client.key", &pem.Block{Type: "PRIVATE KEY", Bytes: der})

	_, err = ResolveCertificateFromPEM(filepath.Join(dir, "missing.crt"), keyPath, "")
	if kind := credentialKind(t, err); kind != KindFileNotFound {
		t.Fatalf("expected %s for missing certificate, got %s", KindFileNotFound, kind)
	}

	_, err = ResolveCertificateFromPEM(certPath, filepath.Join(dir, "missing.key"), "")
	if kind := credentialKind(t, err); kind != KindFileNotFound {
		t.Fatalf("expected %s for missing key, got %s", KindFileNotFound, kind)
	}
}

func TestResolveCertificateFromPEMGarbage(t *testing.T) {
	dir := t.TempDir()

	garbage := filepath.Join(dir, "garbage.pem")
	if err := os.WriteFile(garbage, []byte("not pem at all"), 0600); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	key := newTestKey(t)
	certPath := writeTestCertificate(t, dir, key)

	_, err := ResolveCertificateFromPEM(garbage, garbage, "")
	if kind := credentialKind(t, err); kind != KindInvalidCertificate {
		t.Fatalf("expected %s, got %s", KindInvalidCertificate, kind)
	}

	_, err = ResolveCertificateFromPEM(certPath, garbage, "")
	if kind := credentialKind(t, err); kind != KindInvalidKeyFormat {
		t.Fatalf("expected %s, got %s", KindInvalidKeyFormat, kind)
	}
}

func TestResolveCertificateIncompleteConfiguration(t *testing.T) {
	tests := []struct {
		name string
		cfg  CertificateConfig
	}{
		{"nothing set", CertificateConfig{}},
		{"cert without key", CertificateConfig{CertPath: "/tmp/client.crt"}},
		{"key without cert", CertificateConfig{KeyPath: "/tmp/client.key"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ResolveCertificate(tt.cfg)
			if kind := credentialKind(t, err); kind != KindIncompleteConfiguration {
				t.Fatalf("expected %s, got %s", KindIncompleteConfiguration, kind)
			}
		})
	}
}

func TestResolveCertificateKeystorePrecedence(t *testing.T) {
	// When both a keystore and a PEM pair are configured, the keystore wins;
	// its failure must be reported as a keystore problem, not a PEM one.
	dir := t.TempDir()
	key := newTestKey(t)
	certPath := writeTestCertificate(t, dir, key)

	_, err := ResolveCertificate(CertificateConfig{
		KeystorePath: filepath.Join(dir, "missing.p12"),
		CertPath:     certPath,
		KeyPath:      certPath,
	})
	if kind := credentialKind(t, err); kind != KindKeystoreLoad {
		t.Fatalf("expected %s, got %s", KindKeystoreLoad, kind)
	}
}

// testKeystore is a PKCS#12 keystore holding one EC key and one self-signed
// certificate, protected with the password "changeit". Generated with
// openssl pkcs12 -export -legacy.
const testKeystore = `
MIIDggIBAzCCA0gGCSqGSIb3DQEHAaCCAzkEggM1MIIDMTCCAicGCSqGSIb3DQEHBqCCAhgwggIU
AgEAMIICDQYJKoZIhvcNAQcBMBwGCiqGSIb3DQEMAQYwDgQIxpjQImHlNvgCAggAgIIB4By2N2iY
bDK1giw3qUKlIMPIlyVqgwQse8FLgb4YwDR/6wBIUOo8mj2EhMbcZLxHW20EGTd9ctZDN51HWpeB
61e+rrqGSB6oGsuWrOioxng6moAvT+L0+lGhBGnY3gid5fMVdXgd9ltj2DIfHCr1f9OrY8prE8SG
R5bk0lhz7Bfe4+EOqDokS76qzzC/UBY5amUlaGf2lLvLPINoW8SAs+fjj2G5gKtAVD8M7KWm1p27
mYarp9lyO2RPt03yojU+azCTFQSF+Mwjbf7DK7kKAhgfRlw2mPkKVW91gzFCspM8sz+wSGfXsPDQ
/64cXO5Qj4SoaIrKqiJRmBHqdIMW25UqxWUm53kvW0U6tZAwGFcdSV3nF72tJUTnrZKljrqJc18A
hCyH+D/xFaSDyLTQ2DF1KQmWmV+wBq4Q3agCHiQfI5Rc80IU6PBfqbv0cx43CejQITN728MqcNtn
dfGPYWEtkCTtiqiJvWyiC1vjQQjz+VDVaM15j5BOycyrPLRRuLb7p7/xTCkoP5mELJFBNhFDdWAG
qXAPgbno650Js7TX5cUqwau6/FFvYH2CWyXnHtdt1XtHIx+CmiJ6hc7wsnXd6mGkTfWkddeXAl/z
LY4R5yDN+4teXvhzymEoWmLUnTCCAQIGCSqGSIb3DQEHAaCB9ASB8TCB7jCB6wYLKoZIhvcNAQwK
AQKggbQwgbEwHAYKKoZIhvcNAQwBAzAOBAg3pcyq/1d65QICCAAEgZBHw5jDSC+c2IfvibGI24Hl
ZZ0xyJaKmVkOdcMPS3EL5WiHm5v1xLb3tKYZkrQSOd4MP6CRS10CJJ3v62WhVSUcTzL+RWGtH0xb
Xg3plrUxCkVQP6csF6YKkEv74eqE1fgKLBXCYujOUBTl1p1pZdsb43LTMGpJW+ogE3jvKu8smpq0
/uQ8EPSYzw3bXNXT9Z4xJTAjBgkqhkiG9w0BCRUxFgQUyqb+tmgj3/eGaV3VOnMvNMQAd5cwMTAh
MAkGBSsOAwIaBQAEFK8VpSweZOinHu+YxfxDpttcWL5SBAjsnCBOD/AaXAICCAA=`

func writeTestKeystore(t *testing.T, dir string) string {
	t.Helper()
	data, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(testKeystore, "\n", ""))
	if err != nil {
		t.Fatalf("failed to decode keystore fixture: %v", err)
	}
	path := filepath.Join(dir, "store.p12")
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("failed to write keystore: %v", err)
	}
	return path
}

func TestResolveCertificateFromKeystore(t *testing.T) {
	path := writeTestKeystore(t, t.TempDir())

	// Wrong password
	_, err := ResolveCertificateFromKeystore(path, "wrong")
	if kind := credentialKind(t, err); kind != KindKeystoreLoad {
		t.Fatalf("expected %s for wrong password, got %s", KindKeystoreLoad, kind)
	}

	// Right password
	auth, err := ResolveCertificateFromKeystore(path, "changeit")
	if err != nil {
		t.Fatalf("resolution failed: %v", err)
	}
	cert, ok := auth.ClientCertificate()
	if !ok {
		t.Fatalf("expected a client certificate")
	}
	if len(cert.Certificate) == 0 || cert.PrivateKey == nil || cert.Leaf == nil {
		t.Fatalf("incomplete certificate material from keystore")
	}
	if cert.Leaf.Subject.CommonName != "test-client" {
		t.Fatalf("unexpected leaf subject %q", cert.Leaf.Subject.CommonName)
	}
}

func TestResolveCertificateFromKeystoreFailures(t *testing.T) {
	dir := t.TempDir()

	// Missing file
	_, err := ResolveCertificateFromKeystore(filepath.Join(dir, "missing.p12"), "")
	if kind := credentialKind(t, err); kind != KindKeystoreLoad {
		t.Fatalf("expected %s for missing keystore, got %s", KindKeystoreLoad, kind)
	}

	// Corrupt file
	corrupt := filepath.Join(dir, "corrupt.p12")
	if err := os.WriteFile(corrupt, []byte("definitely not pkcs12"), 0600); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	_, err = ResolveCertificateFromKeystore(corrupt, "changeit")
	if kind := credentialKind(t, err); kind != KindKeystoreLoad {
		t.Fatalf("expected %s for corrupt keystore, got %s", KindKeystoreLoad, kind)
	}
}

func TestPasswordAuthenticatorAppliesBasicAuth(t *testing.T) {
	auth := ResolvePassword("alice", "secret", false)

	req, err := http.NewRequest(http.MethodGet, "http://localhost/query/service", nil)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	auth.ApplyTo(req)

	user, pass, ok := req.BasicAuth()
	if !ok {
		t.Fatalf("expected basic auth to be set")
	}
	if user != "alice" || pass != "secret" {
		t.Fatalf("unexpected basic auth %q/%q", user, pass)
	}

	if _, ok := auth.ClientCertificate(); ok {
		t.Fatalf("password authenticator should not carry a client certificate")
	}
}

func TestFingerprintDistinguishesCredentials(t *testing.T) {
	base := ResolvePassword("alice", "secret", false).Fingerprint()

	if got := ResolvePassword("alice", "secret", false).Fingerprint(); got != base {
		t.Fatalf("equal credentials should share a fingerprint")
	}
	if got := ResolvePassword("alice", "other", false).Fingerprint(); got == base {
		t.Fatalf("different passwords should not share a fingerprint")
	}
	if got := ResolvePassword("bob", "secret", false).Fingerprint(); got == base {
		t.Fatalf("different usernames should not share a fingerprint")
	}
	if got := ResolvePassword("alice", "secret", true).Fingerprint(); got == base {
		t.Fatalf("plain SASL mode should not share a fingerprint with plain password mode")
	}
}
