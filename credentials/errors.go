package credentials

import "fmt"

// Kinds of credential resolution failures.
const (
	KindFileNotFound            = "file-not-found"
	KindInvalidCertificate      = "invalid-certificate-format"
	KindInvalidKeyFormat        = "invalid-key-format"
	KindMissingKeyPassword      = "missing-key-password"
	KindKeyDecryptionFailed     = "key-decryption-failed"
	KindKeystoreLoad            = "keystore-load"
	KindIncompleteConfiguration = "incomplete-configuration"
)

// CredentialError describes why credential material could not be resolved.
// Kind is one of the Kind* constants, Path names the offending file when
// there is one, and Err carries the underlying cause.
type CredentialError struct {
	Kind string
	Path string
	Err  error
}

func (e *CredentialError) Error() string {
	msg := "credential error (" + e.Kind + ")"
	if e.Path != "" {
		msg += ": " + e.Path
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *CredentialError) Unwrap() error {
	return e.Err
}

func errMissing(what string) error {
	return fmt.Errorf("client certificate authentication requires %s to be set", what)
}

func errNoPEMContent(what string) error {
	return fmt.Errorf("no valid PEM %s content found", what)
}

func errUnsupportedBlock(blockType string) error {
	return fmt.Errorf("unsupported PEM block type %q", blockType)
}
