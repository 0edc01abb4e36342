package signing

import (
	"bytes"
	"fmt"
	"io"

	apperrors "appcommit.dev/appcommit/internal/errors"
)

// Scheme selects the signature format. It is explicit configuration, never
// inferred from the shape of the key material.
type Scheme string

const (
	SchemeOpenPGP Scheme = "gpg"
	SchemeSSH     Scheme = "ssh"
)

// Signer produces an armored detached signature over the bytes read from r
// and writes it to w. The method shape matches what the platform client
// expects when creating a commit, so a Signer is handed to it unchanged.
type Signer interface {
	Sign(w io.Writer, r io.Reader) error
}

// New constructs the signer for the configured scheme from raw key material.
func New(scheme Scheme, keyMaterial []byte) (Signer, error) {
	if len(keyMaterial) == 0 {
		return nil, apperrors.NewSigningError("no signing key material supplied", nil)
	}
	switch scheme {
	case SchemeOpenPGP:
		return NewOpenPGPSigner(keyMaterial)
	case SchemeSSH:
		return NewSSHSigner(keyMaterial)
	default:
		return nil, apperrors.NewSigningError(fmt.Sprintf("unknown signing scheme %q", scheme), nil)
	}
}

// SignPayload serializes the payload and returns the armored detached
// signature over its canonical bytes.
func SignPayload(signer Signer, payload Payload) (string, error) {
	raw, err := payload.Serialize()
	if err != nil {
		return "", err
	}
	var sig bytes.Buffer
	if err := signer.Sign(&sig, bytes.NewReader(raw)); err != nil {
		return "", apperrors.NewSigningError("detached signature failed", err)
	}
	return sig.String(), nil
}
