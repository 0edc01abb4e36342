package signing

import (
	"crypto/rand"
	"crypto/sha512"
	"encoding/pem"
	"io"

	"golang.org/x/crypto/ssh"

	apperrors "appcommit.dev/appcommit/internal/errors"
)

// sshsig constants from OpenSSH's PROTOCOL.sshsig. The namespace binds the
// signature to git commit signing; verifiers reject signatures made for a
// different namespace.
const (
	sshsigMagic     = "SSHSIG"
	sshsigVersion   = 1
	sshsigNamespace = "git"
	sshsigHashAlg   = "sha512"
	sshsigPEMType   = "SSH SIGNATURE"
)

// SSHSigner signs payloads with an SSH private key in the SSHSIG v1 format
// that git and the platform verify for ssh-signed commits.
type SSHSigner struct {
	signer ssh.Signer
}

// NewSSHSigner parses an OpenSSH private key (PEM). Encrypted keys are
// rejected; decrypt before handing the material in.
func NewSSHSigner(pemKey []byte) (*SSHSigner, error) {
	signer, err := ssh.ParsePrivateKey(pemKey)
	if err != nil {
		return nil, apperrors.NewSigningError("unable to parse SSH private key", err)
	}
	return &SSHSigner{signer: signer}, nil
}

// sshsigSignedData is the byte sequence the inner signature actually covers.
// The payload itself never appears; only its hash does.
type sshsigSignedData struct {
	Namespace     string
	Reserved      string
	HashAlgorithm string
	Hash          []byte
}

// sshsigBlob is the armored signature body, minus the raw magic preamble.
type sshsigBlob struct {
	Version       uint32
	PublicKey     []byte
	Namespace     string
	Reserved      string
	HashAlgorithm string
	Signature     []byte
}

// Sign writes a PEM-armored SSHSIG signature over the bytes read from r.
func (s *SSHSigner) Sign(w io.Writer, r io.Reader) error {
	hasher := sha512.New()
	if _, err := io.Copy(hasher, r); err != nil {
		return apperrors.NewSigningError("unable to hash payload", err)
	}

	signedData := append([]byte(sshsigMagic), ssh.Marshal(sshsigSignedData{
		Namespace:     sshsigNamespace,
		HashAlgorithm: sshsigHashAlg,
		Hash:          hasher.Sum(nil),
	})...)

	sig, err := s.sign(signedData)
	if err != nil {
		return apperrors.NewSigningError("SSH signature failed", err)
	}

	blob := append([]byte(sshsigMagic), ssh.Marshal(sshsigBlob{
		Version:       sshsigVersion,
		PublicKey:     s.signer.PublicKey().Marshal(),
		Namespace:     sshsigNamespace,
		HashAlgorithm: sshsigHashAlg,
		Signature:     ssh.Marshal(*sig),
	})...)

	return pem.Encode(w, &pem.Block{Type: sshsigPEMType, Bytes: blob})
}

// sign prefers rsa-sha2-512 for RSA keys; verifiers reject the legacy
// ssh-rsa (SHA-1) signature algorithm.
func (s *SSHSigner) sign(data []byte) (*ssh.Signature, error) {
	if s.signer.PublicKey().Type() == ssh.KeyAlgoRSA {
		if algSigner, ok := s.signer.(ssh.AlgorithmSigner); ok {
			return algSigner.SignWithAlgorithm(rand.Reader, data, ssh.KeyAlgoRSASHA512)
		}
	}
	return s.signer.Sign(rand.Reader, data)
}
