package testhelpers

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// RSAPrivateKeyPEM generates an RSA key and returns it PKCS#1 PEM encoded,
// the format app private keys are distributed in.
func RSAPrivateKeyPEM(t *testing.T) (string, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	encoded := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	return string(encoded), key
}

// ArmoredPGPPrivateKey generates a PGP signing entity and returns its
// armored private key block together with the entity for verification.
func ArmoredPGPPrivateKey(t *testing.T) (string, *openpgp.Entity) {
	t.Helper()
	entity, err := openpgp.NewEntity("Test Signer", "", "signer@example.com", nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	encoder, err := armor.Encode(&buf, openpgp.PrivateKeyType, nil)
	require.NoError(t, err)
	require.NoError(t, entity.SerializePrivate(encoder, nil))
	require.NoError(t, encoder.Close())
	return buf.String(), entity
}

// SSHPrivateKeyPEM generates an ed25519 key in OpenSSH PEM format and
// returns it with the matching public key.
func SSHPrivateKeyPEM(t *testing.T) (string, ssh.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(block)), sshPub
}
