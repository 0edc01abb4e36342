package signing

import (
	"bytes"
	"io"

	"github.com/ProtonMail/go-crypto/openpgp"

	apperrors "appcommit.dev/appcommit/internal/errors"
)

// OpenPGPSigner signs payloads with a PGP private key, producing the armored
// detached signature block git embeds as a "gpgsig" header.
type OpenPGPSigner struct {
	entity *openpgp.Entity
}

// NewOpenPGPSigner parses an armored PGP private key. The key must be
// unencrypted; decrypting passphrase-protected keys is the caller's problem.
func NewOpenPGPSigner(armoredKey []byte) (*OpenPGPSigner, error) {
	entities, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(armoredKey))
	if err != nil {
		return nil, apperrors.NewSigningError("unable to parse PGP private key", err)
	}
	for _, entity := range entities {
		if entity.PrivateKey == nil {
			continue
		}
		if entity.PrivateKey.Encrypted {
			return nil, apperrors.NewSigningError("PGP private key is passphrase-protected", nil)
		}
		return &OpenPGPSigner{entity: entity}, nil
	}
	return nil, apperrors.NewSigningError("key ring contains no private key", nil)
}

// Sign writes an armored detached signature over the bytes read from r.
func (s *OpenPGPSigner) Sign(w io.Writer, r io.Reader) error {
	return openpgp.ArmoredDetachSign(w, s.entity, r, nil)
}
