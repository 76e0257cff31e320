// Package identity implements the canonical identity encoding shared by
// RouterInfos, LeaseSets and streaming FROM options, plus the private key
// bundle local destinations sign with.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"

	"github.com/samber/oops"

	"github.com/go-i2p/go-i2pd/lib/common/data"
)

const (
	// canonical layout: signing key | encryption key | certificate
	SigningKeySize    = ed25519.PublicKeySize
	EncryptionKeySize = 32
	certSize          = 3 // type byte + 2-byte length, length always 0
	IdentitySize      = SigningKeySize + EncryptionKeySize + certSize

	// SignatureSize is the length of an Ed25519 signature.
	SignatureSize = ed25519.SignatureSize

	certTypeKey = 5
)

var ERR_IDENTITY_NOT_ENOUGH_DATA = oops.Errorf("not enough identity data")

// Identity is the public half of a router or destination: its verification
// and encryption keys under the canonical encoding whose SHA-256 is the
// IdentHash.
type Identity struct {
	SigningKey    ed25519.PublicKey
	EncryptionKey [EncryptionKeySize]byte
}

// ReadIdentity parses an Identity from the front of buf, returning the
// number of bytes consumed.
func ReadIdentity(buf []byte) (Identity, int, error) {
	if len(buf) < IdentitySize {
		return Identity{}, 0, ERR_IDENTITY_NOT_ENOUGH_DATA
	}
	var ident Identity
	ident.SigningKey = ed25519.PublicKey(append([]byte(nil), buf[:SigningKeySize]...))
	copy(ident.EncryptionKey[:], buf[SigningKeySize:SigningKeySize+EncryptionKeySize])
	cert := buf[SigningKeySize+EncryptionKeySize : IdentitySize]
	if cert[0] != certTypeKey {
		return Identity{}, 0, oops.Errorf("unsupported certificate type %d", cert[0])
	}
	return ident, IdentitySize, nil
}

// Bytes returns the canonical encoding.
func (i *Identity) Bytes() []byte {
	buf := make([]byte, 0, IdentitySize)
	buf = append(buf, i.SigningKey...)
	buf = append(buf, i.EncryptionKey[:]...)
	buf = append(buf, certTypeKey, 0, 0)
	return buf
}

// IdentHash is the SHA-256 of the canonical encoding, the universal
// address of this identity.
func (i *Identity) IdentHash() data.Hash {
	return data.HashData(i.Bytes())
}

// SignatureLen returns the signature length this identity verifies.
func (i *Identity) SignatureLen() int {
	return SignatureSize
}

// Verify checks sig over msg with the identity's signing key.
func (i *Identity) Verify(msg, sig []byte) bool {
	if len(i.SigningKey) != ed25519.PublicKeySize || len(sig) != SignatureSize {
		return false
	}
	return ed25519.Verify(i.SigningKey, msg, sig)
}

// PrivateKeys is a local identity together with its signing key, as
// persisted in <destination>.dat files.
type PrivateKeys struct {
	Identity
	SigningPrivateKey ed25519.PrivateKey
}

// CreateRandomKeys generates a fresh identity.
func CreateRandomKeys() (*PrivateKeys, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, oops.Errorf("failed to generate signing key: %w", err)
	}
	keys := &PrivateKeys{
		Identity:          Identity{SigningKey: pub},
		SigningPrivateKey: priv,
	}
	if _, err := rand.Read(keys.EncryptionKey[:]); err != nil {
		return nil, oops.Errorf("failed to generate encryption key: %w", err)
	}
	return keys, nil
}

// Sign signs msg with the local signing key.
func (k *PrivateKeys) Sign(msg []byte) []byte {
	return ed25519.Sign(k.SigningPrivateKey, msg)
}

// ToBuffer renders the private key bundle: identity followed by the
// signing private key.
func (k *PrivateKeys) ToBuffer() []byte {
	buf := k.Identity.Bytes()
	return append(buf, k.SigningPrivateKey...)
}

// FromBuffer parses a private key bundle written by ToBuffer.
func (k *PrivateKeys) FromBuffer(buf []byte) error {
	ident, offset, err := ReadIdentity(buf)
	if err != nil {
		return err
	}
	if len(buf) < offset+ed25519.PrivateKeySize {
		return ERR_IDENTITY_NOT_ENOUGH_DATA
	}
	k.Identity = ident
	k.SigningPrivateKey = ed25519.PrivateKey(append([]byte(nil), buf[offset:offset+ed25519.PrivateKeySize]...))
	return nil
}
