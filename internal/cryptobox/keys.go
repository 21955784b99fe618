// Package cryptobox implements the pairwise session encryption used for
// OTR messages: an X3DH handshake against a published prekey followed by
// a double ratchet, plus the symmetric encryption used for assets.
package cryptobox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

type keyPair struct {
	Priv [32]byte `cbor:"1,keyasint"`
	Pub  [32]byte `cbor:"2,keyasint"`
}

func newKeyPair() (keyPair, error) {
	var kp keyPair
	if _, err := rand.Read(kp.Priv[:]); err != nil {
		return kp, fmt.Errorf("generating private key: %w", err)
	}

	curve25519.ScalarBaseMult(&kp.Pub, &kp.Priv)

	return kp, nil
}

func dh(priv, pub [32]byte) ([]byte, error) {
	return curve25519.X25519(priv[:], pub[:])
}

func deriveKey(secret, salt, info []byte, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), out); err != nil {
		return nil, err
	}

	return out, nil
}

// sharedKey combines the three X3DH agreements into the initial root key.
func sharedKey(dh1, dh2, dh3 []byte) ([]byte, error) {
	salt := make([]byte, 0, len(dh1)+len(dh2)+len(dh3))
	salt = append(salt, dh1...)
	salt = append(salt, dh2...)
	salt = append(salt, dh3...)

	return deriveKey(nil, salt, []byte("SharedKey"), 32)
}

// initiatorSecret is run by the client that fetched the peer's prekey.
func initiatorSecret(identity, ephemeral keyPair, peerIdentity, peerPrekey [32]byte) ([]byte, error) {
	dh1, err := dh(identity.Priv, peerPrekey)
	if err != nil {
		return nil, err
	}

	dh2, err := dh(ephemeral.Priv, peerIdentity)
	if err != nil {
		return nil, err
	}

	dh3, err := dh(ephemeral.Priv, peerPrekey)
	if err != nil {
		return nil, err
	}

	return sharedKey(dh1, dh2, dh3)
}

// responderSecret is run by the client whose prekey was consumed.
func responderSecret(identity, prekey keyPair, peerIdentity, peerEphemeral [32]byte) ([]byte, error) {
	dh1, err := dh(prekey.Priv, peerIdentity)
	if err != nil {
		return nil, err
	}

	dh2, err := dh(identity.Priv, peerEphemeral)
	if err != nil {
		return nil, err
	}

	dh3, err := dh(prekey.Priv, peerEphemeral)
	if err != nil {
		return nil, err
	}

	return sharedKey(dh1, dh2, dh3)
}

// seal encrypts with AES-GCM and prepends the nonce.
func seal(key, plaintext, aad []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("reading nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

func open(key, sealed, aad []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	ns := aead.NonceSize()
	if len(sealed) < ns {
		return nil, fmt.Errorf("ciphertext too short")
	}

	plain, err := aead.Open(nil, sealed[:ns], sealed[ns:], aad)
	if err != nil {
		return nil, fmt.Errorf("opening ciphertext: %w", err)
	}

	return plain, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return aead, nil
}
