package cryptobox

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"

	syncerr "github.com/alexjbarnes/otr-sync/internal/errors"
)

// AssetKeySize is the length of the symmetric key carried in an asset
// message.
const AssetKeySize = 32

// EncryptedAsset is the result of encrypting an asset for upload.
type EncryptedAsset struct {
	Key        []byte
	SHA256     []byte
	Ciphertext []byte
}

// EncryptAsset encrypts data under a fresh key. The digest covers the
// ciphertext.
func EncryptAsset(data []byte) (EncryptedAsset, error) {
	key := make([]byte, AssetKeySize)
	if _, err := rand.Read(key); err != nil {
		return EncryptedAsset{}, fmt.Errorf("generating asset key: %w", err)
	}

	ct, err := seal(key, data, nil)
	if err != nil {
		return EncryptedAsset{}, err
	}

	sum := sha256.Sum256(ct)

	return EncryptedAsset{Key: key, SHA256: sum[:], Ciphertext: ct}, nil
}

// DecryptAsset checks the digest of ciphertext and decrypts it.
func DecryptAsset(key, digest, ciphertext []byte) ([]byte, error) {
	sum := sha256.Sum256(ciphertext)
	if subtle.ConstantTimeCompare(sum[:], digest) != 1 {
		return nil, syncerr.ErrDigestMismatch
	}

	if len(key) != AssetKeySize {
		return nil, fmt.Errorf("%w: asset key is %d bytes", syncerr.ErrDecryptionFailed, len(key))
	}

	plain, err := open(key, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", syncerr.ErrDecryptionFailed, err)
	}

	return plain, nil
}
