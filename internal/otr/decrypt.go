package otr

import (
	"encoding/base64"
	"fmt"

	syncerr "github.com/alexjbarnes/otr-sync/internal/errors"
	"github.com/alexjbarnes/otr-sync/internal/model"
	"github.com/alexjbarnes/otr-sync/internal/wire"
)

// Decryptor decrypts a message from one remote device session.
type Decryptor interface {
	Decrypt(id string, data []byte) ([]byte, error)
}

// DecryptEvent decrypts the base64 ciphertext of an inbound OTR event
// and decodes the generic message inside.
func DecryptEvent(box Decryptor, sender model.ClientKey, text string) (*model.GenericMessage, error) {
	if text == FailedSessionPlaceholder {
		return nil, fmt.Errorf("%w: sender has no session with us", syncerr.ErrDecryptionFailed)
	}

	data, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", syncerr.ErrDecryptionFailed, err)
	}

	plain, err := box.Decrypt(sender.String(), data)
	if err != nil {
		return nil, err
	}

	msg, err := wire.DecodeGenericMessage(plain)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", syncerr.ErrDecryptionFailed, err)
	}

	return msg, nil
}
