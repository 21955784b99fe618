package errors

import "errors"

// Session errors.
var (
	ErrNoSession        = errors.New("no session for client")
	ErrInvalidPrekey    = errors.New("invalid prekey bundle")
	ErrUnknownPrekey    = errors.New("unknown local prekey")
	ErrDecryptionFailed = errors.New("message could not be decrypted")
)

// Transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)

// Entity lifecycle errors.
var (
	ErrEntityExpired   = errors.New("entity expired before it could be sent")
	ErrClientDeleted   = errors.New("self client was deleted by the backend")
	ErrDigestMismatch  = errors.New("asset digest does not match")
	ErrUnknownObject   = errors.New("object not found in store")
	ErrEngineStopped   = errors.New("engine is not running")
	ErrMalformedOutbox = errors.New("malformed outbox entry")
)
