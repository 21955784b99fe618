package cryptobox

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"maps"
	"strconv"
)

// maxSkip bounds the number of message keys kept for out-of-order delivery.
const maxSkip = 1000

type header struct {
	Pub    [32]byte `cbor:"1,keyasint"`
	MsgNum uint32   `cbor:"2,keyasint"`
	Prev   uint32   `cbor:"3,keyasint"`
}

func (h header) aad() []byte {
	b := make([]byte, 40)
	copy(b[:32], h.Pub[:])
	binary.BigEndian.PutUint32(b[32:36], h.MsgNum)
	binary.BigEndian.PutUint32(b[36:40], h.Prev)

	return b
}

func skippedKey(pub [32]byte, n uint32) string {
	return hex.EncodeToString(pub[:]) + ":" + strconv.FormatUint(uint64(n), 10)
}

type ratchet struct {
	RootKey []byte            `cbor:"1,keyasint"`
	DHs     keyPair           `cbor:"2,keyasint"`
	DHr     [32]byte          `cbor:"3,keyasint"`
	CKs     []byte            `cbor:"4,keyasint,omitempty"`
	CKr     []byte            `cbor:"5,keyasint,omitempty"`
	Ns      uint32            `cbor:"6,keyasint"`
	Nr      uint32            `cbor:"7,keyasint"`
	PN      uint32            `cbor:"8,keyasint"`
	Skipped map[string][]byte `cbor:"9,keyasint,omitempty"`
}

func newRatchet(rootKey []byte, ours keyPair, theirs [32]byte) *ratchet {
	return &ratchet{
		RootKey: rootKey,
		DHs:     ours,
		DHr:     theirs,
		Skipped: make(map[string][]byte),
	}
}

func (r *ratchet) clone() *ratchet {
	c := *r
	c.Skipped = maps.Clone(r.Skipped)
	if c.Skipped == nil {
		c.Skipped = make(map[string][]byte)
	}

	return &c
}

func kdfRoot(rootKey, dhOut []byte) (root, chain []byte, err error) {
	out, err := deriveKey(dhOut, rootKey, []byte("RootKDF"), 64)
	if err != nil {
		return nil, nil, err
	}

	return out[:32], out[32:], nil
}

func kdfChain(chainKey []byte) (next, msgKey []byte, err error) {
	out, err := deriveKey([]byte("ChainInput"), chainKey, []byte("ChainKDF"), 64)
	if err != nil {
		return nil, nil, err
	}

	return out[:32], out[32:], nil
}

func (r *ratchet) startSendingChain() error {
	if r.DHr == ([32]byte{}) {
		return errors.New("remote ratchet key not set")
	}

	kp, err := newKeyPair()
	if err != nil {
		return err
	}

	shared, err := dh(kp.Priv, r.DHr)
	if err != nil {
		return fmt.Errorf("sending ratchet: %w", err)
	}

	r.RootKey, r.CKs, err = kdfRoot(r.RootKey, shared)
	if err != nil {
		return err
	}

	r.DHs = kp
	r.Ns = 0

	return nil
}

func (r *ratchet) encrypt(plaintext []byte) (header, []byte, error) {
	if r.CKs == nil {
		if err := r.startSendingChain(); err != nil {
			return header{}, nil, err
		}
	}

	next, mk, err := kdfChain(r.CKs)
	if err != nil {
		return header{}, nil, err
	}

	h := header{Pub: r.DHs.Pub, MsgNum: r.Ns, Prev: r.PN}
	r.CKs = next
	r.Ns++

	ct, err := seal(mk, plaintext, h.aad())

	return h, ct, err
}

func (r *ratchet) skip(pub [32]byte, until uint32) error {
	if until <= r.Nr {
		return nil
	}

	if r.CKr == nil {
		return errors.New("no receiving chain")
	}

	n := int(until - r.Nr)
	if n > maxSkip || len(r.Skipped)+n > maxSkip {
		return fmt.Errorf("too many skipped messages: %d", n)
	}

	for ; r.Nr < until; r.Nr++ {
		next, mk, err := kdfChain(r.CKr)
		if err != nil {
			return err
		}

		r.CKr = next
		r.Skipped[skippedKey(pub, r.Nr)] = mk
	}

	return nil
}

// decrypt mutates r. Callers work on a clone and keep it only on success.
func (r *ratchet) decrypt(h header, ciphertext []byte) ([]byte, error) {
	k := skippedKey(h.Pub, h.MsgNum)
	if mk, ok := r.Skipped[k]; ok {
		delete(r.Skipped, k)
		return open(mk, ciphertext, h.aad())
	}

	if h.Pub != r.DHr {
		if r.CKr != nil {
			if err := r.skip(r.DHr, h.Prev); err != nil {
				return nil, err
			}
		}

		shared, err := dh(r.DHs.Priv, h.Pub)
		if err != nil {
			return nil, fmt.Errorf("receiving ratchet: %w", err)
		}

		r.RootKey, r.CKr, err = kdfRoot(r.RootKey, shared)
		if err != nil {
			return nil, err
		}

		r.DHr = h.Pub
		r.PN = r.Ns
		r.Ns = 0
		r.Nr = 0
		// The next send must ratchet against the new remote key.
		r.CKs = nil
	}

	if err := r.skip(r.DHr, h.MsgNum); err != nil {
		return nil, err
	}

	if r.CKr == nil {
		return nil, errors.New("no receiving chain")
	}

	next, mk, err := kdfChain(r.CKr)
	if err != nil {
		return nil, err
	}

	r.CKr = next
	r.Nr++

	return open(mk, ciphertext, h.aad())
}
