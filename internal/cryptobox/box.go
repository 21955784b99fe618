package cryptobox

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/alexjbarnes/otr-sync/internal/codec"
	syncerr "github.com/alexjbarnes/otr-sync/internal/errors"
)

const (
	// LastResortPrekeyID is never consumed and is always published.
	LastResortPrekeyID = 0xFFFF

	// BundleSize is the length of a decoded prekey bundle: the identity
	// public key followed by the prekey public key.
	BundleSize = 64
)

// Store persists identity and session records. Implemented by the
// bbolt-backed state package.
type Store interface {
	LoadIdentity() ([]byte, error)
	SaveIdentity(data []byte) error
	LoadSession(id string) ([]byte, error)
	SaveSession(id string, data []byte) error
	DeleteSession(id string) error
}

// Prekey is a published prekey with its encoded bundle.
type Prekey struct {
	ID     uint16
	Bundle []byte
}

type identity struct {
	Key     keyPair            `cbor:"1,keyasint"`
	Prekeys map[uint16]keyPair `cbor:"2,keyasint"`
}

type handshake struct {
	Identity  [32]byte `cbor:"1,keyasint"`
	Ephemeral [32]byte `cbor:"2,keyasint"`
	PrekeyID  uint16   `cbor:"3,keyasint"`
}

type session struct {
	Ratchet *ratchet `cbor:"1,keyasint"`
	// Handshake is attached to outgoing messages until the peer replies.
	Handshake *handshake `cbor:"2,keyasint,omitempty"`
	// RemoteEphemeral identifies the handshake a responder session was
	// built from, so a repeated handshake does not reset it.
	RemoteEphemeral [32]byte `cbor:"3,keyasint"`
}

type envelope struct {
	Handshake  *handshake `cbor:"1,keyasint,omitempty"`
	Header     header     `cbor:"2,keyasint"`
	Ciphertext []byte     `cbor:"3,keyasint"`
}

// Box owns the local identity and all pairwise sessions. Safe for
// concurrent use.
type Box struct {
	mu       sync.Mutex
	store    Store
	id       identity
	sessions map[string]*session
	logger   *slog.Logger
}

// Open loads the identity from store, creating one with a last resort
// prekey on first use.
func Open(store Store, logger *slog.Logger) (*Box, error) {
	b := &Box{
		store:    store,
		sessions: make(map[string]*session),
		logger:   logger,
	}

	data, err := store.LoadIdentity()
	if err != nil {
		return nil, fmt.Errorf("loading identity: %w", err)
	}

	if data != nil {
		if err := codec.Unmarshal(data, &b.id); err != nil {
			return nil, fmt.Errorf("decoding identity: %w", err)
		}

		return b, nil
	}

	b.id.Key, err = newKeyPair()
	if err != nil {
		return nil, err
	}

	b.id.Prekeys = make(map[uint16]keyPair)
	if _, err := b.addPrekey(LastResortPrekeyID); err != nil {
		return nil, err
	}

	if err := b.saveIdentity(); err != nil {
		return nil, err
	}

	logger.Info("created new identity", slog.String("fingerprint", b.fingerprint()))

	return b, nil
}

// Fingerprint is the hex encoded identity public key.
func (b *Box) Fingerprint() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.fingerprint()
}

func (b *Box) fingerprint() string {
	return hex.EncodeToString(b.id.Key.Pub[:])
}

func (b *Box) saveIdentity() error {
	data, err := codec.Marshal(b.id)
	if err != nil {
		return fmt.Errorf("encoding identity: %w", err)
	}

	return b.store.SaveIdentity(data)
}

func (b *Box) addPrekey(id uint16) (Prekey, error) {
	kp, err := newKeyPair()
	if err != nil {
		return Prekey{}, err
	}

	b.id.Prekeys[id] = kp

	return Prekey{ID: id, Bundle: b.bundle(kp)}, nil
}

func (b *Box) bundle(kp keyPair) []byte {
	out := make([]byte, 0, BundleSize)
	out = append(out, b.id.Key.Pub[:]...)

	return append(out, kp.Pub[:]...)
}

// GeneratePrekeys creates count new prekeys starting at id start. The
// last resort id is skipped.
func (b *Box) GeneratePrekeys(start uint16, count int) ([]Prekey, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Prekey, 0, count)
	id := start

	for len(out) < count {
		if id != LastResortPrekeyID {
			pk, err := b.addPrekey(id)
			if err != nil {
				return nil, err
			}

			out = append(out, pk)
		}

		id++
	}

	if err := b.saveIdentity(); err != nil {
		return nil, err
	}

	return out, nil
}

// LastResortPrekey returns the bundle that is published alongside the
// regular prekeys.
func (b *Box) LastResortPrekey() Prekey {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Prekey{ID: LastResortPrekeyID, Bundle: b.bundle(b.id.Prekeys[LastResortPrekeyID])}
}

// PrekeyIDs lists the locally known prekey ids in ascending order.
func (b *Box) PrekeyIDs() []uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := make([]uint16, 0, len(b.id.Prekeys))
	for id := range b.id.Prekeys {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids
}

// EstablishSession creates an initiator session for the client id from
// the peer's decoded prekey bundle. An existing session is replaced.
func (b *Box) EstablishSession(id string, prekeyID int, bundle []byte) error {
	if len(bundle) != BundleSize {
		return fmt.Errorf("%w: %d bytes", syncerr.ErrInvalidPrekey, len(bundle))
	}

	if prekeyID < 0 || prekeyID > LastResortPrekeyID {
		return fmt.Errorf("%w: prekey id %d", syncerr.ErrInvalidPrekey, prekeyID)
	}

	var peerIdentity, peerPrekey [32]byte
	copy(peerIdentity[:], bundle[:32])
	copy(peerPrekey[:], bundle[32:])

	if peerIdentity == ([32]byte{}) || peerPrekey == ([32]byte{}) {
		return fmt.Errorf("%w: zero key", syncerr.ErrInvalidPrekey)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ephemeral, err := newKeyPair()
	if err != nil {
		return err
	}

	root, err := initiatorSecret(b.id.Key, ephemeral, peerIdentity, peerPrekey)
	if err != nil {
		return fmt.Errorf("%w: %w", syncerr.ErrInvalidPrekey, err)
	}

	s := &session{
		Ratchet: newRatchet(root, keyPair{}, peerPrekey),
		Handshake: &handshake{
			Identity:  b.id.Key.Pub,
			Ephemeral: ephemeral.Pub,
			PrekeyID:  uint16(prekeyID),
		},
	}

	return b.putSession(id, s)
}

// HasSession reports whether a session with the client id exists.
func (b *Box) HasSession(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, err := b.session(id)
	if err != nil {
		b.logger.Warn("loading session failed", slog.String("session", id), slog.String("error", err.Error()))
	}

	return s != nil
}

// DeleteSession drops the session with the client id.
func (b *Box) DeleteSession(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.sessions, id)

	return b.store.DeleteSession(id)
}

// Encrypt encrypts plaintext for the client id.
func (b *Box) Encrypt(id string, plaintext []byte) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, err := b.session(id)
	if err != nil {
		return nil, err
	}

	if s == nil {
		return nil, fmt.Errorf("%w: %s", syncerr.ErrNoSession, id)
	}

	next := s.Ratchet.clone()

	h, ct, err := next.encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("encrypting for %s: %w", id, err)
	}

	data, err := codec.Marshal(envelope{Handshake: s.Handshake, Header: h, Ciphertext: ct})
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}

	if err := b.putSession(id, &session{Ratchet: next, Handshake: s.Handshake, RemoteEphemeral: s.RemoteEphemeral}); err != nil {
		return nil, err
	}

	return data, nil
}

// Decrypt decrypts a message from the client id. A message carrying a
// handshake the session has not seen creates a new session.
func (b *Box) Decrypt(id string, data []byte) ([]byte, error) {
	var env envelope
	if err := codec.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", syncerr.ErrDecryptionFailed, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	s, err := b.session(id)
	if err != nil {
		return nil, err
	}

	if env.Handshake != nil && (s == nil || s.Handshake != nil || s.RemoteEphemeral != env.Handshake.Ephemeral) {
		s, err = b.responderSession(*env.Handshake)
		if err != nil {
			return nil, err
		}
	}

	if s == nil {
		return nil, fmt.Errorf("%w: %s", syncerr.ErrNoSession, id)
	}

	next := s.Ratchet.clone()

	plain, err := next.decrypt(env.Header, env.Ciphertext)
	if err != nil {
		if diag, derr := codec.Diagnose(data); derr == nil {
			b.logger.Debug("undecryptable envelope", slog.String("session", id), slog.String("envelope", diag))
		}

		return nil, fmt.Errorf("%w: %w", syncerr.ErrDecryptionFailed, err)
	}

	// A reply proves the peer holds the session, so stop sending the handshake.
	if err := b.putSession(id, &session{Ratchet: next, RemoteEphemeral: s.RemoteEphemeral}); err != nil {
		return nil, err
	}

	return plain, nil
}

func (b *Box) responderSession(hs handshake) (*session, error) {
	prekey, ok := b.id.Prekeys[hs.PrekeyID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", syncerr.ErrUnknownPrekey, hs.PrekeyID)
	}

	root, err := responderSecret(b.id.Key, prekey, hs.Identity, hs.Ephemeral)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", syncerr.ErrDecryptionFailed, err)
	}

	return &session{
		Ratchet:         newRatchet(root, prekey, [32]byte{}),
		RemoteEphemeral: hs.Ephemeral,
	}, nil
}

func (b *Box) session(id string) (*session, error) {
	if s, ok := b.sessions[id]; ok {
		return s, nil
	}

	data, err := b.store.LoadSession(id)
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", id, err)
	}

	if data == nil {
		return nil, nil
	}

	var s session
	if err := codec.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding session %s: %w", id, err)
	}

	if s.Ratchet == nil {
		return nil, errors.New("session record without ratchet")
	}

	b.sessions[id] = &s

	return &s, nil
}

func (b *Box) putSession(id string, s *session) error {
	data, err := codec.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}

	if err := b.store.SaveSession(id, data); err != nil {
		return fmt.Errorf("saving session %s: %w", id, err)
	}

	b.sessions[id] = s

	return nil
}
