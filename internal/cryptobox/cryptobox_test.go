package cryptobox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncerr "github.com/alexjbarnes/otr-sync/internal/errors"
	"github.com/alexjbarnes/otr-sync/internal/logging"
)

type memStore struct {
	identity []byte
	sessions map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[string][]byte)}
}

func (m *memStore) LoadIdentity() ([]byte, error) { return m.identity, nil }

func (m *memStore) SaveIdentity(data []byte) error {
	m.identity = data
	return nil
}

func (m *memStore) LoadSession(id string) ([]byte, error) { return m.sessions[id], nil }

func (m *memStore) DeleteSession(id string) error {
	delete(m.sessions, id)
	return nil
}

func (m *memStore) SaveSession(id string, data []byte) error {
	m.sessions[id] = data
	return nil
}

func openBox(t *testing.T, store *memStore) *Box {
	t.Helper()

	b, err := Open(store, logging.Discard())
	require.NoError(t, err)

	return b
}

// pair returns alice with an established session to bob.
func pair(t *testing.T) (alice, bob *Box) {
	t.Helper()

	alice = openBox(t, newMemStore())
	bob = openBox(t, newMemStore())

	keys, err := bob.GeneratePrekeys(1, 3)
	require.NoError(t, err)
	require.NoError(t, alice.EstablishSession("bob", int(keys[1].ID), keys[1].Bundle))

	return alice, bob
}

func TestOpenCreatesAndReloadsIdentity(t *testing.T) {
	store := newMemStore()
	first := openBox(t, store)

	require.NotNil(t, store.identity)
	assert.Equal(t, []uint16{LastResortPrekeyID}, first.PrekeyIDs())

	second := openBox(t, store)
	assert.Equal(t, first.Fingerprint(), second.Fingerprint())
	assert.Equal(t, first.LastResortPrekey(), second.LastResortPrekey())
}

func TestGeneratePrekeysSkipsLastResort(t *testing.T) {
	b := openBox(t, newMemStore())

	keys, err := b.GeneratePrekeys(0xFFFE, 3)
	require.NoError(t, err)
	require.Len(t, keys, 3)

	assert.Equal(t, uint16(0xFFFE), keys[0].ID)
	assert.Equal(t, uint16(0), keys[1].ID)
	assert.Equal(t, uint16(1), keys[2].ID)

	for _, k := range keys {
		assert.Len(t, k.Bundle, BundleSize)
	}
}

func TestEstablishSessionRejectsBadBundles(t *testing.T) {
	b := openBox(t, newMemStore())

	err := b.EstablishSession("x", 1, []byte("short"))
	assert.ErrorIs(t, err, syncerr.ErrInvalidPrekey)

	err = b.EstablishSession("x", 1, make([]byte, BundleSize))
	assert.ErrorIs(t, err, syncerr.ErrInvalidPrekey)

	err = b.EstablishSession("x", -1, b.LastResortPrekey().Bundle)
	assert.ErrorIs(t, err, syncerr.ErrInvalidPrekey)

	assert.False(t, b.HasSession("x"))
}

func TestEncryptWithoutSession(t *testing.T) {
	b := openBox(t, newMemStore())

	_, err := b.Encrypt("nobody", []byte("hi"))
	assert.ErrorIs(t, err, syncerr.ErrNoSession)
}

func TestConversationRoundTrip(t *testing.T) {
	alice, bob := pair(t)

	ct, err := alice.Encrypt("bob", []byte("hello"))
	require.NoError(t, err)

	plain, err := bob.Decrypt("alice", ct)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(plain))
	assert.True(t, bob.HasSession("alice"))

	reply, err := bob.Encrypt("alice", []byte("hi back"))
	require.NoError(t, err)

	plain, err = alice.Decrypt("bob", reply)
	require.NoError(t, err)
	assert.Equal(t, "hi back", string(plain))

	for i, msg := range []string{"one", "two", "three"} {
		ct, err := alice.Encrypt("bob", []byte(msg))
		require.NoError(t, err)

		plain, err := bob.Decrypt("alice", ct)
		require.NoError(t, err, "message %d", i)
		assert.Equal(t, msg, string(plain))
	}
}

func TestOutOfOrderDelivery(t *testing.T) {
	alice, bob := pair(t)

	var cts [][]byte

	for _, msg := range []string{"a", "b", "c"} {
		ct, err := alice.Encrypt("bob", []byte(msg))
		require.NoError(t, err)

		cts = append(cts, ct)
	}

	plain, err := bob.Decrypt("alice", cts[2])
	require.NoError(t, err)
	assert.Equal(t, "c", string(plain))

	plain, err = bob.Decrypt("alice", cts[0])
	require.NoError(t, err)
	assert.Equal(t, "a", string(plain))

	plain, err = bob.Decrypt("alice", cts[1])
	require.NoError(t, err)
	assert.Equal(t, "b", string(plain))
}

func TestReplayFailsWithoutCorruptingSession(t *testing.T) {
	alice, bob := pair(t)

	ct, err := alice.Encrypt("bob", []byte("once"))
	require.NoError(t, err)

	_, err = bob.Decrypt("alice", ct)
	require.NoError(t, err)

	_, err = bob.Decrypt("alice", ct)
	require.ErrorIs(t, err, syncerr.ErrDecryptionFailed)

	next, err := alice.Encrypt("bob", []byte("twice"))
	require.NoError(t, err)

	plain, err := bob.Decrypt("alice", next)
	require.NoError(t, err)
	assert.Equal(t, "twice", string(plain))
}

func TestDecryptGarbage(t *testing.T) {
	b := openBox(t, newMemStore())

	_, err := b.Decrypt("x", []byte{0xff})
	assert.ErrorIs(t, err, syncerr.ErrDecryptionFailed)
}

func TestSessionSurvivesReopen(t *testing.T) {
	aliceStore := newMemStore()
	alice := openBox(t, aliceStore)
	bob := openBox(t, newMemStore())

	keys, err := bob.GeneratePrekeys(1, 1)
	require.NoError(t, err)
	require.NoError(t, alice.EstablishSession("bob", 1, keys[0].Bundle))

	reopened := openBox(t, aliceStore)
	require.True(t, reopened.HasSession("bob"))

	ct, err := reopened.Encrypt("bob", []byte("persisted"))
	require.NoError(t, err)

	plain, err := bob.Decrypt("alice", ct)
	require.NoError(t, err)
	assert.Equal(t, "persisted", string(plain))
}

func TestUnknownPrekey(t *testing.T) {
	alice := openBox(t, newMemStore())
	bob := openBox(t, newMemStore())

	bundle := bob.LastResortPrekey().Bundle
	require.NoError(t, alice.EstablishSession("bob", 42, bundle))

	ct, err := alice.Encrypt("bob", []byte("x"))
	require.NoError(t, err)

	_, err = bob.Decrypt("alice", ct)
	assert.ErrorIs(t, err, syncerr.ErrUnknownPrekey)
}

func TestDeleteSession(t *testing.T) {
	alice, _ := pair(t)
	require.True(t, alice.HasSession("bob"))

	require.NoError(t, alice.DeleteSession("bob"))
	assert.False(t, alice.HasSession("bob"))
}

func TestAssetRoundTrip(t *testing.T) {
	enc, err := EncryptAsset([]byte("image bytes"))
	require.NoError(t, err)
	assert.Len(t, enc.Key, AssetKeySize)
	assert.Len(t, enc.SHA256, 32)

	plain, err := DecryptAsset(enc.Key, enc.SHA256, enc.Ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "image bytes", string(plain))
}

func TestAssetDigestMismatch(t *testing.T) {
	enc, err := EncryptAsset([]byte("image bytes"))
	require.NoError(t, err)

	enc.Ciphertext[len(enc.Ciphertext)-1] ^= 1

	_, err = DecryptAsset(enc.Key, enc.SHA256, enc.Ciphertext)
	assert.ErrorIs(t, err, syncerr.ErrDigestMismatch)
}

func TestAssetWrongKey(t *testing.T) {
	enc, err := EncryptAsset([]byte("image bytes"))
	require.NoError(t, err)

	_, err = DecryptAsset(make([]byte, AssetKeySize), enc.SHA256, enc.Ciphertext)
	assert.ErrorIs(t, err, syncerr.ErrDecryptionFailed)
}
