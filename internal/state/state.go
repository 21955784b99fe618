// Package state persists everything the sync engine needs across restarts
// in a single bbolt database: the notification cursor, the cryptographic
// identity and sessions, the missing-client set, downloaded assets and
// the outbox ledger.
package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/otr-sync/internal/model"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket      = []byte("app")
	identityBucket = []byte("identity")
	sessionsBucket = []byte("sessions")
	missingBucket  = []byte("missing")
	assetsBucket   = []byte("assets")
	outboxBucket   = []byte("outbox")

	notificationKey = []byte("last_notification")
	identityKey     = []byte("identity")
	prekeyCursorKey = []byte("prekey_cursor")
)

// Asset is a downloaded and decrypted asset.
type Asset struct {
	MessageID string    `json:"message_id"`
	Name      string    `json:"name"`
	MimeType  string    `json:"mime_type"`
	Data      []byte    `json:"data"`
	Stored    time.Time `json:"stored"`
}

// OutboxEntry records that an outbox file was turned into a message.
type OutboxEntry struct {
	Path      string    `json:"path"`
	MessageID string    `json:"message_id"`
	Queued    time.Time `json:"queued"`
}

// State wraps a bbolt database for all persistent application state.
type State struct {
	db *bolt.DB
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{appBucket, identityBucket, sessionsBucket, missingBucket, assetsBucket, outboxBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

func (s *State) get(bucket, key []byte) ([]byte, error) {
	var out []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucket).Get(key); v != nil {
			out = append([]byte(nil), v...)
		}

		return nil
	})

	return out, err
}

func (s *State) put(bucket, key, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(key, value)
	})
}

// LastNotification returns the id of the last processed notification, or
// uuid.Nil before the first one.
func (s *State) LastNotification() (uuid.UUID, error) {
	v, err := s.get(appBucket, notificationKey)
	if err != nil || v == nil {
		return uuid.Nil, err
	}

	id, err := uuid.ParseBytes(v)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parsing stored notification id: %w", err)
	}

	return id, nil
}

// SetLastNotification advances the notification cursor.
func (s *State) SetLastNotification(id uuid.UUID) error {
	return s.put(appBucket, notificationKey, []byte(id.String()))
}

// PrekeyCursor returns the next unused prekey id.
func (s *State) PrekeyCursor() (uint16, error) {
	v, err := s.get(appBucket, prekeyCursorKey)
	if err != nil || len(v) != 2 {
		return 0, err
	}

	return uint16(v[0])<<8 | uint16(v[1]), nil
}

// SetPrekeyCursor stores the next unused prekey id.
func (s *State) SetPrekeyCursor(id uint16) error {
	return s.put(appBucket, prekeyCursorKey, []byte{byte(id >> 8), byte(id)})
}

// LoadIdentity returns the encoded identity, or nil if none was saved.
func (s *State) LoadIdentity() ([]byte, error) {
	return s.get(identityBucket, identityKey)
}

// SaveIdentity persists the encoded identity.
func (s *State) SaveIdentity(data []byte) error {
	return s.put(identityBucket, identityKey, data)
}

// LoadSession returns the encoded session for a client, or nil.
func (s *State) LoadSession(id string) ([]byte, error) {
	return s.get(sessionsBucket, []byte(id))
}

// SaveSession persists the encoded session for a client.
func (s *State) SaveSession(id string, data []byte) error {
	return s.put(sessionsBucket, []byte(id), data)
}

// DeleteSession removes the session for a client.
func (s *State) DeleteSession(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Delete([]byte(id))
	})
}

// SessionCount returns the number of stored sessions.
func (s *State) SessionCount() int {
	count := 0
	_ = s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(sessionsBucket).Stats().KeyN
		return nil
	})

	return count
}

// SaveMissingClients replaces the persisted missing-client set.
func (s *State) SaveMissingClients(keys []model.ClientKey) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(missingBucket); err != nil {
			return err
		}

		b, err := tx.CreateBucket(missingBucket)
		if err != nil {
			return err
		}

		for _, k := range keys {
			if err := b.Put([]byte(k.String()), []byte{}); err != nil {
				return err
			}
		}

		return nil
	})
}

// MissingClients returns the persisted missing-client set in key order.
func (s *State) MissingClients() ([]model.ClientKey, error) {
	var keys []model.ClientKey

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(missingBucket).ForEach(func(k, _ []byte) error {
			key, err := model.ParseClientKey(string(k))
			if err != nil {
				return err
			}

			keys = append(keys, key)

			return nil
		})
	})

	model.SortClientKeys(keys)

	return keys, err
}

// SaveAsset stores a decrypted asset under its message id.
func (s *State) SaveAsset(a Asset) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}

	return s.put(assetsBucket, []byte(a.MessageID), data)
}

// GetAsset returns a stored asset, or nil if not found.
func (s *State) GetAsset(messageID string) (*Asset, error) {
	v, err := s.get(assetsBucket, []byte(messageID))
	if err != nil || v == nil {
		return nil, err
	}

	var a Asset
	if err := json.Unmarshal(v, &a); err != nil {
		return nil, err
	}

	return &a, nil
}

// DeleteAsset removes a stored asset.
func (s *State) DeleteAsset(messageID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(assetsBucket).Delete([]byte(messageID))
	})
}

// ledgerKey returns the SHA-256 hex digest used to key outbox entries.
func ledgerKey(id []byte) []byte {
	h := sha256.Sum256(id)
	dst := make([]byte, hex.EncodedLen(len(h)))
	hex.Encode(dst, h[:])

	return dst
}

// OutboxEntry returns the ledger entry for an outbox file instance, or
// nil. The caller decides what identifies an instance.
func (s *State) OutboxEntry(id []byte) (*OutboxEntry, error) {
	v, err := s.get(outboxBucket, ledgerKey(id))
	if err != nil || v == nil {
		return nil, err
	}

	var e OutboxEntry
	if err := json.Unmarshal(v, &e); err != nil {
		return nil, err
	}

	return &e, nil
}

// RecordOutbox marks an outbox file instance as queued.
func (s *State) RecordOutbox(id []byte, e OutboxEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	return s.put(outboxBucket, ledgerKey(id), data)
}

// DeleteOutbox forgets an outbox file instance.
func (s *State) DeleteOutbox(id []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(outboxBucket).Delete(ledgerKey(id))
	})
}
