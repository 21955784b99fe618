package wire

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

// OtrMessage is the NewOtrMessage envelope uploaded to the backend. It
// carries one ciphertext per recipient device.
type OtrMessage struct {
	Sender        string
	Recipients    []UserEntry
	NativePush    bool
	ReportMissing []uuid.UUID
}

// UserEntry groups the ciphertexts of one user's devices.
type UserEntry struct {
	User    uuid.UUID
	Clients []ClientEntry
}

// ClientEntry is the ciphertext for one device.
type ClientEntry struct {
	Client string
	Text   []byte
}

// encodeClientID writes a ClientId message. Device ids are hex strings
// on the JSON API and uint64 on the protobuf API.
func encodeClientID(id string) ([]byte, error) {
	v, err := strconv.ParseUint(id, 16, 64)
	if err != nil {
		return nil, fmt.Errorf("client id %q is not hex: %w", id, err)
	}

	return appendVarint(nil, 1, v), nil
}

func encodeUserID(id uuid.UUID) []byte {
	return appendBytes(nil, 1, id[:])
}

// EncodeOtrMessage serialises the upload body.
func EncodeOtrMessage(m *OtrMessage) ([]byte, error) {
	sender, err := encodeClientID(m.Sender)
	if err != nil {
		return nil, fmt.Errorf("encoding sender: %w", err)
	}

	var b []byte

	b = appendMessage(b, 1, sender)

	for _, ue := range m.Recipients {
		var u []byte
		u = appendMessage(u, 1, encodeUserID(ue.User))

		for _, ce := range ue.Clients {
			cid, err := encodeClientID(ce.Client)
			if err != nil {
				return nil, fmt.Errorf("encoding recipient of %s: %w", ue.User, err)
			}

			var c []byte
			c = appendMessage(c, 1, cid)
			c = appendBytes(c, 2, ce.Text)
			u = appendMessage(u, 2, c)
		}

		b = appendMessage(b, 2, u)
	}

	native := uint64(0)
	if m.NativePush {
		native = 1
	}

	b = appendVarint(b, 3, native)

	for _, id := range m.ReportMissing {
		b = appendMessage(b, 7, encodeUserID(id))
	}

	return b, nil
}

// DecodeOtrMessage parses an upload body.
func DecodeOtrMessage(data []byte) (*OtrMessage, error) {
	m := &OtrMessage{}

	err := walk(data, func(num protowire.Number, v []byte, x uint64) error {
		switch num {
		case 1:
			id, err := decodeClientID(v)
			if err != nil {
				return err
			}

			m.Sender = id
		case 2:
			ue, err := decodeUserEntry(v)
			if err != nil {
				return err
			}

			m.Recipients = append(m.Recipients, *ue)
		case 3:
			m.NativePush = x != 0
		case 7:
			id, err := decodeUserID(v)
			if err != nil {
				return err
			}

			m.ReportMissing = append(m.ReportMissing, id)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decoding otr message: %w", err)
	}

	return m, nil
}

func decodeClientID(b []byte) (string, error) {
	var id string

	err := walk(b, func(num protowire.Number, _ []byte, x uint64) error {
		if num == 1 {
			id = strconv.FormatUint(x, 16)
		}

		return nil
	})

	return id, err
}

func decodeUserID(b []byte) (uuid.UUID, error) {
	var id uuid.UUID

	err := walk(b, func(num protowire.Number, v []byte, _ uint64) error {
		if num != 1 {
			return nil
		}

		parsed, err := uuid.FromBytes(v)
		if err != nil {
			return err
		}

		id = parsed

		return nil
	})

	return id, err
}

func decodeUserEntry(b []byte) (*UserEntry, error) {
	ue := &UserEntry{}

	err := walk(b, func(num protowire.Number, v []byte, _ uint64) error {
		switch num {
		case 1:
			id, err := decodeUserID(v)
			if err != nil {
				return err
			}

			ue.User = id
		case 2:
			ce := ClientEntry{}

			err := walk(v, func(num protowire.Number, v []byte, _ uint64) error {
				switch num {
				case 1:
					id, err := decodeClientID(v)
					if err != nil {
						return err
					}

					ce.Client = id
				case 2:
					ce.Text = append([]byte(nil), v...)
				}

				return nil
			})
			if err != nil {
				return err
			}

			ue.Clients = append(ue.Clients, ce)
		}

		return nil
	})

	return ue, err
}
