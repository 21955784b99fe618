package otr

import (
	"fmt"
	"strings"

	"github.com/alexjbarnes/otr-sync/internal/store"
	"github.com/alexjbarnes/otr-sync/internal/wire"
	"github.com/google/uuid"
)

// FailedSessionPlaceholder is sent instead of a ciphertext to devices we
// could not establish a session with, so the backend does not report
// them as missing again.
const FailedSessionPlaceholder = "\xf0\x9f\x92\xa3"

// Encryptor encrypts for one remote device session.
type Encryptor interface {
	HasSession(id string) bool
	Encrypt(id string, plaintext []byte) ([]byte, error)
}

type missingMode int

const (
	doNotIgnore missingMode = iota
	ignoreAll
	ignoreAllNotFromUsers
)

// MissingClientsStrategy tells the backend which missing devices should
// make an upload fail with 412.
type MissingClientsStrategy struct {
	mode  missingMode
	users []uuid.UUID
}

// DoNotIgnoreMissing reports every missing device.
func DoNotIgnoreMissing() MissingClientsStrategy {
	return MissingClientsStrategy{mode: doNotIgnore}
}

// IgnoreAllMissing never fails on missing devices.
func IgnoreAllMissing() MissingClientsStrategy {
	return MissingClientsStrategy{mode: ignoreAll}
}

// IgnoreAllMissingNotFromUsers only reports missing devices of users.
func IgnoreAllMissingNotFromUsers(users ...uuid.UUID) MissingClientsStrategy {
	return MissingClientsStrategy{mode: ignoreAllNotFromUsers, users: users}
}

// Query returns the query string suffix for the upload path.
func (s MissingClientsStrategy) Query() string {
	switch s.mode {
	case ignoreAll:
		return "?ignore_missing"
	case ignoreAllNotFromUsers:
		ids := make([]string, len(s.users))
		for i, u := range s.users {
			ids[i] = u.String()
		}

		return "?report_missing=" + strings.Join(ids, ",")
	default:
		return ""
	}
}

// ReportMissing lists the users whose missing devices are reported.
func (s MissingClientsStrategy) ReportMissing() []uuid.UUID {
	if s.mode == ignoreAllNotFromUsers {
		return s.users
	}

	return nil
}

// Payload is an encoded upload body.
type Payload struct {
	Body     []byte
	Strategy MissingClientsStrategy
	// Recipients counts the devices that got a ciphertext.
	Recipients int
}

// BuildPayload encrypts the entity for every non-deleted device of every
// recipient. Devices without a session are left out so the backend can
// report them; devices that failed session setup get the placeholder.
func BuildPayload(ctx *store.Context, box Encryptor, e Entity) (*Payload, error) {
	generic := e.Payload()
	if generic == nil {
		return nil, fmt.Errorf("entity %s has no payload", e.ObjectID())
	}

	plaintext := wire.EncodeGenericMessage(generic)
	users, strategy := e.recipients(ctx)
	self := ctx.SelfClient().Client.Key()

	msg := &wire.OtrMessage{
		Sender:        self.Client,
		NativePush:    generic.Confirmation == nil,
		ReportMissing: strategy.ReportMissing(),
	}

	count := 0

	for _, u := range users {
		entry := wire.UserEntry{User: u.ID}

		for _, cl := range u.ActiveClients() {
			key := cl.Key()
			if key == self {
				continue
			}

			var text []byte

			switch {
			case box.HasSession(key.String()):
				ct, err := box.Encrypt(key.String(), plaintext)
				if err != nil {
					return nil, fmt.Errorf("encrypting for %s: %w", key, err)
				}

				text = ct
			case cl.FailedToEstablishSession:
				text = []byte(FailedSessionPlaceholder)
			default:
				continue
			}

			entry.Clients = append(entry.Clients, wire.ClientEntry{Client: key.Client, Text: text})
		}

		if len(entry.Clients) > 0 {
			msg.Recipients = append(msg.Recipients, entry)
			count += len(entry.Clients)
		}
	}

	body, err := wire.EncodeOtrMessage(msg)
	if err != nil {
		return nil, err
	}

	return &Payload{Body: body, Strategy: strategy, Recipients: count}, nil
}
