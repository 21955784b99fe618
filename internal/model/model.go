// Package model holds the local object graph the sync engine works on:
// users and their devices, conversations, connections, teams and
// messages. Objects are plain structs owned by a store.Context and must
// only be touched from the engine goroutine.
package model

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// ObjectID identifies any tracked object across kinds.
type ObjectID string

// Object is anything that can be reported as changed to a tracker or
// returned as a dependency.
type Object interface {
	ObjectID() ObjectID
}

// ClientKey identifies one device of one user.
type ClientKey struct {
	User   uuid.UUID
	Client string
}

// String returns the session identifier form "user:client".
func (k ClientKey) String() string {
	return k.User.String() + ":" + k.Client
}

// ParseClientKey reverses ClientKey.String.
func ParseClientKey(s string) (ClientKey, error) {
	user, client, ok := strings.Cut(s, ":")
	if !ok || client == "" {
		return ClientKey{}, fmt.Errorf("invalid client key %q", s)
	}

	id, err := uuid.Parse(user)
	if err != nil {
		return ClientKey{}, fmt.Errorf("invalid user in client key %q: %w", s, err)
	}

	return ClientKey{User: id, Client: client}, nil
}

// SortClientKeys orders keys by user, then client id.
func SortClientKeys(keys []ClientKey) {
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.User != b.User {
			return a.User.String() < b.User.String()
		}

		return a.Client < b.Client
	})
}

// Availability of a user as broadcast to their contacts.
type Availability int

const (
	AvailabilityNone Availability = iota
	AvailabilityAvailable
	AvailabilityAway
	AvailabilityBusy
)

// User is a local or remote account.
type User struct {
	ID   uuid.UUID
	Name string

	Clients    map[string]*Client
	Connection *Connection
	Members    map[uuid.UUID]*Member

	Availability Availability
	// AvailabilityModified is set on the self user when a new
	// availability has to be broadcast.
	AvailabilityModified bool

	NeedsToBeUpdatedFromBackend bool
	NeedsToFetchClients         bool
}

func (u *User) ObjectID() ObjectID { return ObjectID("user:" + u.ID.String()) }

// ActiveClients returns the non-deleted clients ordered by id.
func (u *User) ActiveClients() []*Client {
	out := make([]*Client, 0, len(u.Clients))
	for _, c := range u.Clients {
		if !c.Deleted {
			out = append(out, c)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

// IsConnected reports whether the user has an accepted connection.
func (u *User) IsConnected() bool {
	return u.Connection != nil && u.Connection.Status == ConnectionAccepted
}

// Client is one registered cryptographic endpoint of a user.
type Client struct {
	User *User
	ID   string

	FailedToEstablishSession bool
	Deleted                  bool
}

func (c *Client) ObjectID() ObjectID { return ObjectID("client:" + c.Key().String()) }

// Key returns the identifier the session store uses for this device.
func (c *Client) Key() ClientKey {
	return ClientKey{User: c.User.ID, Client: c.ID}
}

// ConnectionStatus mirrors the backend connection states.
type ConnectionStatus string

const (
	ConnectionAccepted  ConnectionStatus = "accepted"
	ConnectionPending   ConnectionStatus = "pending"
	ConnectionSent      ConnectionStatus = "sent"
	ConnectionBlocked   ConnectionStatus = "blocked"
	ConnectionIgnored   ConnectionStatus = "ignored"
	ConnectionCancelled ConnectionStatus = "cancelled"
)

// Connection is the relation between the self user and one other user.
type Connection struct {
	To           *User
	Conversation *Conversation
	Status       ConnectionStatus

	NeedsToBeUpdatedFromBackend bool
}

func (c *Connection) ObjectID() ObjectID { return ObjectID("connection:" + c.To.ID.String()) }

// ConversationType distinguishes group chats from 1:1 conversations.
type ConversationType int

const (
	ConversationGroup ConversationType = iota
	ConversationOneOnOne
	ConversationSelf
	ConversationConnection
)

// Conversation groups messages and the users they are delivered to.
type Conversation struct {
	ID   uuid.UUID
	Type ConversationType
	Name string

	// Participants are the other active participants. The self user is
	// implicit.
	Participants map[uuid.UUID]*User
	Connection   *Connection
	Team         *Team

	NeedsToBeUpdatedFromBackend bool
}

func (c *Conversation) ObjectID() ObjectID { return ObjectID("conversation:" + c.ID.String()) }

// ConnectedUser returns the other side of a 1:1 conversation, if known.
func (c *Conversation) ConnectedUser() *User {
	if c.Connection != nil {
		return c.Connection.To
	}

	return nil
}

// ActiveParticipants returns the other participants ordered by id.
func (c *Conversation) ActiveParticipants() []*User {
	out := make([]*User, 0, len(c.Participants))
	for _, u := range c.Participants {
		out = append(out, u)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })

	return out
}

// HasParticipant reports whether the user is an active participant.
func (c *Conversation) HasParticipant(id uuid.UUID) bool {
	_, ok := c.Participants[id]
	return ok
}

// AddParticipant adds the user and reports whether it was new.
func (c *Conversation) AddParticipant(u *User) bool {
	if c.Participants == nil {
		c.Participants = make(map[uuid.UUID]*User)
	}

	if _, ok := c.Participants[u.ID]; ok {
		return false
	}

	c.Participants[u.ID] = u

	return true
}

// RemoveParticipant drops the user from the participant list.
func (c *Conversation) RemoveParticipant(u *User) {
	delete(c.Participants, u.ID)
}
