// Package store is the in-memory object context the sync engine mutates.
// A Context is not safe for concurrent use: the engine owns it and every
// access from another goroutine goes through engine.Perform.
package store

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/alexjbarnes/otr-sync/internal/model"
	"github.com/google/uuid"
)

// maxSaveRounds bounds how often trackers may re-dirty the context from
// inside a single Save.
const maxSaveRounds = 8

// ChangeTracker is notified with every object changed since the last save.
type ChangeTracker interface {
	ObjectsDidChange(objs []model.Object)
}

// Persister stores the parts of the context that survive restarts.
type Persister interface {
	SaveMissingClients(keys []model.ClientKey) error
}

// Context owns the object graph.
type Context struct {
	logger *slog.Logger

	selfUser   *model.User
	selfClient *model.SelfClient

	users         map[uuid.UUID]*model.User
	conversations map[uuid.UUID]*model.Conversation
	teams         map[uuid.UUID]*model.Team
	messages      map[uuid.UUID]*model.ClientMessage
	sequence      uint64

	// outgoing holds the self messages of each conversation in sequence
	// order while they may still be pending. A message never returns to
	// pending, so finished ones are dropped lazily.
	outgoing map[*model.Conversation][]*model.ClientMessage

	changed  map[model.ObjectID]model.Object
	order    []model.ObjectID
	trackers []ChangeTracker

	persister Persister
}

// New creates a context for the given self user and device.
func New(selfUserID uuid.UUID, selfClientID string, logger *slog.Logger) *Context {
	c := &Context{
		logger:        logger,
		users:         make(map[uuid.UUID]*model.User),
		conversations: make(map[uuid.UUID]*model.Conversation),
		teams:         make(map[uuid.UUID]*model.Team),
		messages:      make(map[uuid.UUID]*model.ClientMessage),
		outgoing:      make(map[*model.Conversation][]*model.ClientMessage),
		changed:       make(map[model.ObjectID]model.Object),
	}

	c.selfUser, _ = c.FetchOrCreateUser(selfUserID)
	client, _ := c.FetchOrCreateClient(model.ClientKey{User: selfUserID, Client: selfClientID})
	c.selfClient = model.NewSelfClient(client)

	return c
}

// SetPersister installs the durable backing for the missing set.
func (c *Context) SetPersister(p Persister) { c.persister = p }

// RegisterTracker adds a tracker. Trackers are notified in order.
func (c *Context) RegisterTracker(t ...ChangeTracker) {
	c.trackers = append(c.trackers, t...)
}

// SelfUser returns the local user.
func (c *Context) SelfUser() *model.User { return c.selfUser }

// SelfClient returns the local device aggregate.
func (c *Context) SelfClient() *model.SelfClient { return c.selfClient }

// IsSelf reports whether u is the local user.
func (c *Context) IsSelf(u *model.User) bool { return u != nil && u.ID == c.selfUser.ID }

// IsSelfClient reports whether k is the local device.
func (c *Context) IsSelfClient(k model.ClientKey) bool { return k == c.selfClient.Client.Key() }

// --- Change tracking ---

// MarkChanged records objects for the next Save.
func (c *Context) MarkChanged(objs ...model.Object) {
	for _, o := range objs {
		if o == nil {
			continue
		}

		id := o.ObjectID()
		if _, ok := c.changed[id]; !ok {
			c.order = append(c.order, id)
		}

		c.changed[id] = o
	}
}

// HasChanges reports whether a Save would notify anyone.
func (c *Context) HasChanges() bool { return len(c.changed) > 0 }

// Save delivers pending changes to all trackers and persists the missing
// set when the self client changed. Trackers may mark further changes;
// those are delivered in a following round.
func (c *Context) Save() error {
	for round := 0; round < maxSaveRounds && len(c.changed) > 0; round++ {
		objs := make([]model.Object, 0, len(c.order))
		for _, id := range c.order {
			objs = append(objs, c.changed[id])
		}

		_, selfChanged := c.changed[c.selfClient.ObjectID()]
		c.changed = make(map[model.ObjectID]model.Object)
		c.order = nil

		for _, t := range c.trackers {
			t.ObjectsDidChange(objs)
		}

		if selfChanged && c.persister != nil {
			if err := c.persister.SaveMissingClients(c.selfClient.Missing()); err != nil {
				return fmt.Errorf("persisting missing clients: %w", err)
			}
		}
	}

	if len(c.changed) > 0 {
		c.logger.Warn("change notification did not settle",
			slog.Int("pending", len(c.changed)),
		)
	}

	return nil
}

// --- Users and clients ---

// User returns the user or nil.
func (c *Context) User(id uuid.UUID) *model.User { return c.users[id] }

// FetchOrCreateUser returns the user, creating an empty one if needed.
func (c *Context) FetchOrCreateUser(id uuid.UUID) (*model.User, bool) {
	if u, ok := c.users[id]; ok {
		return u, false
	}

	u := &model.User{
		ID:      id,
		Clients: make(map[string]*model.Client),
		Members: make(map[uuid.UUID]*model.Member),
	}
	c.users[id] = u
	c.MarkChanged(u)

	return u, true
}

// Client returns the device or nil.
func (c *Context) Client(key model.ClientKey) *model.Client {
	u := c.users[key.User]
	if u == nil {
		return nil
	}

	return u.Clients[key.Client]
}

// FetchOrCreateClient returns the device, creating it and its user if
// needed. A previously deleted device is revived.
func (c *Context) FetchOrCreateClient(key model.ClientKey) (*model.Client, bool) {
	u, _ := c.FetchOrCreateUser(key.User)
	if cl, ok := u.Clients[key.Client]; ok {
		if cl.Deleted {
			cl.Deleted = false
			c.MarkChanged(cl, u)
		}

		return cl, false
	}

	cl := &model.Client{User: u, ID: key.Client}
	u.Clients[key.Client] = cl
	c.MarkChanged(cl, u)

	return cl, true
}

// DeleteClient marks the device deleted, drops it from its user and
// resolves it out of every missing set.
func (c *Context) DeleteClient(cl *model.Client) {
	cl.Deleted = true
	delete(cl.User.Clients, cl.ID)
	c.selfClient.ResolveMissing(cl.Key())
	c.MarkChanged(cl, cl.User, c.selfClient)
}

// --- Conversations and connections ---

// Conversation returns the conversation or nil.
func (c *Context) Conversation(id uuid.UUID) *model.Conversation { return c.conversations[id] }

// FetchOrCreateConversation returns the conversation, creating it if
// needed.
func (c *Context) FetchOrCreateConversation(id uuid.UUID) (*model.Conversation, bool) {
	if conv, ok := c.conversations[id]; ok {
		return conv, false
	}

	conv := &model.Conversation{ID: id, Participants: make(map[uuid.UUID]*model.User)}
	c.conversations[id] = conv
	c.MarkChanged(conv)

	return conv, true
}

// DeleteConversation removes the conversation and its messages.
func (c *Context) DeleteConversation(conv *model.Conversation) {
	delete(c.conversations, conv.ID)

	for _, m := range c.messages {
		if m.Conversation == conv {
			c.DeleteMessage(m)
		}
	}

	delete(c.outgoing, conv)

	if conv.Connection != nil && conv.Connection.Conversation == conv {
		conv.Connection.Conversation = nil
	}

	c.MarkChanged(conv)
}

// Conversations returns all conversations ordered by id.
func (c *Context) Conversations() []*model.Conversation {
	out := make([]*model.Conversation, 0, len(c.conversations))
	for _, conv := range c.conversations {
		out = append(out, conv)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })

	return out
}

// ConversationsWith returns the conversations the user participates in.
func (c *Context) ConversationsWith(u *model.User) []*model.Conversation {
	var out []*model.Conversation

	for _, conv := range c.Conversations() {
		if conv.HasParticipant(u.ID) {
			out = append(out, conv)
		}
	}

	return out
}

// FetchOrCreateConnection returns the connection to the user.
func (c *Context) FetchOrCreateConnection(u *model.User) (*model.Connection, bool) {
	if u.Connection != nil {
		return u.Connection, false
	}

	u.Connection = &model.Connection{To: u, Status: model.ConnectionPending}
	c.MarkChanged(u.Connection, u)

	return u.Connection, true
}

// Connections returns all connections ordered by user id.
func (c *Context) Connections() []*model.Connection {
	var out []*model.Connection

	for _, u := range c.users {
		if u.Connection != nil {
			out = append(out, u.Connection)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].To.ID.String() < out[j].To.ID.String() })

	return out
}

// --- Teams ---

// Team returns the team or nil.
func (c *Context) Team(id uuid.UUID) *model.Team { return c.teams[id] }

// FetchOrCreateTeam returns the team, creating it if needed.
func (c *Context) FetchOrCreateTeam(id uuid.UUID) (*model.Team, bool) {
	if t, ok := c.teams[id]; ok {
		return t, false
	}

	t := &model.Team{ID: id, Members: make(map[uuid.UUID]*model.Member)}
	c.teams[id] = t
	c.MarkChanged(t)

	return t, true
}

// DeleteTeam removes the team and all memberships.
func (c *Context) DeleteTeam(t *model.Team) {
	delete(c.teams, t.ID)

	for _, m := range t.Members {
		delete(m.User.Members, t.ID)
	}

	for _, conv := range c.conversations {
		if conv.Team == t {
			conv.Team = nil
		}
	}

	c.MarkChanged(t)
}

// Teams returns all teams ordered by id.
func (c *Context) Teams() []*model.Team {
	out := make([]*model.Team, 0, len(c.teams))
	for _, t := range c.teams {
		out = append(out, t)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })

	return out
}

// FetchOrCreateMember links the user to the team.
func (c *Context) FetchOrCreateMember(t *model.Team, u *model.User) (*model.Member, bool) {
	if m, ok := t.Members[u.ID]; ok {
		return m, false
	}

	m := &model.Member{Team: t, User: u}
	t.Members[u.ID] = m
	u.Members[t.ID] = m
	c.MarkChanged(m, t, u)

	return m, true
}

// DeleteMember removes the membership.
func (c *Context) DeleteMember(m *model.Member) {
	delete(m.Team.Members, m.User.ID)
	delete(m.User.Members, m.Team.ID)
	c.MarkChanged(m, m.Team, m.User)
}

// --- Messages ---

// InsertMessage adds a message and assigns its sequence number.
func (c *Context) InsertMessage(m *model.ClientMessage) {
	c.sequence++
	m.Sequence = c.sequence
	c.messages[m.Nonce] = m

	if m.IsPending() && c.IsSelf(m.Sender) {
		c.outgoing[m.Conversation] = append(c.outgoing[m.Conversation], m)
	}

	c.MarkChanged(m)
}

// Message returns the message with the nonce or nil.
func (c *Context) Message(nonce uuid.UUID) *model.ClientMessage { return c.messages[nonce] }

// DeleteMessage removes the message and drops any missing-device
// references it held.
func (c *Context) DeleteMessage(m *model.ClientMessage) {
	m.Deleted = true
	delete(c.messages, m.Nonce)
	c.selfClient.ForgetEntity(m.ObjectID())
	c.MarkChanged(m)
}

// Messages returns the messages of a conversation ordered by sequence.
func (c *Context) Messages(conv *model.Conversation) []*model.ClientMessage {
	var out []*model.ClientMessage

	for _, m := range c.messages {
		if m.Conversation == conv {
			out = append(out, m)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })

	return out
}

// AllMessages returns every message ordered by sequence.
func (c *Context) AllMessages() []*model.ClientMessage {
	out := make([]*model.ClientMessage, 0, len(c.messages))
	for _, m := range c.messages {
		out = append(out, m)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })

	return out
}

// PreviousPendingMessage returns the latest visible message sent by self
// in the same conversation that precedes m and is still pending.
func (c *Context) PreviousPendingMessage(m *model.ClientMessage) *model.ClientMessage {
	queue := c.pendingIn(m.Conversation)

	for i := len(queue) - 1; i >= 0; i-- {
		other := queue[i]
		if other == m || other.Sequence >= m.Sequence || !other.IsVisible() {
			continue
		}

		return other
	}

	return nil
}

// PendingCount returns the number of self messages waiting for upload.
func (c *Context) PendingCount() int {
	n := 0
	for conv := range c.outgoing {
		n += len(c.pendingIn(conv))
	}

	return n
}

// pendingIn drops finished messages from the conversation's queue and
// returns what is left.
func (c *Context) pendingIn(conv *model.Conversation) []*model.ClientMessage {
	queue := c.outgoing[conv]

	kept := queue[:0]
	for _, m := range queue {
		if m.IsPending() {
			kept = append(kept, m)
		}
	}

	clear(queue[len(kept):])

	if len(kept) == 0 {
		delete(c.outgoing, conv)
		return nil
	}

	c.outgoing[conv] = kept

	return kept
}
