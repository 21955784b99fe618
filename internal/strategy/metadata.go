package strategy

import (
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/otr-sync/internal/model"
	"github.com/alexjbarnes/otr-sync/internal/otr"
	"github.com/alexjbarnes/otr-sync/internal/transport"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// DependencyExpirer expires whatever is waiting on an object that could
// not be refreshed.
type DependencyExpirer func(dep model.Object)

// Backend conversation types. Anything else is a group.
const (
	backendSelf     = 1
	backendOneOnOne = 2
	backendConnect  = 3
)

// --- Conversations ---

// ConversationStrategy refreshes flagged conversations.
type ConversationStrategy struct {
	Deps

	expire DependencyExpirer
	sync   *otr.DownstreamSync[*model.Conversation]
	gate   *Gate
}

func NewConversationStrategy(d Deps, expire DependencyExpirer) *ConversationStrategy {
	s := &ConversationStrategy{Deps: d, expire: expire}
	s.sync = otr.NewDownstreamSync(staleConversation, conversationTranscoder{s}, d.Logger)
	s.gate = NewGate(d.Status, AllowsRequestsDuringEventProcessing|AllowsRequestsWhileInBackground, s.sync)

	return s
}

func staleConversation(o model.Object) (*model.Conversation, bool) {
	c, ok := o.(*model.Conversation)
	return c, ok && c.NeedsToBeUpdatedFromBackend
}

func (s *ConversationStrategy) ObjectsDidChange(objs []model.Object) { s.sync.ObjectsDidChange(objs) }

func (s *ConversationStrategy) NextRequest() *transport.Request { return s.gate.NextRequest() }

type conversationTranscoder struct {
	s *ConversationStrategy
}

func (t conversationTranscoder) RequestForFetching(c *model.Conversation) (*transport.Request, error) {
	return transport.NewRequest(http.MethodGet, "/conversations/"+c.ID.String()), nil
}

func (t conversationTranscoder) Update(c *model.Conversation, resp *transport.Response) {
	s := t.s
	doc := resp.JSON()

	if name := doc.Get("name"); name.Exists() {
		c.Name = name.String()
	}

	if typ := doc.Get("type"); typ.Exists() {
		c.Type = conversationType(typ.Int())
	}

	if teamID, ok := parseID(doc.Get("team")); ok {
		if team := s.Ctx.Team(teamID); team != nil {
			c.Team = team
		}
	}

	if others := doc.Get("members.others"); others.Exists() {
		seen := make(map[uuid.UUID]bool)

		others.ForEach(func(_, v gjson.Result) bool {
			id, ok := parseID(v.Get("id"))
			if !ok || id == s.Ctx.SelfUser().ID {
				return true
			}

			seen[id] = true
			u, _ := s.Ctx.FetchOrCreateUser(id)
			c.AddParticipant(u)

			return true
		})

		for id, u := range c.Participants {
			if !seen[id] {
				c.RemoveParticipant(u)
			}
		}
	}

	if c.Type == model.ConversationOneOnOne || c.Type == model.ConversationConnection {
		if u := firstParticipant(c); u != nil {
			conn, _ := s.Ctx.FetchOrCreateConnection(u)
			conn.Conversation = c
			c.Connection = conn
		}
	}

	c.NeedsToBeUpdatedFromBackend = false
	s.Ctx.MarkChanged(c)
}

func (t conversationTranscoder) Failed(c *model.Conversation, resp *transport.Response) {
	s := t.s

	if resp.HTTPStatus == http.StatusNotFound {
		s.Logger.Info("conversation no longer exists", slog.String("conversation", c.ID.String()))
		s.expire(c)
		c.NeedsToBeUpdatedFromBackend = false
		s.Ctx.DeleteConversation(c)

		return
	}

	s.Logger.Warn("conversation refresh failed",
		slog.String("conversation", c.ID.String()),
		slog.Int("status", resp.HTTPStatus),
	)
	s.expire(c)
	c.NeedsToBeUpdatedFromBackend = false
	s.Ctx.MarkChanged(c)
}

func conversationType(v int64) model.ConversationType {
	switch v {
	case backendSelf:
		return model.ConversationSelf
	case backendOneOnOne:
		return model.ConversationOneOnOne
	case backendConnect:
		return model.ConversationConnection
	default:
		return model.ConversationGroup
	}
}

func firstParticipant(c *model.Conversation) *model.User {
	if ps := c.ActiveParticipants(); len(ps) > 0 {
		return ps[0]
	}

	return nil
}

// --- Connections ---

// ConnectionStrategy refreshes flagged connections.
type ConnectionStrategy struct {
	Deps

	expire DependencyExpirer
	sync   *otr.DownstreamSync[*model.Connection]
	gate   *Gate
}

func NewConnectionStrategy(d Deps, expire DependencyExpirer) *ConnectionStrategy {
	s := &ConnectionStrategy{Deps: d, expire: expire}
	s.sync = otr.NewDownstreamSync(staleConnection, connectionTranscoder{s}, d.Logger)
	s.gate = NewGate(d.Status, AllowsRequestsDuringEventProcessing|AllowsRequestsWhileInBackground, s.sync)

	return s
}

func staleConnection(o model.Object) (*model.Connection, bool) {
	c, ok := o.(*model.Connection)
	return c, ok && c.NeedsToBeUpdatedFromBackend && c.To != nil
}

func (s *ConnectionStrategy) ObjectsDidChange(objs []model.Object) { s.sync.ObjectsDidChange(objs) }

func (s *ConnectionStrategy) NextRequest() *transport.Request { return s.gate.NextRequest() }

type connectionTranscoder struct {
	s *ConnectionStrategy
}

func (t connectionTranscoder) RequestForFetching(c *model.Connection) (*transport.Request, error) {
	return transport.NewRequest(http.MethodGet, "/connections/"+c.To.ID.String()), nil
}

func (t connectionTranscoder) Update(c *model.Connection, resp *transport.Response) {
	s := t.s
	doc := resp.JSON()

	if status := doc.Get("status"); status.Exists() {
		c.Status = model.ConnectionStatus(status.String())
	}

	if convID, ok := parseID(doc.Get("conversation")); ok {
		conv, created := s.Ctx.FetchOrCreateConversation(convID)
		if created {
			conv.Type = model.ConversationConnection
			conv.NeedsToBeUpdatedFromBackend = true
		}

		conv.Connection = c
		conv.AddParticipant(c.To)
		c.Conversation = conv
		s.Ctx.MarkChanged(conv)
	}

	c.NeedsToBeUpdatedFromBackend = false
	s.Ctx.MarkChanged(c, c.To)
}

func (t connectionTranscoder) Failed(c *model.Connection, resp *transport.Response) {
	s := t.s

	s.Logger.Warn("connection refresh failed",
		slog.String("user", c.To.ID.String()),
		slog.Int("status", resp.HTTPStatus),
	)
	s.expire(c)
	c.NeedsToBeUpdatedFromBackend = false
	s.Ctx.MarkChanged(c, c.To)
}

// --- User clients ---

// UserClientsStrategy fetches the device list of users whose devices are
// unknown.
type UserClientsStrategy struct {
	Deps

	sync *otr.DownstreamSync[*model.User]
	gate *Gate
}

func NewUserClientsStrategy(d Deps) *UserClientsStrategy {
	s := &UserClientsStrategy{Deps: d}
	s.sync = otr.NewDownstreamSync(usersMissingClients, userClientsTranscoder{s}, d.Logger)
	s.gate = NewGate(d.Status, AllowsRequestsDuringEventProcessing|AllowsRequestsWhileInBackground, s.sync)

	return s
}

func usersMissingClients(o model.Object) (*model.User, bool) {
	u, ok := o.(*model.User)
	return u, ok && u.NeedsToFetchClients
}

func (s *UserClientsStrategy) ObjectsDidChange(objs []model.Object) { s.sync.ObjectsDidChange(objs) }

func (s *UserClientsStrategy) NextRequest() *transport.Request { return s.gate.NextRequest() }

type userClientsTranscoder struct {
	s *UserClientsStrategy
}

func (t userClientsTranscoder) RequestForFetching(u *model.User) (*transport.Request, error) {
	return transport.NewRequest(http.MethodGet, "/users/"+u.ID.String()+"/clients"), nil
}

func (t userClientsTranscoder) Update(u *model.User, resp *transport.Response) {
	s := t.s
	sc := s.Ctx.SelfClient()
	seen := make(map[string]bool)

	resp.JSON().ForEach(func(_, v gjson.Result) bool {
		id := v.Get("id").String()
		if id == "" {
			return true
		}

		seen[id] = true
		key := model.ClientKey{User: u.ID, Client: id}

		if s.Ctx.IsSelfClient(key) {
			return true
		}

		if _, created := s.Ctx.FetchOrCreateClient(key); created {
			sc.AddMissing(key)
			s.Ctx.MarkChanged(sc)
		}

		return true
	})

	for id, cl := range u.Clients {
		if !seen[id] && !s.Ctx.IsSelfClient(cl.Key()) {
			s.Ctx.DeleteClient(cl)
		}
	}

	u.NeedsToFetchClients = false
	s.Ctx.MarkChanged(u)
}

func (t userClientsTranscoder) Failed(u *model.User, resp *transport.Response) {
	t.s.Logger.Warn("fetching user clients failed",
		slog.String("user", u.ID.String()),
		slog.Int("status", resp.HTTPStatus),
	)

	u.NeedsToFetchClients = false
	t.s.Ctx.MarkChanged(u)
}
