package strategy

import (
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/otr-sync/internal/events"
	"github.com/alexjbarnes/otr-sync/internal/model"
	"github.com/alexjbarnes/otr-sync/internal/otr"
	"github.com/alexjbarnes/otr-sync/internal/transport"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// TeamStrategy refreshes flagged teams and applies team events.
type TeamStrategy struct {
	Deps

	sync *otr.DownstreamSync[*model.Team]
	gate *Gate
}

func NewTeamStrategy(d Deps) *TeamStrategy {
	s := &TeamStrategy{Deps: d}
	s.sync = otr.NewDownstreamSync(staleTeam, teamTranscoder{s}, d.Logger)
	s.gate = NewGate(d.Status, DefaultGateConfig, s.sync)

	return s
}

func staleTeam(o model.Object) (*model.Team, bool) {
	t, ok := o.(*model.Team)
	return t, ok && t.NeedsToBeUpdatedFromBackend && t.ID != uuid.Nil
}

func (s *TeamStrategy) ObjectsDidChange(objs []model.Object) { s.sync.ObjectsDidChange(objs) }

func (s *TeamStrategy) NextRequest() *transport.Request { return s.gate.NextRequest() }

type teamTranscoder struct {
	s *TeamStrategy
}

func (t teamTranscoder) RequestForFetching(team *model.Team) (*transport.Request, error) {
	return transport.NewRequest(http.MethodGet, "/teams/"+team.ID.String()), nil
}

func (t teamTranscoder) Update(team *model.Team, resp *transport.Response) {
	s := t.s
	doc := resp.JSON()

	if name := doc.Get("name"); name.Exists() {
		team.Name = name.String()
	}

	seen := make(map[uuid.UUID]bool)

	doc.Get("members").ForEach(func(_, v gjson.Result) bool {
		id, ok := parseID(v.Get("id"))
		if !ok {
			return true
		}

		seen[id] = true

		u, _ := s.Ctx.FetchOrCreateUser(id)
		m, _ := s.Ctx.FetchOrCreateMember(team, u)

		var names []string
		for _, p := range v.Get("permissions").Array() {
			names = append(names, p.String())
		}

		m.Permissions = model.ParsePermissions(names)
		s.Ctx.MarkChanged(m)

		return true
	})

	if doc.Get("members").Exists() {
		for id, m := range team.Members {
			if !seen[id] {
				s.Ctx.DeleteMember(m)
			}
		}
	}

	team.NeedsToBeUpdatedFromBackend = false
	s.Ctx.MarkChanged(team)
}

func (t teamTranscoder) Failed(team *model.Team, resp *transport.Response) {
	s := t.s

	if resp.HTTPStatus == http.StatusNotFound {
		s.Logger.Info("team no longer exists", slog.String("team", team.ID.String()))
		team.NeedsToBeUpdatedFromBackend = false
		s.Ctx.DeleteTeam(team)

		return
	}

	team.NeedsToBeUpdatedFromBackend = false
	s.Ctx.MarkChanged(team)
}

// --- Team events ---

// ProcessEvents applies team.* events.
func (s *TeamStrategy) ProcessEvents(batch []*events.UpdateEvent) {
	for _, ev := range batch {
		id, ok := ev.Team()
		if !ok {
			continue
		}

		switch ev.Type {
		case events.TypeTeamCreate:
			s.teamCreated(id)
		case events.TypeTeamDelete:
			if team := s.Ctx.Team(id); team != nil {
				s.Ctx.DeleteTeam(team)
			}
		case events.TypeTeamUpdate:
			s.teamUpdated(id, ev.Data())
		case events.TypeTeamMemberJoin:
			s.memberJoined(id, ev.Data())
		case events.TypeTeamMemberLeave:
			s.memberLeft(id, ev.Data())
		case events.TypeTeamConversationCreate:
			s.conversationCreated(id, ev.Data())
		case events.TypeTeamConversationDelete:
			s.conversationDeleted(id, ev.Data())
		}
	}
}

func (s *TeamStrategy) teamCreated(id uuid.UUID) {
	team, _ := s.Ctx.FetchOrCreateTeam(id)
	team.NeedsToBeUpdatedFromBackend = true
	s.Ctx.MarkChanged(team)
}

func (s *TeamStrategy) teamUpdated(id uuid.UUID, data gjson.Result) {
	team := s.Ctx.Team(id)
	if team == nil {
		return
	}

	if name := data.Get("name"); name.Exists() {
		team.Name = name.String()
		s.Ctx.MarkChanged(team)
	}
}

func (s *TeamStrategy) memberJoined(id uuid.UUID, data gjson.Result) {
	userID, ok := parseID(data.Get("user"))
	if !ok {
		return
	}

	team, _ := s.Ctx.FetchOrCreateTeam(id)
	u, _ := s.Ctx.FetchOrCreateUser(userID)
	u.NeedsToBeUpdatedFromBackend = true
	s.Ctx.MarkChanged(u)
	s.Ctx.FetchOrCreateMember(team, u)
}

func (s *TeamStrategy) memberLeft(id uuid.UUID, data gjson.Result) {
	team := s.Ctx.Team(id)
	if team == nil {
		return
	}

	userID, ok := parseID(data.Get("user"))
	if !ok {
		return
	}

	if m, ok := team.Members[userID]; ok {
		s.Ctx.DeleteMember(m)
	}
}

func (s *TeamStrategy) conversationCreated(id uuid.UUID, data gjson.Result) {
	team := s.Ctx.Team(id)
	if team == nil {
		return
	}

	convID, ok := parseID(data.Get("conv"))
	if !ok {
		return
	}

	conv, _ := s.Ctx.FetchOrCreateConversation(convID)
	conv.Team = team
	conv.NeedsToBeUpdatedFromBackend = true
	s.Ctx.MarkChanged(conv)
}

func (s *TeamStrategy) conversationDeleted(id uuid.UUID, data gjson.Result) {
	convID, ok := parseID(data.Get("conv"))
	if !ok {
		return
	}

	conv := s.Ctx.Conversation(convID)
	if conv == nil || conv.Team == nil || conv.Team.ID != id {
		return
	}

	s.Ctx.DeleteConversation(conv)
}

func parseID(r gjson.Result) (uuid.UUID, bool) {
	if !r.Exists() {
		return uuid.Nil, false
	}

	id, err := uuid.Parse(r.String())
	if err != nil {
		return uuid.Nil, false
	}

	return id, true
}
