package strategy

import (
	"log/slog"

	"github.com/alexjbarnes/otr-sync/internal/model"
	"github.com/alexjbarnes/otr-sync/internal/otr"
	"github.com/alexjbarnes/otr-sync/internal/transport"
	"github.com/google/uuid"
)

// AvailabilityStrategy broadcasts the self user's availability to every
// connected user and team member when it changes.
type AvailabilityStrategy struct {
	Deps

	sync    *otr.UpstreamSync[*model.User]
	gate    *Gate
	current *otr.BroadcastEntity
}

func NewAvailabilityStrategy(d Deps) *AvailabilityStrategy {
	s := &AvailabilityStrategy{Deps: d}
	s.sync = otr.NewUpstreamSync(s.modifiedSelf, nil, availabilityTranscoder{s}, nil, d.Logger)
	s.gate = NewGate(d.Status, DefaultGateConfig, s.sync)

	return s
}

func (s *AvailabilityStrategy) modifiedSelf(o model.Object) (*model.User, bool) {
	u, ok := o.(*model.User)
	if !ok {
		return nil, false
	}

	return u, s.Ctx.IsSelf(u) && u.AvailabilityModified
}

// SetAvailability changes the self user's availability and schedules
// the broadcast.
func (s *AvailabilityStrategy) SetAvailability(a model.Availability) {
	self := s.Ctx.SelfUser()
	if self.Availability == a && !self.AvailabilityModified {
		return
	}

	self.Availability = a
	self.AvailabilityModified = true
	s.Ctx.MarkChanged(self)
	s.wake()
}

func (s *AvailabilityStrategy) ObjectsDidChange(objs []model.Object) { s.sync.ObjectsDidChange(objs) }

func (s *AvailabilityStrategy) NextRequest() *transport.Request {
	if s.Status.ClientDeleted() {
		return nil
	}

	return s.gate.NextRequest()
}

// Recipients returns the users the availability goes to.
func (s *AvailabilityStrategy) Recipients() []*model.User {
	seen := make(map[uuid.UUID]bool)

	var users []*model.User

	add := func(u *model.User) {
		if u == nil || s.Ctx.IsSelf(u) || seen[u.ID] {
			return
		}

		seen[u.ID] = true
		users = append(users, u)
	}

	for _, c := range s.Ctx.Connections() {
		if c.Status == model.ConnectionAccepted {
			add(c.To)
		}
	}

	for _, t := range s.Ctx.Teams() {
		for _, u := range t.MemberUsers() {
			add(u)
		}
	}

	return users
}

// entity returns the broadcast for the current availability. It is kept
// across retries so missing clients stay attributed to it.
func (s *AvailabilityStrategy) entity() *otr.BroadcastEntity {
	want := s.Ctx.SelfUser().Availability
	if s.current != nil && s.current.Message.Availability.Type != want {
		s.finish()
	}

	if s.current == nil {
		s.current = &otr.BroadcastEntity{
			Message: &model.GenericMessage{
				MessageID:    uuid.New(),
				Availability: &model.AvailabilityUpdate{Type: want},
			},
		}
	}

	s.current.Users = s.Recipients()

	return s.current
}

func (s *AvailabilityStrategy) finish() {
	if s.current != nil {
		s.Ctx.SelfClient().ForgetEntity(s.current.ObjectID())
	}

	s.current = nil
}

type availabilityTranscoder struct {
	s *AvailabilityStrategy
}

func (t availabilityTranscoder) ShouldCreateRequest(*model.User) bool { return true }

func (t availabilityTranscoder) DependentObject(*model.User) model.Object {
	return t.s.entity().Dependency(t.s.Ctx)
}

func (t availabilityTranscoder) RequestFor(*model.User) (*transport.Request, error) {
	return t.s.Factory.RequestFor(t.s.entity())
}

func (t availabilityTranscoder) UpdateObject(u *model.User, resp *transport.Response) {
	s := t.s

	sent := s.current
	if sent == nil {
		return
	}

	otr.ParseUploadResponse(s.Ctx, sent, resp, s.Status, s.Logger)
	s.finish()

	// Changed again while the broadcast was in flight.
	if sent.Message.Availability.Type != u.Availability {
		return
	}

	u.AvailabilityModified = false
	s.Ctx.MarkChanged(u)
}

func (t availabilityTranscoder) ShouldRetry(_ *model.User, resp *transport.Response) bool {
	if resp.Result() == transport.TemporaryError {
		return true
	}

	return otr.ParseUploadResponse(t.s.Ctx, t.s.entity(), resp, t.s.Status, t.s.Logger)
}

func (t availabilityTranscoder) RequestExpired(u *model.User, resp *transport.Response) {
	s := t.s

	s.Logger.Warn("availability broadcast failed",
		slog.Int("status", resp.HTTPStatus),
		slog.String("result", resp.Result().String()),
	)

	s.finish()
	u.AvailabilityModified = false
	s.Ctx.MarkChanged(u)
}
