package otr

import (
	"log/slog"

	"github.com/alexjbarnes/otr-sync/internal/model"
	"github.com/alexjbarnes/otr-sync/internal/store"
	"github.com/alexjbarnes/otr-sync/internal/transport"
)

// EntityState is the lifecycle of an entity in a DependencyEntitySync.
type EntityState int

const (
	EntityPending EntityState = iota
	EntityBlocked
	EntityInFlight
	EntityDelivered
	EntityExpired
)

func (s EntityState) String() string {
	switch s {
	case EntityPending:
		return "pending"
	case EntityBlocked:
		return "blocked"
	case EntityInFlight:
		return "inFlight"
	case EntityDelivered:
		return "delivered"
	case EntityExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// EntityTranscoder creates and interprets requests for entities.
type EntityTranscoder[E Entity] interface {
	RequestForEntity(e E) (*transport.Request, error)
	// RequestForEntityDidComplete handles the response and reports
	// whether the entity has to be sent again.
	RequestForEntityDidComplete(e E, resp *transport.Response) bool
	// RequestForEntityExpired is called once for an entity that will
	// never be sent.
	RequestForEntityExpired(e E, resp *transport.Response)
}

type trackedEntity[E Entity] struct {
	entity E
	state  EntityState
}

// DependencyEntitySync sends entities in the order they were
// synchronized, holding back each one while its dependency is set.
type DependencyEntitySync[E Entity] struct {
	ctx        *store.Context
	transcoder EntityTranscoder[E]
	logger     *slog.Logger

	entities []*trackedEntity[E]
}

// NewDependencyEntitySync creates an empty sync.
func NewDependencyEntitySync[E Entity](ctx *store.Context, transcoder EntityTranscoder[E], logger *slog.Logger) *DependencyEntitySync[E] {
	return &DependencyEntitySync[E]{ctx: ctx, transcoder: transcoder, logger: logger}
}

// Synchronize enqueues an entity.
func (s *DependencyEntitySync[E]) Synchronize(e E) {
	t := &trackedEntity[E]{entity: e, state: EntityPending}
	s.entities = append(s.entities, t)
	s.refresh(t)
}

// State returns the state of a tracked entity.
func (s *DependencyEntitySync[E]) State(id model.ObjectID) (EntityState, bool) {
	for _, t := range s.entities {
		if t.entity.ObjectID() == id {
			return t.state, true
		}
	}

	return 0, false
}

// Len returns the number of entities not yet finished.
func (s *DependencyEntitySync[E]) Len() int { return len(s.entities) }

func (s *DependencyEntitySync[E]) refresh(t *trackedEntity[E]) {
	if t.state != EntityPending && t.state != EntityBlocked {
		return
	}

	if t.entity.Dependency(s.ctx) != nil {
		t.state = EntityBlocked
	} else {
		t.state = EntityPending
	}
}

// ObjectsDidChange re-evaluates blocked entities.
func (s *DependencyEntitySync[E]) ObjectsDidChange([]model.Object) {
	for _, t := range s.entities {
		if t.state == EntityBlocked {
			s.refresh(t)
		}
	}
}

// NextRequest returns the request for the first sendable entity.
func (s *DependencyEntitySync[E]) NextRequest() *transport.Request {
	for _, t := range s.entities {
		if t.state != EntityPending && t.state != EntityBlocked {
			continue
		}

		if t.entity.IsExpired() {
			s.expire(t, transport.ExpiredResponse())
			continue
		}

		s.refresh(t)

		if t.state == EntityBlocked {
			continue
		}

		req, err := s.transcoder.RequestForEntity(t.entity)
		if err != nil {
			s.logger.Warn("could not create entity request",
				slog.String("entity", string(t.entity.ObjectID())),
				slog.String("error", err.Error()),
			)

			continue
		}

		if req == nil {
			continue
		}

		t.state = EntityInFlight
		tracked := t

		req.OnComplete(func(resp *transport.Response) {
			s.complete(tracked, resp)
		})

		s.prune()

		return req
	}

	s.prune()

	return nil
}

func (s *DependencyEntitySync[E]) complete(t *trackedEntity[E], resp *transport.Response) {
	if s.transcoder.RequestForEntityDidComplete(t.entity, resp) {
		t.state = EntityPending
		s.refresh(t)

		return
	}

	if resp.Result() == transport.Success {
		t.state = EntityDelivered
	} else {
		t.state = EntityExpired
		t.entity.Expire()
	}

	s.prune()
}

func (s *DependencyEntitySync[E]) expire(t *trackedEntity[E], resp *transport.Response) {
	t.state = EntityExpired
	s.transcoder.RequestForEntityExpired(t.entity, resp)
}

// ExpireEntities expires every waiting entity whose current dependency
// is dep.
func (s *DependencyEntitySync[E]) ExpireEntities(dep model.Object) {
	for _, t := range s.entities {
		if t.state != EntityPending && t.state != EntityBlocked {
			continue
		}

		cur := t.entity.Dependency(s.ctx)
		if cur == nil || cur.ObjectID() != dep.ObjectID() {
			continue
		}

		t.entity.Expire()
		s.expire(t, transport.ExpiredResponse())
	}

	s.prune()
}

// prune drops finished entities.
func (s *DependencyEntitySync[E]) prune() {
	kept := s.entities[:0]
	for _, t := range s.entities {
		if t.state != EntityDelivered && t.state != EntityExpired {
			kept = append(kept, t)
		}
	}

	clear(s.entities[len(kept):])
	s.entities = kept
}
