package strategy

import (
	"log/slog"

	"github.com/alexjbarnes/otr-sync/internal/model"
	"github.com/alexjbarnes/otr-sync/internal/otr"
	"github.com/alexjbarnes/otr-sync/internal/transport"
)

// GenericMessageStrategy sends generic messages that are not stored as
// conversation messages, for example session resets.
type GenericMessageStrategy struct {
	Deps

	sync *otr.DependencyEntitySync[*otr.GenericEntity]
	gate *Gate
}

func NewGenericMessageStrategy(d Deps) *GenericMessageStrategy {
	s := &GenericMessageStrategy{Deps: d}
	s.sync = otr.NewDependencyEntitySync(d.Ctx, genericTranscoder{s}, d.Logger)
	s.gate = NewGate(d.Status, DefaultGateConfig, s.sync)

	return s
}

// Schedule enqueues msg for conv. completion runs once, with the upload
// response or an expired response.
func (s *GenericMessageStrategy) Schedule(msg *model.GenericMessage, conv *model.Conversation, completion func(*transport.Response)) *otr.GenericEntity {
	e := otr.NewGenericEntity(msg, conv, completion)
	s.sync.Synchronize(e)
	s.wake()

	return e
}

// ExpireEntities expires scheduled messages waiting on dep.
func (s *GenericMessageStrategy) ExpireEntities(dep model.Object) { s.sync.ExpireEntities(dep) }

func (s *GenericMessageStrategy) ObjectsDidChange(objs []model.Object) { s.sync.ObjectsDidChange(objs) }

func (s *GenericMessageStrategy) NextRequest() *transport.Request {
	if s.Status.ClientDeleted() {
		return nil
	}

	return s.gate.NextRequest()
}

// Len returns the number of scheduled messages not yet finished.
func (s *GenericMessageStrategy) Len() int { return s.sync.Len() }

type genericTranscoder struct {
	s *GenericMessageStrategy
}

func (t genericTranscoder) RequestForEntity(e *otr.GenericEntity) (*transport.Request, error) {
	return t.s.Factory.RequestFor(e)
}

func (t genericTranscoder) RequestForEntityDidComplete(e *otr.GenericEntity, resp *transport.Response) bool {
	s := t.s

	retry := otr.ParseUploadResponse(s.Ctx, e, resp, s.Status, s.Logger)
	if retry {
		return true
	}

	if resp.Result() != transport.Success {
		s.Logger.Warn("generic message failed",
			slog.String("entity", string(e.ObjectID())),
			slog.String("kind", e.Message.Kind()),
			slog.Int("status", resp.HTTPStatus),
		)
	}

	e.Complete(resp)

	return false
}

func (t genericTranscoder) RequestForEntityExpired(e *otr.GenericEntity, resp *transport.Response) {
	e.Complete(resp)
}
