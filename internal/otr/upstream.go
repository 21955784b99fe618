package otr

import (
	"log/slog"
	"sort"
	"time"

	"github.com/alexjbarnes/otr-sync/internal/model"
	"github.com/alexjbarnes/otr-sync/internal/transport"
)

// UpstreamTranscoder turns tracked objects into upload requests.
type UpstreamTranscoder[T model.Object] interface {
	ShouldCreateRequest(obj T) bool
	// DependentObject returns what obj waits on, or nil.
	DependentObject(obj T) model.Object
	RequestFor(obj T) (*transport.Request, error)
	UpdateObject(obj T, resp *transport.Response)
	// ShouldRetry reports whether a failed obj stays pending.
	ShouldRetry(obj T, resp *transport.Response) bool
	RequestExpired(obj T, resp *transport.Response)
}

// UpstreamSync tracks objects that need uploading and keeps at most one
// request in flight per object.
type UpstreamSync[T model.Object] struct {
	match      func(model.Object) (T, bool)
	less       func(a, b T) bool
	transcoder UpstreamTranscoder[T]
	logger     *slog.Logger

	pending  map[model.ObjectID]T
	inFlight map[model.ObjectID]T
	retry    *backoff
}

// NewUpstreamSync creates a sync. match casts an object and reports
// whether it needs uploading. less orders candidates and may be nil.
func NewUpstreamSync[T model.Object](match func(model.Object) (T, bool), less func(a, b T) bool, transcoder UpstreamTranscoder[T], now func() time.Time, logger *slog.Logger) *UpstreamSync[T] {
	return &UpstreamSync[T]{
		match:      match,
		less:       less,
		transcoder: transcoder,
		logger:     logger,
		pending:    make(map[model.ObjectID]T),
		inFlight:   make(map[model.ObjectID]T),
		retry:      newBackoff(now),
	}
}

// ObjectsDidChange adds or removes objects from the pending set. Objects
// in flight are re-evaluated when their request completes.
func (u *UpstreamSync[T]) ObjectsDidChange(objs []model.Object) {
	for _, o := range objs {
		if _, busy := u.inFlight[o.ObjectID()]; busy {
			continue
		}

		u.evaluate(o)
	}
}

func (u *UpstreamSync[T]) evaluate(o model.Object) {
	obj, ok := u.match(o)
	if ok {
		u.pending[o.ObjectID()] = obj
		return
	}

	delete(u.pending, o.ObjectID())
}

// HasPending reports whether any object waits for upload.
func (u *UpstreamSync[T]) HasPending() bool { return len(u.pending) > 0 }

// InFlight reports whether obj has an outstanding request.
func (u *UpstreamSync[T]) InFlight(obj T) bool {
	_, ok := u.inFlight[obj.ObjectID()]
	return ok
}

func (u *UpstreamSync[T]) candidates() []T {
	out := make([]T, 0, len(u.pending))
	for _, obj := range u.pending {
		out = append(out, obj)
	}

	sort.Slice(out, func(i, j int) bool {
		if u.less != nil {
			return u.less(out[i], out[j])
		}

		return out[i].ObjectID() < out[j].ObjectID()
	})

	return out
}

// NextRequest returns a request for the first eligible object, or nil.
func (u *UpstreamSync[T]) NextRequest() *transport.Request {
	for _, obj := range u.candidates() {
		id := obj.ObjectID()

		if u.retry.waiting(string(id)) || !u.transcoder.ShouldCreateRequest(obj) {
			continue
		}

		if dep := u.transcoder.DependentObject(obj); dep != nil {
			continue
		}

		// A builder failure means no request for now.
		req, err := u.transcoder.RequestFor(obj)
		if err != nil {
			u.logger.Warn("could not create request",
				slog.String("object", string(id)),
				slog.String("error", err.Error()),
			)
			u.retry.record(string(id))

			continue
		}

		if req == nil {
			continue
		}

		delete(u.pending, id)
		u.inFlight[id] = obj

		req.OnComplete(func(resp *transport.Response) {
			u.complete(obj, resp)
		})

		return req
	}

	return nil
}

func (u *UpstreamSync[T]) complete(obj T, resp *transport.Response) {
	id := obj.ObjectID()
	delete(u.inFlight, id)

	switch resp.Result() {
	case transport.Success:
		u.retry.clear(string(id))
		u.transcoder.UpdateObject(obj, resp)
		u.evaluate(obj)
	case transport.Expired:
		u.retry.clear(string(id))
		u.transcoder.RequestExpired(obj, resp)
	default:
		if !u.transcoder.ShouldRetry(obj, resp) {
			u.retry.clear(string(id))
			u.transcoder.RequestExpired(obj, resp)

			return
		}

		if resp.Result() == transport.TemporaryError {
			u.retry.record(string(id))
		}

		u.evaluate(obj)
	}
}
