package otr

import (
	"log/slog"
	"sort"
	"time"

	"github.com/alexjbarnes/otr-sync/internal/model"
	"github.com/alexjbarnes/otr-sync/internal/transport"
)

// DownstreamTranscoder turns tracked objects into fetch requests.
type DownstreamTranscoder[T model.Object] interface {
	RequestForFetching(obj T) (*transport.Request, error)
	Update(obj T, resp *transport.Response)
	// Failed puts obj into a terminal state so it stops matching.
	Failed(obj T, resp *transport.Response)
}

// DownstreamSync fetches objects that match a predicate. In whitelist
// mode only explicitly whitelisted objects are fetched.
type DownstreamSync[T model.Object] struct {
	match      func(model.Object) (T, bool)
	transcoder DownstreamTranscoder[T]
	logger     *slog.Logger

	whitelistMode bool
	whitelist     map[model.ObjectID]struct{}

	pending  map[model.ObjectID]T
	inFlight map[model.ObjectID]T
	retry    *backoff
}

// NewDownstreamSync creates a sync without whitelist.
func NewDownstreamSync[T model.Object](match func(model.Object) (T, bool), transcoder DownstreamTranscoder[T], logger *slog.Logger) *DownstreamSync[T] {
	return &DownstreamSync[T]{
		match:      match,
		transcoder: transcoder,
		logger:     logger,
		whitelist:  make(map[model.ObjectID]struct{}),
		pending:    make(map[model.ObjectID]T),
		inFlight:   make(map[model.ObjectID]T),
		retry:      newBackoff(nil),
	}
}

// SetClock replaces the clock used for retry backoff.
func (d *DownstreamSync[T]) SetClock(now func() time.Time) { d.retry.now = now }

// NewWhitelistDownstreamSync creates a sync that only fetches
// whitelisted objects.
func NewWhitelistDownstreamSync[T model.Object](match func(model.Object) (T, bool), transcoder DownstreamTranscoder[T], logger *slog.Logger) *DownstreamSync[T] {
	d := NewDownstreamSync(match, transcoder, logger)
	d.whitelistMode = true

	return d
}

// Whitelist allows obj to be fetched once.
func (d *DownstreamSync[T]) Whitelist(obj T) {
	d.whitelist[obj.ObjectID()] = struct{}{}
	d.evaluate(obj)
}

// IsWhitelisted reports whether obj waits for a whitelisted fetch.
func (d *DownstreamSync[T]) IsWhitelisted(obj T) bool {
	_, ok := d.whitelist[obj.ObjectID()]
	return ok
}

// ObjectsDidChange updates the set of objects to fetch.
func (d *DownstreamSync[T]) ObjectsDidChange(objs []model.Object) {
	for _, o := range objs {
		if _, busy := d.inFlight[o.ObjectID()]; busy {
			continue
		}

		d.evaluate(o)
	}
}

func (d *DownstreamSync[T]) evaluate(o model.Object) {
	obj, ok := d.match(o)
	if ok {
		d.pending[o.ObjectID()] = obj
		return
	}

	delete(d.pending, o.ObjectID())
}

// NextRequest returns the fetch for the first eligible object, or nil.
func (d *DownstreamSync[T]) NextRequest() *transport.Request {
	ids := make([]model.ObjectID, 0, len(d.pending))
	for id := range d.pending {
		if _, ok := d.whitelist[id]; d.whitelistMode && !ok {
			continue
		}

		if d.retry.waiting(string(id)) {
			continue
		}

		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		obj := d.pending[id]

		req, err := d.transcoder.RequestForFetching(obj)
		if err != nil {
			d.logger.Warn("could not create fetch request",
				slog.String("object", string(id)),
				slog.String("error", err.Error()),
			)
			delete(d.pending, id)
			delete(d.whitelist, id)
			d.transcoder.Failed(obj, &transport.Response{Err: err})

			continue
		}

		if req == nil {
			continue
		}

		delete(d.pending, id)
		d.inFlight[id] = obj

		req.OnComplete(func(resp *transport.Response) {
			d.complete(obj, resp)
		})

		return req
	}

	return nil
}

func (d *DownstreamSync[T]) complete(obj T, resp *transport.Response) {
	id := obj.ObjectID()
	delete(d.inFlight, id)

	switch {
	case resp.Cancelled():
	case resp.Result() == transport.Success:
		d.retry.clear(string(id))
		delete(d.whitelist, id)
		d.transcoder.Update(obj, resp)
	case resp.Result() == transport.TemporaryError:
		d.retry.record(string(id))
	default:
		d.retry.clear(string(id))
		delete(d.whitelist, id)
		d.transcoder.Failed(obj, resp)
	}

	d.evaluate(obj)
}
