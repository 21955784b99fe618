package otr

import (
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alexjbarnes/otr-sync/internal/model"
	"github.com/alexjbarnes/otr-sync/internal/store"
	"github.com/alexjbarnes/otr-sync/internal/transport"
	"github.com/tidwall/gjson"
)

// DefaultPrekeyPageSize is the backend limit on devices per prekey request.
const DefaultPrekeyPageSize = 128

var errNoPrekey = errors.New("no prekey in response")

// gjsonKeys escapes map keys for use in a gjson path.
var gjsonKeys = strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`, "|", `\|`, "#", `\#`, "@", `\@`)

func gjsonKey(k string) string { return gjsonKeys.Replace(k) }

// SessionEstablisher creates sessions from fetched prekeys.
type SessionEstablisher interface {
	EstablishSession(id string, prekeyID int, bundle []byte) error
}

// MissingClientsRequestFactory pages the missing set into prekey
// requests.
type MissingClientsRequestFactory struct {
	PageSize int
}

// Pages splits keys into consecutive pages of at most PageSize. Keys are
// sorted first so paging is stable.
func (f MissingClientsRequestFactory) Pages(keys []model.ClientKey) [][]model.ClientKey {
	size := f.PageSize
	if size <= 0 {
		size = DefaultPrekeyPageSize
	}

	sorted := append([]model.ClientKey(nil), keys...)
	model.SortClientKeys(sorted)

	var pages [][]model.ClientKey
	for len(sorted) > 0 {
		n := min(size, len(sorted))
		pages = append(pages, sorted[:n:n])
		sorted = sorted[n:]
	}

	return pages
}

// FetchRequest builds POST /users/prekeys for one page.
func (f MissingClientsRequestFactory) FetchRequest(page []model.ClientKey) (*transport.Request, error) {
	body := make(map[string][]string)
	for _, k := range page {
		body[k.User.String()] = append(body[k.User.String()], k.Client)
	}

	return transport.NewJSONRequest(http.MethodPost, "/users/prekeys", body)
}

// MissingClientsResolver fetches prekeys for the self client's missing
// devices, one page at a time, and establishes sessions.
type MissingClientsResolver struct {
	ctx      *store.Context
	sessions SessionEstablisher
	factory  MissingClientsRequestFactory
	logger   *slog.Logger

	inFlight bool
	retry    *backoff
}

// NewMissingClientsResolver creates the resolver. now may be nil.
func NewMissingClientsResolver(ctx *store.Context, sessions SessionEstablisher, pageSize int, now func() time.Time, logger *slog.Logger) *MissingClientsResolver {
	return &MissingClientsResolver{
		ctx:      ctx,
		sessions: sessions,
		factory:  MissingClientsRequestFactory{PageSize: pageSize},
		logger:   logger,
		retry:    newBackoff(now),
	}
}

const resolverRetryKey = "prekeys"

// NextRequest returns the request for the first page of the missing set,
// or nil while a page is in flight, in backoff, or nothing is missing.
func (r *MissingClientsResolver) NextRequest() *transport.Request {
	if r.inFlight || r.retry.waiting(resolverRetryKey) {
		return nil
	}

	pages := r.factory.Pages(r.ctx.SelfClient().Missing())
	if len(pages) == 0 {
		return nil
	}

	page := pages[0]

	req, err := r.factory.FetchRequest(page)
	if err != nil {
		r.logger.Error("building prekey request", slog.String("error", err.Error()))
		return nil
	}

	r.inFlight = true

	req.OnComplete(func(resp *transport.Response) {
		r.inFlight = false
		r.handle(page, resp)
	})

	return req
}

// InFlight reports whether a prekey request is outstanding.
func (r *MissingClientsResolver) InFlight() bool { return r.inFlight }

func (r *MissingClientsResolver) handle(page []model.ClientKey, resp *transport.Response) {
	switch {
	case resp.Err == nil && (resp.HTTPStatus == http.StatusOK || resp.HTTPStatus == http.StatusPreconditionFailed):
	default:
		r.retry.record(resolverRetryKey)
		r.logger.Warn("prekey fetch failed",
			slog.Int("status", resp.HTTPStatus),
			slog.String("result", resp.Result().String()),
			slog.Int("devices", len(page)),
		)

		return
	}

	r.retry.clear(resolverRetryKey)

	body := resp.JSON()
	emptied := make(map[*model.User]struct{})

	for _, key := range page {
		userEntry := body.Get(gjsonKey(key.User.String()))
		if !userEntry.Exists() || !userEntry.Get(gjsonKey(key.Client)).Exists() {
			if u := r.deleteRemotely(key); u != nil {
				emptied[u] = struct{}{}
			}

			continue
		}

		r.resolve(key, userEntry.Get(gjsonKey(key.Client)))
	}

	for u := range emptied {
		r.flagOwners(u)
	}
}

func (r *MissingClientsResolver) resolve(key model.ClientKey, prekey gjson.Result) {
	cl, _ := r.ctx.FetchOrCreateClient(key)
	sc := r.ctx.SelfClient()

	sc.ResolveMissing(key)
	r.ctx.MarkChanged(sc, cl)

	err := r.establish(key, prekey)
	if err == nil {
		cl.FailedToEstablishSession = false
		return
	}

	// The entities waiting on this device are sent with a placeholder,
	// not expired.
	cl.FailedToEstablishSession = true
	r.logger.Warn("could not establish session",
		slog.String("client", key.String()),
		slog.String("error", err.Error()),
	)
}

func (r *MissingClientsResolver) establish(key model.ClientKey, prekey gjson.Result) error {
	if !prekey.IsObject() {
		return errNoPrekey
	}

	encoded := prekey.Get("key").String()
	if encoded == "" {
		return errNoPrekey
	}

	bundle, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return err
	}

	return r.sessions.EstablishSession(key.String(), int(prekey.Get("id").Int()), bundle)
}

// deleteRemotely returns the owner when it has no devices left.
func (r *MissingClientsResolver) deleteRemotely(key model.ClientKey) *model.User {
	sc := r.ctx.SelfClient()

	cl := r.ctx.Client(key)
	if cl == nil {
		sc.ResolveMissing(key)
		r.ctx.MarkChanged(sc)

		return nil
	}

	u := cl.User
	r.ctx.DeleteClient(cl)

	r.logger.Debug("missing client was deleted remotely", slog.String("client", key.String()))

	if len(u.ActiveClients()) == 0 {
		return u
	}

	return nil
}

func (r *MissingClientsResolver) flagOwners(u *model.User) {
	if c := u.Connection; c != nil {
		if !c.NeedsToBeUpdatedFromBackend {
			c.NeedsToBeUpdatedFromBackend = true
			r.ctx.MarkChanged(c)
		}

		return
	}

	for _, conv := range r.ctx.ConversationsWith(u) {
		if !conv.NeedsToBeUpdatedFromBackend {
			conv.NeedsToBeUpdatedFromBackend = true
			r.ctx.MarkChanged(conv)
		}
	}
}
