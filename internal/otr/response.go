package otr

import (
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/otr-sync/internal/model"
	"github.com/alexjbarnes/otr-sync/internal/store"
	"github.com/alexjbarnes/otr-sync/internal/transport"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// LabelUnknownClient is returned with 403 when the self client was
// deleted on the backend.
const LabelUnknownClient = "unknown-client"

// RegistrationDelegate is told when the backend no longer knows the
// self client.
type RegistrationDelegate interface {
	DidDetectCurrentClientDeletion()
}

// ParseUploadResponse applies the client lists of an upload response to
// the store and the entity. It returns true when the backend rejected
// the upload with 412 and the entity should be retried once the missing
// devices are resolved.
func ParseUploadResponse(ctx *store.Context, e Entity, resp *transport.Response, reg RegistrationDelegate, logger *slog.Logger) bool {
	if resp.HTTPStatus == http.StatusForbidden && resp.Label() == LabelUnknownClient {
		if reg != nil {
			reg.DidDetectCurrentClientDeletion()
		}

		return false
	}

	switch resp.HTTPStatus {
	case http.StatusOK, http.StatusCreated, http.StatusPreconditionFailed:
	default:
		return false
	}

	body := resp.JSON()
	sc := ctx.SelfClient()

	deleted := make(map[model.ClientKey]struct{})
	eachClient(body.Get("deleted"), logger, func(key model.ClientKey) {
		deleted[key] = struct{}{}

		if cl := ctx.Client(key); cl != nil {
			ctx.DeleteClient(cl)
		}
	})

	var (
		added []model.ClientKey
		users []*model.User
	)

	seen := make(map[uuid.UUID]struct{})

	eachClient(body.Get("missing"), logger, func(key model.ClientKey) {
		if _, gone := deleted[key]; gone || ctx.IsSelfClient(key) {
			return
		}

		u, created := ctx.FetchOrCreateUser(key.User)
		if _, ok := seen[u.ID]; !ok {
			seen[u.ID] = struct{}{}
			users = append(users, u)

			// Nothing else is known about a user first seen here.
			if created {
				u.NeedsToFetchClients = true
			}
		}

		ctx.FetchOrCreateClient(key)
		added = append(added, key)
	})

	if len(added) > 0 {
		e.MissesRecipients(sc, added)
		ctx.MarkChanged(sc)

		for _, u := range users {
			e.DetectedMissingClient(ctx, u)
		}
	}

	if redundant := body.Get("redundant"); redundant.IsObject() && len(redundant.Map()) > 0 {
		e.DetectedRedundantClients(ctx)
	}

	return resp.HTTPStatus == http.StatusPreconditionFailed
}

// eachClient walks a {userId: [clientId]} map in document order.
func eachClient(m gjson.Result, logger *slog.Logger, fn func(model.ClientKey)) {
	if !m.IsObject() {
		return
	}

	m.ForEach(func(k, v gjson.Result) bool {
		user, err := uuid.Parse(k.String())
		if err != nil {
			logger.Warn("ignoring invalid user id in response", slog.String("user", k.String()))
			return true
		}

		for _, c := range v.Array() {
			if id := c.String(); id != "" {
				fn(model.ClientKey{User: user, Client: id})
			}
		}

		return true
	})
}
