package otr

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/alexjbarnes/otr-sync/internal/logging"
	"github.com/alexjbarnes/otr-sync/internal/model"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func testBundle() ([]byte, string) {
	bundle := make([]byte, 64)
	for i := range bundle {
		bundle[i] = byte(i + 1)
	}

	return bundle, base64.StdEncoding.EncodeToString(bundle)
}

func newResolver(t *testing.T, ctrl *gomock.Controller, pageSize int, clock *fakeClock) (*MissingClientsResolver, *MockSessionEstablisher) {
	t.Helper()

	sessions := NewMockSessionEstablisher(ctrl)
	ctx := testContext(t)

	var now func() time.Time
	if clock != nil {
		now = clock.Now
	}

	return NewMissingClientsResolver(ctx, sessions, pageSize, now, logging.Discard()), sessions
}

// --- Paging ---

func TestPages_CeilNOverP(t *testing.T) {
	var keys []model.ClientKey
	for i := range 300 {
		keys = append(keys, model.ClientKey{User: uuid.New(), Client: fmt.Sprintf("%x", i)})
	}

	pages := MissingClientsRequestFactory{PageSize: 128}.Pages(keys)
	require.Len(t, pages, 3)
	assert.Len(t, pages[0], 128)
	assert.Len(t, pages[1], 128)
	assert.Len(t, pages[2], 44)

	seen := make(map[model.ClientKey]int)
	for _, p := range pages {
		assert.NotEmpty(t, p)
		for _, k := range p {
			seen[k]++
		}
	}

	assert.Len(t, seen, 300)
	for k, n := range seen {
		assert.Equal(t, 1, n, "key %s in more than one page", k)
	}
}

func TestPages_ExactMultipleAndEmpty(t *testing.T) {
	f := MissingClientsRequestFactory{PageSize: 2}
	keys := []model.ClientKey{
		{User: bobID, Client: "b1"},
		{User: aliceID, Client: "a2"},
		{User: aliceID, Client: "a1"},
		{User: bobID, Client: "b2"},
	}

	pages := f.Pages(keys)
	require.Len(t, pages, 2)
	assert.Equal(t, []model.ClientKey{{User: aliceID, Client: "a1"}, {User: aliceID, Client: "a2"}}, pages[0])
	assert.Equal(t, []model.ClientKey{{User: bobID, Client: "b1"}, {User: bobID, Client: "b2"}}, pages[1])

	assert.Empty(t, f.Pages(nil))
}

func TestPages_DefaultSize(t *testing.T) {
	var keys []model.ClientKey
	for i := range DefaultPrekeyPageSize + 1 {
		keys = append(keys, model.ClientKey{User: aliceID, Client: fmt.Sprintf("%04x", i)})
	}

	assert.Len(t, MissingClientsRequestFactory{}.Pages(keys), 2)
}

func TestFetchRequest_GroupsByUser(t *testing.T) {
	req, err := MissingClientsRequestFactory{}.FetchRequest([]model.ClientKey{
		{User: aliceID, Client: "a1"},
		{User: aliceID, Client: "a2"},
		{User: bobID, Client: "b1"},
	})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/users/prekeys", req.Path)

	var body map[string][]string
	require.NoError(t, json.Unmarshal(req.Body, &body))
	assert.Equal(t, map[string][]string{
		aliceID.String(): {"a1", "a2"},
		bobID.String():   {"b1"},
	}, body)
}

// --- Resolution ---

func TestResolver_ScenarioA_ValidPrekey(t *testing.T) {
	ctrl := gomock.NewController(t)
	r, sessions := newResolver(t, ctrl, 128, nil)
	ctx := r.ctx

	conv := conversationWith(t, ctx, aliceID)
	cl := addClient(t, ctx, aliceID, "a1")
	msg := selfText(t, ctx, conv, "hello")
	entity := &MessageEntity{Message: msg}

	entity.MissesRecipients(ctx.SelfClient(), []model.ClientKey{cl.Key()})
	assert.Equal(t, ctx.SelfClient(), entity.Dependency(ctx))

	bundle, encoded := testBundle()
	sessions.EXPECT().EstablishSession(cl.Key().String(), 7, bundle).Return(nil)

	req := r.NextRequest()
	require.NotNil(t, req)
	assert.Nil(t, r.NextRequest(), "only one page in flight")

	req.Complete(jsonResponse(http.StatusOK, fmt.Sprintf(`{%q:{"a1":{"id":7,"key":%q}}}`, aliceID, encoded)))

	sc := ctx.SelfClient()
	assert.False(t, sc.HasMissing())
	assert.Empty(t, sc.MissingFor(entity.ObjectID()))
	assert.False(t, cl.FailedToEstablishSession)
	assert.Nil(t, entity.Dependency(ctx))
	assert.Nil(t, r.NextRequest())
}

func TestResolver_ClearsPreviousFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	r, sessions := newResolver(t, ctrl, 128, nil)
	ctx := r.ctx

	cl := addClient(t, ctx, aliceID, "a1")
	cl.FailedToEstablishSession = true
	ctx.SelfClient().AddMissing(cl.Key())

	_, encoded := testBundle()
	sessions.EXPECT().EstablishSession(gomock.Any(), 1, gomock.Any()).Return(nil)

	req := r.NextRequest()
	require.NotNil(t, req)
	req.Complete(jsonResponse(http.StatusOK, fmt.Sprintf(`{%q:{"a1":{"id":1,"key":%q}}}`, aliceID, encoded)))

	assert.False(t, cl.FailedToEstablishSession)
}

func TestResolver_PreconditionFailedSamePath(t *testing.T) {
	ctrl := gomock.NewController(t)
	r, sessions := newResolver(t, ctrl, 128, nil)
	ctx := r.ctx

	cl := addClient(t, ctx, aliceID, "a1")
	ctx.SelfClient().AddMissing(cl.Key())

	_, encoded := testBundle()
	sessions.EXPECT().EstablishSession(cl.Key().String(), 3, gomock.Any()).Return(nil)

	req := r.NextRequest()
	require.NotNil(t, req)
	req.Complete(jsonResponse(http.StatusPreconditionFailed, fmt.Sprintf(`{%q:{"a1":{"id":3,"key":%q}}}`, aliceID, encoded)))

	assert.False(t, ctx.SelfClient().HasMissing())
}

func TestResolver_ScenarioB_DeviceAbsentFlagsConnection(t *testing.T) {
	ctrl := gomock.NewController(t)
	r, _ := newResolver(t, ctrl, 128, nil)
	ctx := r.ctx

	cl := addClient(t, ctx, aliceID, "a1")
	alice := ctx.User(aliceID)
	conn, _ := ctx.FetchOrCreateConnection(alice)
	ctx.SelfClient().AddMissing(cl.Key())

	req := r.NextRequest()
	require.NotNil(t, req)
	req.Complete(jsonResponse(http.StatusOK, fmt.Sprintf(`{%q:{}}`, aliceID)))

	assert.True(t, cl.Deleted)
	assert.Nil(t, ctx.Client(cl.Key()))
	assert.False(t, ctx.SelfClient().IsMissing(cl.Key()))
	assert.True(t, conn.NeedsToBeUpdatedFromBackend)
}

func TestResolver_ScenarioB_UserAbsentFlagsConversations(t *testing.T) {
	ctrl := gomock.NewController(t)
	r, _ := newResolver(t, ctrl, 128, nil)
	ctx := r.ctx

	conv := conversationWith(t, ctx, aliceID)
	cl := addClient(t, ctx, aliceID, "a1")
	msg := selfText(t, ctx, conv, "hello")
	entity := &MessageEntity{Message: msg}
	entity.MissesRecipients(ctx.SelfClient(), []model.ClientKey{cl.Key()})

	req := r.NextRequest()
	require.NotNil(t, req)
	req.Complete(jsonResponse(http.StatusOK, `{}`))

	assert.True(t, cl.Deleted)
	assert.Empty(t, ctx.SelfClient().MissingFor(entity.ObjectID()))
	assert.True(t, conv.NeedsToBeUpdatedFromBackend)
	assert.False(t, msg.Expired)
}

func TestResolver_DeletedDeviceWithRemainingClients(t *testing.T) {
	ctrl := gomock.NewController(t)
	r, _ := newResolver(t, ctrl, 128, nil)
	ctx := r.ctx

	conv := conversationWith(t, ctx, aliceID)
	gone := addClient(t, ctx, aliceID, "a1")
	addClient(t, ctx, aliceID, "a2")
	ctx.SelfClient().AddMissing(gone.Key())

	req := r.NextRequest()
	require.NotNil(t, req)
	req.Complete(jsonResponse(http.StatusOK, fmt.Sprintf(`{%q:{}}`, aliceID)))

	assert.True(t, gone.Deleted)
	assert.False(t, conv.NeedsToBeUpdatedFromBackend)
}

func TestResolver_ScenarioC_NoKeyField(t *testing.T) {
	cases := map[string]string{
		"no key field": `{"id":4}`,
		"null prekey":  `null`,
		"empty key":    `{"id":4,"key":""}`,
		"invalid key":  `{"id":4,"key":"!!not base64!!"}`,
	}

	for name, prekey := range cases {
		t.Run(name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			r, _ := newResolver(t, ctrl, 128, nil)
			ctx := r.ctx

			conv := conversationWith(t, ctx, aliceID)
			cl := addClient(t, ctx, aliceID, "a1")
			msg := selfText(t, ctx, conv, "hello")
			entity := &MessageEntity{Message: msg}
			entity.MissesRecipients(ctx.SelfClient(), []model.ClientKey{cl.Key()})

			req := r.NextRequest()
			require.NotNil(t, req)
			req.Complete(jsonResponse(http.StatusOK, fmt.Sprintf(`{%q:{"a1":%s}}`, aliceID, prekey)))

			assert.True(t, cl.FailedToEstablishSession)
			assert.False(t, cl.Deleted)
			assert.Empty(t, ctx.SelfClient().MissingFor(entity.ObjectID()))
			assert.False(t, ctx.SelfClient().HasMissing())
			assert.False(t, msg.Expired)
			assert.Nil(t, entity.Dependency(ctx))
		})
	}
}

func TestResolver_EstablishFailureMarksFailed(t *testing.T) {
	ctrl := gomock.NewController(t)
	r, sessions := newResolver(t, ctrl, 128, nil)
	ctx := r.ctx

	cl := addClient(t, ctx, aliceID, "a1")
	ctx.SelfClient().AddMissing(cl.Key())

	_, encoded := testBundle()
	sessions.EXPECT().EstablishSession(gomock.Any(), gomock.Any(), gomock.Any()).Return(errors.New("bad prekey"))

	req := r.NextRequest()
	require.NotNil(t, req)
	req.Complete(jsonResponse(http.StatusOK, fmt.Sprintf(`{%q:{"a1":{"id":1,"key":%q}}}`, aliceID, encoded)))

	assert.True(t, cl.FailedToEstablishSession)
	assert.False(t, ctx.SelfClient().HasMissing())
}

func TestResolver_ScopedToRequestedPage(t *testing.T) {
	ctrl := gomock.NewController(t)
	r, _ := newResolver(t, ctrl, 1, nil)
	ctx := r.ctx

	a := addClient(t, ctx, aliceID, "a1")
	b := addClient(t, ctx, bobID, "b1")
	ctx.SelfClient().AddMissing(a.Key())
	ctx.SelfClient().AddMissing(b.Key())

	req := r.NextRequest()
	require.NotNil(t, req)

	var body map[string][]string
	require.NoError(t, json.Unmarshal(req.Body, &body))
	assert.Equal(t, map[string][]string{aliceID.String(): {"a1"}}, body)

	req.Complete(jsonResponse(http.StatusOK, `{}`))

	assert.True(t, a.Deleted)
	assert.False(t, b.Deleted)
	assert.True(t, ctx.SelfClient().IsMissing(b.Key()))

	next := r.NextRequest()
	require.NotNil(t, next)
	require.NoError(t, json.Unmarshal(next.Body, &body))
	assert.Equal(t, map[string][]string{bobID.String(): {"b1"}}, body)
}

func TestResolver_FailureKeepsSetAndBacksOff(t *testing.T) {
	ctrl := gomock.NewController(t)
	clock := newFakeClock()
	r, _ := newResolver(t, ctrl, 128, clock)
	ctx := r.ctx

	cl := addClient(t, ctx, aliceID, "a1")
	ctx.SelfClient().AddMissing(cl.Key())

	req := r.NextRequest()
	require.NotNil(t, req)
	req.Complete(jsonResponse(http.StatusServiceUnavailable, `{}`))

	assert.True(t, ctx.SelfClient().IsMissing(cl.Key()))
	assert.False(t, cl.Deleted)
	assert.Nil(t, r.NextRequest(), "in backoff")

	clock.Advance(2 * time.Second)
	assert.NotNil(t, r.NextRequest())
}

func TestResolver_NothingMissing(t *testing.T) {
	ctrl := gomock.NewController(t)
	r, _ := newResolver(t, ctrl, 128, nil)
	assert.Nil(t, r.NextRequest())
	assert.False(t, r.InFlight())
}
