package otr

import (
	"testing"
	"time"

	"github.com/alexjbarnes/otr-sync/internal/logging"
	"github.com/alexjbarnes/otr-sync/internal/model"
	"github.com/alexjbarnes/otr-sync/internal/store"
	"github.com/alexjbarnes/otr-sync/internal/transport"
	"github.com/google/uuid"
)

const selfClientID = "5e1f"

var (
	selfID  = uuid.MustParse("99999999-9999-9999-9999-999999999999")
	aliceID = uuid.MustParse("aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa")
	bobID   = uuid.MustParse("bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb")
	convID  = uuid.MustParse("cccccccc-cccc-cccc-cccc-cccccccccccc")
)

func testContext(t *testing.T) *store.Context {
	t.Helper()
	return store.New(selfID, selfClientID, logging.Discard())
}

func addClient(t *testing.T, ctx *store.Context, user uuid.UUID, id string) *model.Client {
	t.Helper()
	cl, _ := ctx.FetchOrCreateClient(model.ClientKey{User: user, Client: id})
	return cl
}

func conversationWith(t *testing.T, ctx *store.Context, users ...uuid.UUID) *model.Conversation {
	t.Helper()

	conv, _ := ctx.FetchOrCreateConversation(convID)
	conv.Type = model.ConversationGroup

	for _, id := range users {
		u, _ := ctx.FetchOrCreateUser(id)
		conv.AddParticipant(u)
	}

	return conv
}

func selfText(t *testing.T, ctx *store.Context, conv *model.Conversation, text string) *model.ClientMessage {
	t.Helper()

	nonce := uuid.New()
	m := &model.ClientMessage{
		Nonce:        nonce,
		Conversation: conv,
		Sender:       ctx.SelfUser(),
		Generic:      &model.GenericMessage{MessageID: nonce, Text: &model.Text{Content: text}},
		State:        model.DeliveryPending,
	}
	ctx.InsertMessage(m)

	return m
}

func jsonResponse(status int, body string) *transport.Response {
	return transport.NewResponse(status, []byte(body))
}

// fakeClock is advanced manually by tests.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }
