package otr

import (
	"net/http"
	"testing"

	"github.com/alexjbarnes/otr-sync/internal/model"
	"github.com/alexjbarnes/otr-sync/internal/store"
	"github.com/alexjbarnes/otr-sync/internal/transport"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Dependencies ---

func TestMessageEntity_DependencyOrder(t *testing.T) {
	ctx := testContext(t)
	conv := conversationWith(t, ctx, aliceID)
	alice := ctx.User(aliceID)
	cl := addClient(t, ctx, aliceID, "a1")

	conn, _ := ctx.FetchOrCreateConnection(alice)
	conn.Conversation = conv
	conv.Connection = conn

	prev := selfText(t, ctx, conv, "first")
	m := selfText(t, ctx, conv, "second")
	e := &MessageEntity{Message: m}

	conv.NeedsToBeUpdatedFromBackend = true
	conn.NeedsToBeUpdatedFromBackend = true
	ctx.SelfClient().AddMissing(cl.Key())

	assert.Equal(t, conv, e.Dependency(ctx))

	conv.NeedsToBeUpdatedFromBackend = false
	assert.Equal(t, conn, e.Dependency(ctx))

	conn.NeedsToBeUpdatedFromBackend = false
	assert.Equal(t, ctx.SelfClient(), e.Dependency(ctx))

	ctx.SelfClient().ResolveMissing(cl.Key())
	assert.Equal(t, prev, e.Dependency(ctx))

	prev.MarkSent(prev.ServerTimestamp)
	assert.Nil(t, e.Dependency(ctx))
}

func TestMessageEntity_ConnectedUserConnectionFlag(t *testing.T) {
	ctx := testContext(t)
	conv := conversationWith(t, ctx, aliceID)
	alice := ctx.User(aliceID)

	// The conversation knows the user through a connection object that
	// is not the user's current connection.
	stale := &model.Connection{To: alice}
	conv.Connection = stale

	current, _ := ctx.FetchOrCreateConnection(alice)
	current.NeedsToBeUpdatedFromBackend = true
	alice.Connection = current

	m := selfText(t, ctx, conv, "hi")
	assert.Equal(t, current, (&MessageEntity{Message: m}).Dependency(ctx))
}

func TestMessageEntity_MissingClientOfNonRecipientDoesNotBlock(t *testing.T) {
	ctx := testContext(t)
	conv := conversationWith(t, ctx, aliceID)
	bobClient := addClient(t, ctx, bobID, "b1")
	ctx.SelfClient().AddMissing(bobClient.Key())

	m := selfText(t, ctx, conv, "hi")
	assert.Nil(t, (&MessageEntity{Message: m}).Dependency(ctx))
}

func TestMessageEntity_PreviousPendingFromOtherConversationIgnored(t *testing.T) {
	ctx := testContext(t)
	conv := conversationWith(t, ctx, aliceID)
	other, _ := ctx.FetchOrCreateConversation(uuid.New())

	selfText(t, ctx, other, "elsewhere")
	m := selfText(t, ctx, conv, "here")

	assert.Nil(t, (&MessageEntity{Message: m}).Dependency(ctx))
}

func TestMessageEntity_HiddenPreviousIgnored(t *testing.T) {
	ctx := testContext(t)
	conv := conversationWith(t, ctx, aliceID)

	prev := selfText(t, ctx, conv, "hidden")
	prev.Hidden = true
	m := selfText(t, ctx, conv, "visible")

	assert.Nil(t, (&MessageEntity{Message: m}).Dependency(ctx))
}

func confirmationFor(t *testing.T, ctx *store.Context, conv *model.Conversation, sender *model.User, target uuid.UUID) *model.ClientMessage {
	t.Helper()

	nonce := uuid.New()
	m := &model.ClientMessage{
		Nonce:        nonce,
		Conversation: conv,
		Sender:       sender,
		Generic: &model.GenericMessage{
			MessageID:    nonce,
			Confirmation: &model.Confirmation{FirstMessageID: target},
		},
	}
	ctx.InsertMessage(m)

	return m
}

func TestMessageEntity_ConfirmationSkipsPreviousPending(t *testing.T) {
	ctx := testContext(t)
	conv := conversationWith(t, ctx, aliceID)

	selfText(t, ctx, conv, "pending")
	c := confirmationFor(t, ctx, conv, ctx.SelfUser(), uuid.New())

	assert.Nil(t, (&MessageEntity{Message: c}).Dependency(ctx))
}

func TestMessageEntity_DependencyIsRecomputed(t *testing.T) {
	ctx := testContext(t)
	conv := conversationWith(t, ctx, aliceID)
	e := &MessageEntity{Message: selfText(t, ctx, conv, "hi")}

	assert.Nil(t, e.Dependency(ctx))

	conv.NeedsToBeUpdatedFromBackend = true
	assert.Equal(t, conv, e.Dependency(ctx))
}

// --- Confirmation recipient ---

func TestConfirmationRecipient(t *testing.T) {
	ctx := testContext(t)
	conv := conversationWith(t, ctx, aliceID, bobID)
	alice := ctx.User(aliceID)
	bob := ctx.User(bobID)

	nonce := uuid.New()
	ctx.InsertMessage(&model.ClientMessage{Nonce: nonce, Conversation: conv, Sender: bob})

	t.Run("sender of confirmed message", func(t *testing.T) {
		c := confirmationFor(t, ctx, conv, ctx.SelfUser(), nonce)
		assert.Equal(t, bob, ConfirmationRecipient(ctx, c))
	})

	t.Run("first other participant", func(t *testing.T) {
		c := confirmationFor(t, ctx, conv, ctx.SelfUser(), uuid.New())
		assert.Equal(t, alice, ConfirmationRecipient(ctx, c))
	})

	t.Run("connected user", func(t *testing.T) {
		conn, _ := ctx.FetchOrCreateConnection(bob)
		conv.Connection = conn
		defer func() { conv.Connection = nil }()

		c := confirmationFor(t, ctx, conv, ctx.SelfUser(), uuid.New())
		assert.Equal(t, bob, ConfirmationRecipient(ctx, c))
	})

	t.Run("not a confirmation", func(t *testing.T) {
		assert.Nil(t, ConfirmationRecipient(ctx, selfText(t, ctx, conv, "x")))
	})
}

func TestMessageEntity_ConfirmationRecipients(t *testing.T) {
	ctx := testContext(t)
	conv := conversationWith(t, ctx, aliceID, bobID)
	bob := ctx.User(bobID)

	nonce := uuid.New()
	ctx.InsertMessage(&model.ClientMessage{Nonce: nonce, Conversation: conv, Sender: bob})
	c := confirmationFor(t, ctx, conv, ctx.SelfUser(), nonce)

	users, strategy := (&MessageEntity{Message: c}).recipients(ctx)
	assert.Equal(t, []*model.User{bob}, users)
	assert.Equal(t, []uuid.UUID{bobID}, strategy.ReportMissing())
	assert.Equal(t, "?report_missing="+bobID.String(), strategy.Query())
}

// --- Broadcast ---

func TestBroadcastEntity(t *testing.T) {
	ctx := testContext(t)
	alice, _ := ctx.FetchOrCreateUser(aliceID)
	cl := addClient(t, ctx, aliceID, "a1")
	bobClient := addClient(t, ctx, bobID, "b1")

	e := &BroadcastEntity{
		Message: &model.GenericMessage{MessageID: uuid.New(), Availability: &model.AvailabilityUpdate{Type: model.AvailabilityAway}},
		Users:   []*model.User{alice, ctx.SelfUser()},
	}

	users, strategy := e.recipients(ctx)
	assert.Equal(t, []*model.User{ctx.SelfUser(), alice}, users)
	assert.Empty(t, strategy.Query())
	assert.Nil(t, e.Conversation())

	ctx.SelfClient().AddMissing(bobClient.Key())
	assert.Nil(t, e.Dependency(ctx))

	ctx.SelfClient().AddMissing(cl.Key())
	assert.Equal(t, ctx.SelfClient(), e.Dependency(ctx))

	e.DetectedRedundantClients(ctx)
	e.DetectedMissingClient(ctx, alice)
	assert.False(t, alice.NeedsToBeUpdatedFromBackend)

	assert.False(t, e.IsExpired())
	e.Expire()
	assert.True(t, e.IsExpired())
}

// --- Generic ---

func TestGenericEntity_CompletesOnce(t *testing.T) {
	ctx := testContext(t)
	conv := conversationWith(t, ctx, aliceID)

	calls := 0
	e := NewGenericEntity(&model.GenericMessage{MessageID: uuid.New()}, conv, func(*transport.Response) { calls++ })

	assert.False(t, e.Done())
	e.Complete(jsonResponse(http.StatusCreated, `{}`))
	e.Complete(transport.ExpiredResponse())

	assert.Equal(t, 1, calls)
	assert.True(t, e.Done())
	assert.Equal(t, conv, e.Conversation())
}

func TestGenericEntity_MissingParticipant(t *testing.T) {
	ctx := testContext(t)
	conv := conversationWith(t, ctx, aliceID)
	bob, _ := ctx.FetchOrCreateUser(bobID)

	e := NewGenericEntity(&model.GenericMessage{MessageID: uuid.New()}, conv, nil)
	e.DetectedMissingClient(ctx, ctx.SelfUser())
	assert.False(t, conv.NeedsToBeUpdatedFromBackend)

	e.DetectedMissingClient(ctx, bob)
	require.True(t, conv.HasParticipant(bobID))
	assert.True(t, conv.NeedsToBeUpdatedFromBackend)
}
