// Package otr holds the machinery that delivers end-to-end encrypted
// messages: the entity contract, payload encryption, upload response
// parsing, the missing-client resolver and the generic upstream,
// downstream and dependency-ordered synchronisers the strategies build
// on.
package otr

import (
	"github.com/alexjbarnes/otr-sync/internal/model"
	"github.com/alexjbarnes/otr-sync/internal/store"
	"github.com/alexjbarnes/otr-sync/internal/transport"
)

// Entity is something that is encrypted per recipient device and
// uploaded. The set of implementations is closed: MessageEntity,
// BroadcastEntity and GenericEntity.
type Entity interface {
	model.Object

	// Conversation is nil for broadcasts.
	Conversation() *model.Conversation
	Payload() *model.GenericMessage

	// Dependency returns the object that has to be synced before this
	// entity can be sent, or nil. It is recomputed on every call.
	Dependency(ctx *store.Context) model.Object

	MissesRecipients(sc *model.SelfClient, keys []model.ClientKey)
	DetectedRedundantClients(ctx *store.Context)
	DetectedMissingClient(ctx *store.Context, u *model.User)

	Expire()
	IsExpired() bool

	recipients(ctx *store.Context) ([]*model.User, MissingClientsStrategy)
}

// MessageEntity sends a ClientMessage to its conversation.
type MessageEntity struct {
	Message *model.ClientMessage
}

var (
	_ Entity = (*MessageEntity)(nil)
	_ Entity = (*BroadcastEntity)(nil)
	_ Entity = (*GenericEntity)(nil)
)

func (e *MessageEntity) ObjectID() model.ObjectID { return e.Message.ObjectID() }

func (e *MessageEntity) Conversation() *model.Conversation { return e.Message.Conversation }

func (e *MessageEntity) Payload() *model.GenericMessage { return e.Message.Generic }

func (e *MessageEntity) Dependency(ctx *store.Context) model.Object {
	users, _ := e.recipients(ctx)
	if dep := conversationDependency(ctx, e.Message.Conversation, users); dep != nil {
		return dep
	}

	if e.Message.IsConfirmation() {
		return nil
	}

	if prev := ctx.PreviousPendingMessage(e.Message); prev != nil {
		return prev
	}

	return nil
}

func (e *MessageEntity) MissesRecipients(sc *model.SelfClient, keys []model.ClientKey) {
	missesRecipients(sc, e, keys)
}

func (e *MessageEntity) DetectedRedundantClients(ctx *store.Context) {
	flagConversation(ctx, e.Message.Conversation)
}

func (e *MessageEntity) DetectedMissingClient(ctx *store.Context, u *model.User) {
	addMissingParticipant(ctx, e.Message.Conversation, u)
}

func (e *MessageEntity) Expire() { e.Message.Expire() }

func (e *MessageEntity) IsExpired() bool { return e.Message.Expired }

func (e *MessageEntity) recipients(ctx *store.Context) ([]*model.User, MissingClientsStrategy) {
	if e.Message.IsConfirmation() {
		sender := ConfirmationRecipient(ctx, e.Message)
		if sender == nil {
			return nil, IgnoreAllMissing()
		}

		return []*model.User{sender}, IgnoreAllMissingNotFromUsers(sender.ID)
	}

	return conversationRecipients(ctx, e.Message.Conversation), DoNotIgnoreMissing()
}

// ConfirmationRecipient resolves who a confirmation is delivered to: the
// sender of the confirmed message, the connected user, or else another
// active participant.
func ConfirmationRecipient(ctx *store.Context, m *model.ClientMessage) *model.User {
	if m.Generic == nil || m.Generic.Confirmation == nil {
		return nil
	}

	if target := ctx.Message(m.Generic.Confirmation.FirstMessageID); target != nil && target.Sender != nil && !ctx.IsSelf(target.Sender) {
		return target.Sender
	}

	conv := m.Conversation
	if conv == nil {
		return nil
	}

	if u := conv.ConnectedUser(); u != nil {
		return u
	}

	for _, u := range conv.ActiveParticipants() {
		if !ctx.IsSelf(u) {
			return u
		}
	}

	return nil
}

// BroadcastEntity sends a generic message to a list of users outside any
// conversation.
type BroadcastEntity struct {
	Message *model.GenericMessage
	Users   []*model.User

	expired bool
}

func (e *BroadcastEntity) ObjectID() model.ObjectID {
	return model.ObjectID("broadcast:" + e.Message.MessageID.String())
}

func (e *BroadcastEntity) Conversation() *model.Conversation { return nil }

func (e *BroadcastEntity) Payload() *model.GenericMessage { return e.Message }

func (e *BroadcastEntity) Dependency(ctx *store.Context) model.Object {
	users, _ := e.recipients(ctx)
	if ctx.SelfClient().HasMissingFrom(users) {
		return ctx.SelfClient()
	}

	return nil
}

func (e *BroadcastEntity) MissesRecipients(sc *model.SelfClient, keys []model.ClientKey) {
	missesRecipients(sc, e, keys)
}

// DetectedRedundantClients is a no-op: there is no conversation to refresh.
func (e *BroadcastEntity) DetectedRedundantClients(*store.Context) {}

// DetectedMissingClient is a no-op: recipients are fixed by the caller.
func (e *BroadcastEntity) DetectedMissingClient(*store.Context, *model.User) {}

func (e *BroadcastEntity) Expire() { e.expired = true }

func (e *BroadcastEntity) IsExpired() bool { return e.expired }

func (e *BroadcastEntity) recipients(ctx *store.Context) ([]*model.User, MissingClientsStrategy) {
	users := make([]*model.User, 0, len(e.Users)+1)
	users = append(users, ctx.SelfUser())

	for _, u := range e.Users {
		if !ctx.IsSelf(u) {
			users = append(users, u)
		}
	}

	return users, DoNotIgnoreMissing()
}

// GenericEntity is a scheduled generic message in a conversation that is
// not stored as a ClientMessage. Its completion fires exactly once.
type GenericEntity struct {
	Message *model.GenericMessage
	Conv    *model.Conversation

	completion func(*transport.Response)
	expired    bool
	done       bool
}

// NewGenericEntity wraps a message with its completion.
func NewGenericEntity(msg *model.GenericMessage, conv *model.Conversation, completion func(*transport.Response)) *GenericEntity {
	return &GenericEntity{Message: msg, Conv: conv, completion: completion}
}

func (e *GenericEntity) ObjectID() model.ObjectID {
	return model.ObjectID("generic:" + e.Message.MessageID.String())
}

func (e *GenericEntity) Conversation() *model.Conversation { return e.Conv }

func (e *GenericEntity) Payload() *model.GenericMessage { return e.Message }

func (e *GenericEntity) Dependency(ctx *store.Context) model.Object {
	users, _ := e.recipients(ctx)
	return conversationDependency(ctx, e.Conv, users)
}

func (e *GenericEntity) MissesRecipients(sc *model.SelfClient, keys []model.ClientKey) {
	missesRecipients(sc, e, keys)
}

func (e *GenericEntity) DetectedRedundantClients(ctx *store.Context) {
	flagConversation(ctx, e.Conv)
}

func (e *GenericEntity) DetectedMissingClient(ctx *store.Context, u *model.User) {
	addMissingParticipant(ctx, e.Conv, u)
}

func (e *GenericEntity) Expire() { e.expired = true }

func (e *GenericEntity) IsExpired() bool { return e.expired }

// Complete fires the completion once.
func (e *GenericEntity) Complete(resp *transport.Response) {
	if e.done {
		return
	}

	e.done = true

	if e.completion != nil {
		e.completion(resp)
	}
}

// Done reports whether the completion already fired.
func (e *GenericEntity) Done() bool { return e.done }

func (e *GenericEntity) recipients(ctx *store.Context) ([]*model.User, MissingClientsStrategy) {
	return conversationRecipients(ctx, e.Conv), DoNotIgnoreMissing()
}

func missesRecipients(sc *model.SelfClient, e Entity, keys []model.ClientKey) {
	for _, k := range keys {
		sc.AddMissing(k, e.ObjectID())
	}
}

func conversationRecipients(ctx *store.Context, conv *model.Conversation) []*model.User {
	users := []*model.User{ctx.SelfUser()}
	if conv == nil {
		return users
	}

	for _, u := range conv.ActiveParticipants() {
		if !ctx.IsSelf(u) {
			users = append(users, u)
		}
	}

	return users
}

func flagConversation(ctx *store.Context, conv *model.Conversation) {
	if conv == nil || conv.NeedsToBeUpdatedFromBackend {
		return
	}

	conv.NeedsToBeUpdatedFromBackend = true
	ctx.MarkChanged(conv)
}

func addMissingParticipant(ctx *store.Context, conv *model.Conversation, u *model.User) {
	if conv == nil || ctx.IsSelf(u) {
		return
	}

	if conv.AddParticipant(u) {
		conv.NeedsToBeUpdatedFromBackend = true
		ctx.MarkChanged(conv)
	}
}
