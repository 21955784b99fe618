package otr

import (
	"github.com/alexjbarnes/otr-sync/internal/model"
	"github.com/alexjbarnes/otr-sync/internal/store"
)

// conversationDependency applies the rules shared by every entity bound
// to a conversation, in order: the conversation itself, its connection,
// then the self client while any recipient device lacks a session.
func conversationDependency(ctx *store.Context, conv *model.Conversation, recipients []*model.User) model.Object {
	if conv != nil {
		if conv.NeedsToBeUpdatedFromBackend {
			return conv
		}

		if c := conv.Connection; c != nil && c.NeedsToBeUpdatedFromBackend {
			return c
		}

		if u := conv.ConnectedUser(); u != nil && u.Connection != nil && u.Connection.NeedsToBeUpdatedFromBackend {
			return u.Connection
		}
	}

	if ctx.SelfClient().HasMissingFrom(recipients) {
		return ctx.SelfClient()
	}

	return nil
}
