package strategy

import (
	"github.com/alexjbarnes/otr-sync/internal/events"
	"github.com/alexjbarnes/otr-sync/internal/model"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// SystemMessageConsumer applies membership and rename events and records
// them as system messages.
type SystemMessageConsumer struct {
	Deps
}

func NewSystemMessageConsumer(d Deps) *SystemMessageConsumer {
	return &SystemMessageConsumer{Deps: d}
}

func (c *SystemMessageConsumer) ProcessEvents(batch []*events.UpdateEvent) {
	for _, ev := range batch {
		switch ev.Type {
		case events.TypeMemberJoin, events.TypeMemberLeave, events.TypeRename:
		default:
			continue
		}

		convID, ok := ev.Conversation()
		if !ok {
			continue
		}

		var sender *model.User
		if from, ok := ev.Sender(); ok {
			sender, _ = c.Ctx.FetchOrCreateUser(from)
		}

		conv, created := c.Ctx.FetchOrCreateConversation(convID)
		if created {
			conv.NeedsToBeUpdatedFromBackend = true
		}

		m := &model.ClientMessage{
			Nonce:           uuid.New(),
			Conversation:    conv,
			Sender:          sender,
			ServerTimestamp: ev.Time(),
			State:           model.DeliverySent,
		}

		switch ev.Type {
		case events.TypeMemberJoin:
			m.System = model.SystemParticipantsAdded
			m.SystemUsers = c.users(ev.Data())

			for _, u := range m.SystemUsers {
				if !c.Ctx.IsSelf(u) {
					conv.AddParticipant(u)
				}
			}
		case events.TypeMemberLeave:
			m.System = model.SystemParticipantsRemoved
			m.SystemUsers = c.users(ev.Data())

			for _, u := range m.SystemUsers {
				conv.RemoveParticipant(u)
			}
		case events.TypeRename:
			m.System = model.SystemConversationNameChanged
			m.SystemText = ev.Data().Get("name").String()
			conv.Name = m.SystemText
		}

		c.Ctx.MarkChanged(conv)
		c.Ctx.InsertMessage(m)
		c.Sink.Process(m)
	}
}

func (c *SystemMessageConsumer) users(data gjson.Result) []*model.User {
	var out []*model.User

	for _, v := range data.Get("user_ids").Array() {
		id, ok := parseID(v)
		if !ok {
			continue
		}

		u, _ := c.Ctx.FetchOrCreateUser(id)
		out = append(out, u)
	}

	return out
}
