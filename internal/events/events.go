// Package events parses backend notifications into update events and
// keeps a websocket subscription to the notification stream.
package events

import (
	"fmt"
	"time"

	syncerr "github.com/alexjbarnes/otr-sync/internal/errors"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// Event types consumed by the strategies.
const (
	TypeOtrMessageAdd = "conversation.otr-message-add"
	TypeMemberJoin    = "conversation.member-join"
	TypeMemberLeave   = "conversation.member-leave"
	TypeRename        = "conversation.rename"

	TypeTeamCreate             = "team.create"
	TypeTeamDelete             = "team.delete"
	TypeTeamUpdate             = "team.update"
	TypeTeamMemberJoin         = "team.member-join"
	TypeTeamMemberLeave        = "team.member-leave"
	TypeTeamConversationCreate = "team.conversation-create"
	TypeTeamConversationDelete = "team.conversation-delete"
)

// Source tells where an event came from.
type Source int

const (
	SourceWebsocket Source = iota
	SourceDownload
)

func (s Source) String() string {
	if s == SourceDownload {
		return "download"
	}

	return "websocket"
}

// UpdateEvent is one entry of a notification payload.
type UpdateEvent struct {
	// NotificationID is the id of the notification that carried the event.
	NotificationID uuid.UUID
	Type           string
	Payload        gjson.Result
	Source         Source
	Transient      bool
}

// Conversation returns the conversation id, if the event has one.
func (e *UpdateEvent) Conversation() (uuid.UUID, bool) {
	return uuidField(e.Payload, "conversation")
}

// Sender returns the sending user.
func (e *UpdateEvent) Sender() (uuid.UUID, bool) {
	return uuidField(e.Payload, "from")
}

// Team returns the team id of team events.
func (e *UpdateEvent) Team() (uuid.UUID, bool) {
	return uuidField(e.Payload, "team")
}

// Time returns the server time of the event, or the zero time.
func (e *UpdateEvent) Time() time.Time {
	t, err := time.Parse(time.RFC3339Nano, e.Payload.Get("time").String())
	if err != nil {
		return time.Time{}
	}

	return t
}

// Data returns the type specific part of the payload.
func (e *UpdateEvent) Data() gjson.Result {
	return e.Payload.Get("data")
}

func uuidField(r gjson.Result, field string) (uuid.UUID, bool) {
	v := r.Get(field)
	if !v.Exists() {
		return uuid.Nil, false
	}

	id, err := uuid.Parse(v.String())
	if err != nil {
		return uuid.Nil, false
	}

	return id, true
}

// ParseNotification expands {id, transient, payload:[...]} into events.
// Payload entries without a type are dropped.
func ParseNotification(raw []byte, source Source) (uuid.UUID, []*UpdateEvent, error) {
	if !gjson.ValidBytes(raw) {
		return uuid.Nil, nil, fmt.Errorf("%w: notification is not JSON", syncerr.ErrAPIResponse)
	}

	doc := gjson.ParseBytes(raw)

	id, err := uuid.Parse(doc.Get("id").String())
	if err != nil {
		return uuid.Nil, nil, fmt.Errorf("%w: notification id: %w", syncerr.ErrAPIResponse, err)
	}

	transient := doc.Get("transient").Bool()

	var out []*UpdateEvent

	for _, p := range doc.Get("payload").Array() {
		typ := p.Get("type").String()
		if typ == "" {
			continue
		}

		out = append(out, &UpdateEvent{
			NotificationID: id,
			Type:           typ,
			Payload:        p,
			Source:         source,
			Transient:      transient,
		})
	}

	return id, out, nil
}
