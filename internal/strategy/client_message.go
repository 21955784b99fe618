package strategy

import (
	"log/slog"
	"time"

	"github.com/alexjbarnes/otr-sync/internal/events"
	"github.com/alexjbarnes/otr-sync/internal/model"
	"github.com/alexjbarnes/otr-sync/internal/otr"
	"github.com/alexjbarnes/otr-sync/internal/transport"
	"github.com/google/uuid"
)

// SessionBox is the cryptobox as seen by the message strategy.
type SessionBox interface {
	otr.Encryptor
	otr.Decryptor
	DeleteSession(id string) error
}

// ClientMessageConfig configures a ClientMessageStrategy.
type ClientMessageConfig struct {
	Box   SessionBox
	Timer *ExpirationTimer
	// MessageTimeout is the deadline given to new outbound messages,
	// delivery receipts included.
	MessageTimeout       time.Duration
	SendDeliveryReceipts bool
	Now                  func() time.Time
}

// ClientMessageStrategy uploads pending messages sent by the self user
// and turns inbound OTR events into messages.
type ClientMessageStrategy struct {
	Deps

	box          SessionBox
	timer        *ExpirationTimer
	timeout      time.Duration
	sendReceipts bool
	now          func() time.Time

	sync *otr.UpstreamSync[*model.ClientMessage]
	gate *Gate
}

func NewClientMessageStrategy(d Deps, cfg ClientMessageConfig) *ClientMessageStrategy {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	s := &ClientMessageStrategy{
		Deps:         d,
		box:          cfg.Box,
		timer:        cfg.Timer,
		timeout:      cfg.MessageTimeout,
		sendReceipts: cfg.SendDeliveryReceipts,
		now:          now,
	}

	s.sync = otr.NewUpstreamSync(s.outbound, bySequence, clientMessageTranscoder{s}, now, d.Logger)
	s.gate = NewGate(d.Status, AllowsRequestsDuringEventProcessing|AllowsRequestsWhileInBackground, s.sync)

	return s
}

func bySequence(a, b *model.ClientMessage) bool { return a.Sequence < b.Sequence }

// outbound matches messages that still have to be uploaded.
func (s *ClientMessageStrategy) outbound(o model.Object) (*model.ClientMessage, bool) {
	m, ok := o.(*model.ClientMessage)
	if !ok {
		return nil, false
	}

	return m, m.IsPending() && m.Generic != nil && m.Conversation != nil && s.Ctx.IsSelf(m.Sender)
}

func (s *ClientMessageStrategy) NextRequest() *transport.Request { return s.gate.NextRequest() }

func (s *ClientMessageStrategy) ObjectsDidChange(objs []model.Object) {
	s.sync.ObjectsDidChange(objs)
}

// HasPending reports whether any message waits for upload.
func (s *ClientMessageStrategy) HasPending() bool { return s.sync.HasPending() }

// Send appends a pending message from the self user.
func (s *ClientMessageStrategy) Send(conv *model.Conversation, generic *model.GenericMessage) *model.ClientMessage {
	m := &model.ClientMessage{
		Nonce:        generic.MessageID,
		Conversation: conv,
		Sender:       s.Ctx.SelfUser(),
		Generic:      generic,
		State:        model.DeliveryPending,
	}

	if s.timeout > 0 {
		m.ExpirationDate = s.now().Add(s.timeout)
	}

	s.Ctx.InsertMessage(m)

	return m
}

// SendText appends a text message.
func (s *ClientMessageStrategy) SendText(conv *model.Conversation, text string) *model.ClientMessage {
	id := uuid.New()
	return s.Send(conv, &model.GenericMessage{MessageID: id, Text: &model.Text{Content: text}})
}

// ExpireMessagesDependingOn expires the pending messages that are held
// back by dep. Called when dep could not be refreshed.
func (s *ClientMessageStrategy) ExpireMessagesDependingOn(dep model.Object) {
	for _, m := range s.Ctx.AllMessages() {
		if _, ok := s.outbound(m); !ok {
			continue
		}

		if d := (&otr.MessageEntity{Message: m}).Dependency(s.Ctx); d == nil || d.ObjectID() != dep.ObjectID() {
			continue
		}

		s.expire(m)
	}
}

func (s *ClientMessageStrategy) expire(m *model.ClientMessage) {
	if s.timer != nil {
		s.timer.Stop(m)
	}

	m.Expire()
	s.Ctx.MarkChanged(m)
	s.Sink.DidFailToSend(m)
}

// clientMessageTranscoder keeps the transcoder hooks off the strategy's
// public surface.
type clientMessageTranscoder struct {
	s *ClientMessageStrategy
}

func (t clientMessageTranscoder) ShouldCreateRequest(m *model.ClientMessage) bool {
	if t.s.Status.ClientDeleted() {
		return false
	}

	if m.IsConfirmation() {
		return otr.ConfirmationRecipient(t.s.Ctx, m) != nil
	}

	return true
}

func (t clientMessageTranscoder) DependentObject(m *model.ClientMessage) model.Object {
	return (&otr.MessageEntity{Message: m}).Dependency(t.s.Ctx)
}

func (t clientMessageTranscoder) RequestFor(m *model.ClientMessage) (*transport.Request, error) {
	return t.s.Factory.RequestFor(&otr.MessageEntity{Message: m})
}

func (t clientMessageTranscoder) UpdateObject(m *model.ClientMessage, resp *transport.Response) {
	s := t.s

	if s.timer != nil {
		s.timer.Stop(m)
	}

	var serverTime time.Time
	if ts := resp.JSON().Get("time"); ts.Exists() {
		serverTime, _ = time.Parse(time.RFC3339Nano, ts.String())
	}

	m.MarkSent(serverTime)
	s.Ctx.MarkChanged(m)

	otr.ParseUploadResponse(s.Ctx, &otr.MessageEntity{Message: m}, resp, s.Status, s.Logger)

	switch {
	case m.IsReaction():
		s.Ctx.DeleteMessage(m)
	case m.IsConfirmation():
		if s.Status.Confirmations != nil {
			for _, id := range m.Generic.Confirmation.MessageIDs() {
				s.Status.Confirmations.DidConfirmMessage(id)
			}
		}

		s.Ctx.DeleteMessage(m)
	}
}

func (t clientMessageTranscoder) ShouldRetry(m *model.ClientMessage, resp *transport.Response) bool {
	if resp.Result() == transport.TemporaryError {
		return true
	}

	return otr.ParseUploadResponse(t.s.Ctx, &otr.MessageEntity{Message: m}, resp, t.s.Status, t.s.Logger)
}

func (t clientMessageTranscoder) RequestExpired(m *model.ClientMessage, resp *transport.Response) {
	t.s.Logger.Warn("message expired",
		slog.String("message", m.Nonce.String()),
		slog.Int("status", resp.HTTPStatus),
		slog.String("result", resp.Result().String()),
	)

	t.s.expire(m)
}

// --- Inbound ---

// ProcessEvents decrypts and applies conversation.otr-message-add
// events. A failure on one event never stops the batch.
func (s *ClientMessageStrategy) ProcessEvents(batch []*events.UpdateEvent) {
	for _, ev := range batch {
		if ev.Type != events.TypeOtrMessageAdd {
			continue
		}

		s.processOtrEvent(ev)
	}
}

func (s *ClientMessageStrategy) processOtrEvent(ev *events.UpdateEvent) {
	convID, ok := ev.Conversation()
	if !ok {
		s.Logger.Debug("otr event without conversation")
		return
	}

	from, ok := ev.Sender()
	if !ok {
		s.Logger.Debug("otr event without sender")
		return
	}

	data := ev.Data()
	if recipient := data.Get("recipient").String(); recipient != s.Ctx.SelfClient().Client.ID {
		s.Logger.Debug("otr event for another device", slog.String("recipient", recipient))
		return
	}

	senderKey := model.ClientKey{User: from, Client: data.Get("sender").String()}
	if senderKey.Client == "" {
		return
	}

	conv, created := s.Ctx.FetchOrCreateConversation(convID)
	if created {
		conv.NeedsToBeUpdatedFromBackend = true
	}

	sender, _ := s.Ctx.FetchOrCreateUser(from)
	s.Ctx.FetchOrCreateClient(senderKey)

	if !s.Ctx.IsSelf(sender) && conv.AddParticipant(sender) {
		conv.NeedsToBeUpdatedFromBackend = true
		s.Ctx.MarkChanged(conv)
	}

	generic, err := otr.DecryptEvent(s.box, senderKey, data.Get("text").String())
	if err != nil {
		s.Logger.Warn("could not decrypt message",
			slog.String("conversation", convID.String()),
			slog.String("sender", senderKey.String()),
			slog.String("error", err.Error()),
		)
		s.insertSystem(conv, sender, model.SystemDecryptionFailed, ev.Time())

		return
	}

	s.apply(ev, conv, sender, senderKey, generic)
}

func (s *ClientMessageStrategy) apply(ev *events.UpdateEvent, conv *model.Conversation, sender *model.User, key model.ClientKey, g *model.GenericMessage) {
	switch {
	case g.Text != nil, g.Asset != nil:
		s.insertContent(ev, conv, sender, g)
	case g.Edit != nil:
		s.applyEdit(sender, g.Edit)
	case g.Reaction != nil:
		s.applyReaction(sender, g.Reaction)
	case g.Confirmation != nil:
		s.applyConfirmation(g.Confirmation)
	case g.Availability != nil:
		sender.Availability = g.Availability.Type
		s.Ctx.MarkChanged(sender)
	case g.ClientAction != nil && *g.ClientAction == model.ClientActionResetSession:
		if err := s.box.DeleteSession(key.String()); err != nil {
			s.Logger.Warn("resetting session", slog.String("client", key.String()), slog.String("error", err.Error()))
		}
	default:
		s.Logger.Debug("ignoring generic message", slog.String("kind", g.Kind()))
	}
}

func (s *ClientMessageStrategy) insertContent(ev *events.UpdateEvent, conv *model.Conversation, sender *model.User, g *model.GenericMessage) {
	if s.Ctx.Message(g.MessageID) != nil {
		return
	}

	m := &model.ClientMessage{
		Nonce:           g.MessageID,
		Conversation:    conv,
		Sender:          sender,
		Generic:         g,
		ServerTimestamp: ev.Time(),
		State:           model.DeliverySent,
	}

	if g.Text != nil && len(g.Text.LinkPreviews) > 0 {
		p := g.Text.LinkPreviews[0]
		m.LinkPreview = &model.LinkPreview{URL: p.URL, Title: p.Title, Image: p.Image}
	}

	if a := g.Asset; a != nil {
		info := &model.AssetInfo{Name: a.Name, MimeType: a.MimeType, Size: a.Size}
		if r := a.Remote; r != nil {
			info.AssetID = r.AssetID
			info.Token = r.Token
			info.OTRKey = r.OTRKey
			info.SHA256 = r.SHA256
		}

		m.Asset = info
	}

	s.Ctx.InsertMessage(m)
	s.Sink.Process(m)

	if s.sendReceipts && conv.Type == model.ConversationOneOnOne && g.NeedsConfirmation() && !s.Ctx.IsSelf(sender) {
		s.insertConfirmation(conv, m)
	}
}

// insertConfirmation queues a hidden delivery receipt for m.
func (s *ClientMessageStrategy) insertConfirmation(conv *model.Conversation, m *model.ClientMessage) {
	id := uuid.New()
	c := s.Send(conv, &model.GenericMessage{
		MessageID:    id,
		Confirmation: &model.Confirmation{FirstMessageID: m.Nonce, Type: model.ConfirmationDelivered},
	})
	c.Hidden = true
}

func (s *ClientMessageStrategy) applyEdit(sender *model.User, e *model.Edit) {
	target := s.Ctx.Message(e.ReplacingMessageID)
	if target == nil || target.Sender != sender || target.Generic == nil || target.Generic.Text == nil || e.Text == nil {
		return
	}

	target.Generic = &model.GenericMessage{MessageID: target.Nonce, Text: e.Text}
	s.Ctx.MarkChanged(target)
}

func (s *ClientMessageStrategy) applyReaction(sender *model.User, r *model.Reaction) {
	target := s.Ctx.Message(r.MessageID)
	if target == nil {
		return
	}

	if r.Emoji == "" {
		delete(target.Reactions, sender.ID)
	} else {
		if target.Reactions == nil {
			target.Reactions = make(map[uuid.UUID]string)
		}

		target.Reactions[sender.ID] = r.Emoji
	}

	s.Ctx.MarkChanged(target)
}

func (s *ClientMessageStrategy) applyConfirmation(c *model.Confirmation) {
	for _, id := range c.MessageIDs() {
		target := s.Ctx.Message(id)
		if target == nil || !s.Ctx.IsSelf(target.Sender) || target.State != model.DeliverySent {
			continue
		}

		target.State = model.DeliveryDelivered
		s.Ctx.MarkChanged(target)
	}
}

func (s *ClientMessageStrategy) insertSystem(conv *model.Conversation, sender *model.User, kind model.SystemMessageType, at time.Time) *model.ClientMessage {
	m := &model.ClientMessage{
		Nonce:           uuid.New(),
		Conversation:    conv,
		Sender:          sender,
		System:          kind,
		ServerTimestamp: at,
		State:           model.DeliverySent,
	}

	s.Ctx.InsertMessage(m)
	s.Sink.Process(m)

	return m
}
