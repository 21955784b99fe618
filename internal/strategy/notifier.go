package strategy

import (
	"log/slog"

	"github.com/alexjbarnes/otr-sync/internal/model"
	"github.com/google/uuid"
)

// NotificationSink receives messages the user should hear about.
type NotificationSink interface {
	Process(m *model.ClientMessage)
	DidFailToSend(m *model.ClientMessage)
}

// LogNotifier is the daemon's sink. It also records sent delivery
// receipts.
type LogNotifier struct {
	logger *slog.Logger
}

var (
	_ NotificationSink      = (*LogNotifier)(nil)
	_ DeliveryConfirmations = (*LogNotifier)(nil)
)

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Process(m *model.ClientMessage) {
	attrs := []any{
		slog.String("message", m.Nonce.String()),
		slog.String("conversation", conversationID(m)),
		slog.String("sender", senderID(m)),
	}

	switch {
	case m.System != model.SystemNone:
		attrs = append(attrs, slog.Int("system", int(m.System)))
	case m.Asset != nil:
		attrs = append(attrs, slog.String("asset", m.Asset.Name), slog.Int64("size", m.Asset.Size))
	default:
		attrs = append(attrs, slog.Int("length", len(m.Text())))
	}

	n.logger.Info("new message", attrs...)
}

func (n *LogNotifier) DidFailToSend(m *model.ClientMessage) {
	n.logger.Warn("message could not be sent",
		slog.String("message", m.Nonce.String()),
		slog.String("conversation", conversationID(m)),
	)
}

func (n *LogNotifier) DidConfirmMessage(nonce uuid.UUID) {
	n.logger.Debug("delivery receipt sent", slog.String("message", nonce.String()))
}

func conversationID(m *model.ClientMessage) string {
	if m.Conversation == nil {
		return ""
	}

	return m.Conversation.ID.String()
}

func senderID(m *model.ClientMessage) string {
	if m.Sender == nil {
		return ""
	}

	return m.Sender.ID.String()
}
