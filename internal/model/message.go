package model

import (
	"time"

	"github.com/google/uuid"
)

// DeliveryState of an outbound message.
type DeliveryState int

const (
	DeliveryPending DeliveryState = iota
	DeliverySent
	DeliveryDelivered
	DeliveryFailedToSend
)

// SystemMessageType marks locally generated informational messages.
type SystemMessageType int

const (
	SystemNone SystemMessageType = iota
	SystemDecryptionFailed
	SystemParticipantsAdded
	SystemParticipantsRemoved
	SystemConversationNameChanged
)

// TransferState of an asset referenced by a message.
type TransferState int

const (
	// TransferUploaded means the asset is available remotely but not
	// downloaded.
	TransferUploaded TransferState = iota
	TransferDownloading
	TransferDownloaded
	TransferFailedDownload
)

// AssetInfo describes a remote encrypted blob attached to a message.
type AssetInfo struct {
	AssetID string
	Token   string
	OTRKey  []byte
	SHA256  []byte
	// Legacy assets live under the conversation path instead of v3.
	Legacy bool

	Name     string
	MimeType string
	Size     int64

	TransferState TransferState
	TaskID        uint64
	Progress      float64
}

// LinkPreview is the first link preview of a text message.
type LinkPreview struct {
	URL   string
	Title string
	Image *RemoteAsset

	ImageDownloaded bool
	ImageFailed     bool
}

// ClientMessage is a message persisted in a conversation. System
// messages have no generic payload.
type ClientMessage struct {
	Nonce        uuid.UUID
	Conversation *Conversation
	Sender       *User
	Generic      *GenericMessage

	System      SystemMessageType
	SystemUsers []*User
	SystemText  string

	// Sequence is assigned by the store on insert and orders messages
	// within the process.
	Sequence        uint64
	ServerTimestamp time.Time
	ExpirationDate  time.Time

	State   DeliveryState
	Expired bool
	Hidden  bool
	Deleted bool

	// Reactions maps a user to their emoji on this message.
	Reactions map[uuid.UUID]string

	Asset       *AssetInfo
	LinkPreview *LinkPreview
}

func (m *ClientMessage) ObjectID() ObjectID { return ObjectID("message:" + m.Nonce.String()) }

// IsVisible reports whether the message is shown in the conversation.
func (m *ClientMessage) IsVisible() bool { return !m.Hidden && !m.Deleted }

// IsPending reports whether the message still waits to be sent.
func (m *ClientMessage) IsPending() bool {
	return m.State == DeliveryPending && !m.Expired && !m.Deleted
}

// Expire marks the message as permanently failed. Idempotent.
func (m *ClientMessage) Expire() {
	m.Expired = true
	m.State = DeliveryFailedToSend
	m.ExpirationDate = time.Time{}
}

// MarkSent records a successful upload.
func (m *ClientMessage) MarkSent(serverTime time.Time) {
	m.State = DeliverySent
	m.Expired = false
	m.ExpirationDate = time.Time{}
	if !serverTime.IsZero() {
		m.ServerTimestamp = serverTime
	}
}

// Text returns the text content, if any.
func (m *ClientMessage) Text() string {
	if m.Generic != nil && m.Generic.Text != nil {
		return m.Generic.Text.Content
	}

	return ""
}

// IsConfirmation reports whether the payload is a delivery receipt.
func (m *ClientMessage) IsConfirmation() bool {
	return m.Generic != nil && m.Generic.Confirmation != nil
}

// IsReaction reports whether the payload is a reaction.
func (m *ClientMessage) IsReaction() bool {
	return m.Generic != nil && m.Generic.Reaction != nil
}
