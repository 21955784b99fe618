package model

import "github.com/google/uuid"

// GenericMessage is the decrypted payload exchanged between devices.
// Exactly one content field is set.
type GenericMessage struct {
	MessageID uuid.UUID

	Text         *Text
	Confirmation *Confirmation
	Reaction     *Reaction
	Edit         *Edit
	ClientAction *ClientAction
	Calling      *Calling
	Availability *AvailabilityUpdate
	Asset        *Asset
}

// Kind names the content field for logging.
func (g *GenericMessage) Kind() string {
	switch {
	case g.Text != nil:
		return "text"
	case g.Confirmation != nil:
		return "confirmation"
	case g.Reaction != nil:
		return "reaction"
	case g.Edit != nil:
		return "edit"
	case g.ClientAction != nil:
		return "clientAction"
	case g.Calling != nil:
		return "calling"
	case g.Availability != nil:
		return "availability"
	case g.Asset != nil:
		return "asset"
	default:
		return "unknown"
	}
}

// NeedsConfirmation reports whether the receiver should send a
// delivery receipt.
func (g *GenericMessage) NeedsConfirmation() bool {
	return g.Text != nil || g.Asset != nil
}

type Text struct {
	Content      string
	LinkPreviews []LinkPreviewPayload
}

type LinkPreviewPayload struct {
	URL   string
	Title string
	Image *RemoteAsset
}

// RemoteAsset locates and unlocks an uploaded encrypted blob.
type RemoteAsset struct {
	AssetID string
	Token   string
	OTRKey  []byte
	SHA256  []byte
}

type ConfirmationType int

const (
	ConfirmationDelivered ConfirmationType = iota
	ConfirmationRead
)

type Confirmation struct {
	FirstMessageID uuid.UUID
	MoreMessageIDs []uuid.UUID
	Type           ConfirmationType
}

// MessageIDs returns all confirmed message ids.
func (c *Confirmation) MessageIDs() []uuid.UUID {
	return append([]uuid.UUID{c.FirstMessageID}, c.MoreMessageIDs...)
}

type Reaction struct {
	MessageID uuid.UUID
	Emoji     string
}

type Edit struct {
	ReplacingMessageID uuid.UUID
	Text               *Text
}

type ClientAction int

const ClientActionResetSession ClientAction = 0

type Calling struct {
	Content string
}

type AvailabilityUpdate struct {
	Type Availability
}

type Asset struct {
	Name     string
	MimeType string
	Size     int64
	Remote   *RemoteAsset
}
