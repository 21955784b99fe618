package wire

import (
	"fmt"

	"github.com/alexjbarnes/otr-sync/internal/model"
	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

// GenericMessage field numbers.
const (
	genericMessageID    protowire.Number = 1
	genericText         protowire.Number = 2
	genericClientAction protowire.Number = 9
	genericCalling      protowire.Number = 10
	genericAsset        protowire.Number = 11
	genericEdited       protowire.Number = 15
	genericConfirmation protowire.Number = 16
	genericReaction     protowire.Number = 17
	genericAvailability protowire.Number = 19
)

// EncodeGenericMessage serialises the payload that gets encrypted for
// each recipient device.
func EncodeGenericMessage(g *model.GenericMessage) []byte {
	var b []byte

	b = appendString(b, genericMessageID, g.MessageID.String())

	switch {
	case g.Text != nil:
		b = appendMessage(b, genericText, encodeText(g.Text))
	case g.ClientAction != nil:
		b = appendVarint(b, genericClientAction, uint64(*g.ClientAction))
	case g.Calling != nil:
		b = appendMessage(b, genericCalling, appendString(nil, 1, g.Calling.Content))
	case g.Asset != nil:
		b = appendMessage(b, genericAsset, encodeAsset(g.Asset))
	case g.Edit != nil:
		var e []byte
		e = appendString(e, 1, g.Edit.ReplacingMessageID.String())
		if g.Edit.Text != nil {
			e = appendMessage(e, 2, encodeText(g.Edit.Text))
		}

		b = appendMessage(b, genericEdited, e)
	case g.Confirmation != nil:
		var c []byte
		c = appendString(c, 1, g.Confirmation.FirstMessageID.String())
		c = appendVarint(c, 2, uint64(g.Confirmation.Type))
		for _, id := range g.Confirmation.MoreMessageIDs {
			c = appendString(c, 3, id.String())
		}

		b = appendMessage(b, genericConfirmation, c)
	case g.Reaction != nil:
		var r []byte
		r = appendString(r, 1, g.Reaction.Emoji)
		r = appendString(r, 2, g.Reaction.MessageID.String())
		b = appendMessage(b, genericReaction, r)
	case g.Availability != nil:
		b = appendMessage(b, genericAvailability, appendVarint(nil, 1, uint64(g.Availability.Type)))
	}

	return b
}

func encodeText(t *model.Text) []byte {
	var b []byte

	b = appendString(b, 1, t.Content)

	for _, lp := range t.LinkPreviews {
		var p []byte
		p = appendString(p, 1, lp.URL)
		p = appendString(p, 6, lp.Title)
		if lp.Image != nil {
			p = appendMessage(p, 8, encodeAsset(&model.Asset{Remote: lp.Image}))
		}

		b = appendMessage(b, 3, p)
	}

	return b
}

func encodeAsset(a *model.Asset) []byte {
	var b []byte

	if a.Name != "" || a.MimeType != "" || a.Size > 0 {
		var o []byte
		o = appendString(o, 1, a.MimeType)
		o = appendVarint(o, 2, uint64(a.Size))
		o = appendString(o, 3, a.Name)
		b = appendMessage(b, 1, o)
	}

	if r := a.Remote; r != nil {
		var u []byte
		u = appendBytes(u, 1, r.OTRKey)
		u = appendBytes(u, 2, r.SHA256)
		u = appendString(u, 3, r.AssetID)
		u = appendString(u, 5, r.Token)
		b = appendMessage(b, 4, u)
	}

	return b
}

// DecodeGenericMessage parses a decrypted payload.
func DecodeGenericMessage(data []byte) (*model.GenericMessage, error) {
	g := &model.GenericMessage{}

	err := walk(data, func(num protowire.Number, v []byte, x uint64) error {
		var err error

		switch num {
		case genericMessageID:
			g.MessageID, err = uuid.ParseBytes(v)
		case genericText:
			g.Text, err = decodeText(v)
		case genericClientAction:
			action := model.ClientAction(x)
			g.ClientAction = &action
		case genericCalling:
			g.Calling = &model.Calling{}
			err = walk(v, func(num protowire.Number, v []byte, _ uint64) error {
				if num == 1 {
					g.Calling.Content = string(v)
				}

				return nil
			})
		case genericAsset:
			g.Asset, err = decodeAsset(v)
		case genericEdited:
			g.Edit, err = decodeEdit(v)
		case genericConfirmation:
			g.Confirmation, err = decodeConfirmation(v)
		case genericReaction:
			g.Reaction, err = decodeReaction(v)
		case genericAvailability:
			g.Availability = &model.AvailabilityUpdate{}
			err = walk(v, func(num protowire.Number, _ []byte, x uint64) error {
				if num == 1 {
					g.Availability.Type = model.Availability(x)
				}

				return nil
			})
		}

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("decoding generic message: %w", err)
	}

	return g, nil
}

func decodeText(b []byte) (*model.Text, error) {
	t := &model.Text{}

	err := walk(b, func(num protowire.Number, v []byte, _ uint64) error {
		switch num {
		case 1:
			t.Content = string(v)
		case 3:
			lp, err := decodeLinkPreview(v)
			if err != nil {
				return err
			}

			t.LinkPreviews = append(t.LinkPreviews, *lp)
		}

		return nil
	})

	return t, err
}

func decodeLinkPreview(b []byte) (*model.LinkPreviewPayload, error) {
	lp := &model.LinkPreviewPayload{}

	err := walk(b, func(num protowire.Number, v []byte, _ uint64) error {
		switch num {
		case 1:
			lp.URL = string(v)
		case 6:
			lp.Title = string(v)
		case 8:
			a, err := decodeAsset(v)
			if err != nil {
				return err
			}

			lp.Image = a.Remote
		}

		return nil
	})

	return lp, err
}

func decodeAsset(b []byte) (*model.Asset, error) {
	a := &model.Asset{}

	err := walk(b, func(num protowire.Number, v []byte, _ uint64) error {
		switch num {
		case 1:
			return walk(v, func(num protowire.Number, v []byte, x uint64) error {
				switch num {
				case 1:
					a.MimeType = string(v)
				case 2:
					a.Size = int64(x)
				case 3:
					a.Name = string(v)
				}

				return nil
			})
		case 4:
			r := &model.RemoteAsset{}
			a.Remote = r

			return walk(v, func(num protowire.Number, v []byte, _ uint64) error {
				switch num {
				case 1:
					r.OTRKey = append([]byte(nil), v...)
				case 2:
					r.SHA256 = append([]byte(nil), v...)
				case 3:
					r.AssetID = string(v)
				case 5:
					r.Token = string(v)
				}

				return nil
			})
		}

		return nil
	})

	return a, err
}

func decodeEdit(b []byte) (*model.Edit, error) {
	e := &model.Edit{}

	err := walk(b, func(num protowire.Number, v []byte, _ uint64) error {
		var err error

		switch num {
		case 1:
			e.ReplacingMessageID, err = uuid.ParseBytes(v)
		case 2:
			e.Text, err = decodeText(v)
		}

		return err
	})

	return e, err
}

func decodeConfirmation(b []byte) (*model.Confirmation, error) {
	c := &model.Confirmation{}

	err := walk(b, func(num protowire.Number, v []byte, x uint64) error {
		switch num {
		case 1:
			id, err := uuid.ParseBytes(v)
			if err != nil {
				return err
			}

			c.FirstMessageID = id
		case 2:
			c.Type = model.ConfirmationType(x)
		case 3:
			id, err := uuid.ParseBytes(v)
			if err != nil {
				return err
			}

			c.MoreMessageIDs = append(c.MoreMessageIDs, id)
		}

		return nil
	})

	return c, err
}

func decodeReaction(b []byte) (*model.Reaction, error) {
	r := &model.Reaction{}

	err := walk(b, func(num protowire.Number, v []byte, _ uint64) error {
		var err error

		switch num {
		case 1:
			r.Emoji = string(v)
		case 2:
			r.MessageID, err = uuid.ParseBytes(v)
		}

		return err
	})

	return r, err
}
