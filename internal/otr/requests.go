package otr

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/alexjbarnes/otr-sync/internal/model"
	"github.com/alexjbarnes/otr-sync/internal/store"
	"github.com/alexjbarnes/otr-sync/internal/transport"
)

var errNoConversation = errors.New("entity has no conversation")

// RequestFactory builds the backend requests for OTR uploads and asset
// downloads.
type RequestFactory struct {
	ctx *store.Context
	box Encryptor
}

// NewRequestFactory creates a factory encrypting with box.
func NewRequestFactory(ctx *store.Context, box Encryptor) *RequestFactory {
	return &RequestFactory{ctx: ctx, box: box}
}

// UpstreamRequest uploads an entity bound to a conversation.
func (f *RequestFactory) UpstreamRequest(e Entity) (*transport.Request, error) {
	conv := e.Conversation()
	if conv == nil {
		return nil, errNoConversation
	}

	payload, err := BuildPayload(f.ctx, f.box, e)
	if err != nil {
		return nil, fmt.Errorf("building payload for %s: %w", e.ObjectID(), err)
	}

	path := "/conversations/" + conv.ID.String() + "/otr/messages" + payload.Strategy.Query()

	return transport.NewBinaryRequest(http.MethodPost, path, payload.Body, transport.ContentTypeProtobuf), nil
}

// BroadcastRequest uploads a broadcast entity.
func (f *RequestFactory) BroadcastRequest(e *BroadcastEntity) (*transport.Request, error) {
	payload, err := BuildPayload(f.ctx, f.box, e)
	if err != nil {
		return nil, fmt.Errorf("building payload for %s: %w", e.ObjectID(), err)
	}

	path := "/broadcast/otr/messages" + payload.Strategy.Query()

	return transport.NewBinaryRequest(http.MethodPost, path, payload.Body, transport.ContentTypeProtobuf), nil
}

// RequestFor dispatches on the entity variant.
func (f *RequestFactory) RequestFor(e Entity) (*transport.Request, error) {
	if b, ok := e.(*BroadcastEntity); ok {
		return f.BroadcastRequest(b)
	}

	req, err := f.UpstreamRequest(e)
	if err != nil {
		return nil, err
	}

	if m, ok := e.(*MessageEntity); ok {
		req.ExpiresAt = m.Message.ExpirationDate
	}

	return req, nil
}

// AssetRequest fetches the ciphertext of a message asset.
func AssetRequest(conv *model.Conversation, a *model.AssetInfo) (*transport.Request, error) {
	if a.AssetID == "" {
		return nil, errors.New("asset has no id")
	}

	if a.Legacy {
		if conv == nil {
			return nil, errNoConversation
		}

		return transport.NewRequest(http.MethodGet, "/conversations/"+conv.ID.String()+"/otr/assets/"+url.PathEscape(a.AssetID)), nil
	}

	return v3Request(a.AssetID, a.Token), nil
}

// RemoteAssetRequest fetches a v3 asset referenced by a link preview.
func RemoteAssetRequest(ra *model.RemoteAsset) (*transport.Request, error) {
	if ra == nil || ra.AssetID == "" {
		return nil, errors.New("remote asset has no id")
	}

	return v3Request(ra.AssetID, ra.Token), nil
}

func v3Request(id, token string) *transport.Request {
	req := transport.NewRequest(http.MethodGet, "/assets/v3/"+url.PathEscape(id))
	if token != "" {
		req.Header.Set("Asset-Token", token)
	}

	return req
}
