package strategy

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/alexjbarnes/otr-sync/internal/cryptobox"
	syncerr "github.com/alexjbarnes/otr-sync/internal/errors"
	"github.com/alexjbarnes/otr-sync/internal/model"
	"github.com/alexjbarnes/otr-sync/internal/otr"
	"github.com/alexjbarnes/otr-sync/internal/state"
	"github.com/alexjbarnes/otr-sync/internal/transport"
	"github.com/google/uuid"
)

// LinkPreviewStrategy downloads link preview images on request.
type LinkPreviewStrategy struct {
	Deps

	cache AssetCache
	sync  *otr.DownstreamSync[*model.ClientMessage]
	gate  *Gate
}

func NewLinkPreviewStrategy(d Deps, cache AssetCache) *LinkPreviewStrategy {
	s := &LinkPreviewStrategy{Deps: d, cache: cache}
	s.sync = otr.NewWhitelistDownstreamSync(previewImageMissing, previewTranscoder{s}, d.Logger)
	s.gate = NewGate(d.Status, DefaultGateConfig, s.sync)

	return s
}

func previewImageMissing(o model.Object) (*model.ClientMessage, bool) {
	m, ok := o.(*model.ClientMessage)
	if !ok {
		return nil, false
	}

	p := m.LinkPreview

	return m, p != nil && p.Image != nil && p.Image.AssetID != "" &&
		!p.ImageDownloaded && !p.ImageFailed && m.IsVisible()
}

func (s *LinkPreviewStrategy) ObjectsDidChange(objs []model.Object) { s.sync.ObjectsDidChange(objs) }

func (s *LinkPreviewStrategy) NextRequest() *transport.Request { return s.gate.NextRequest() }

// Whitelist allows the preview image of a message to be downloaded.
func (s *LinkPreviewStrategy) Whitelist(nonce uuid.UUID) error {
	m := s.Ctx.Message(nonce)
	if m == nil {
		return fmt.Errorf("%w: message %s", syncerr.ErrUnknownObject, nonce)
	}

	if _, ok := previewImageMissing(m); !ok {
		return fmt.Errorf("%w: message %s has no preview image to download", syncerr.ErrUnknownObject, nonce)
	}

	s.sync.Whitelist(m)
	s.wake()

	return nil
}

// previewKey is the cache key of a preview image.
func previewKey(nonce uuid.UUID) string { return nonce.String() + "/preview" }

type previewTranscoder struct {
	s *LinkPreviewStrategy
}

func (t previewTranscoder) RequestForFetching(m *model.ClientMessage) (*transport.Request, error) {
	return otr.RemoteAssetRequest(m.LinkPreview.Image)
}

func (t previewTranscoder) Update(m *model.ClientMessage, resp *transport.Response) {
	s := t.s
	img := m.LinkPreview.Image

	plain, err := cryptobox.DecryptAsset(img.OTRKey, img.SHA256, resp.Payload)
	if err == nil {
		err = s.cache.SaveAsset(state.Asset{
			MessageID: previewKey(m.Nonce),
			Name:      m.LinkPreview.URL,
			MimeType:  resp.ContentType,
			Data:      plain,
			Stored:    time.Now(),
		})
	}

	if err != nil {
		s.Logger.Warn("preview image rejected",
			slog.String("message", m.Nonce.String()),
			slog.String("error", err.Error()),
		)
		m.LinkPreview.ImageFailed = true
	} else {
		m.LinkPreview.ImageDownloaded = true
	}

	s.Ctx.MarkChanged(m)
}

func (t previewTranscoder) Failed(m *model.ClientMessage, _ *transport.Response) {
	m.LinkPreview.ImageFailed = true
	t.s.Ctx.MarkChanged(m)
}
