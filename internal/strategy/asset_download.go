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

// AssetCache stores decrypted assets.
type AssetCache interface {
	SaveAsset(a state.Asset) error
}

// AssetDownloadStrategy downloads, verifies and decrypts message assets
// whose transfer state is downloading.
type AssetDownloadStrategy struct {
	Deps

	cache AssetCache
	sync  *otr.DownstreamSync[*model.ClientMessage]
	gate  *Gate
}

func NewAssetDownloadStrategy(d Deps, cache AssetCache) *AssetDownloadStrategy {
	s := &AssetDownloadStrategy{Deps: d, cache: cache}
	s.sync = otr.NewDownstreamSync(downloadingAsset, assetTranscoder{s}, d.Logger)
	s.gate = NewGate(d.Status, DefaultGateConfig, s.sync)

	return s
}

func downloadingAsset(o model.Object) (*model.ClientMessage, bool) {
	m, ok := o.(*model.ClientMessage)
	if !ok {
		return nil, false
	}

	return m, m.Asset != nil &&
		m.Asset.TransferState == model.TransferDownloading &&
		m.IsVisible() &&
		m.Asset.AssetID != ""
}

func (s *AssetDownloadStrategy) ObjectsDidChange(objs []model.Object) { s.sync.ObjectsDidChange(objs) }

func (s *AssetDownloadStrategy) NextRequest() *transport.Request { return s.gate.NextRequest() }

// RequestDownload starts downloading the asset of a message.
func (s *AssetDownloadStrategy) RequestDownload(nonce uuid.UUID) error {
	m := s.Ctx.Message(nonce)
	if m == nil || m.Asset == nil {
		return fmt.Errorf("%w: asset message %s", syncerr.ErrUnknownObject, nonce)
	}

	if m.Asset.TransferState == model.TransferDownloading || m.Asset.TransferState == model.TransferDownloaded {
		return nil
	}

	m.Asset.TransferState = model.TransferDownloading
	m.Asset.Progress = 0
	s.Ctx.MarkChanged(m)
	s.wake()

	return nil
}

// CancelDownload cancels a running download. It reports whether a
// request was cancelled.
func (s *AssetDownloadStrategy) CancelDownload(nonce uuid.UUID) bool {
	m := s.Ctx.Message(nonce)
	if m == nil || m.Asset == nil || m.Asset.TransferState != model.TransferDownloading {
		return false
	}

	id := m.Asset.TaskID
	m.Asset.TaskID = 0
	m.Asset.TransferState = model.TransferUploaded
	s.Ctx.MarkChanged(m)

	if id == 0 || s.Status.Tasks == nil {
		return false
	}

	return s.Status.Tasks.CancelTask(transport.TaskID(id))
}

type assetTranscoder struct {
	s *AssetDownloadStrategy
}

func (t assetTranscoder) RequestForFetching(m *model.ClientMessage) (*transport.Request, error) {
	req, err := otr.AssetRequest(m.Conversation, m.Asset)
	if err != nil {
		return nil, err
	}

	req.OnTaskCreated(func(id transport.TaskID) {
		m.Asset.TaskID = uint64(id)
	})
	req.OnProgress(func(p float64) {
		m.Asset.Progress = p
	})

	return req, nil
}

func (t assetTranscoder) Update(m *model.ClientMessage, resp *transport.Response) {
	s := t.s
	a := m.Asset
	a.TaskID = 0

	// Cancelled while the body was already on its way.
	if a.TransferState != model.TransferDownloading {
		return
	}

	plain, err := cryptobox.DecryptAsset(a.OTRKey, a.SHA256, resp.Payload)
	if err != nil {
		s.Logger.Warn("asset rejected",
			slog.String("message", m.Nonce.String()),
			slog.String("error", err.Error()),
		)
		a.TransferState = model.TransferFailedDownload
		s.Ctx.MarkChanged(m)

		return
	}

	err = s.cache.SaveAsset(state.Asset{
		MessageID: m.Nonce.String(),
		Name:      a.Name,
		MimeType:  a.MimeType,
		Data:      plain,
		Stored:    time.Now(),
	})
	if err != nil {
		s.Logger.Error("storing asset", slog.String("message", m.Nonce.String()), slog.String("error", err.Error()))
		a.TransferState = model.TransferFailedDownload
		s.Ctx.MarkChanged(m)

		return
	}

	a.Progress = 1
	a.TransferState = model.TransferDownloaded
	s.Ctx.MarkChanged(m)
}

func (t assetTranscoder) Failed(m *model.ClientMessage, resp *transport.Response) {
	m.Asset.TaskID = 0

	if !resp.Cancelled() && m.Asset.TransferState == model.TransferDownloading {
		m.Asset.TransferState = model.TransferFailedDownload
	}

	t.s.Ctx.MarkChanged(m)
}
