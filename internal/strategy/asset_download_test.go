package strategy

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/alexjbarnes/otr-sync/internal/cryptobox"
	syncerr "github.com/alexjbarnes/otr-sync/internal/errors"
	"github.com/alexjbarnes/otr-sync/internal/model"
	"github.com/alexjbarnes/otr-sync/internal/transport"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func assetMessage(t *testing.T, h *harness, conv *model.Conversation, plain []byte) (*model.ClientMessage, []byte) {
	t.Helper()

	enc, err := cryptobox.EncryptAsset(plain)
	require.NoError(t, err)

	alice, _ := h.ctx.FetchOrCreateUser(aliceID)
	m := &model.ClientMessage{
		Nonce:        uuid.New(),
		Conversation: conv,
		Sender:       alice,
		State:        model.DeliverySent,
		Asset: &model.AssetInfo{
			AssetID:  "3-1-abc",
			Token:    "tok",
			OTRKey:   enc.Key,
			SHA256:   enc.SHA256,
			Name:     "notes.txt",
			MimeType: "text/plain",
			Size:     int64(len(plain)),
		},
	}
	h.ctx.InsertMessage(m)

	return m, enc.Ciphertext
}

func assetHarness(t *testing.T) (*harness, *AssetDownloadStrategy, *memCache, *model.Conversation) {
	t.Helper()

	ctrl := gomock.NewController(t)
	h := newHarness(t, NewMockNotificationSink(ctrl))
	conv := h.conversation(t, model.ConversationGroup, aliceID)
	cache := newMemCache()
	s := NewAssetDownloadStrategy(h.deps, cache)
	h.track(s)

	return h, s, cache, conv
}

func TestAssetDownload_OnlyWhenRequested(t *testing.T) {
	h, s, _, conv := assetHarness(t)
	m, _ := assetMessage(t, h, conv, []byte("hello"))
	h.save(t)

	assert.Nil(t, s.NextRequest())

	require.NoError(t, s.RequestDownload(m.Nonce))
	h.save(t)

	assert.Equal(t, model.TransferDownloading, m.Asset.TransferState)
	assert.Equal(t, 1, h.wakes)

	req := s.NextRequest()
	require.NotNil(t, req)
	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, "/assets/v3/3-1-abc", req.Path)
	assert.Equal(t, "tok", req.Header.Get("Asset-Token"))
	assert.True(t, req.WantsTaskID())
	assert.True(t, req.WantsProgress())
}

func TestAssetDownload_DecryptsAndStores(t *testing.T) {
	h, s, cache, conv := assetHarness(t)
	m, ct := assetMessage(t, h, conv, []byte("hello"))
	require.NoError(t, s.RequestDownload(m.Nonce))
	h.save(t)

	req := s.NextRequest()
	require.NotNil(t, req)

	req.TaskCreated(7)
	assert.Equal(t, uint64(7), m.Asset.TaskID)

	req.Progress(0.5)
	assert.InDelta(t, 0.5, m.Asset.Progress, 0.001)

	req.Complete(transport.NewResponse(http.StatusOK, ct))
	h.save(t)

	assert.Equal(t, model.TransferDownloaded, m.Asset.TransferState)
	assert.Zero(t, m.Asset.TaskID)

	stored, ok := cache.assets[m.Nonce.String()]
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), stored.Data)
	assert.Equal(t, "notes.txt", stored.Name)
	assert.Equal(t, "text/plain", stored.MimeType)
}

func TestAssetDownload_DigestMismatchFails(t *testing.T) {
	h, s, cache, conv := assetHarness(t)
	m, ct := assetMessage(t, h, conv, []byte("hello"))
	require.NoError(t, s.RequestDownload(m.Nonce))
	h.save(t)

	ct[0] ^= 0xff

	req := s.NextRequest()
	require.NotNil(t, req)
	req.Complete(transport.NewResponse(http.StatusOK, ct))
	h.save(t)

	assert.Equal(t, model.TransferFailedDownload, m.Asset.TransferState)
	assert.Empty(t, cache.assets)
	assert.Nil(t, s.NextRequest())
}

func TestAssetDownload_CacheErrorFails(t *testing.T) {
	h, s, cache, conv := assetHarness(t)
	cache.err = errors.New("disk full")
	m, ct := assetMessage(t, h, conv, []byte("hello"))
	require.NoError(t, s.RequestDownload(m.Nonce))
	h.save(t)

	req := s.NextRequest()
	require.NotNil(t, req)
	req.Complete(transport.NewResponse(http.StatusOK, ct))

	assert.Equal(t, model.TransferFailedDownload, m.Asset.TransferState)
}

func TestAssetDownload_PermanentErrorFails(t *testing.T) {
	h, s, _, conv := assetHarness(t)
	m, _ := assetMessage(t, h, conv, []byte("hello"))
	require.NoError(t, s.RequestDownload(m.Nonce))
	h.save(t)

	req := s.NextRequest()
	require.NotNil(t, req)
	req.TaskCreated(3)
	req.Complete(jsonResponse(http.StatusNotFound, `{}`))

	assert.Equal(t, model.TransferFailedDownload, m.Asset.TransferState)
	assert.Zero(t, m.Asset.TaskID)
}

func TestAssetDownload_Cancel(t *testing.T) {
	h, s, _, conv := assetHarness(t)
	m, _ := assetMessage(t, h, conv, []byte("hello"))
	require.NoError(t, s.RequestDownload(m.Nonce))
	h.save(t)

	req := s.NextRequest()
	require.NotNil(t, req)

	cancelled := false
	id := h.status.Tasks.Register(func() { cancelled = true })
	req.TaskCreated(id)

	assert.True(t, s.CancelDownload(m.Nonce))
	assert.True(t, cancelled)
	assert.Zero(t, m.Asset.TaskID)
	assert.Equal(t, model.TransferUploaded, m.Asset.TransferState)

	req.Complete(&transport.Response{Err: context.Canceled})
	h.save(t)

	assert.Equal(t, model.TransferUploaded, m.Asset.TransferState, "a cancelled download is not a failure")
	assert.Nil(t, s.NextRequest())
	assert.False(t, s.CancelDownload(m.Nonce), "nothing left to cancel")
}

func TestAssetDownload_RequestUnknown(t *testing.T) {
	_, s, _, _ := assetHarness(t)

	err := s.RequestDownload(uuid.New())
	assert.ErrorIs(t, err, syncerr.ErrUnknownObject)
}

func TestAssetDownload_HiddenMessagesAreSkipped(t *testing.T) {
	h, s, _, conv := assetHarness(t)
	m, _ := assetMessage(t, h, conv, []byte("hello"))
	m.Hidden = true
	require.NoError(t, s.RequestDownload(m.Nonce))
	h.save(t)

	assert.Nil(t, s.NextRequest())
}
