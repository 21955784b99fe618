package strategy

import (
	"encoding/base64"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alexjbarnes/otr-sync/internal/events"
	"github.com/alexjbarnes/otr-sync/internal/logging"
	"github.com/alexjbarnes/otr-sync/internal/model"
	"github.com/alexjbarnes/otr-sync/internal/otr"
	"github.com/alexjbarnes/otr-sync/internal/state"
	"github.com/alexjbarnes/otr-sync/internal/store"
	"github.com/alexjbarnes/otr-sync/internal/transport"
	"github.com/alexjbarnes/otr-sync/internal/wire"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const selfClientID = "5e1f"

var (
	selfID  = uuid.MustParse("99999999-9999-9999-9999-999999999999")
	aliceID = uuid.MustParse("aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa")
	bobID   = uuid.MustParse("bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb")
	convID  = uuid.MustParse("cccccccc-cccc-cccc-cccc-cccccccccccc")
	teamID  = uuid.MustParse("dddddddd-dddd-dddd-dddd-dddddddddddd")
)

// plainBox "encrypts" by prefixing the session id. Sessions exist for
// every id in the map.
type plainBox struct {
	sessions map[string]bool
	deleted  []string
	failOn   string
}

func newPlainBox(ids ...string) *plainBox {
	b := &plainBox{sessions: make(map[string]bool)}
	for _, id := range ids {
		b.sessions[id] = true
	}

	return b
}

func (b *plainBox) HasSession(id string) bool { return b.sessions[id] }

func (b *plainBox) Encrypt(id string, plaintext []byte) ([]byte, error) {
	return append([]byte(id+":"), plaintext...), nil
}

func (b *plainBox) Decrypt(id string, data []byte) ([]byte, error) {
	if id == b.failOn {
		return nil, errors.New("bad mac")
	}

	return data, nil
}

func (b *plainBox) DeleteSession(id string) error {
	b.deleted = append(b.deleted, id)
	delete(b.sessions, id)

	return nil
}

// memCache is an in-memory AssetCache.
type memCache struct {
	assets map[string]state.Asset
	err    error
}

func newMemCache() *memCache { return &memCache{assets: make(map[string]state.Asset)} }

func (c *memCache) SaveAsset(a state.Asset) error {
	if c.err != nil {
		return c.err
	}

	c.assets[a.MessageID] = a

	return nil
}

type harness struct {
	ctx    *store.Context
	status *ApplicationStatus
	box    *plainBox
	wakes  int
	deps   Deps
}

// newHarness returns deps in the event processing state.
func newHarness(t *testing.T, sink NotificationSink) *harness {
	t.Helper()

	ctx := store.New(selfID, selfClientID, logging.Discard())
	h := &harness{
		ctx:    ctx,
		status: NewApplicationStatus(transport.NewTasks(), nil, logging.Discard()),
		box:    newPlainBox(),
	}
	h.status.SetSyncState(SyncEventProcessing)

	h.deps = Deps{
		Ctx:     ctx,
		Status:  h.status,
		Factory: otr.NewRequestFactory(ctx, h.box),
		Sink:    sink,
		Wake:    func() { h.wakes++ },
		Logger:  logging.Discard(),
	}

	return h
}

func (h *harness) track(trackers ...store.ChangeTracker) { h.ctx.RegisterTracker(trackers...) }

// save delivers pending changes to the registered trackers.
func (h *harness) save(t *testing.T) {
	t.Helper()
	require.NoError(t, h.ctx.Save())
}

func (h *harness) client(t *testing.T, user uuid.UUID, id string, session bool) *model.Client {
	t.Helper()

	key := model.ClientKey{User: user, Client: id}
	cl, _ := h.ctx.FetchOrCreateClient(key)

	if session {
		h.box.sessions[key.String()] = true
	}

	return cl
}

func (h *harness) conversation(t *testing.T, typ model.ConversationType, users ...uuid.UUID) *model.Conversation {
	t.Helper()

	conv, _ := h.ctx.FetchOrCreateConversation(convID)
	conv.Type = typ

	for _, id := range users {
		u, _ := h.ctx.FetchOrCreateUser(id)
		conv.AddParticipant(u)
	}

	return conv
}

func jsonResponse(status int, body string) *transport.Response {
	return transport.NewResponse(status, []byte(body))
}

func otrEvent(t *testing.T, conv, from uuid.UUID, sender, recipient string, g *model.GenericMessage) *events.UpdateEvent {
	t.Helper()

	text := base64.StdEncoding.EncodeToString(wire.EncodeGenericMessage(g))

	return event(t, fmt.Sprintf(`{
		"type": "conversation.otr-message-add",
		"conversation": %q,
		"from": %q,
		"time": "2026-03-01T10:00:00.000Z",
		"data": {"sender": %q, "recipient": %q, "text": %q}
	}`, conv, from, sender, recipient, text))
}

func event(t *testing.T, payload string) *events.UpdateEvent {
	t.Helper()

	raw := fmt.Sprintf(`{"id": %q, "payload": [%s]}`, uuid.New(), payload)
	_, batch, err := events.ParseNotification([]byte(raw), events.SourceWebsocket)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	return batch[0]
}

type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }
