// Package engine runs the single event loop that owns the object store.
// Every mutation of the store and every strategy callback happens on the
// loop goroutine; HTTP requests run on workers and hand their responses
// back over a channel.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	syncerr "github.com/alexjbarnes/otr-sync/internal/errors"
	"github.com/alexjbarnes/otr-sync/internal/events"
	"github.com/alexjbarnes/otr-sync/internal/model"
	"github.com/alexjbarnes/otr-sync/internal/otr"
	"github.com/alexjbarnes/otr-sync/internal/store"
	"github.com/alexjbarnes/otr-sync/internal/strategy"
	"github.com/alexjbarnes/otr-sync/internal/transport"
	"github.com/google/uuid"
)

const (
	// DefaultMaxInFlight caps concurrent backend requests.
	DefaultMaxInFlight = 4

	// expirationInterval is how often overdue messages are expired.
	expirationInterval = time.Second
)

// Doer executes a backend request. transport.Client implements it.
type Doer interface {
	Do(ctx context.Context, req *transport.Request, confine transport.Confine) *transport.Response
}

// Box is the session store the engine encrypts, decrypts and
// establishes sessions with.
type Box interface {
	strategy.SessionBox
	otr.SessionEstablisher
}

// MissingStore persists the self client's missing set.
type MissingStore interface {
	store.Persister
	MissingClients() ([]model.ClientKey, error)
}

// EventConsumer handles inbound update events on the loop.
type EventConsumer interface {
	ProcessEvents(batch []*events.UpdateEvent)
}

// Options configures an Engine.
type Options struct {
	Store   *store.Context
	Box     Box
	Client  Doer
	Tasks   *transport.Tasks
	Assets  strategy.AssetCache
	Missing MissingStore
	// Sink defaults to a log sink.
	Sink strategy.NotificationSink

	PrekeyPageSize       int
	MessageTimeout       time.Duration
	SendDeliveryReceipts bool
	MaxInFlight          int

	Logger *slog.Logger
}

type completion struct {
	req  *transport.Request
	resp *transport.Response
}

type batch struct {
	events []*events.UpdateEvent
	done   chan struct{}
}

// Engine is the event loop and the strategies it polls.
type Engine struct {
	ctx    *store.Context
	status *strategy.ApplicationStatus
	client Doer
	tasks  *transport.Tasks
	timer  *strategy.ExpirationTimer
	logger *slog.Logger

	Messages     *strategy.ClientMessageStrategy
	Generic      *strategy.GenericMessageStrategy
	Availability *strategy.AvailabilityStrategy
	Assets       *strategy.AssetDownloadStrategy
	Previews     *strategy.LinkPreviewStrategy
	Promises     *strategy.RequestPromises

	generators []strategy.RequestGenerator
	consumers  []EventConsumer
	resolver   *otr.MissingClientsResolver

	maxInFlight int
	inFlight    int
	next        int

	perform     chan func()
	completions chan completion
	batches     chan batch
	wake        chan struct{}
	done        chan struct{}
	running     sync.Once
	workers     sync.WaitGroup
}

// New wires the strategies around the store. The missing set is
// restored from opts.Missing when set.
func New(opts Options) (*Engine, error) {
	logger := opts.Logger

	tasks := opts.Tasks
	if tasks == nil {
		tasks = transport.NewTasks()
	}

	sink := opts.Sink
	if sink == nil {
		sink = strategy.NewLogNotifier(logger)
	}

	confirmations, _ := sink.(strategy.DeliveryConfirmations)

	maxInFlight := opts.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}

	e := &Engine{
		ctx:         opts.Store,
		status:      strategy.NewApplicationStatus(tasks, confirmations, logger),
		client:      opts.Client,
		tasks:       tasks,
		logger:      logger,
		maxInFlight: maxInFlight,
		perform:     make(chan func()),
		completions: make(chan completion),
		batches:     make(chan batch),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}

	if opts.Missing != nil {
		keys, err := opts.Missing.MissingClients()
		if err != nil {
			return nil, fmt.Errorf("restoring missing clients: %w", err)
		}

		sc := e.ctx.SelfClient()
		for _, k := range keys {
			e.ctx.FetchOrCreateClient(k)
			sc.AddMissing(k)
		}

		e.ctx.SetPersister(opts.Missing)
	}

	d := strategy.Deps{
		Ctx:     e.ctx,
		Status:  e.status,
		Factory: otr.NewRequestFactory(e.ctx, opts.Box),
		Sink:    sink,
		Wake:    e.Wake,
		Logger:  logger,
	}

	e.timer = strategy.NewExpirationTimer(e.ctx, sink)
	e.resolver = otr.NewMissingClientsResolver(e.ctx, opts.Box, opts.PrekeyPageSize, nil, logger)

	e.Messages = strategy.NewClientMessageStrategy(d, strategy.ClientMessageConfig{
		Box:                  opts.Box,
		Timer:                e.timer,
		MessageTimeout:       opts.MessageTimeout,
		SendDeliveryReceipts: opts.SendDeliveryReceipts,
	})
	e.Generic = strategy.NewGenericMessageStrategy(d)
	e.Availability = strategy.NewAvailabilityStrategy(d)
	e.Assets = strategy.NewAssetDownloadStrategy(d, opts.Assets)
	e.Previews = strategy.NewLinkPreviewStrategy(d, opts.Assets)
	e.Promises = strategy.NewRequestPromises(d)

	expire := func(dep model.Object) {
		e.Messages.ExpireMessagesDependingOn(dep)
		e.Generic.ExpireEntities(dep)
	}

	conversations := strategy.NewConversationStrategy(d, expire)
	connections := strategy.NewConnectionStrategy(d, expire)
	userClients := strategy.NewUserClientsStrategy(d)
	teams := strategy.NewTeamStrategy(d)
	systemMessages := strategy.NewSystemMessageConsumer(d)

	e.ctx.RegisterTracker(
		e.timer,
		e.Messages,
		e.Generic,
		e.Availability,
		e.Assets,
		e.Previews,
		conversations,
		connections,
		userClients,
		teams,
	)

	// Metadata first so dependencies clear before uploads are tried.
	e.generators = []strategy.RequestGenerator{
		strategy.NewMissingClientsStrategy(d, e.resolver),
		conversations,
		connections,
		userClients,
		teams,
		e.Messages,
		e.Generic,
		e.Availability,
		e.Promises,
		e.Assets,
		e.Previews,
	}

	e.consumers = []EventConsumer{e.Messages, systemMessages, teams}

	return e, nil
}

// Status returns the application status shared by all gates.
func (e *Engine) Status() *strategy.ApplicationStatus { return e.status }

// Store returns the object store. Only touch it from Perform.
func (e *Engine) Store() *store.Context { return e.ctx }

// Wake signals that new requests may be available. Safe from any
// goroutine.
func (e *Engine) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Run processes work until ctx is cancelled, then waits for in-flight
// requests to return.
func (e *Engine) Run(ctx context.Context) error {
	started := false
	e.running.Do(func() { started = true })

	if !started {
		return fmt.Errorf("%w: engine already ran", syncerr.ErrEngineStopped)
	}

	defer close(e.done)

	e.status.SetSyncState(strategy.SyncEventProcessing)
	e.logger.Info("engine started",
		slog.Int("missing_clients", len(e.ctx.SelfClient().Missing())),
		slog.Int("max_in_flight", e.maxInFlight),
	)

	ticker := time.NewTicker(expirationInterval)
	defer ticker.Stop()

	e.step(ctx)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping", slog.Int("in_flight", e.inFlight))
			e.workers.Wait()

			return nil
		case fn := <-e.perform:
			fn()
		case c := <-e.completions:
			e.inFlight--
			c.req.Complete(c.resp)
		case b := <-e.batches:
			for _, consumer := range e.consumers {
				consumer.ProcessEvents(b.events)
			}

			close(b.done)
		case <-e.wake:
		case now := <-ticker.C:
			e.timer.Fire(now)
		}

		e.step(ctx)
	}
}

// step saves pending changes and starts as many requests as allowed.
func (e *Engine) step(ctx context.Context) {
	e.save()

	if e.status.ClientDeleted() {
		return
	}

	for e.inFlight < e.maxInFlight {
		req := e.nextRequest()
		if req == nil {
			break
		}

		e.dispatch(ctx, req)
	}

	// Generators may expire entities while producing requests.
	if e.ctx.HasChanges() {
		e.save()
	}
}

func (e *Engine) save() {
	if err := e.ctx.Save(); err != nil {
		e.logger.Error("saving store", slog.String("error", err.Error()))
	}
}

// nextRequest polls the generators round robin, starting after the one
// that produced the previous request.
func (e *Engine) nextRequest() *transport.Request {
	n := len(e.generators)

	for i := range n {
		idx := (e.next + i) % n

		if req := e.generators[idx].NextRequest(); req != nil {
			e.next = (idx + 1) % n
			return req
		}
	}

	return nil
}

func (e *Engine) dispatch(ctx context.Context, req *transport.Request) {
	e.inFlight++
	e.workers.Add(1)

	confine := func(fn func()) {
		select {
		case e.perform <- fn:
		case <-ctx.Done():
		}
	}

	go func() {
		defer e.workers.Done()

		resp := e.client.Do(ctx, req, confine)

		select {
		case e.completions <- completion{req: req, resp: resp}:
		case <-ctx.Done():
		}
	}()
}

// Perform runs fn on the loop. It returns once fn was accepted, not
// once it ran.
func (e *Engine) Perform(ctx context.Context, fn func()) error {
	select {
	case e.perform <- fn:
		return nil
	case <-e.done:
		return syncerr.ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PerformAndWait runs fn on the loop and returns its error.
func (e *Engine) PerformAndWait(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)

	if err := e.Perform(ctx, func() { result <- fn() }); err != nil {
		return err
	}

	select {
	case err := <-result:
		return err
	case <-e.done:
		return syncerr.ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Deliver hands a batch of update events to the loop and returns once
// every consumer processed it. It is the listener's sink.
func (e *Engine) Deliver(ctx context.Context, evs []*events.UpdateEvent) error {
	b := batch{events: evs, done: make(chan struct{})}

	select {
	case e.batches <- b:
	case <-e.done:
		return syncerr.ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-b.done:
		return nil
	case <-e.done:
		return syncerr.ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendText queues a text message. An unknown conversation is created
// and fetched before the message is sent. A positive expiresIn
// overrides the configured message timeout.
func (e *Engine) SendText(ctx context.Context, conversation uuid.UUID, text string, expiresIn time.Duration) (uuid.UUID, error) {
	var nonce uuid.UUID

	err := e.PerformAndWait(ctx, func() error {
		if e.status.ClientDeleted() {
			return syncerr.ErrClientDeleted
		}

		conv, created := e.ctx.FetchOrCreateConversation(conversation)
		if created {
			conv.NeedsToBeUpdatedFromBackend = true
		}

		m := e.Messages.SendText(conv, text)
		if expiresIn > 0 {
			m.ExpirationDate = time.Now().Add(expiresIn)
		}

		nonce = m.Nonce

		return nil
	})

	return nonce, err
}

// Snapshot is a point-in-time view of the engine for the control
// surface.
type Snapshot struct {
	SyncState       string `json:"sync_state"`
	ClientDeleted   bool   `json:"client_deleted"`
	PendingMessages int    `json:"pending_messages"`
	MissingClients  int    `json:"missing_clients"`
	InFlight        int    `json:"in_flight"`
	RunningTasks    int    `json:"running_tasks"`
	QueuedPromises  int    `json:"queued_promises"`
}

// Snapshot collects the current state on the loop.
func (e *Engine) Snapshot(ctx context.Context) (Snapshot, error) {
	var s Snapshot

	err := e.PerformAndWait(ctx, func() error {
		s = Snapshot{
			SyncState:       e.status.SyncState().String(),
			ClientDeleted:   e.status.ClientDeleted(),
			PendingMessages: e.ctx.PendingCount(),
			MissingClients:  len(e.ctx.SelfClient().Missing()),
			InFlight:        e.inFlight,
			RunningTasks:    e.tasks.Running(),
			QueuedPromises:  e.Promises.Len(),
		}

		return nil
	})

	return s, err
}

// DownloadPreview whitelists the link preview image of a message.
func (e *Engine) DownloadPreview(ctx context.Context, nonce uuid.UUID) error {
	return e.PerformAndWait(ctx, func() error { return e.Previews.Whitelist(nonce) })
}

// DownloadAsset starts downloading the asset of a message.
func (e *Engine) DownloadAsset(ctx context.Context, nonce uuid.UUID) error {
	return e.PerformAndWait(ctx, func() error { return e.Assets.RequestDownload(nonce) })
}

// CancelDownload stops a running asset download. It reports whether a
// download was running.
func (e *Engine) CancelDownload(ctx context.Context, nonce uuid.UUID) (bool, error) {
	var cancelled bool

	err := e.PerformAndWait(ctx, func() error {
		cancelled = e.Assets.CancelDownload(nonce)
		return nil
	})

	return cancelled, err
}

// SetAvailability changes the self user's availability. The new value
// is broadcast to connections and team members.
func (e *Engine) SetAvailability(ctx context.Context, a model.Availability) error {
	return e.PerformAndWait(ctx, func() error {
		if e.status.ClientDeleted() {
			return syncerr.ErrClientDeleted
		}

		e.Availability.SetAvailability(a)

		return nil
	})
}

// ResetSession asks every device in a known conversation to drop its
// session with this client. It returns the id of the control message.
func (e *Engine) ResetSession(ctx context.Context, conversation uuid.UUID) (uuid.UUID, error) {
	var id uuid.UUID

	err := e.PerformAndWait(ctx, func() error {
		if e.status.ClientDeleted() {
			return syncerr.ErrClientDeleted
		}

		conv := e.ctx.Conversation(conversation)
		if conv == nil {
			return fmt.Errorf("conversation %s: %w", conversation, syncerr.ErrUnknownObject)
		}

		action := model.ClientActionResetSession
		msg := &model.GenericMessage{MessageID: uuid.New(), ClientAction: &action}
		id = msg.MessageID

		e.Generic.Schedule(msg, conv, func(resp *transport.Response) {
			e.logger.Info("session reset finished",
				slog.String("conversation", conversation.String()),
				slog.String("result", resp.Result().String()),
			)
		})

		return nil
	})

	return id, err
}

// VerifySelfClient asks the backend whether the local device is still
// registered. A 404 marks the client deleted, which stops all outbound
// work.
func (e *Engine) VerifySelfClient(ctx context.Context) error {
	if e.status.ClientDeleted() {
		return syncerr.ErrClientDeleted
	}

	req := transport.NewRequest(http.MethodGet, "/clients/"+e.ctx.SelfClient().Client.ID)

	select {
	case resp := <-e.Promises.Enqueue(req):
		switch {
		case resp.HTTPStatus == http.StatusNotFound:
			e.status.DidDetectCurrentClientDeletion()
			return syncerr.ErrClientDeleted
		case resp.Result() != transport.Success:
			return fmt.Errorf("%w: self client check: %s", syncerr.ErrAPIRequest, resp.Result())
		}

		return nil
	case <-e.done:
		return syncerr.ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}
