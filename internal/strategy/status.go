// Package strategy holds the request strategies the engine polls and
// the event consumers it feeds. Every strategy runs on the engine
// goroutine unless its doc comment says otherwise.
package strategy

import (
	"log/slog"
	"sync/atomic"

	"github.com/alexjbarnes/otr-sync/internal/otr"
	"github.com/alexjbarnes/otr-sync/internal/store"
	"github.com/alexjbarnes/otr-sync/internal/transport"
	"github.com/google/uuid"
)

// SyncState is the synchronisation phase of the application.
type SyncState int32

const (
	SyncUnauthenticated SyncState = iota
	SyncSynchronizing
	SyncEventProcessing
)

func (s SyncState) String() string {
	switch s {
	case SyncUnauthenticated:
		return "unauthenticated"
	case SyncSynchronizing:
		return "synchronizing"
	case SyncEventProcessing:
		return "eventProcessing"
	default:
		return "unknown"
	}
}

// OperationState tells whether the process runs in the foreground.
type OperationState int32

const (
	OperationForeground OperationState = iota
	OperationBackground
)

func (s OperationState) String() string {
	if s == OperationBackground {
		return "background"
	}

	return "foreground"
}

// GateConfig is the set of states a strategy may issue requests in.
type GateConfig uint8

const (
	AllowsRequestsWhileUnauthenticated GateConfig = 1 << iota
	AllowsRequestsDuringSync
	AllowsRequestsDuringEventProcessing
	AllowsRequestsWhileInBackground
)

// DefaultGateConfig only allows requests while processing events in
// the foreground.
const DefaultGateConfig = AllowsRequestsDuringEventProcessing

// Allows reports whether every prerequisite is part of the config.
func (c GateConfig) Allows(prerequisites GateConfig) bool {
	return prerequisites&^c == 0
}

// DeliveryConfirmations is told when a delivery receipt was sent.
type DeliveryConfirmations interface {
	DidConfirmMessage(nonce uuid.UUID)
}

// ApplicationStatus is read by every gate. The states are atomics so
// the control surface may read them from other goroutines.
type ApplicationStatus struct {
	syncState      atomic.Int32
	operationState atomic.Int32
	clientDeleted  atomic.Bool

	Confirmations DeliveryConfirmations
	Tasks         *transport.Tasks

	logger *slog.Logger
}

var _ otr.RegistrationDelegate = (*ApplicationStatus)(nil)

// NewApplicationStatus starts unauthenticated in the foreground.
func NewApplicationStatus(tasks *transport.Tasks, confirmations DeliveryConfirmations, logger *slog.Logger) *ApplicationStatus {
	return &ApplicationStatus{Tasks: tasks, Confirmations: confirmations, logger: logger}
}

func (s *ApplicationStatus) SyncState() SyncState { return SyncState(s.syncState.Load()) }

func (s *ApplicationStatus) SetSyncState(st SyncState) { s.syncState.Store(int32(st)) }

func (s *ApplicationStatus) OperationState() OperationState {
	return OperationState(s.operationState.Load())
}

func (s *ApplicationStatus) SetOperationState(st OperationState) {
	s.operationState.Store(int32(st))
}

// Registration returns the delegate told about remote deletion of the
// self client.
func (s *ApplicationStatus) Registration() otr.RegistrationDelegate { return s }

// DidDetectCurrentClientDeletion stops all further requests.
func (s *ApplicationStatus) DidDetectCurrentClientDeletion() {
	if s.clientDeleted.Swap(true) {
		return
	}

	s.logger.Error("self client was deleted by the backend, no further requests will be sent")
}

// ClientDeleted reports whether the backend no longer knows the self
// client.
func (s *ApplicationStatus) ClientDeleted() bool { return s.clientDeleted.Load() }

// Prerequisites returns the gate bits the current state requires.
func (s *ApplicationStatus) Prerequisites() GateConfig {
	var p GateConfig

	switch s.SyncState() {
	case SyncUnauthenticated:
		p |= AllowsRequestsWhileUnauthenticated
	case SyncSynchronizing:
		p |= AllowsRequestsDuringSync
	case SyncEventProcessing:
		p |= AllowsRequestsDuringEventProcessing
	}

	if s.OperationState() == OperationBackground {
		p |= AllowsRequestsWhileInBackground
	}

	return p
}

// RequestGenerator produces the next request of a strategy, or nil.
type RequestGenerator interface {
	NextRequest() *transport.Request
}

// Gate only lets a generator run when the application state allows it.
type Gate struct {
	status *ApplicationStatus
	config GateConfig
	next   RequestGenerator
}

// NewGate wraps next. A zero config means DefaultGateConfig.
func NewGate(status *ApplicationStatus, config GateConfig, next RequestGenerator) *Gate {
	if config == 0 {
		config = DefaultGateConfig
	}

	return &Gate{status: status, config: config, next: next}
}

func (g *Gate) NextRequest() *transport.Request {
	if !g.config.Allows(g.status.Prerequisites()) {
		return nil
	}

	return g.next.NextRequest()
}

// Deps are the collaborators shared by the strategies.
type Deps struct {
	Ctx     *store.Context
	Status  *ApplicationStatus
	Factory *otr.RequestFactory
	Sink    NotificationSink
	// Wake signals the engine that new requests are available.
	Wake   func()
	Logger *slog.Logger
}

func (d Deps) wake() {
	if d.Wake != nil {
		d.Wake()
	}
}

// generatorFunc adapts a function to RequestGenerator.
type generatorFunc func() *transport.Request

func (f generatorFunc) NextRequest() *transport.Request { return f() }

// NewMissingClientsStrategy gates the prekey resolver. It also runs
// during sync and in the background so pending messages can proceed.
func NewMissingClientsStrategy(d Deps, resolver *otr.MissingClientsResolver) *Gate {
	return NewGate(d.Status,
		AllowsRequestsDuringSync|AllowsRequestsDuringEventProcessing|AllowsRequestsWhileInBackground,
		generatorFunc(func() *transport.Request {
			if d.Status.ClientDeleted() {
				return nil
			}

			return resolver.NextRequest()
		}),
	)
}
