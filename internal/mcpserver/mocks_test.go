package mcpserver

import (
	"context"
	"reflect"
	"time"

	"github.com/alexjbarnes/otr-sync/internal/engine"
	"github.com/alexjbarnes/otr-sync/internal/model"
	"github.com/google/uuid"
	"go.uber.org/mock/gomock"
)

// MockController is a mock of Controller.
type MockController struct {
	ctrl     *gomock.Controller
	recorder *MockControllerMockRecorder
}

// MockControllerMockRecorder is the mock recorder for MockController.
type MockControllerMockRecorder struct {
	mock *MockController
}

// NewMockController creates a new mock instance.
func NewMockController(ctrl *gomock.Controller) *MockController {
	mock := &MockController{ctrl: ctrl}
	mock.recorder = &MockControllerMockRecorder{mock}
	return mock
}

// EXPECT returns an object that allows the caller to indicate expected use.
func (m *MockController) EXPECT() *MockControllerMockRecorder {
	return m.recorder
}

// CancelDownload mocks base method.
func (m *MockController) CancelDownload(ctx context.Context, nonce uuid.UUID) (bool, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "CancelDownload", ctx, nonce)
	ret0, _ := ret[0].(bool)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// CancelDownload indicates an expected call of CancelDownload.
func (mr *MockControllerMockRecorder) CancelDownload(ctx, nonce any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "CancelDownload", reflect.TypeOf((*MockController)(nil).CancelDownload), ctx, nonce)
}

// DownloadAsset mocks base method.
func (m *MockController) DownloadAsset(ctx context.Context, nonce uuid.UUID) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "DownloadAsset", ctx, nonce)
	ret0, _ := ret[0].(error)
	return ret0
}

// DownloadAsset indicates an expected call of DownloadAsset.
func (mr *MockControllerMockRecorder) DownloadAsset(ctx, nonce any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "DownloadAsset", reflect.TypeOf((*MockController)(nil).DownloadAsset), ctx, nonce)
}

// DownloadPreview mocks base method.
func (m *MockController) DownloadPreview(ctx context.Context, nonce uuid.UUID) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "DownloadPreview", ctx, nonce)
	ret0, _ := ret[0].(error)
	return ret0
}

// DownloadPreview indicates an expected call of DownloadPreview.
func (mr *MockControllerMockRecorder) DownloadPreview(ctx, nonce any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "DownloadPreview", reflect.TypeOf((*MockController)(nil).DownloadPreview), ctx, nonce)
}

// ResetSession mocks base method.
func (m *MockController) ResetSession(ctx context.Context, conversation uuid.UUID) (uuid.UUID, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "ResetSession", ctx, conversation)
	ret0, _ := ret[0].(uuid.UUID)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// ResetSession indicates an expected call of ResetSession.
func (mr *MockControllerMockRecorder) ResetSession(ctx, conversation any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "ResetSession", reflect.TypeOf((*MockController)(nil).ResetSession), ctx, conversation)
}

// SendText mocks base method.
func (m *MockController) SendText(ctx context.Context, conversation uuid.UUID, text string, expiresIn time.Duration) (uuid.UUID, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "SendText", ctx, conversation, text, expiresIn)
	ret0, _ := ret[0].(uuid.UUID)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// SendText indicates an expected call of SendText.
func (mr *MockControllerMockRecorder) SendText(ctx, conversation, text, expiresIn any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "SendText", reflect.TypeOf((*MockController)(nil).SendText), ctx, conversation, text, expiresIn)
}

// SetAvailability mocks base method.
func (m *MockController) SetAvailability(ctx context.Context, a model.Availability) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "SetAvailability", ctx, a)
	ret0, _ := ret[0].(error)
	return ret0
}

// SetAvailability indicates an expected call of SetAvailability.
func (mr *MockControllerMockRecorder) SetAvailability(ctx, a any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "SetAvailability", reflect.TypeOf((*MockController)(nil).SetAvailability), ctx, a)
}

// Snapshot mocks base method.
func (m *MockController) Snapshot(ctx context.Context) (engine.Snapshot, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Snapshot", ctx)
	ret0, _ := ret[0].(engine.Snapshot)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// Snapshot indicates an expected call of Snapshot.
func (mr *MockControllerMockRecorder) Snapshot(ctx any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Snapshot", reflect.TypeOf((*MockController)(nil).Snapshot), ctx)
}
