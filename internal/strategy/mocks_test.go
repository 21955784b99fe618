package strategy

import (
	"reflect"

	"github.com/alexjbarnes/otr-sync/internal/model"
	"go.uber.org/mock/gomock"
)

// MockNotificationSink is a mock of NotificationSink.
type MockNotificationSink struct {
	ctrl     *gomock.Controller
	recorder *MockNotificationSinkMockRecorder
}

// MockNotificationSinkMockRecorder is the mock recorder for MockNotificationSink.
type MockNotificationSinkMockRecorder struct {
	mock *MockNotificationSink
}

// NewMockNotificationSink creates a new mock instance.
func NewMockNotificationSink(ctrl *gomock.Controller) *MockNotificationSink {
	mock := &MockNotificationSink{ctrl: ctrl}
	mock.recorder = &MockNotificationSinkMockRecorder{mock}
	return mock
}

// EXPECT returns an object that allows the caller to indicate expected use.
func (m *MockNotificationSink) EXPECT() *MockNotificationSinkMockRecorder {
	return m.recorder
}

// DidFailToSend mocks base method.
func (m *MockNotificationSink) DidFailToSend(msg *model.ClientMessage) {
	m.ctrl.T.Helper()
	m.ctrl.Call(m, "DidFailToSend", msg)
}

// DidFailToSend indicates an expected call of DidFailToSend.
func (mr *MockNotificationSinkMockRecorder) DidFailToSend(msg any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "DidFailToSend", reflect.TypeOf((*MockNotificationSink)(nil).DidFailToSend), msg)
}

// Process mocks base method.
func (m *MockNotificationSink) Process(msg *model.ClientMessage) {
	m.ctrl.T.Helper()
	m.ctrl.Call(m, "Process", msg)
}

// Process indicates an expected call of Process.
func (mr *MockNotificationSinkMockRecorder) Process(msg any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Process", reflect.TypeOf((*MockNotificationSink)(nil).Process), msg)
}
