package otr

import (
	"reflect"

	"go.uber.org/mock/gomock"
)

// MockSessionEstablisher is a mock of SessionEstablisher.
type MockSessionEstablisher struct {
	ctrl     *gomock.Controller
	recorder *MockSessionEstablisherMockRecorder
}

// MockSessionEstablisherMockRecorder is the mock recorder for MockSessionEstablisher.
type MockSessionEstablisherMockRecorder struct {
	mock *MockSessionEstablisher
}

// NewMockSessionEstablisher creates a new mock instance.
func NewMockSessionEstablisher(ctrl *gomock.Controller) *MockSessionEstablisher {
	mock := &MockSessionEstablisher{ctrl: ctrl}
	mock.recorder = &MockSessionEstablisherMockRecorder{mock}
	return mock
}

// EXPECT returns an object that allows the caller to indicate expected use.
func (m *MockSessionEstablisher) EXPECT() *MockSessionEstablisherMockRecorder {
	return m.recorder
}

// EstablishSession mocks base method.
func (m *MockSessionEstablisher) EstablishSession(id string, prekeyID int, bundle []byte) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "EstablishSession", id, prekeyID, bundle)
	ret0, _ := ret[0].(error)
	return ret0
}

// EstablishSession indicates an expected call of EstablishSession.
func (mr *MockSessionEstablisherMockRecorder) EstablishSession(id, prekeyID, bundle any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "EstablishSession", reflect.TypeOf((*MockSessionEstablisher)(nil).EstablishSession), id, prekeyID, bundle)
}

// MockEncryptor is a mock of Encryptor.
type MockEncryptor struct {
	ctrl     *gomock.Controller
	recorder *MockEncryptorMockRecorder
}

// MockEncryptorMockRecorder is the mock recorder for MockEncryptor.
type MockEncryptorMockRecorder struct {
	mock *MockEncryptor
}

// NewMockEncryptor creates a new mock instance.
func NewMockEncryptor(ctrl *gomock.Controller) *MockEncryptor {
	mock := &MockEncryptor{ctrl: ctrl}
	mock.recorder = &MockEncryptorMockRecorder{mock}
	return mock
}

// EXPECT returns an object that allows the caller to indicate expected use.
func (m *MockEncryptor) EXPECT() *MockEncryptorMockRecorder {
	return m.recorder
}

// HasSession mocks base method.
func (m *MockEncryptor) HasSession(id string) bool {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "HasSession", id)
	ret0, _ := ret[0].(bool)
	return ret0
}

// HasSession indicates an expected call of HasSession.
func (mr *MockEncryptorMockRecorder) HasSession(id any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "HasSession", reflect.TypeOf((*MockEncryptor)(nil).HasSession), id)
}

// Encrypt mocks base method.
func (m *MockEncryptor) Encrypt(id string, plaintext []byte) ([]byte, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Encrypt", id, plaintext)
	ret0, _ := ret[0].([]byte)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// Encrypt indicates an expected call of Encrypt.
func (mr *MockEncryptorMockRecorder) Encrypt(id, plaintext any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Encrypt", reflect.TypeOf((*MockEncryptor)(nil).Encrypt), id, plaintext)
}

// MockRegistrationDelegate is a mock of RegistrationDelegate.
type MockRegistrationDelegate struct {
	ctrl     *gomock.Controller
	recorder *MockRegistrationDelegateMockRecorder
}

// MockRegistrationDelegateMockRecorder is the mock recorder for MockRegistrationDelegate.
type MockRegistrationDelegateMockRecorder struct {
	mock *MockRegistrationDelegate
}

// NewMockRegistrationDelegate creates a new mock instance.
func NewMockRegistrationDelegate(ctrl *gomock.Controller) *MockRegistrationDelegate {
	mock := &MockRegistrationDelegate{ctrl: ctrl}
	mock.recorder = &MockRegistrationDelegateMockRecorder{mock}
	return mock
}

// EXPECT returns an object that allows the caller to indicate expected use.
func (m *MockRegistrationDelegate) EXPECT() *MockRegistrationDelegateMockRecorder {
	return m.recorder
}

// DidDetectCurrentClientDeletion mocks base method.
func (m *MockRegistrationDelegate) DidDetectCurrentClientDeletion() {
	m.ctrl.T.Helper()
	m.ctrl.Call(m, "DidDetectCurrentClientDeletion")
}

// DidDetectCurrentClientDeletion indicates an expected call of DidDetectCurrentClientDeletion.
func (mr *MockRegistrationDelegateMockRecorder) DidDetectCurrentClientDeletion() *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "DidDetectCurrentClientDeletion", reflect.TypeOf((*MockRegistrationDelegate)(nil).DidDetectCurrentClientDeletion))
}
