package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/lorrc/farmlink-realtime/internal/core/domain"
)

// MockFanout is a mock implementation of ports.Fanout
type MockFanout struct {
	mock.Mock
}

func NewMockFanout() *MockFanout {
	return &MockFanout{}
}

func (m *MockFanout) DeliverToRoom(room string, event domain.Event) int {
	args := m.Called(room, event)
	return args.Int(0)
}

func (m *MockFanout) DeliverToAll(event domain.Event) int {
	args := m.Called(event)
	return args.Int(0)
}

// MockRelay is a mock implementation of ports.Relay
type MockRelay struct {
	mock.Mock
}

func NewMockRelay() *MockRelay {
	return &MockRelay{}
}

func (m *MockRelay) Publish(ctx context.Context, msg domain.RelayMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

// MockEmissionRecorder is a mock implementation of ports.EmissionRecorder
type MockEmissionRecorder struct {
	mock.Mock
}

func NewMockEmissionRecorder() *MockEmissionRecorder {
	return &MockEmissionRecorder{}
}

func (m *MockEmissionRecorder) RecordEmission(eventType domain.EventType) {
	m.Called(eventType)
}

// MockEventBroadcaster is a mock implementation of ports.EventBroadcaster
type MockEventBroadcaster struct {
	mock.Mock
}

func NewMockEventBroadcaster() *MockEventBroadcaster {
	return &MockEventBroadcaster{}
}

func (m *MockEventBroadcaster) EmitOrderUpdate(ctx context.Context, orderID string, update domain.OrderUpdate) {
	m.Called(ctx, orderID, update)
}

func (m *MockEventBroadcaster) EmitOrderStatusChange(ctx context.Context, orderID string, update domain.OrderUpdate) {
	m.Called(ctx, orderID, update)
}

func (m *MockEventBroadcaster) EmitFarmUpdate(ctx context.Context, farmID string, update domain.FarmUpdate) {
	m.Called(ctx, farmID, update)
}

func (m *MockEventBroadcaster) EmitNotification(ctx context.Context, userID string, notification domain.Notification) {
	m.Called(ctx, userID, notification)
}

func (m *MockEventBroadcaster) BroadcastAll(ctx context.Context, eventName string, data any) {
	m.Called(ctx, eventName, data)
}

// MockRoomAuthorizer is a mock implementation of ports.RoomAuthorizer
type MockRoomAuthorizer struct {
	mock.Mock
}

func NewMockRoomAuthorizer() *MockRoomAuthorizer {
	return &MockRoomAuthorizer{}
}

func (m *MockRoomAuthorizer) CanJoin(meta domain.ConnectionMetadata, room domain.Room) error {
	args := m.Called(meta, room)
	return args.Error(0)
}

// MockHealthChecker is a mock implementation of ports.HealthChecker
type MockHealthChecker struct {
	mock.Mock
}

func NewMockHealthChecker() *MockHealthChecker {
	return &MockHealthChecker{}
}

func (m *MockHealthChecker) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
