package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"chat-relay/internal/models"
	"chat-relay/internal/repositories"
	"chat-relay/internal/store"
)

type SnapshotRepositoryMock struct {
	mock.Mock
}

func (m *SnapshotRepositoryMock) LoadRoomSnapshot(ctx context.Context, roomID string) (models.Snapshot, error) {
	args := m.Called(ctx, roomID)
	var snap models.Snapshot
	if val := args.Get(0); val != nil {
		snap = val.(models.Snapshot)
	}
	return snap, args.Error(1)
}

func (m *SnapshotRepositoryMock) SaveRoomSnapshot(ctx context.Context, snap models.Snapshot) error {
	args := m.Called(ctx, snap)
	return args.Error(0)
}

func (m *SnapshotRepositoryMock) Close() error {
	args := m.Called()
	return args.Error(0)
}

// RoomServiceMock stands in for the broadcast engine behind the REST handlers.
type RoomServiceMock struct {
	mock.Mock
}

func (m *RoomServiceMock) EnsureRoom(ctx context.Context, roomID string, kind models.RoomKind, defaults store.RoomDefaults) (models.Room, bool, error) {
	args := m.Called(ctx, roomID, kind, defaults)
	var room models.Room
	if val := args.Get(0); val != nil {
		room = val.(models.Room)
	}
	return room, args.Bool(1), args.Error(2)
}

func (m *RoomServiceMock) UpdateMembership(ctx context.Context, roomID string, participants []string) (models.Room, error) {
	args := m.Called(ctx, roomID, participants)
	var room models.Room
	if val := args.Get(0); val != nil {
		room = val.(models.Room)
	}
	return room, args.Error(1)
}

func (m *RoomServiceMock) RoomView(ctx context.Context, roomID, deviceID string) (models.RoomView, error) {
	args := m.Called(ctx, roomID, deviceID)
	var view models.RoomView
	if val := args.Get(0); val != nil {
		view = val.(models.RoomView)
	}
	return view, args.Error(1)
}

func (m *RoomServiceMock) Messages(ctx context.Context, roomID string) ([]models.Message, error) {
	args := m.Called(ctx, roomID)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *RoomServiceMock) Presence(deviceIDs []string) []models.Presence {
	args := m.Called(deviceIDs)
	var out []models.Presence
	if val := args.Get(0); val != nil {
		out = val.([]models.Presence)
	}
	return out
}

func (m *RoomServiceMock) Online(deviceIDs []string) []string {
	args := m.Called(deviceIDs)
	var out []string
	if val := args.Get(0); val != nil {
		out = val.([]string)
	}
	return out
}

var _ repositories.SnapshotRepository = (*SnapshotRepositoryMock)(nil)
