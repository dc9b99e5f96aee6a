package services

import (
	"github.com/lorrc/farmlink-realtime/internal/core/domain"
	apperrors "github.com/lorrc/farmlink-realtime/internal/core/errors"
	"github.com/lorrc/farmlink-realtime/internal/core/ports"
)

// RoomAuthorizationService is the default join policy: personal user rooms
// are reserved for the authenticated owner, order and farm rooms are open.
type RoomAuthorizationService struct{}

// Ensure implementation matches the interface.
var _ ports.RoomAuthorizer = (*RoomAuthorizationService)(nil)

// NewRoomAuthorizationService creates the default room authorizer.
func NewRoomAuthorizationService() ports.RoomAuthorizer {
	return &RoomAuthorizationService{}
}

// CanJoin checks whether a connection with the given identity may join room.
func (s *RoomAuthorizationService) CanJoin(meta domain.ConnectionMetadata, room domain.Room) error {
	if room.Kind != domain.RoomKindUser {
		return nil
	}
	if !meta.Authenticated() {
		return apperrors.ErrAnonymousUser
	}
	if meta.UserID != room.ID {
		return apperrors.ErrForbiddenRoom
	}
	return nil
}
