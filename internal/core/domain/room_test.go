package domain_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorrc/farmlink-realtime/internal/core/domain"
	apperrors "github.com/lorrc/farmlink-realtime/internal/core/errors"
)

func TestParseRoom(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    domain.Room
		wantErr error
	}{
		{"order room", "order:7f3a", domain.Room{Kind: domain.RoomKindOrder, ID: "7f3a"}, nil},
		{"user room", "user:1029", domain.Room{Kind: domain.RoomKindUser, ID: "1029"}, nil},
		{"farm room", "farm:55", domain.Room{Kind: domain.RoomKindFarm, ID: "55"}, nil},
		{"id may contain colons", "order:a:b", domain.Room{Kind: domain.RoomKindOrder, ID: "a:b"}, nil},
		{"empty", "", domain.Room{}, apperrors.ErrRoomNameRequired},
		{"blank", "   ", domain.Room{}, apperrors.ErrRoomNameRequired},
		{"no separator", "order42", domain.Room{}, apperrors.ErrInvalidRoomName},
		{"unknown kind", "ticket:1", domain.Room{}, apperrors.ErrInvalidRoomName},
		{"empty id", "farm:", domain.Room{}, apperrors.ErrInvalidRoomName},
		{"whitespace in id", "user:10 29", domain.Room{}, apperrors.ErrInvalidRoomName},
		{"id too long", "order:" + strings.Repeat("x", domain.MaxRoomIDLength+1), domain.Room{}, apperrors.ErrInvalidRoomName},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := domain.ParseRoom(tt.input)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.input, got.String())
		})
	}
}

func TestRoomHelpers(t *testing.T) {
	assert.Equal(t, "order:42", domain.OrderRoom("42"))
	assert.Equal(t, "farm:55", domain.FarmRoom("55"))
	assert.Equal(t, "user:1029", domain.UserRoom("1029"))

	assert.Equal(t, "orderId", domain.Room{Kind: domain.RoomKindOrder}.IDField())
	assert.Equal(t, "farmId", domain.Room{Kind: domain.RoomKindFarm}.IDField())
	assert.Equal(t, "userId", domain.Room{Kind: domain.RoomKindUser}.IDField())
}

func TestValidateEntityID(t *testing.T) {
	assert.NoError(t, domain.ValidateEntityID("order-42"))
	assert.ErrorIs(t, domain.ValidateEntityID(""), apperrors.ErrEntityIDRequired)
	assert.ErrorIs(t, domain.ValidateEntityID(strings.Repeat("a", domain.MaxRoomIDLength+1)), apperrors.ErrEntityIDTooLong)
	assert.ErrorIs(t, domain.ValidateEntityID("a\tb"), apperrors.ErrEntityIDInvalid)
}
