package repository

import (
	"github.com/prperemyshlev/social-connections/internal/utils"
	"github.com/prperemyshlev/social-connections/pkg/database"
)

// Repositories holds all repository interfaces
type Repositories struct {
	Connection           ConnectionRepository
	AuthorizationRequest AuthorizationRequestRepository
}

// NewRepositories creates all repositories
func NewRepositories(db *database.Postgres, redis *database.Redis, cipher *utils.TokenCipher) *Repositories {
	return &Repositories{
		Connection:           NewConnectionRepository(db, cipher),
		AuthorizationRequest: NewAuthorizationRequestRepository(redis),
	}
}
