package repository

import (
	"context"

	"github.com/user/weibo-harvester/internal/entity"
)

// CredentialProvider supplies the current logged-in session.
type CredentialProvider interface {
	Current(ctx context.Context) (*entity.Credentials, error)
}
