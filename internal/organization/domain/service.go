package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrInvalidOrganization  = errors.New("invalid_organization")
	ErrOrganizationNotFound = errors.New("organization_not_found")
)

type Service interface {
	GetByID(ctx context.Context, id snowflake.ID) (Organization, error)
	List(ctx context.Context) ([]Organization, error)
}

type Repository interface {
	FindByID(ctx context.Context, id snowflake.ID) (*Organization, error)
	List(ctx context.Context) ([]Organization, error)
}
