package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	organizationdomain "github.com/docuply/backend/internal/organization/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type ServiceParam struct {
	fx.In

	Log  *zap.Logger
	Repo organizationdomain.Repository
}

type Service struct {
	log  *zap.Logger
	repo organizationdomain.Repository
}

func NewService(p ServiceParam) organizationdomain.Service {
	return &Service{
		log:  p.Log.Named("organization.service"),
		repo: p.Repo,
	}
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (organizationdomain.Organization, error) {
	if id == 0 {
		return organizationdomain.Organization{}, organizationdomain.ErrInvalidOrganization
	}
	org, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return organizationdomain.Organization{}, err
	}
	if org == nil {
		return organizationdomain.Organization{}, organizationdomain.ErrOrganizationNotFound
	}
	return *org, nil
}

func (s *Service) List(ctx context.Context) ([]organizationdomain.Organization, error) {
	return s.repo.List(ctx)
}
