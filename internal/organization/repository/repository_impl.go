package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	organizationdomain "github.com/docuply/backend/internal/organization/domain"
	"github.com/docuply/backend/pkg/db/option"
	"github.com/docuply/backend/pkg/repository"
	"gorm.io/gorm"
)

type repo struct {
	store repository.Repository[organizationdomain.Organization]
}

func New(db *gorm.DB) organizationdomain.Repository {
	return &repo{store: repository.ProvideStore[organizationdomain.Organization](db)}
}

func (r *repo) FindByID(ctx context.Context, id snowflake.ID) (*organizationdomain.Organization, error) {
	return r.store.FindOne(ctx, &organizationdomain.Organization{ID: id})
}

func (r *repo) List(ctx context.Context) ([]organizationdomain.Organization, error) {
	rows, err := r.store.Find(ctx, &organizationdomain.Organization{}, option.WithSortBy(option.QuerySortBy{
		Allow:  map[string]bool{"id": true},
		Column: "id",
	}))
	if err != nil {
		return nil, err
	}

	orgs := make([]organizationdomain.Organization, 0, len(rows))
	for _, row := range rows {
		orgs = append(orgs, *row)
	}
	return orgs, nil
}
