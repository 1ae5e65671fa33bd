// Package seed bootstraps the default organization on startup.
package seed

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	orgdomain "github.com/docuply/backend/internal/organization/domain"
	pkgdb "github.com/docuply/backend/pkg/db"
	"gorm.io/gorm"
)

const (
	defaultOrgName = "Main"
	defaultOrgSlug = "main"
)

// EnsureMainOrg seeds the default organization so a fresh install is usable
// without any setup step.
func EnsureMainOrg(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	var org orgdomain.Organization
	err = db.WithContext(ctx).Where("slug = ?", defaultOrgSlug).First(&org).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	now := time.Now().UTC()
	org = orgdomain.Organization{
		ID:        node.Generate(),
		Name:      defaultOrgName,
		Slug:      defaultOrgSlug,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := db.WithContext(ctx).Create(&org).Error; err != nil {
		// Another replica may seed concurrently on first boot.
		if pkgdb.IsDuplicateKeyErr(err) {
			return nil
		}
		return err
	}
	return nil
}
