package option

import (
	"strings"
	"time"

	"github.com/docuply/backend/pkg/db/pagination"
	"gorm.io/gorm"
)

// QueryOption mutates a gorm statement before execution.
type QueryOption interface {
	Apply(db *gorm.DB) *gorm.DB
}

type queryOptionFunc func(db *gorm.DB) *gorm.DB

func (f queryOptionFunc) Apply(db *gorm.DB) *gorm.DB { return f(db) }

// ApplyPagination applies cursor pagination. One extra row is fetched so the
// caller can detect whether more pages exist.
func ApplyPagination(p pagination.Pagination) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		size := p.PageSize
		if size <= 0 {
			size = 10
		}

		if token := strings.TrimSpace(p.PageToken); token != "" {
			cursor, err := pagination.DecodeCursor(token)
			if err == nil && cursor.CreatedAt != "" {
				// Bind a time.Time so the comparison is typed the same
				// way on every dialect.
				if ts, parseErr := time.Parse(time.RFC3339Nano, cursor.CreatedAt); parseErr == nil {
					db = db.Where("created_at < ?", ts)
				} else {
					db = db.Where("created_at < ?", cursor.CreatedAt)
				}
			}
		}

		return db.Limit(size + 1)
	})
}

// QuerySortBy restricts sortable columns to an allow list.
type QuerySortBy struct {
	Allow  map[string]bool
	Column string
	Desc   bool
}

// WithSortBy orders by the requested column when allowed, falling back to
// created_at descending.
func WithSortBy(sort QuerySortBy) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		column := strings.TrimSpace(sort.Column)
		if column == "" || !sort.Allow[column] {
			return db.Order("created_at DESC")
		}
		if sort.Desc {
			return db.Order(column + " DESC")
		}
		return db.Order(column + " ASC")
	})
}

// WithLimit caps the result set.
func WithLimit(limit int) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		if limit <= 0 {
			return db
		}
		return db.Limit(limit)
	})
}
