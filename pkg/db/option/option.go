package option

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/netcafe/pkg/db/pagination"
	"gorm.io/gorm"
)

// QueryOption mutates a query before execution.
type QueryOption interface {
	Apply(*gorm.DB) *gorm.DB
}

type QueryOptionFunc func(*gorm.DB) *gorm.DB

func (f QueryOptionFunc) Apply(db *gorm.DB) *gorm.DB { return f(db) }

// ApplyPagination applies keyset pagination over snowflake ids, newest first.
// It fetches one extra row so callers can tell whether another page exists.
func ApplyPagination(page pagination.Pagination) QueryOption {
	return QueryOptionFunc(func(db *gorm.DB) *gorm.DB {
		size := page.PageSize
		if size <= 0 {
			size = 50
		}
		if size > 250 {
			size = 250
		}
		if page.PageToken != "" {
			if cursor, err := pagination.DecodeCursor(page.PageToken); err == nil && cursor.ID != "" {
				if id, err := snowflake.ParseString(cursor.ID); err == nil {
					db = db.Where("id < ?", id)
				}
			}
		}
		return db.Limit(size + 1)
	})
}
