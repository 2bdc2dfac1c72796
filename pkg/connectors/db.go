// Package connectors wraps the storage backends used by the recording index.
package connectors

import (
	"context"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DBConnector hands out a *gorm.DB bound to the given context.
type DBConnector interface {
	DB(ctx context.Context) *gorm.DB
}

type gormConnector struct {
	db *gorm.DB
}

// NewDBConnector opens a GORM connection for the given driver ("sqlite" or
// "postgres") and DSN.
func NewDBConnector(driver, dsn string) (DBConnector, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite", "":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported index driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	return &gormConnector{db: db}, nil
}

func (c *gormConnector) DB(ctx context.Context) *gorm.DB {
	return c.db.WithContext(ctx)
}
