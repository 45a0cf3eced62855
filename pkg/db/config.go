package db

import (
	"time"

	"github.com/smallbiznis/netcafe/internal/config"
)

// Config is the connection pool view of config.Config.
type Config struct {
	Type            string
	Name            string
	MaxIdleConn     int
	MaxOpenConn     int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func FromAppConfig(cfg config.Config) Config {
	out := Config{
		Type:            cfg.DBType,
		Name:            cfg.DBName,
		MaxIdleConn:     cfg.DBMaxIdleConn,
		MaxOpenConn:     cfg.DBMaxOpenConn,
		ConnMaxLifetime: time.Duration(cfg.DBConnMaxLifetime) * time.Second,
		ConnMaxIdleTime: time.Duration(cfg.DBConnMaxIdleTime) * time.Second,
	}
	// sqlite serialises writers; one connection avoids SQLITE_BUSY under
	// concurrent ticks.
	if out.Type == "sqlite" {
		out.MaxOpenConn = 1
		out.MaxIdleConn = 1
	}
	return out
}
