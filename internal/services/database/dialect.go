package database

import (
	"fmt"

	"github.com/routewise/gateway/internal/models"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// openDialector builds the gorm dialector and the database/sql driver name
// for the configured backend. SQLite serves single-node deployments;
// PostgreSQL and MySQL accept either a full DSN or the discrete fields.
func openDialector(config models.DatabaseConfig) (gorm.Dialector, string, error) {
	switch config.Type {
	case models.SQLite:
		if config.FilePath == "" {
			return nil, "", fmt.Errorf("file_path is required for SQLite")
		}
		return sqlite.Open(config.FilePath), "sqlite3", nil

	case models.PostgreSQL:
		dsn := config.DSN
		if dsn == "" {
			dsn = fmt.Sprintf(
				"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
				config.Host,
				config.Port,
				config.Username,
				config.Password,
				config.Database,
				sslMode(config.SSLMode),
			)
		}
		return postgres.Open(dsn), "postgres", nil

	case models.MySQL:
		dsn := config.DSN
		if dsn == "" {
			dsn = fmt.Sprintf(
				"%s:%s@tcp(%s:%d)/%s?parseTime=true",
				config.Username,
				config.Password,
				config.Host,
				config.Port,
				config.Database,
			)
		}
		return mysql.Open(dsn), "mysql", nil

	default:
		return nil, "", fmt.Errorf("unsupported database type: %s", config.Type)
	}
}

func sslMode(mode string) string {
	if mode == "" {
		return "disable"
	}
	return mode
}
