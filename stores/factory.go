package stores

import (
	"fmt"
)

// NewStore creates a session store based on the configuration.
func NewStore(config *StoreConfig) (SessionStore, error) {
	switch config.Type {
	case "sqlite":
		return NewSQLiteStore(config)
	case "postgres":
		return NewPostgresStore(config)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}

// NewSQLiteStoreDefault creates a SQLite store with default settings.
func NewSQLiteStoreDefault() (SessionStore, error) {
	return NewSQLiteStoreSimple("mentorchat_history.sqlite")
}

// NewPostgresStoreDefault creates a PostgreSQL store from the usual
// connection parameters.
func NewPostgresStoreDefault(host, user, password, dbname string, port int) (SessionStore, error) {
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable",
		host, user, password, dbname, port)
	return NewPostgresStoreSimple(dsn)
}
