package stores

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// PostgresStore implements SessionStore for PostgreSQL databases, used by
// self-hosted deployments that centralize chat history.
type PostgresStore struct {
	db  *gorm.DB
	dsn string
}

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(config *StoreConfig) (*PostgresStore, error) {
	if config.Type != "postgres" {
		return nil, fmt.Errorf("invalid store type for PostgreSQL store: %s", config.Type)
	}

	store := &PostgresStore{
		dsn: config.Connection,
	}

	if err := store.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	return store, nil
}

// NewPostgresStoreSimple creates a new PostgreSQL store with just a DSN.
func NewPostgresStoreSimple(dsn string) (*PostgresStore, error) {
	config := NewStoreConfig("postgres", dsn)
	return NewPostgresStore(config)
}

// Connect establishes a connection to the PostgreSQL database.
func (s *PostgresStore) Connect() error {
	db, err := gorm.Open(postgres.Open(s.dsn), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	s.db = db

	if err := s.db.AutoMigrate(&SessionRecord{}, &StoredMessage{}); err != nil {
		return fmt.Errorf("failed to migrate database schema: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	if s.db != nil {
		sqlDB, err := s.db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

// Ping checks if the database connection is alive.
func (s *PostgresStore) Ping() error {
	if s.db == nil {
		return fmt.Errorf("database connection is nil")
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}

	return sqlDB.Ping()
}

// SaveMessage appends a message to its session.
func (s *PostgresStore) SaveMessage(msg StoredMessage) error {
	if s.db == nil {
		return fmt.Errorf("database connection is nil")
	}

	return saveMessage(s.db, msg)
}

// FetchSession retrieves a session's messages in sequence order.
func (s *PostgresStore) FetchSession(sessionID string) ([]StoredMessage, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}

	return fetchSession(s.db, sessionID)
}

// CreateSession creates a new session record.
func (s *PostgresStore) CreateSession(sessionID, tab, username string) error {
	if s.db == nil {
		return fmt.Errorf("database connection is nil")
	}

	return createSession(s.db, sessionID, tab, username)
}

// ListSessionsForTab returns session metadata for a tab, newest first.
func (s *PostgresStore) ListSessionsForTab(tab string) ([]SessionInfo, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}

	return listSessionsForTab(s.db, tab)
}
