package stores

import (
	"fmt"
	"log"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// SQLiteStore implements SessionStore for SQLite databases.
type SQLiteStore struct {
	db   *gorm.DB
	path string
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(config *StoreConfig) (*SQLiteStore, error) {
	if config.Type != "sqlite" {
		return nil, fmt.Errorf("invalid store type for SQLite store: %s", config.Type)
	}

	store := &SQLiteStore{
		path: config.Connection,
	}

	if err := store.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to SQLite database: %w", err)
	}

	return store, nil
}

// NewSQLiteStoreSimple creates a new SQLite store with just a file path.
func NewSQLiteStoreSimple(dbPath string) (*SQLiteStore, error) {
	config := NewStoreConfig("sqlite", dbPath)
	return NewSQLiteStore(config)
}

// Connect establishes a connection to the SQLite database.
func (s *SQLiteStore) Connect() error {
	db, err := gorm.Open(sqlite.Open(s.path), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("failed to connect to SQLite database: %w", err)
	}

	s.db = db

	if err := s.db.AutoMigrate(&SessionRecord{}, &StoredMessage{}); err != nil {
		return fmt.Errorf("failed to migrate database schema: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
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
func (s *SQLiteStore) Ping() error {
	if s.db == nil {
		return fmt.Errorf("database connection is nil")
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}

	return sqlDB.Ping()
}

// SaveMessage appends a message to its session, creating the session
// record on first write and assigning the next sequence number.
func (s *SQLiteStore) SaveMessage(msg StoredMessage) error {
	if s.db == nil {
		return fmt.Errorf("database connection is nil")
	}

	return saveMessage(s.db, msg)
}

// FetchSession retrieves a session's messages in sequence order.
func (s *SQLiteStore) FetchSession(sessionID string) ([]StoredMessage, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}

	return fetchSession(s.db, sessionID)
}

// CreateSession creates a new session record.
func (s *SQLiteStore) CreateSession(sessionID, tab, username string) error {
	if s.db == nil {
		return fmt.Errorf("database connection is nil")
	}

	return createSession(s.db, sessionID, tab, username)
}

// ListSessionsForTab returns session metadata for a tab, newest first.
func (s *SQLiteStore) ListSessionsForTab(tab string) ([]SessionInfo, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}

	return listSessionsForTab(s.db, tab)
}

// saveMessage is the shared write path for both store backends.
func saveMessage(db *gorm.DB, msg StoredMessage) error {
	// Ensure the session record exists. Count() avoids gorm's
	// "record not found" log noise on the first message.
	var count int64
	if err := db.Model(&SessionRecord{}).Where("session_id = ?", msg.SessionID).Count(&count).Error; err != nil {
		log.Printf("Warning: Error checking for session %s: %v", msg.SessionID, err)
	} else if count == 0 {
		if err := createSession(db, msg.SessionID, msg.Tab, ""); err != nil {
			log.Printf("Warning: Failed to create session record for %s: %v", msg.SessionID, err)
		}
	}

	if err := db.Model(&StoredMessage{}).Where("session_id = ?", msg.SessionID).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to count existing messages: %w", err)
	}
	msg.Sequence = int(count) + 1

	tx := db.Begin()
	if err := tx.Create(&msg).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to create message record: %w", err)
	}

	if err := tx.Model(&SessionRecord{}).Where("session_id = ?", msg.SessionID).Update("message_count", msg.Sequence).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to update session message count: %w", err)
	}

	return tx.Commit().Error
}

func fetchSession(db *gorm.DB, sessionID string) ([]StoredMessage, error) {
	var msgs []StoredMessage
	if err := db.Where("session_id = ?", sessionID).Order("sequence ASC").Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	return msgs, nil
}

func createSession(db *gorm.DB, sessionID, tab, username string) error {
	rec := SessionRecord{
		SessionID:    sessionID,
		Tab:          tab,
		Username:     username,
		MessageCount: 0,
	}
	return db.Create(&rec).Error
}

func listSessionsForTab(db *gorm.DB, tab string) ([]SessionInfo, error) {
	var recs []SessionRecord
	if err := db.Where("tab = ?", tab).Order("updated_at DESC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	infos := make([]SessionInfo, 0, len(recs))
	for _, rec := range recs {
		infos = append(infos, SessionInfo{
			SessionID:    rec.SessionID,
			Tab:          rec.Tab,
			Username:     rec.Username,
			MessageCount: rec.MessageCount,
			CreatedAt:    rec.CreatedAt.Format("2006-01-02 15:04:05"),
			UpdatedAt:    rec.UpdatedAt.Format("2006-01-02 15:04:05"),
		})
	}
	return infos, nil
}
