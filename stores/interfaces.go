package stores

import (
	"gorm.io/gorm"
)

// StoredMessage is one persisted chat message: exactly the fields needed to
// resume a session, nothing more.
type StoredMessage struct {
	gorm.Model
	SessionID       string `gorm:"index;not null"`
	Tab             string `gorm:"index"`
	Sequence        int    `gorm:"not null"`
	Role            string `gorm:"not null"` // "user", "assistant"
	Content         string `gorm:"type:text"`
	Visible         bool   `gorm:"default:true"`
	IsError         bool
	IsStopped       bool
	AttachmentsJSON string `gorm:"type:json"`
}

// SessionRecord holds metadata for one chat session.
type SessionRecord struct {
	gorm.Model
	SessionID    string          `gorm:"uniqueIndex;not null"`
	Tab          string          `gorm:"index;not null"`
	Username     string          `gorm:"index"`
	MessageCount int             `gorm:"default:0"`
	Messages     []StoredMessage `gorm:"foreignKey:SessionID;references:SessionID"`
}

// SessionInfo is the listing view of a session.
type SessionInfo struct {
	SessionID    string
	Tab          string
	Username     string
	MessageCount int
	CreatedAt    string
	UpdatedAt    string
}

// SessionStore abstracts session-history persistence. The engine treats it
// as optional: when absent, history lives only in memory.
type SessionStore interface {
	// SaveMessage appends msg to its session; the store assigns Sequence.
	SaveMessage(msg StoredMessage) error
	// FetchSession returns a session's messages in sequence order.
	FetchSession(sessionID string) ([]StoredMessage, error)

	CreateSession(sessionID, tab, username string) error
	ListSessionsForTab(tab string) ([]SessionInfo, error)

	Connect() error
	Close() error
	Ping() error
}

// StoreConfig selects and configures a concrete store.
type StoreConfig struct {
	Type       string            `json:"type"`       // "sqlite", "postgres"
	Connection string            `json:"connection"` // file path or DSN
	Options    map[string]string `json:"options"`
}

// NewStoreConfig creates a new store configuration.
func NewStoreConfig(storeType, connection string) *StoreConfig {
	return &StoreConfig{
		Type:       storeType,
		Connection: connection,
		Options:    make(map[string]string),
	}
}

// WithOption adds an option to the store configuration.
func (c *StoreConfig) WithOption(key, value string) *StoreConfig {
	c.Options[key] = value
	return c
}
