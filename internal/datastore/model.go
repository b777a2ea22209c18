package datastore

import (
	"time"

	"github.com/stratonas/middled/internal/common/cnst"
)

// UserRow backs the users table.
type UserRow struct {
	ID           int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	Username     string    `json:"username" gorm:"type:varchar(64);uniqueIndex"`
	PasswordHash string    `json:"-" gorm:"not null"` // bcrypt digest, never serialized
	Roles        string    `json:"roles"`             // comma-separated role names
	OTPSecret    string    `json:"-"`                 // optional TOTP secret
	Locked       bool      `json:"locked" gorm:"not null;default:false"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (UserRow) TableName() string { return cnst.TableUsers }

// APIKeyRow backs the api_keys table. Only a SHA-256 digest of the key is
// stored.
type APIKeyRow struct {
	ID        int64      `json:"id" gorm:"primaryKey;autoIncrement"`
	Name      string     `json:"name" gorm:"type:varchar(64);uniqueIndex"`
	Digest    string     `json:"-" gorm:"not null;index"`
	Roles     string     `json:"roles"`
	ExpiresAt *time.Time `json:"expires_at"`
	Revoked   bool       `json:"revoked" gorm:"not null;default:false"`
	CreatedAt time.Time  `json:"created_at"`
}

func (APIKeyRow) TableName() string { return cnst.TableAPIKeys }

// AuditRow backs the append-only audit table.
type AuditRow struct {
	ID        int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	Timestamp time.Time `json:"timestamp" gorm:"index"`
	Identity  string    `json:"identity"`
	Method    string    `json:"method" gorm:"index"`
	Phase     string    `json:"phase"`  // "begin" or "finish"
	Args      string    `json:"args"`   // redacted JSON argument vector
	Status    string    `json:"status"` // empty for begin records
	Error     string    `json:"error"`
	Summary   string    `json:"summary"` // rendered human template
}

func (AuditRow) TableName() string { return cnst.TableAudit }
