// Package auth validates credentials against the datastore and mints the
// one-shot tokens that authorize file transfers.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/stratonas/middled/internal/common/cnst"
	"github.com/stratonas/middled/internal/common/errorx"
	"github.com/stratonas/middled/internal/common/filterx"
	"github.com/stratonas/middled/internal/datastore"
)

// Identity is the result of a successful credential check.
type Identity struct {
	Name  string
	Roles []string
}

// Authenticator checks passwords and API keys.
type Authenticator struct {
	logger        *zap.Logger
	store         datastore.Store
	logFailures   bool
}

// NewAuthenticator creates an Authenticator backed by the datastore.
func NewAuthenticator(logger *zap.Logger, store datastore.Store, logFailures bool) *Authenticator {
	return &Authenticator{
		logger:      logger.Named("auth"),
		store:       store,
		logFailures: logFailures,
	}
}

// VerifyPassword checks username/password (and OTP when the account has a
// secret enrolled). Failures are uniformly Unauthorized.
func (a *Authenticator) VerifyPassword(ctx context.Context, username, password, otp string) (*Identity, error) {
	row, err := a.userByName(ctx, username)
	if err != nil {
		// Burn a bcrypt round anyway so missing and present accounts
		// are indistinguishable by timing.
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$0000000000000000000000"), []byte(password))
		return nil, a.failed(username, "unknown user")
	}

	if truthy(row["locked"]) {
		return nil, a.failed(username, "account locked")
	}

	hash, _ := row["password_hash"].(string)
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return nil, a.failed(username, "bad password")
	}

	if secret, _ := row["otp_secret"].(string); secret != "" {
		if !verifyTOTP(secret, otp, time.Now()) {
			return nil, a.failed(username, "bad otp")
		}
	}

	return &Identity{Name: username, Roles: splitRoles(row["roles"])}, nil
}

// VerifyAPIKey checks an opaque API key against the stored digests.
func (a *Authenticator) VerifyAPIKey(ctx context.Context, key string) (*Identity, error) {
	digest := sha256.Sum256([]byte(key))
	f := filterx.Filter{{Field: "digest", Op: "=", Value: hex.EncodeToString(digest[:])}}

	rows, err := a.store.Query(ctx, cnst.TableAPIKeys, f, filterx.Options{Limit: 1})
	if err != nil || len(rows) == 0 {
		return nil, a.failed("api-key", "unknown key")
	}
	row := rows[0]

	if truthy(row["revoked"]) {
		return nil, a.failed("api-key", "revoked key")
	}
	if exp := parseTime(row["expires_at"]); !exp.IsZero() && exp.Before(time.Now()) {
		return nil, a.failed("api-key", "expired key")
	}

	name, _ := row["name"].(string)
	return &Identity{Name: "api_key:" + name, Roles: splitRoles(row["roles"])}, nil
}

// CreateUser stores a new user with a bcrypt-hashed password. Used by the
// user plugin and first-boot provisioning.
func (a *Authenticator) CreateUser(ctx context.Context, username, password string, roles []string) (int64, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return 0, errorx.Internal(err)
	}
	return a.store.Insert(ctx, cnst.TableUsers, map[string]any{
		"username":      username,
		"password_hash": string(hash),
		"roles":         strings.Join(roles, ","),
		"created_at":    time.Now().UTC(),
		"updated_at":    time.Now().UTC(),
	})
}

func (a *Authenticator) userByName(ctx context.Context, username string) (map[string]any, error) {
	f := filterx.Filter{{Field: "username", Op: "=", Value: username}}
	rows, err := a.store.Query(ctx, cnst.TableUsers, f, filterx.Options{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errorx.NotFound("user %q does not exist", username)
	}
	return rows[0], nil
}

func (a *Authenticator) failed(who, why string) error {
	if a.logFailures {
		a.logger.Warn("authentication failed",
			zap.String("who", who),
			zap.String("why", why))
	}
	return errorx.Unauthorized()
}

// truthy reads a boolean column. SQLite hands booleans back as integers
// when rows are scanned into maps.
func truthy(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case int64:
		return b != 0
	case float64:
		return b != 0
	default:
		return false
	}
}

func splitRoles(v any) []string {
	s, _ := v.(string)
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func parseTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err == nil {
			return parsed
		}
	}
	return time.Time{}
}
