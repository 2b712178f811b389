// Package auth verifies the credentials a client presents in HELLO.
//
// Passwords are stored as bcrypt hashes. Repeated failures lock an account
// for a while; every attempt is reported to an optional audit callback.
//
// Example Usage:
//
//	authenticator, err := auth.NewAuthenticator(auth.DefaultAuthConfig())
//	if err != nil {
//		log.Fatal(err)
//	}
//	authenticator.SetAuditLogger(func(e auth.AuditEvent) {
//		logger.Info("auth", zap.String("user", e.Username), zap.Bool("success", e.Success))
//	})
//	authenticator.CreateUser("admin", "SecurePass123!")
//
//	if err := authenticator.Authenticate("admin", password); err != nil {
//		// ErrInvalidCredentials or ErrAccountLocked
//	}
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Errors for authentication operations.
var (
	ErrUserNotFound       = errors.New("user not found")
	ErrUserExists         = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("account locked due to failed login attempts")
	ErrPasswordTooShort   = errors.New("password does not meet minimum length requirement")
	ErrNoCredentials      = errors.New("no credentials provided")
)

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	// Password policy
	MinPasswordLength int
	BcryptCost        int

	// Lockout settings
	MaxFailedLogins int
	LockoutDuration time.Duration

	// SecurityEnabled false accepts every client.
	SecurityEnabled bool
}

// DefaultAuthConfig returns default authentication configuration.
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		MinPasswordLength: 8,
		BcryptCost:        bcrypt.DefaultCost,
		MaxFailedLogins:   5,
		LockoutDuration:   15 * time.Minute,
		SecurityEnabled:   true,
	}
}

// AuditEvent records one authentication-related action.
type AuditEvent struct {
	Timestamp time.Time
	EventType string // "login", "user_create", "user_delete"
	Username  string
	Success   bool
	Details   string
}

type user struct {
	passwordHash []byte
	failedLogins int
	lockedUntil  time.Time
	lastLogin    time.Time
}

// Authenticator manages users and checks credentials. It is safe for
// concurrent use.
type Authenticator struct {
	config AuthConfig

	mu    sync.Mutex
	users map[string]*user
	audit func(AuditEvent)
	now   func() time.Time
}

// NewAuthenticator creates an Authenticator with no users.
func NewAuthenticator(config AuthConfig) (*Authenticator, error) {
	if config.BcryptCost == 0 {
		config.BcryptCost = bcrypt.DefaultCost
	}
	if config.BcryptCost < bcrypt.MinCost || config.BcryptCost > bcrypt.MaxCost {
		return nil, fmt.Errorf("bcrypt cost %d out of range [%d, %d]", config.BcryptCost, bcrypt.MinCost, bcrypt.MaxCost)
	}
	return &Authenticator{
		config: config,
		users:  make(map[string]*user),
		now:    time.Now,
	}, nil
}

// SetAuditLogger sets the callback for audit events.
func (a *Authenticator) SetAuditLogger(fn func(AuditEvent)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.audit = fn
}

// logAudit must be called with a.mu held.
func (a *Authenticator) logAudit(event AuditEvent) {
	if a.audit == nil {
		return
	}
	event.Timestamp = a.now()
	a.audit(event)
}

// IsSecurityEnabled reports whether credentials are checked.
func (a *Authenticator) IsSecurityEnabled() bool { return a.config.SecurityEnabled }

// CreateUser adds a user with a bcrypt hash of password.
func (a *Authenticator) CreateUser(username, password string) error {
	if len(password) < a.config.MinPasswordLength {
		return fmt.Errorf("%w: minimum %d characters required", ErrPasswordTooShort, a.config.MinPasswordLength)
	}
	// Hash outside the lock; bcrypt is slow by design of the algorithm.
	hash, err := bcrypt.GenerateFromPassword([]byte(password), a.config.BcryptCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.users[username]; exists {
		a.logAudit(AuditEvent{EventType: "user_create", Username: username, Details: "user already exists"})
		return ErrUserExists
	}
	a.users[username] = &user{passwordHash: hash}
	a.logAudit(AuditEvent{EventType: "user_create", Username: username, Success: true})
	return nil
}

// DeleteUser removes a user.
func (a *Authenticator) DeleteUser(username string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.users[username]; !exists {
		return ErrUserNotFound
	}
	delete(a.users, username)
	a.logAudit(AuditEvent{EventType: "user_delete", Username: username, Success: true})
	return nil
}

// Usernames returns the known users in sorted order.
func (a *Authenticator) Usernames() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	names := make([]string, 0, len(a.users))
	for name := range a.users {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Authenticate checks username and password.
//
// An unknown user and a wrong password both return ErrInvalidCredentials.
// After MaxFailedLogins consecutive failures the account is locked for
// LockoutDuration and ErrAccountLocked is returned, even for the right
// password.
func (a *Authenticator) Authenticate(username, password string) error {
	if !a.config.SecurityEnabled {
		return nil
	}
	if username == "" {
		return ErrNoCredentials
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	u, exists := a.users[username]
	if !exists {
		a.logAudit(AuditEvent{EventType: "login", Username: username, Details: "unknown user"})
		return ErrInvalidCredentials
	}

	now := a.now()
	if !u.lockedUntil.IsZero() && now.Before(u.lockedUntil) {
		a.logAudit(AuditEvent{EventType: "login", Username: username, Details: "account locked"})
		return ErrAccountLocked
	}

	if err := bcrypt.CompareHashAndPassword(u.passwordHash, []byte(password)); err != nil {
		u.failedLogins++
		if a.config.MaxFailedLogins > 0 && u.failedLogins >= a.config.MaxFailedLogins {
			u.lockedUntil = now.Add(a.config.LockoutDuration)
			u.failedLogins = 0
		}
		a.logAudit(AuditEvent{EventType: "login", Username: username, Details: "invalid password"})
		return ErrInvalidCredentials
	}

	u.failedLogins = 0
	u.lockedUntil = time.Time{}
	u.lastLogin = now
	a.logAudit(AuditEvent{EventType: "login", Username: username, Success: true})
	return nil
}

// SecureCompare compares two strings in constant time.
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
