// Package auth verifies logon credentials against a user table.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("auth: invalid username or password")
	ErrUnavailable        = errors.New("auth: credential store unavailable")
)

// Principal is an authenticated user.
type Principal struct {
	UserID   string
	Username string
	// SenderCompID, when set, must match the CompID the client logs on with.
	SenderCompID string
}

type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (Principal, error)
}

type user struct {
	ID           string `db:"id"`
	Username     string `db:"username"`
	PasswordHash string `db:"password"`
	SenderCompID string `db:"sendercompid"`
}

func (u user) check(password string) (Principal, error) {
	err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return Principal{}, ErrInvalidCredentials
	}
	if err != nil {
		return Principal{}, fmt.Errorf("%w: stored hash for %s: %v", ErrInvalidCredentials, u.Username, err)
	}
	return Principal{UserID: u.ID, Username: u.Username, SenderCompID: u.SenderCompID}, nil
}

// Static holds bcrypt hashed credentials in memory.
type Static struct {
	mu    sync.RWMutex
	users map[string]user
}

func NewStatic() *Static {
	return &Static{users: make(map[string]user)}
}

// ParseStatic reads entries of the form "username:bcrypthash:userid[:sendercompid]".
func ParseStatic(entries []string) (*Static, error) {
	s := NewStatic()
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		// bcrypt hashes contain '$' but never ':'
		parts := strings.Split(e, ":")
		if len(parts) < 3 || len(parts) > 4 || parts[0] == "" || parts[2] == "" {
			return nil, fmt.Errorf("invalid credential entry %q", e)
		}
		if _, err := bcrypt.Cost([]byte(parts[1])); err != nil {
			return nil, fmt.Errorf("credential entry for %s: %w", parts[0], err)
		}
		u := user{Username: parts[0], PasswordHash: parts[1], ID: parts[2]}
		if len(parts) == 4 {
			u.SenderCompID = parts[3]
		}
		s.add(u)
	}
	return s, nil
}

// Add registers a user with a plaintext password, hashing it with bcrypt.
func (s *Static) Add(username, password, userID, senderCompID string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return err
	}
	s.add(user{ID: userID, Username: username, PasswordHash: string(hash), SenderCompID: senderCompID})
	return nil
}

func (s *Static) add(u user) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.Username] = u
}

func (s *Static) Authenticate(_ context.Context, username, password string) (Principal, error) {
	s.mu.RLock()
	u, ok := s.users[username]
	s.mu.RUnlock()
	if !ok {
		return Principal{}, ErrInvalidCredentials
	}
	return u.check(password)
}

// Postgres looks users up in the users table.
type Postgres struct {
	db *sqlx.DB
}

func NewPostgres(db *sqlx.DB) *Postgres { return &Postgres{db: db} }

// ConnectPostgres opens and pings the database.
func ConnectPostgres(dsn string) (*Postgres, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return NewPostgres(db), nil
}

const userByName = `SELECT id::text AS id, username, password, sendercompid::text AS sendercompid
FROM users WHERE username = $1`

func (p *Postgres) Authenticate(ctx context.Context, username, password string) (Principal, error) {
	var u user
	err := p.db.GetContext(ctx, &u, userByName, username)
	if errors.Is(err, sql.ErrNoRows) {
		return Principal{}, ErrInvalidCredentials
	}
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return u.check(password)
}

func (p *Postgres) Close() error { return p.db.Close() }

var (
	_ Authenticator = (*Static)(nil)
	_ Authenticator = (*Postgres)(nil)
)
