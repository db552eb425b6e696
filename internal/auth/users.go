package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"threatwatch/internal/config"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

type account struct {
	user User
	hash []byte
}

// Authenticator checks passwords against the configured accounts.
type Authenticator struct {
	accounts map[string]account
	// dummy keeps unknown-user checks as slow as known-user ones.
	dummy []byte
}

// NewAuthenticator hashes plaintext passwords once at startup. User ids are
// derived from the username so they stay stable across restarts.
func NewAuthenticator(users []config.UserConfig) (*Authenticator, error) {
	a := &Authenticator{accounts: make(map[string]account, len(users))}
	for _, u := range users {
		hash := []byte(u.PasswordHash)
		if len(hash) == 0 {
			h, err := bcrypt.GenerateFromPassword([]byte(u.Password), bcrypt.DefaultCost)
			if err != nil {
				return nil, fmt.Errorf("hash password for %s: %w", u.Username, err)
			}
			hash = h
		}
		role := u.Role
		if role == "" {
			role = "user"
		}
		a.accounts[u.Username] = account{
			user: User{
				ID:       uuid.NewSHA1(uuid.NameSpaceOID, []byte(u.Username)).String(),
				Username: u.Username,
				Role:     role,
			},
			hash: hash,
		}
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte("threatwatch"), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash dummy password: %w", err)
	}
	a.dummy = dummy
	return a, nil
}

func (a *Authenticator) Authenticate(username, password string) (User, error) {
	acc, ok := a.accounts[username]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(a.dummy, []byte(password))
		return User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(acc.hash, []byte(password)); err != nil {
		return User{}, ErrInvalidCredentials
	}
	return acc.user, nil
}

type ctxKey struct{}

// WithUser stores the authenticated user in ctx.
func WithUser(ctx context.Context, u User) context.Context {
	return context.WithValue(ctx, ctxKey{}, u)
}

func UserFrom(ctx context.Context) (User, bool) {
	u, ok := ctx.Value(ctxKey{}).(User)
	return u, ok
}
