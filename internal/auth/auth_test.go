package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"threatwatch/internal/config"
)

func TestAuthenticate(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	a, err := NewAuthenticator([]config.UserConfig{
		{Username: "admin", Password: "adminpassword", Role: "admin"},
		{Username: "analyst", PasswordHash: string(hash)},
	})
	require.NoError(t, err)

	u, err := a.Authenticate("admin", "adminpassword")
	require.NoError(t, err)
	assert.Equal(t, "admin", u.Role)
	assert.NotEmpty(t, u.ID)

	u2, err := a.Authenticate("analyst", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "user", u2.Role)

	_, err = a.Authenticate("admin", "wrong")
	assert.True(t, errors.Is(err, ErrInvalidCredentials))
	_, err = a.Authenticate("nobody", "adminpassword")
	assert.True(t, errors.Is(err, ErrInvalidCredentials))

	again, err := NewAuthenticator([]config.UserConfig{{Username: "admin", Password: "x"}})
	require.NoError(t, err)
	u3, err := again.Authenticate("admin", "x")
	require.NoError(t, err)
	assert.Equal(t, u.ID, u3.ID)
}

func TestIssueAndVerify(t *testing.T) {
	iss, err := NewIssuer("test-secret", "threatwatch", time.Hour)
	require.NoError(t, err)
	token, expires, err := iss.Issue(User{ID: "1", Username: "admin", Role: "admin"})
	require.NoError(t, err)
	assert.True(t, expires.After(time.Now()))

	claims, err := iss.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "admin", claims.Username)
	assert.Equal(t, "admin", claims.Role)
	assert.Equal(t, "1", claims.UserID)
}

func TestVerifyRejectsForeignAndExpiredTokens(t *testing.T) {
	iss, err := NewIssuer("secret-a", "threatwatch", time.Hour)
	require.NoError(t, err)
	other, err := NewIssuer("secret-b", "threatwatch", time.Hour)
	require.NoError(t, err)
	token, _, err := other.Issue(User{ID: "1", Username: "admin"})
	require.NoError(t, err)
	_, err = iss.Verify(token)
	assert.True(t, errors.Is(err, ErrInvalidToken))

	past := time.Now().Add(-3 * time.Hour)
	iss.now = func() time.Time { return past }
	old, _, err := iss.Issue(User{ID: "1", Username: "admin"})
	require.NoError(t, err)
	iss.now = time.Now
	_, err = iss.Verify(old)
	assert.True(t, errors.Is(err, ErrInvalidToken))

	_, err = iss.Verify("not-a-token")
	assert.True(t, errors.Is(err, ErrInvalidToken))
}

func TestRefreshKeepsIdentity(t *testing.T) {
	iss, err := NewIssuer("", "threatwatch", time.Hour)
	require.NoError(t, err)
	token, _, err := iss.Issue(User{ID: "7", Username: "ops", Role: "user"})
	require.NoError(t, err)
	fresh, _, err := iss.Refresh(token)
	require.NoError(t, err)
	claims, err := iss.Verify(fresh)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Username)
}

func TestUserContext(t *testing.T) {
	_, ok := UserFrom(context.Background())
	assert.False(t, ok)
	ctx := WithUser(context.Background(), User{Username: "admin"})
	u, ok := UserFrom(ctx)
	require.True(t, ok)
	assert.Equal(t, "admin", u.Username)
}
