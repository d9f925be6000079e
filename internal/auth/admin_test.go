package auth_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hibiki/internal/auth"
)

func TestParseCIDRs(t *testing.T) {
	prefixes, err := auth.ParseCIDRs("192.168.8.0/24, 127.0.0.1 ,,::1")
	require.NoError(t, err)
	require.Len(t, prefixes, 3)
	assert.Equal(t, "192.168.8.0/24", prefixes[0].String())
	assert.Equal(t, "127.0.0.1/32", prefixes[1].String())
	assert.Equal(t, "::1/128", prefixes[2].String())

	_, err = auth.ParseCIDRs("192.168.8.0/99")
	assert.Error(t, err)
	_, err = auth.ParseCIDRs("not-an-ip")
	assert.Error(t, err)

	empty, err := auth.ParseCIDRs("")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestAdminAllowed(t *testing.T) {
	prefixes, err := auth.ParseCIDRs("192.168.8.0/24,127.0.0.1")
	require.NoError(t, err)
	a := auth.NewAdmin(prefixes, "", nil)

	assert.True(t, a.Allowed("192.168.8.17:51234"))
	assert.True(t, a.Allowed("127.0.0.1:80"))
	assert.True(t, a.Allowed("[::ffff:192.168.8.2]:80"), "IPv4-mapped addresses match")
	assert.False(t, a.Allowed("192.168.9.1:80"))
	assert.False(t, a.Allowed("10.0.0.1"))
	assert.False(t, a.Allowed("garbage"))

	open := auth.NewAdmin(nil, "", nil)
	assert.True(t, open.Allowed("203.0.113.9:443"))
}

func TestAdminLogin(t *testing.T) {
	hash, err := auth.HashPassword("hunter2")
	require.NoError(t, err)
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	a := auth.NewAdmin(nil, hash, mgr)
	require.True(t, a.LoginEnabled())

	_, _, err = a.Login("wrong")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)

	token, exp, err := a.Login("hunter2")
	require.NoError(t, err)
	assert.True(t, exp.After(time.Now()))

	claims, err := a.Authenticate(token)
	require.NoError(t, err)
	assert.Equal(t, auth.RoleAdmin, claims.Role)

	_, err = a.Authenticate("")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
	_, err = a.Authenticate("not.a.token")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
}

func TestAdminLoginDisabled(t *testing.T) {
	a := auth.NewAdmin(nil, "", nil)
	assert.False(t, a.LoginEnabled())

	_, _, err := a.Login("anything")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)

	claims, err := a.Authenticate("")
	require.NoError(t, err, "allowlist alone guards the routes")
	assert.Equal(t, auth.RoleAdmin, claims.Role)
}
