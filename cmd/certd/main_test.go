package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillvergence/skillvergence-cert-go/internal/auth"
	"github.com/skillvergence/skillvergence-cert-go/internal/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	err := rootCmd.Execute()
	return out.String(), err
}

func TestTokenCommandMintsVerifiableToken(t *testing.T) {
	t.Setenv("SKV_JWT_SECRET", "cli-secret")
	t.Setenv("SKV_JWT_ISSUER", "cli-issuer")
	t.Setenv("SKV_JWT_AUDIENCE", "cli-audience")
	t.Setenv("SKV_ENV", "dev")

	out, err := execute(t, "token", "--sub", "admin-7", "--role", "admin", "--name", "Grace Admin")
	require.NoError(t, err)

	v, err := auth.NewVerifier("cli-secret", "cli-issuer", "cli-audience")
	require.NoError(t, err)
	p, err := v.Verify(context.Background(), strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "admin-7", p.UserID)
	assert.True(t, p.IsAdmin())
	assert.Equal(t, "Grace Admin", p.Name)
}

func TestTokenCommandRejectsUnknownRole(t *testing.T) {
	t.Setenv("SKV_JWT_SECRET", "cli-secret")
	t.Setenv("SKV_JWT_ISSUER", "cli-issuer")
	t.Setenv("SKV_JWT_AUDIENCE", "cli-audience")
	t.Setenv("SKV_ENV", "dev")

	_, err := execute(t, "token", "--sub", "u1", "--role", "owner")
	require.Error(t, err)
	tokenRole = auth.RoleLearner
}

func TestCatalogValidate(t *testing.T) {
	out, err := execute(t, "catalog", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "5 courses")
	assert.Contains(t, out, "Electrical Fundamentals")

	bad := filepath.Join(t.TempDir(), "catalog.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"version":"x","courses":[{"courseId":"1"}]}`), 0o600))
	_, err = execute(t, "catalog", "validate", bad)
	require.Error(t, err)
}

func TestOpenStoreSelectsBackend(t *testing.T) {
	s, err := openStore(config.Config{})
	require.NoError(t, err)
	require.NoError(t, s.Ping(context.Background()))

	s, err = openStore(config.Config{SQLitePath: filepath.Join(t.TempDir(), "certd.db")})
	require.NoError(t, err)
	require.NoError(t, s.Ping(context.Background()))
	if closer, ok := s.(interface{ Close() }); ok {
		closer.Close()
	}
}

func TestNewCourierWithoutChannels(t *testing.T) {
	c, err := newCourier(config.Config{})
	require.NoError(t, err)
	assert.NotNil(t, c)
}
