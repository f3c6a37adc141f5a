package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3001, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "docker", cfg.Sandbox.Driver)
	assert.Equal(t, "1", cfg.Sandbox.CPULimit)
	assert.Equal(t, "256MB", cfg.Sandbox.MemoryLimit)
	assert.Equal(t, 5*time.Second, cfg.Sandbox.StartupTimeout())
	assert.Equal(t, 30*time.Second, cfg.Sandbox.ExecuteTimeout())
	assert.Equal(t, 10*time.Minute, cfg.Terminal.MaxSession)
}

func TestLoadEnvOverrides(t *testing.T) {
	chdirTemp(t)
	t.Setenv("STARTUP_TIMEOUT", "1500")
	t.Setenv("EXECUTE_TIMEOUT", "9000")
	t.Setenv("DOCKER_MEMORY_LIMIT", "512MB")
	t.Setenv("PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 1500*time.Millisecond, cfg.Sandbox.StartupTimeout())
	assert.Equal(t, 9*time.Second, cfg.Sandbox.ExecuteTimeout())
	assert.Equal(t, "512MB", cfg.Sandbox.MemoryLimit)
	assert.Equal(t, 9090, cfg.Server.Port)
}

func TestLoadDotenvLocalOverrides(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("JWT_KEY=base\nJWT_ISSUER=kodit\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env.local"), []byte("JWT_KEY=local\n"), 0o644))
	t.Cleanup(func() {
		os.Unsetenv("JWT_KEY")
		os.Unsetenv("JWT_ISSUER")
	})

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "local", cfg.Auth.JWTKey)
	assert.Equal(t, "kodit", cfg.Auth.JWTIssuer)
}

func TestLoadConfigFile(t *testing.T) {
	dir := chdirTemp(t)
	yaml := `
sandbox:
  driver: engine
  image: gcc:13
  keep_workspaces: true
terminal:
  max_session: 2m
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "gradebox.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "engine", cfg.Sandbox.Driver)
	assert.Equal(t, "gcc:13", cfg.Sandbox.Image)
	assert.True(t, cfg.Sandbox.KeepWorkspaces)
	assert.Equal(t, 2*time.Minute, cfg.Terminal.MaxSession)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "unknown storage", mutate: func(c *Config) { c.Storage.Driver = "mysql" }, wantErr: true},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Storage.Driver = "postgres" }, wantErr: true},
		{name: "unknown sandbox", mutate: func(c *Config) { c.Sandbox.Driver = "podman" }, wantErr: true},
		{name: "zero execute timeout", mutate: func(c *Config) { c.Sandbox.ExecuteTimeoutMS = 0 }, wantErr: true},
		{name: "empty image", mutate: func(c *Config) { c.Sandbox.Image = " " }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				Storage: StorageConfig{Driver: "sqlite"},
				Sandbox: SandboxConfig{Driver: "docker", Image: "img", ExecuteTimeoutMS: 1000},
			}
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
