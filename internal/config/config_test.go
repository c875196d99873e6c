package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigDefaults(t *testing.T) {
	c := NewConfig()
	require.NoError(t, c.Validate())
	assert.Equal(t, 30*time.Second, c.CommandTimeout())
	assert.Equal(t, 256, c.CDP.EventBufferSize)
	assert.Equal(t, 500*time.Millisecond, c.NetworkIdle())
	assert.Equal(t, 50*time.Millisecond, c.DetectionWindow())
	assert.Equal(t, 30*time.Second, c.NavigationTimeout())
	assert.Equal(t, 3, c.Auth.MaxRetries)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cdpwire.yaml")
	yamlConfig := []byte(`
cdp:
  endpoint: ws://127.0.0.1:9333/devtools/browser/abc
  commandTimeoutMS: 5000
navigation:
  networkIdleMS: 250
log:
  level: debug
  writer: [console, file]
`)
	require.NoError(t, os.WriteFile(path, yamlConfig, 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:9333/devtools/browser/abc", c.CDP.Endpoint)
	assert.Equal(t, 5*time.Second, c.CommandTimeout())
	assert.Equal(t, 250*time.Millisecond, c.NetworkIdle())
	assert.Equal(t, 256, c.CDP.EventBufferSize, "untouched keys keep defaults")
	assert.Equal(t, []string{"console", "file"}, c.Log.Writer)
}

func TestLoadEmptyPath(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, NewConfig(), c)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cdp:\n  commandTimeoutMS: -1\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "commandTimeoutMS")
}
