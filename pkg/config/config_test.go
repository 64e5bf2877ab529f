package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/bthost/pkg/config"
)

func TestDefaults(t *testing.T) {
	// GOAL: Verify every default applies without a file

	c := config.DefaultConfig()
	assert.Equal(t, "info", c.LogLevel)
	assert.Equal(t, 128, c.EventBuffer)
	assert.Equal(t, 128, c.LoopDepth)
	assert.Equal(t, 30*time.Second, c.AuthTimeout.Std())
}

func TestLoadOverlaysDefaults(t *testing.T) {
	// GOAL: Verify a YAML file overrides only the keys it names

	path := filepath.Join(t.TempDir(), "bthost.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: debug\nauth_timeout: 5s\n"), 0o644))

	c, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", c.LogLevel)
	assert.Equal(t, 5*time.Second, c.AuthTimeout.Std())
	assert.Equal(t, 128, c.EventBuffer, "unnamed keys MUST keep their defaults")
}

func TestLoadErrors(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: [broken"), 0o644))
	_, err = config.Load(path)
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	c := config.DefaultConfig()
	c.LogLevel = "warn"

	logger, err := c.NewLogger()
	require.NoError(t, err)
	assert.Equal(t, logrus.WarnLevel, logger.GetLevel())

	c.LogLevel = "noisy"
	_, err = c.NewLogger()
	assert.Error(t, err)
}
